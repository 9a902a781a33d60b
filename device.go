// go-pn5180
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn5180.
//
// go-pn5180 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn5180 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn5180; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package pn5180

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-pn5180/detection"
	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
	"github.com/rs/zerolog"
)

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures retry behavior for transport operations
	RetryConfig *RetryConfig
	// Timeout is the default bound for card response waits
	Timeout time.Duration
	// IRQPollInterval is the IRQ_STATUS polling period used when the
	// transport cannot observe the IRQ line
	IRQPollInterval time.Duration
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig:     DefaultRetryConfig(),
		Timeout:         1 * time.Second,
		IRQPollInterval: 10 * time.Millisecond,
	}
}

// Option configures a Device created by New
type Option func(*Device) error

// WithTimeout sets the default card response timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidParameter)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithRetryConfig sets the retry configuration used by SetRetryConfig-aware
// transports
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		d.config.RetryConfig = config
		return nil
	}
}

// WithLogger installs a logger for wire tracing and lifecycle events. The
// default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) error {
		d.log = logger
		return nil
	}
}

// WithIRQPollInterval sets the polling period for the IRQ_STATUS register
// fallback on transports without an IRQ line
func WithIRQPollInterval(interval time.Duration) Option {
	return func(d *Device) error {
		if interval <= 0 {
			return fmt.Errorf("%w: poll interval must be positive", ErrInvalidParameter)
		}
		d.config.IRQPollInterval = interval
		return nil
	}
}

// Device represents a PN5180 NFC frontend.
//
// Thread Safety: all host interface exchanges are serialized through an
// internal mutex, so a command never interleaves with another. Higher-level
// operations that span several commands (selection, inventory) still expect
// a single caller at a time; RF sessions enforce that one session owns the
// field.
type Device struct {
	transport     Transport
	config        *DeviceConfig
	version       *FirmwareVersion
	log           zerolog.Logger
	mu            syncutil.Mutex
	sessionActive atomic.Bool
}

// New creates a new PN5180 device with the given transport
func New(transport Transport, opts ...Option) (*Device, error) {
	device := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
		log:       Logger(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}

	return device, nil
}

// TransportFactory is a function type for creating transports
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory is a function type for creating transports from detected devices
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// ConnectOption represents a functional option for ConnectDevice
type ConnectOption func(*connectConfig) error

// connectConfig holds configuration options for device connection
type connectConfig struct {
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	deviceDetector         func(*detection.Options) ([]detection.DeviceInfo, error)
	deviceOptions          []Option
	timeout                time.Duration
	autoDetect             bool
	connectionRetries      int
}

// WithAutoDetection enables automatic device detection instead of using a specific path
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithDeviceOptions adds device-level options
func WithDeviceOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceOptions = append(c.deviceOptions, opts...)
		return nil
	}
}

// WithConnectTimeout sets the device connection timeout
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets the transport factory function
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets the transport from device factory function
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets the number of connection retry attempts
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("connection retries must be at least 1, got %d", maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector sets a custom device detector function for auto-detection
func WithDeviceDetector(detector func(*detection.Options) ([]detection.DeviceInfo, error)) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceDetector = detector
		return nil
	}
}

func applyConnectOptions(opts []ConnectOption) (*connectConfig, error) {
	config := &connectConfig{
		autoDetect:             false,
		deviceOptions:          nil,
		timeout:                30 * time.Second,
		transportFactory:       nil,
		transportDeviceFactory: nil,
		connectionRetries:      3, // Default to 3 attempts for manual connections
	}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply connect option: %w", err)
		}
	}

	return config, nil
}

func createTransport(path string, config *connectConfig) (Transport, error) {
	if config.autoDetect || path == "" {
		return createAutoDetectedTransport(config.transportDeviceFactory, config.deviceDetector)
	}
	return createManualTransport(path, config.transportFactory)
}

func setupDevice(transport Transport, config *connectConfig) (*Device, error) {
	device, err := New(transport, config.deviceOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	if config.timeout > 0 {
		if err := device.SetTimeout(config.timeout); err != nil {
			return nil, fmt.Errorf("failed to set timeout: %w", err)
		}
	}

	if err := device.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}

	return device, nil
}

// setupDeviceWithRetry wraps setupDevice with retry logic for connection attempts
func setupDeviceWithRetry(transport Transport, config *connectConfig) (*Device, error) {
	// Auto-detection should bypass retry logic (single attempt only)
	if config.autoDetect {
		return setupDevice(transport, config)
	}

	// Manual connections use retry logic
	retryConfig := &RetryConfig{
		MaxAttempts:       config.connectionRetries,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      10 * time.Second,
	}

	var device *Device
	err := RetryWithConfig(context.Background(), retryConfig, func() error {
		var err error
		device, err = setupDevice(transport, config)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup device after %d attempts: %w", config.connectionRetries, err)
	}

	return device, nil
}

// ConnectDevice creates and initializes a PN5180 device from a path or
// auto-detection. This is a high-level convenience function that handles
// transport creation, device initialization and the first firmware readout.
//
// Example usage:
//
//	// Connect to a serial bridge
//	device, err := pn5180.ConnectDevice("/dev/ttyACM0",
//	    pn5180.WithTransportFactory(uart.New))
//
//	// Auto-detect device
//	device, err := pn5180.ConnectDevice("", pn5180.WithAutoDetection(),
//	    pn5180.WithTransportFromDeviceFactory(factory))
func ConnectDevice(path string, opts ...ConnectOption) (*Device, error) {
	config, err := applyConnectOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to apply connect options: %w", err)
	}

	transport, err := createTransport(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	device, err := setupDeviceWithRetry(transport, config)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	return device, nil
}

// createManualTransport handles creation of transport for a specific path
func createManualTransport(path string, factory TransportFactory) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport factory not provided")
	}

	transport, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for path %s: %w", path, err)
	}

	return transport, nil
}

// createAutoDetectedTransport handles auto-detection of devices
func createAutoDetectedTransport(
	factory TransportFromDeviceFactory,
	detector func(*detection.Options) ([]detection.DeviceInfo, error),
) (Transport, error) {
	opts := detection.DefaultOptions()

	var devices []detection.DeviceInfo
	var err error

	if detector != nil {
		devices, err = detector(&opts)
	} else {
		devices, err = detection.DetectAll(&opts)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, errors.New("no PN5180 devices found")
	}

	// Use the first detected device
	device := devices[0]
	if factory == nil {
		return nil, errors.New("transport device factory not provided")
	}
	return factory(device)
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}

// Init initializes the device: a reset followed by the firmware readout
// that doubles as a liveness check.
func (d *Device) Init() error {
	return d.InitContext(context.Background())
}

// SetTimeout sets the default timeout for operations
func (d *Device) SetTimeout(timeout time.Duration) error {
	d.config.Timeout = timeout
	if err := d.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on transport: %w", err)
	}
	return nil
}

// SetRetryConfig updates the retry configuration
func (d *Device) SetRetryConfig(config *RetryConfig) {
	d.config.RetryConfig = config
	if tr, ok := d.transport.(*TransportWithRetry); ok {
		tr.SetRetryConfig(config)
	}
}

// hasCapability checks if the transport has the specified capability
func (d *Device) hasCapability(capability TransportCapability) bool {
	if checker, ok := d.transport.(TransportCapabilityChecker); ok {
		return checker.HasCapability(capability)
	}
	return false
}

// Close closes the device connection
func (d *Device) Close() error {
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// exchange funnels every host interface command through the device mutex so
// exchanges never interleave.
func (d *Device) exchange(ctx context.Context, opcode byte, params []byte, respLen int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Trace().Uint8("opcode", opcode).Hex("params", params).Msg("host command")
	resp, err := d.transport.TransceiveWithContext(ctx, opcode, params, respLen)
	if err != nil {
		return nil, err
	}
	if respLen > 0 {
		d.log.Trace().Uint8("opcode", opcode).Hex("response", resp).Msg("host response")
		if len(resp) < respLen {
			return nil, fmt.Errorf("%w: got %d of %d bytes for opcode 0x%02X",
				ErrInvalidResponse, len(resp), respLen, opcode)
		}
	}
	return resp, nil
}

// Plain variants of the host interface operations. Implementations live in
// device_context.go.

// Reset performs a hardware reset of the frontend
func (d *Device) Reset() error {
	return d.ResetContext(context.Background())
}

// WriteRegister overwrites a 32-bit register
func (d *Device) WriteRegister(addr byte, value uint32) error {
	return d.WriteRegisterContext(context.Background(), addr, value)
}

// WriteRegisterOrMask ORs mask into a register
func (d *Device) WriteRegisterOrMask(addr byte, mask uint32) error {
	return d.WriteRegisterOrMaskContext(context.Background(), addr, mask)
}

// WriteRegisterAndMask ANDs mask into a register
func (d *Device) WriteRegisterAndMask(addr byte, mask uint32) error {
	return d.WriteRegisterAndMaskContext(context.Background(), addr, mask)
}

// WriteRegisterMultiple applies up to 42 register writes in one command
func (d *Device) WriteRegisterMultiple(writes []RegisterWrite) error {
	return d.WriteRegisterMultipleContext(context.Background(), writes)
}

// ReadRegister reads a 32-bit register
func (d *Device) ReadRegister(addr byte) (uint32, error) {
	return d.ReadRegisterContext(context.Background(), addr)
}

// ReadRegisterMultiple reads up to 18 registers in one command
func (d *Device) ReadRegisterMultiple(addrs []byte) ([]uint32, error) {
	return d.ReadRegisterMultipleContext(context.Background(), addrs)
}

// WriteEEPROM writes up to 255 bytes of EEPROM
func (d *Device) WriteEEPROM(addr byte, data []byte) error {
	return d.WriteEEPROMContext(context.Background(), addr, data)
}

// ReadEEPROM reads n bytes of EEPROM
func (d *Device) ReadEEPROM(addr byte, n int) ([]byte, error) {
	return d.ReadEEPROMContext(context.Background(), addr, n)
}

// WriteTXData fills the transmit buffer without starting a transmission
func (d *Device) WriteTXData(data []byte) error {
	return d.WriteTXDataContext(context.Background(), data)
}

// SendData transmits an RF frame. validBits is the number of valid bits in
// the final byte, 0 meaning all eight.
func (d *Device) SendData(validBits byte, data []byte) error {
	return d.SendDataContext(context.Background(), validBits, data)
}

// ReadData reads up to 508 bytes from the receive buffer
func (d *Device) ReadData(n int) ([]byte, error) {
	return d.ReadDataContext(context.Background(), n)
}

// SwitchMode switches the frontend into standby, LPCD or autocoll
func (d *Device) SwitchMode(mode Mode, params []byte) error {
	return d.SwitchModeContext(context.Background(), mode, params)
}

// MifareAuthenticate runs the Classic authentication state machine for one
// block. uid is the 4-byte card UID packed little-endian.
func (d *Device) MifareAuthenticate(
	key []byte, keyType byte, block byte, uid uint32,
) (MifareAuthStatus, error) {
	return d.MifareAuthenticateContext(context.Background(), key, keyType, block, uid)
}

// EPCInventory starts the EPC inventory algorithm
func (d *Device) EPCInventory(
	selectCmd []byte, finalBits byte, beginRound []byte, behavior TimeslotBehavior,
) error {
	return d.EPCInventoryContext(context.Background(), selectCmd, finalBits, beginRound, behavior)
}

// EPCResumeInventory continues a paused EPC inventory round
func (d *Device) EPCResumeInventory() error {
	return d.EPCResumeInventoryContext(context.Background())
}

// EPCRetrieveInventoryResultSize reports the pending EPC result size
func (d *Device) EPCRetrieveInventoryResultSize() (int, error) {
	return d.EPCRetrieveInventoryResultSizeContext(context.Background())
}

// LoadRFConfig loads the transmitter and receiver RF configurations
func (d *Device) LoadRFConfig(tx TxConfig, rx RxConfig) error {
	return d.LoadRFConfigContext(context.Background(), tx, rx)
}

// RFOn switches the RF field on
func (d *Device) RFOn(flags RFOnFlag) error {
	return d.RFOnContext(context.Background(), flags)
}

// RFOff switches the RF field off
func (d *Device) RFOff() error {
	return d.RFOffContext(context.Background())
}

// IsIRQSet samples the IRQ line
func (d *Device) IsIRQSet() (bool, error) {
	return d.IsIRQSetContext(context.Background())
}

// WaitForIRQ blocks until the IRQ line asserts or timeout passes. It
// reports false on timeout without error, matching card-absence semantics.
func (d *Device) WaitForIRQ(timeout time.Duration) (bool, error) {
	return d.WaitForIRQContext(context.Background(), timeout)
}
