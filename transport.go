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
	"sync"
	"time"
)

// Transport carries PN5180 host interface commands. This can be implemented
// by the native SPI backend or by a serial bridge.
//
// A Transceive call covers one full command: the command frame travels to
// the device, and when respLen > 0 the response phase reads back exactly
// respLen bytes. Both phases run the busy/ready handshake; a device that
// never becomes ready fails the call with a timeout instead of blocking.
type Transport interface {
	// Transceive sends opcode with params and reads back respLen bytes
	// (nil response when respLen is 0)
	Transceive(opcode byte, params []byte, respLen int) ([]byte, error)

	// TransceiveWithContext is Transceive with context support
	TransceiveWithContext(ctx context.Context, opcode byte, params []byte, respLen int) ([]byte, error)

	// Close closes the transport connection
	Close() error

	// SetTimeout sets the per-phase handshake timeout
	SetTimeout(timeout time.Duration) error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportSPI represents the native SPI bus transport.
	TransportSPI TransportType = "spi"
	// TransportUART represents the serial bridge transport.
	TransportUART TransportType = "uart"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// DefaultHandshakeTimeout bounds each phase of the busy/ready handshake.
const DefaultHandshakeTimeout = 800 * time.Millisecond

// TransportCapability represents specific capabilities or behaviors of a transport
type TransportCapability string

const (
	// CapabilityHardReset indicates the transport can drive the RESET_N
	// line, either directly or through bridge firmware
	CapabilityHardReset TransportCapability = "hard_reset"

	// CapabilityIRQLine indicates the transport can observe the IRQ line;
	// without it the device falls back to polling IRQ_STATUS
	CapabilityIRQLine TransportCapability = "irq_line"
)

// TransportCapabilityChecker defines an interface for querying transport capabilities
type TransportCapabilityChecker interface {
	// HasCapability returns true if the transport has the specified capability
	HasCapability(capability TransportCapability) bool
}

// TransportWithRetry wraps a Transport with retry capabilities. It is never
// installed automatically; callers that want retries opt in explicitly.
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// Transceive sends a command with retry logic
func (t *TransportWithRetry) Transceive(opcode byte, params []byte, respLen int) ([]byte, error) {
	return t.TransceiveWithContext(context.Background(), opcode, params, respLen)
}

// TransceiveWithContext sends a command with context support and retry logic
func (t *TransportWithRetry) TransceiveWithContext(
	ctx context.Context, opcode byte, params []byte, respLen int,
) ([]byte, error) {
	var result []byte
	// Use command-specific retry configuration for better reliability
	retryConfig := GetRetryConfigForCommand(opcode)
	err := RetryWithConfig(ctx, retryConfig, func() error {
		var err error
		result, err = t.transport.TransceiveWithContext(ctx, opcode, params, respLen)
		if err != nil {
			// Try recovery for recoverable errors
			if IsRecoverable(err) && t.attemptRecovery(ctx, opcode) == nil {
				// Recovery succeeded, retry once
				if retryResult, retryErr := t.transport.TransceiveWithContext(
					ctx, opcode, params, respLen); retryErr == nil {
					result = retryResult
					return nil
				}
			}
			// Wrap transport errors for better error handling
			return &TransportError{
				Op:        "Transceive",
				Err:       err,
				Type:      GetErrorType(err),
				Retryable: IsRetryable(err),
			}
		}
		return nil
	})
	return result, err
}

// attemptRecovery tries to unstick the device before the next retry. When
// the transport can drive RESET_N the chip is reset first; either way a
// firmware version read from EEPROM serves as the health check.
func (t *TransportWithRetry) attemptRecovery(ctx context.Context, originalCmd byte) error {
	// A failed recovery command must not trigger nested recovery
	if originalCmd == CmdReset || originalCmd == CmdReadEEPROM {
		return errors.New("recovery command failed, skipping nested recovery")
	}

	if t.HasCapability(CapabilityHardReset) {
		if _, err := t.transport.TransceiveWithContext(ctx, CmdReset, nil, 0); err != nil {
			return fmt.Errorf("recovery reset failed: %w", err)
		}
	}

	// Health check: firmware version lives at EEPROM 0x12
	if _, err := t.transport.TransceiveWithContext(
		ctx, CmdReadEEPROM, []byte{eepromFirmwareVersion, 2}, 2); err != nil {
		return fmt.Errorf("recovery health check failed: %w", err)
	}

	return nil
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// SetTimeout sets the handshake timeout for the transport
func (t *TransportWithRetry) SetTimeout(timeout time.Duration) error {
	if err := t.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on underlying transport: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *TransportWithRetry) IsConnected() bool {
	return t.transport.IsConnected()
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// HasCapability forwards capability checking to the underlying transport
func (t *TransportWithRetry) HasCapability(capability TransportCapability) bool {
	if capChecker, ok := t.transport.(TransportCapabilityChecker); ok {
		return capChecker.HasCapability(capability)
	}
	return false
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}

// MockTransport provides a mock implementation of Transport for testing
type MockTransport struct {
	responses  map[byte][]byte
	callCount  map[byte]int
	errorMap   map[byte]error
	lastParams map[byte][]byte
	timeout    time.Duration
	delay      time.Duration
	mu         sync.RWMutex
	connected  bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected:  true,
		timeout:    DefaultHandshakeTimeout,
		responses:  make(map[byte][]byte),
		callCount:  make(map[byte]int),
		lastParams: make(map[byte][]byte),
		delay:      0,
		errorMap:   make(map[byte]error),
	}
}

// Transceive implements Transport interface
func (m *MockTransport) Transceive(opcode byte, params []byte, respLen int) ([]byte, error) {
	return m.TransceiveWithContext(context.Background(), opcode, params, respLen)
}

// TransceiveWithContext implements Transport interface with context support
func (m *MockTransport) TransceiveWithContext(
	ctx context.Context, opcode byte, params []byte, respLen int,
) ([]byte, error) {
	// Check context cancellation first
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	connected := m.connected
	delay := m.delay
	m.mu.RUnlock()

	if !connected {
		return nil, ErrTransportClosed
	}

	// Simulate hardware delay if configured with context awareness
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	// Track call count and the params the command carried
	m.callCount[opcode]++
	m.lastParams[opcode] = append([]byte(nil), params...)

	// Check for injected error
	if err, exists := m.errorMap[opcode]; exists {
		m.mu.Unlock()
		return nil, err
	}

	// Return configured response
	if response, exists := m.responses[opcode]; exists {
		m.mu.Unlock()
		return response, nil
	}
	m.mu.Unlock()

	// Default response: all-zero bytes of the requested length
	if respLen <= 0 {
		return nil, nil
	}
	return make([]byte, respLen), nil
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// SetTimeout implements Transport interface
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport interface
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures a response for a specific command
func (m *MockTransport) SetResponse(opcode byte, response []byte) {
	m.mu.Lock()
	m.responses[opcode] = response
	m.mu.Unlock()
}

// SetError configures an error to be returned for a specific command
func (m *MockTransport) SetError(opcode byte, err error) {
	m.mu.Lock()
	m.errorMap[opcode] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command
func (m *MockTransport) ClearError(opcode byte) {
	m.mu.Lock()
	delete(m.errorMap, opcode)
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate hardware response time
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// GetCallCount returns how many times a command was called
func (m *MockTransport) GetCallCount(opcode byte) int {
	m.mu.RLock()
	count := m.callCount[opcode]
	m.mu.RUnlock()
	return count
}

// GetLastParams returns the parameter bytes of the most recent call for a
// command, or nil if the command was never sent
func (m *MockTransport) GetLastParams(opcode byte) []byte {
	m.mu.RLock()
	params := m.lastParams[opcode]
	m.mu.RUnlock()
	return params
}

// Reset clears all call counts and resets state
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[byte]int)
	m.lastParams = make(map[byte][]byte)
	m.connected = true
	m.mu.Unlock()
}
