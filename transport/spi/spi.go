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

// Package spi drives a natively wired PN5180 through periph.io.
//
// Every host command is a three-phase exchange gated by the BUSY line:
// wait for idle, clock the command out, then wait for the chip to
// signal the answer is ready before clocking it in. Reset and the IRQ
// line are handled through their GPIO pins, so the transport reports
// the hard-reset capability when a reset pin is configured and the
// IRQ capability when an IRQ pin is.
package spi

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// The PN5180 host interface is specified up to 7 MHz, CPOL=0 CPHA=0.
	defaultFreq = 7 * physic.MegaHertz
	mode        = spi.Mode0

	// busyPollInterval is how often the BUSY line is sampled.
	busyPollInterval = 200 * time.Microsecond

	// busyPulseTimeout bounds the wait for the post-command BUSY pulse.
	// The pulse can be shorter than our poll period, so missing the
	// rising edge is not an error.
	busyPulseTimeout = 10 * time.Millisecond

	// resetHold is how long RESET_N is held low; the chip needs at
	// least 10 µs. resetBoot covers the startup time after release.
	resetHold = 1 * time.Millisecond
	resetBoot = 2 * time.Millisecond

	// irqPollInterval is the sampling period for wait-for-IRQ.
	irqPollInterval = 500 * time.Microsecond
)

// Config names the SPI port and GPIO pins the frontend is wired to.
type Config struct {
	// Port is the SPI port registry name, e.g. "SPI0.0". Empty selects
	// the first available port.
	Port string

	// BusyPin is the GPIO name of the BUSY line. Required.
	BusyPin string

	// ResetPin is the GPIO name of RESET_N. Optional; without it the
	// transport cannot hard-reset the chip.
	ResetPin string

	// IRQPin is the GPIO name of the IRQ line. Optional; without it
	// IRQ waits fall back to register polling in the device layer.
	IRQPin string
}

// Transport implements the pn5180.Transport interface for a natively
// wired PN5180.
type Transport struct {
	port         spi.PortCloser
	conn         spi.Conn
	busy         gpio.PinIO
	reset        gpio.PinIO
	irq          gpio.PinIO
	currentTrace *pn5180.TraceBuffer
	portName     string
	timeout      time.Duration
	closed       bool
}

// New opens the SPI port and claims the GPIO pins.
func New(cfg Config) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	if cfg.BusyPin == "" {
		return nil, pn5180.NewParameterError("spi.New",
			fmt.Errorf("%w: BUSY pin is required", pn5180.ErrInvalidParameter))
	}

	busy := gpioreg.ByName(cfg.BusyPin)
	if busy == nil {
		return nil, fmt.Errorf("BUSY pin %q not found", cfg.BusyPin)
	}
	if err := busy.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("failed to configure BUSY pin: %w", err)
	}

	var reset gpio.PinIO
	if cfg.ResetPin != "" {
		reset = gpioreg.ByName(cfg.ResetPin)
		if reset == nil {
			return nil, fmt.Errorf("RESET pin %q not found", cfg.ResetPin)
		}
		// RESET_N is active low; park it released.
		if err := reset.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("failed to configure RESET pin: %w", err)
		}
	}

	var irq gpio.PinIO
	if cfg.IRQPin != "" {
		irq = gpioreg.ByName(cfg.IRQPin)
		if irq == nil {
			return nil, fmt.Errorf("IRQ pin %q not found", cfg.IRQPin)
		}
		if err := irq.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("failed to configure IRQ pin: %w", err)
		}
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %q: %w", cfg.Port, err)
	}
	conn, err := port.Connect(defaultFreq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	return &Transport{
		port:     port,
		conn:     conn,
		busy:     busy,
		reset:    reset,
		irq:      irq,
		portName: cfg.Port,
		timeout:  pn5180.DefaultHandshakeTimeout,
	}, nil
}

// traceTX records a TX operation if trace buffer is active
func (t *Transport) traceTX(data []byte, note string) {
	if t.currentTrace != nil {
		t.currentTrace.RecordTX(data, note)
	}
}

// traceRX records an RX operation if trace buffer is active
func (t *Transport) traceRX(data []byte, note string) {
	if t.currentTrace != nil {
		t.currentTrace.RecordRX(data, note)
	}
}

// traceTimeout records a timeout if trace buffer is active
func (t *Transport) traceTimeout(note string) {
	if t.currentTrace != nil {
		t.currentTrace.RecordTimeout(note)
	}
}

// Transceive sends one host command and clocks back respLen bytes.
func (t *Transport) Transceive(opcode byte, params []byte, respLen int) ([]byte, error) {
	return t.TransceiveWithContext(context.Background(), opcode, params, respLen)
}

// TransceiveWithContext sends one host command with context support.
//
//nolint:wrapcheck // WrapError intentionally wraps errors with trace data
func (t *Transport) TransceiveWithContext(
	ctx context.Context, opcode byte, params []byte, respLen int,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transceive cancelled: %w", err)
	}
	if t.closed {
		return nil, pn5180.NewTransportError("Transceive", t.portName,
			pn5180.ErrTransportClosed, pn5180.ErrorTypePermanent)
	}

	t.currentTrace = pn5180.NewTraceBuffer("SPI", t.portName, 16)
	defer func() { t.currentTrace = nil }()

	// The pin-backed extensions never touch the SPI bus.
	switch opcode {
	case pn5180.CmdReset:
		return nil, t.currentTrace.WrapError(t.hardReset(ctx))
	case pn5180.CmdIsIRQSet:
		resp, err := t.sampleIRQ()
		return resp, t.currentTrace.WrapError(err)
	case pn5180.CmdWaitForIRQ:
		resp, err := t.waitForIRQ(ctx, params)
		return resp, t.currentTrace.WrapError(err)
	}

	resp, err := t.exchange(ctx, opcode, params, respLen)
	if err != nil {
		return nil, t.currentTrace.WrapError(err)
	}
	return resp, nil
}

// exchange runs one BUSY-gated SPI exchange. The context is checked on
// every BUSY poll, so an earlier context deadline still cuts the
// exchange short.
func (t *Transport) exchange(ctx context.Context, opcode byte, params []byte, respLen int) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)

	// Phase 1: the chip must be idle before it accepts a command.
	if err := t.waitBusy(ctx, gpio.Low, deadline, "waitIdle"); err != nil {
		return nil, err
	}

	buf := make([]byte, 1+len(params))
	buf[0] = opcode
	copy(buf[1:], params)
	t.traceTX(buf, fmt.Sprintf("Cmd 0x%02X", opcode))

	if err := t.conn.Tx(buf, nil); err != nil {
		return nil, pn5180.NewTransportWriteError("exchange", t.portName)
	}

	// Phase 2: BUSY pulses high while the chip processes, then drops
	// when it is done.
	t.waitBusyPulse(ctx)
	if err := t.waitBusy(ctx, gpio.Low, deadline, "waitReady"); err != nil {
		return nil, err
	}

	if respLen <= 0 {
		return nil, nil
	}

	// Phase 3: clock the answer out.
	resp := make([]byte, respLen)
	if err := t.conn.Tx(nil, resp); err != nil {
		return nil, pn5180.NewTransportReadError("exchange", t.portName)
	}
	t.traceRX(resp, "Response")

	t.waitBusyPulse(ctx)
	if err := t.waitBusy(ctx, gpio.Low, deadline, "readSettle"); err != nil {
		return nil, err
	}
	return resp, nil
}

// waitBusy polls the BUSY line until it reaches the wanted level.
func (t *Transport) waitBusy(ctx context.Context, want gpio.Level, deadline time.Time, op string) error {
	for {
		if t.busy.Read() == want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("busy wait cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			t.traceTimeout(op)
			return pn5180.NewTransportNotReadyError(op, t.portName)
		}
		time.Sleep(busyPollInterval)
	}
}

// waitBusyPulse waits for the rising edge after a command, giving up
// quietly when the pulse was too short to observe.
func (t *Transport) waitBusyPulse(ctx context.Context) {
	pulseDeadline := time.Now().Add(busyPulseTimeout)
	for t.busy.Read() != gpio.High {
		if ctx.Err() != nil || time.Now().After(pulseDeadline) {
			return
		}
		time.Sleep(busyPollInterval)
	}
}

// hardReset toggles RESET_N and waits for the chip to come back up.
func (t *Transport) hardReset(ctx context.Context) error {
	if t.reset == nil {
		return pn5180.NewTransportError("reset", t.portName,
			pn5180.ErrCommandNotSupported, pn5180.ErrorTypePermanent)
	}

	if err := t.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to assert RESET_N: %w", err)
	}
	time.Sleep(resetHold)
	if err := t.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("failed to release RESET_N: %w", err)
	}
	time.Sleep(resetBoot)

	deadline := time.Now().Add(t.timeout)
	return t.waitBusy(ctx, gpio.Low, deadline, "resetSettle")
}

// sampleIRQ reads the IRQ pin level.
func (t *Transport) sampleIRQ() ([]byte, error) {
	if t.irq == nil {
		return nil, pn5180.NewTransportError("isIRQSet", t.portName,
			pn5180.ErrCommandNotSupported, pn5180.ErrorTypePermanent)
	}
	if t.irq.Read() == gpio.High {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

// waitForIRQ polls the IRQ pin until it asserts or the wait time in
// the command parameters passes. Expiry is reported in the response
// byte, not as an error.
func (t *Transport) waitForIRQ(ctx context.Context, params []byte) ([]byte, error) {
	if t.irq == nil {
		return nil, pn5180.NewTransportError("waitForIRQ", t.portName,
			pn5180.ErrCommandNotSupported, pn5180.ErrorTypePermanent)
	}
	if len(params) < 2 {
		return nil, pn5180.NewParameterError("waitForIRQ",
			fmt.Errorf("%w: missing wait time", pn5180.ErrInvalidParameter))
	}

	wait := time.Duration(binary.LittleEndian.Uint16(params)) * time.Millisecond
	deadline := time.Now().Add(wait)
	for {
		if t.irq.Read() == gpio.High {
			return []byte{0x01}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("IRQ wait cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			return []byte{0x00}, nil
		}
		time.Sleep(irqPollInterval)
	}
}

// SetTimeout sets the BUSY handshake deadline.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return nil
}

// Close closes the SPI port.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.port != nil {
		if err := t.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

// IsConnected returns true if the transport is connected.
func (t *Transport) IsConnected() bool {
	return !t.closed
}

// Type returns the transport type.
func (*Transport) Type() pn5180.TransportType {
	return pn5180.TransportSPI
}

// HasCapability implements the TransportCapabilityChecker interface.
// Capabilities follow the wiring: they exist when their pin does.
func (t *Transport) HasCapability(capability pn5180.TransportCapability) bool {
	switch capability {
	case pn5180.CapabilityHardReset:
		return t.reset != nil
	case pn5180.CapabilityIRQLine:
		return t.irq != nil
	default:
		return false
	}
}

// Ensure Transport implements pn5180.Transport
var (
	_ pn5180.Transport                  = (*Transport)(nil)
	_ pn5180.TransportCapabilityChecker = (*Transport)(nil)
)
