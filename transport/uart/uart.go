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

// Package uart talks to PN5180 bridge firmware over a serial port.
//
// The bridge carries the chip's host interface over a framed serial
// protocol: each command frame is acknowledged with a single Ack or
// Nak byte, then answered with a response frame holding a status byte
// and the chip's response data. Reset and the IRQ line are forwarded
// by the firmware, so the bridge transport reports the hard-reset and
// IRQ capabilities.
package uart

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/internal/frame"
	"go.bug.st/serial"
)

const (
	baudRate = 115200

	// readPollTimeout is the port-level read granularity; the overall
	// exchange deadline is tracked separately.
	readPollTimeout = 50 * time.Millisecond

	// ackScanLimit bounds how many stray bytes the Ack scanner skips
	// before giving up on a response.
	ackScanLimit = 32
)

// errNak distinguishes a Nak from Ack-wait timeouts inside the
// exchange loop.
var errNak = errors.New("bridge rejected frame checksum")

// Transport implements the pn5180.Transport interface over a serial
// bridge.
type Transport struct {
	port     serial.Port
	trace    *pn5180.TraceBuffer
	portName string
	mu       sync.Mutex
	timeout  time.Duration
	closed   bool
}

// New opens a serial bridge on the named port at 115200 8-N-1.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	// USB-serial converters buffer received bytes for up to 16 ms by
	// default, which dominates the round-trip of small frames. CDC-ACM
	// ports reject the ioctl and need no tuning, so failure here is
	// not an error.
	_ = setLowLatency(portName)

	return newWithPort(port, portName), nil
}

// newWithPort wires a transport to an already-open port. Tests use it
// to run against a simulated bridge.
func newWithPort(port serial.Port, portName string) *Transport {
	return &Transport{
		port:     port,
		portName: portName,
		timeout:  pn5180.DefaultHandshakeTimeout,
	}
}

// Transceive sends one host command and returns the response payload.
func (t *Transport) Transceive(opcode byte, params []byte, respLen int) ([]byte, error) {
	return t.TransceiveWithContext(context.Background(), opcode, params, respLen)
}

// TransceiveWithContext sends one host command with context support.
func (t *Transport) TransceiveWithContext(
	ctx context.Context, opcode byte, params []byte, _ int,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transceive cancelled: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pn5180.NewTransportError("Transceive", t.portName,
			pn5180.ErrTransportClosed, pn5180.ErrorTypePermanent)
	}

	// Trace buffer is only consulted when the exchange fails.
	t.trace = pn5180.NewTraceBuffer("UART", t.portName, 16)
	defer func() { t.trace = nil }()

	cmd, err := frame.Build(opcode, params)
	if err != nil {
		return nil, pn5180.NewDataTooLargeError("sendFrame", t.portName)
	}

	// The context is checked on every read poll, so an earlier context
	// deadline still cuts the exchange short.
	deadline := time.Now().Add(t.exchangeBudget(opcode, params))

	if err := t.exchangeFrame(ctx, cmd, opcode, deadline); err != nil {
		return nil, t.trace.WrapError(err)
	}

	payload, err := t.readResponse(ctx, deadline)
	if err != nil {
		return nil, t.trace.WrapError(err)
	}
	return payload, nil
}

// exchangeBudget returns the deadline budget for one exchange. A
// wait-for-IRQ command blocks on the bridge for up to its own wait
// time, which extends the budget.
func (t *Transport) exchangeBudget(opcode byte, params []byte) time.Duration {
	budget := t.timeout
	if opcode == pn5180.CmdWaitForIRQ && len(params) >= 2 {
		budget += time.Duration(binary.LittleEndian.Uint16(params)) * time.Millisecond
	}
	return budget
}

// exchangeFrame writes the command frame and waits for its Ack. A Nak
// means the frame arrived damaged, so it is sent once more.
func (t *Transport) exchangeFrame(ctx context.Context, cmd []byte, opcode byte, deadline time.Time) error {
	for attempt := 0; ; attempt++ {
		if err := t.writeFrame(cmd, opcode); err != nil {
			return err
		}
		err := t.waitAck(ctx, deadline)
		if err == nil {
			return nil
		}
		if errors.Is(err, errNak) && attempt == 0 {
			t.trace.RecordRX([]byte{frame.Nak}, "Nak, resending")
			continue
		}
		if errors.Is(err, errNak) {
			return pn5180.NewNACKReceivedError("waitAck", t.portName)
		}
		return err
	}
}

func (t *Transport) writeFrame(cmd []byte, opcode byte) error {
	t.trace.RecordTX(cmd, fmt.Sprintf("Cmd 0x%02X", opcode))

	n, err := t.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if n != len(cmd) {
		return pn5180.NewTransportWriteError("writeFrame", t.portName)
	}
	return t.drainWithRetry("command")
}

// waitAck scans the inbound stream for the Ack byte. Stray bytes in
// front of it are skipped, bounded by ackScanLimit.
func (t *Transport) waitAck(ctx context.Context, deadline time.Time) error {
	var buf [1]byte
	for skipped := 0; skipped < ackScanLimit; {
		if err := t.readFull(ctx, buf[:], deadline, "waitAck"); err != nil {
			if errors.Is(err, pn5180.ErrTransportTimeout) {
				return pn5180.NewNoACKError("waitAck", t.portName)
			}
			return err
		}
		switch buf[0] {
		case frame.Ack:
			return nil
		case frame.Nak:
			return errNak
		default:
			skipped++
		}
	}
	return pn5180.NewNoACKError("waitAck", t.portName)
}

// readResponse reads one response frame and maps its status byte.
func (t *Transport) readResponse(ctx context.Context, deadline time.Time) ([]byte, error) {
	header, err := t.readHeader(ctx, deadline)
	if err != nil {
		return nil, err
	}
	bodyLen, err := frame.ParseHeader(header)
	if err != nil {
		return nil, pn5180.NewFrameCorruptedError("readResponse", t.portName)
	}

	buf := frame.GetBuffer()
	defer frame.PutBuffer(buf)

	body := buf[:bodyLen+frame.ChecksumLength]
	if err := t.readFull(ctx, body, deadline, "readResponse"); err != nil {
		return nil, err
	}
	sum := body[bodyLen]
	body = body[:bodyLen]

	if err := frame.Verify(header, body, sum); err != nil {
		t.trace.RecordRX(body, "bad checksum")
		return nil, pn5180.NewChecksumMismatchError("readResponse", t.portName)
	}

	status, payload, err := frame.SplitResponse(body)
	if err != nil {
		return nil, pn5180.NewInvalidResponseError("readResponse", t.portName)
	}
	t.trace.RecordRX(body, fmt.Sprintf("status 0x%02X", status))

	switch status {
	case frame.StatusOK:
		// The payload aliases the pooled buffer.
		return append([]byte(nil), payload...), nil
	case frame.StatusBusyTimeout:
		// The chip's BUSY line never went ready on the bridge side.
		return nil, pn5180.NewTransportNotReadyError("busyWait", t.portName)
	case frame.StatusBadRequest:
		return nil, pn5180.NewTransportError("readResponse", t.portName,
			pn5180.ErrCommandFailed, pn5180.ErrorTypePermanent)
	case frame.StatusChipError:
		return nil, pn5180.NewTransportError("readResponse", t.portName,
			pn5180.ErrCommunicationFailed, pn5180.ErrorTypeTransient)
	default:
		return nil, pn5180.NewInvalidResponseError("readResponse", t.portName)
	}
}

// readHeader reads the three header bytes, resynchronizing on the
// start byte if the stream is offset.
func (t *Transport) readHeader(ctx context.Context, deadline time.Time) ([]byte, error) {
	header := make([]byte, frame.HeaderLength)
	for skipped := 0; skipped < ackScanLimit; skipped++ {
		if err := t.readFull(ctx, header[:1], deadline, "readHeader"); err != nil {
			return nil, err
		}
		if header[0] == frame.STX {
			if err := t.readFull(ctx, header[1:], deadline, "readHeader"); err != nil {
				return nil, err
			}
			return header, nil
		}
	}
	return nil, pn5180.NewFrameCorruptedError("readHeader", t.portName)
}

// readFull fills buf from the port, honoring the context and the
// exchange deadline. Zero-byte reads are the port's poll timeout.
func (t *Transport) readFull(ctx context.Context, buf []byte, deadline time.Time, op string) error {
	for filled := 0; filled < len(buf); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("read cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			t.trace.RecordTimeout(op)
			return pn5180.NewTimeoutError(op, t.portName)
		}

		n, err := t.port.Read(buf[filled:])
		if err != nil {
			return pn5180.NewTransportReadError(op, t.portName)
		}
		filled += n
	}
	return nil
}

// isInterruptedSystemCall reports whether an error came from an
// interrupted system call.
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry flushes the port, retrying interrupted system calls.
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := t.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) {
			if attempt < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<attempt)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("serial %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("serial %s drain failed after %d retries", operation, maxRetries)
}

// SetTimeout sets the handshake deadline for each exchange.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("serial close failed: %w", err)
	}
	return nil
}

// IsConnected returns true if the port is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns the transport type.
func (*Transport) Type() pn5180.TransportType {
	return pn5180.TransportUART
}

// HasCapability implements the TransportCapabilityChecker interface.
// The bridge firmware forwards reset and the IRQ line.
func (*Transport) HasCapability(capability pn5180.TransportCapability) bool {
	switch capability {
	case pn5180.CapabilityHardReset, pn5180.CapabilityIRQLine:
		return true
	default:
		return false
	}
}

// Ensure Transport implements pn5180.Transport
var (
	_ pn5180.Transport                  = (*Transport)(nil)
	_ pn5180.TransportCapabilityChecker = (*Transport)(nil)
)
