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

package testing

import (
	"bytes"
	"errors"
	"io"

	"github.com/ZaparooProject/go-pn5180/internal/frame"
	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
)

// BridgeSimulator simulates serial bridge firmware in front of a
// VirtualPN5180. It implements io.ReadWriter and speaks the framed
// bridge protocol: for each well-formed command frame it emits an Ack
// byte followed by a response frame, and a Nak byte for a frame whose
// checksum does not verify. The serial transport can run against it in
// place of a real port.
type BridgeSimulator struct {
	chip *VirtualPN5180

	inBuf  []byte
	outBuf bytes.Buffer
	mu     syncutil.Mutex

	dropNextAck         bool
	corruptNextResponse bool
	busyNextCommand     bool
	closed              bool
}

// NewBridgeSimulator wraps a chip simulator with bridge firmware
// behavior.
func NewBridgeSimulator(chip *VirtualPN5180) *BridgeSimulator {
	return &BridgeSimulator{chip: chip}
}

// Chip returns the simulated frontend behind the bridge, for test
// setup and inspection.
func (b *BridgeSimulator) Chip() *VirtualPN5180 {
	return b.chip
}

// DropNextAck swallows the Ack of the next well-formed command, as a
// lossy link would.
func (b *BridgeSimulator) DropNextAck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropNextAck = true
}

// CorruptNextResponse flips a byte in the next response frame so its
// checksum no longer verifies.
func (b *BridgeSimulator) CorruptNextResponse() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corruptNextResponse = true
}

// BusyNextCommand answers the next command with a busy-timeout status
// instead of executing it.
func (b *BridgeSimulator) BusyNextCommand() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busyNextCommand = true
}

// Write receives bytes from the host. Complete frames are processed as
// they arrive; partial frames wait for the rest.
func (b *BridgeSimulator) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.New("bridge closed")
	}
	b.inBuf = append(b.inBuf, p...)
	b.processFrames()
	return len(p), nil
}

// Read hands queued bridge output to the host. An empty queue reads as
// zero bytes, matching a serial port read timeout.
func (b *BridgeSimulator) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.EOF
	}
	n, err := b.outBuf.Read(p)
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

// Close shuts the bridge down. Subsequent reads return io.EOF.
func (b *BridgeSimulator) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// processFrames consumes complete frames from the input buffer. Called
// with the lock held.
func (b *BridgeSimulator) processFrames() {
	for {
		if len(b.inBuf) < frame.HeaderLength {
			return
		}
		bodyLen, err := frame.ParseHeader(b.inBuf[:frame.HeaderLength])
		if err != nil {
			// Resync by scanning for the next start byte.
			b.inBuf = b.inBuf[1:]
			continue
		}
		total := frame.HeaderLength + bodyLen + frame.ChecksumLength
		if len(b.inBuf) < total {
			return
		}

		header := b.inBuf[:frame.HeaderLength]
		body := b.inBuf[frame.HeaderLength : frame.HeaderLength+bodyLen]
		sum := b.inBuf[total-1]

		if frame.Verify(header, body, sum) != nil {
			b.outBuf.WriteByte(frame.Nak)
		} else {
			if b.dropNextAck {
				b.dropNextAck = false
			} else {
				b.outBuf.WriteByte(frame.Ack)
			}
			b.execute(body[0], body[1:])
		}
		b.inBuf = b.inBuf[total:]
	}
}

// execute runs one command against the chip and queues the response
// frame. Called with the lock held.
func (b *BridgeSimulator) execute(opcode byte, params []byte) {
	if b.busyNextCommand {
		b.busyNextCommand = false
		b.queueResponse(frame.StatusBusyTimeout, nil)
		return
	}

	payload, err := b.chip.Exchange(opcode, append([]byte(nil), params...))
	if err != nil {
		b.queueResponse(frame.StatusChipError, nil)
		return
	}
	b.queueResponse(frame.StatusOK, payload)
}

func (b *BridgeSimulator) queueResponse(status byte, payload []byte) {
	resp, err := frame.BuildResponse(status, payload)
	if err != nil {
		// Payloads are bounded well below the frame limit.
		return
	}
	if b.corruptNextResponse {
		b.corruptNextResponse = false
		resp[len(resp)-1] ^= 0xFF
	}
	b.outBuf.Write(resp)
}
