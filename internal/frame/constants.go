// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package frame encodes and decodes the serial protocol spoken by
// bridge firmware that fronts a PN5180 over UART. A framed message is
// STX, a little-endian 16-bit body length, the body, and one XOR
// checksum covering the length field and body. A command body is the
// chip opcode followed by its parameters; a response body is a status
// byte followed by the payload.
package frame

// Markers and flow-control bytes
const (
	// STX opens every framed message in either direction.
	STX byte = 0x5A

	// Ack and Nak travel bare, outside any frame. The bridge answers a
	// well-formed command with Ack before starting the exchange; Nak
	// asks the host to resend.
	Ack byte = 0x06
	Nak byte = 0x15
)

// Frame layout
const (
	HeaderLength   = 3 // STX + 16-bit body length
	ChecksumLength = 1

	// MaxBodyLength bounds the body in either direction. The largest
	// exchanges are a 260-byte transmit buffer write going out and a
	// 508-byte receive buffer read coming back.
	MaxBodyLength = 512

	// MaxFrameLength is a complete frame at the body bound.
	MaxFrameLength = HeaderLength + MaxBodyLength + ChecksumLength
)

// Response status codes reported by the bridge
const (
	StatusOK          byte = 0x00
	StatusBusyTimeout byte = 0x01 // chip never released BUSY
	StatusBadRequest  byte = 0x02 // opcode or length the bridge rejected
	StatusChipError   byte = 0x03 // chip signalled a failure
)
