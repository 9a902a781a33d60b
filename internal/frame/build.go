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

package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge reports a body that exceeds the bridge buffer.
	ErrTooLarge = errors.New("frame body too large")
	// ErrBadHeader reports a missing STX or an impossible length field.
	ErrBadHeader = errors.New("malformed frame header")
	// ErrChecksum reports a frame whose trailing checksum does not match.
	ErrChecksum = errors.New("frame checksum mismatch")
	// ErrTruncated reports a frame shorter than its header announces.
	ErrTruncated = errors.New("truncated frame")
)

// Build encodes a command frame carrying the given chip opcode and
// parameters.
func Build(opcode byte, params []byte) ([]byte, error) {
	bodyLen := 1 + len(params)
	if bodyLen > MaxBodyLength {
		return nil, fmt.Errorf("%w: %d byte body", ErrTooLarge, bodyLen)
	}
	out := make([]byte, 0, HeaderLength+bodyLen+ChecksumLength)
	out = append(out, STX, byte(bodyLen), byte(bodyLen>>8))
	out = append(out, opcode)
	out = append(out, params...)
	out = append(out, Checksum(out[1:]))
	return out, nil
}

// BuildResponse encodes a response frame. The host never sends these;
// it exists for bridge simulators and tests.
func BuildResponse(status byte, payload []byte) ([]byte, error) {
	return Build(status, payload)
}
