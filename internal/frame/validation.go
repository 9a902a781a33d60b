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

import "fmt"

// ParseHeader validates a frame header and returns the body length
// that follows it on the wire. Serial noise before STX is the caller's
// problem; the first header byte must already be STX.
func ParseHeader(header []byte) (int, error) {
	if len(header) < HeaderLength {
		return 0, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(header))
	}
	if header[0] != STX {
		return 0, fmt.Errorf("%w: leading byte 0x%02X", ErrBadHeader, header[0])
	}
	bodyLen := int(header[1]) | int(header[2])<<8
	if bodyLen == 0 || bodyLen > MaxBodyLength {
		return 0, fmt.Errorf("%w: body length %d", ErrBadHeader, bodyLen)
	}
	return bodyLen, nil
}

// Verify recomputes the checksum over the header length field and body
// and compares it with the received trailing byte.
func Verify(header, body []byte, sum byte) error {
	if len(header) < HeaderLength {
		return fmt.Errorf("%w: %d header bytes", ErrTruncated, len(header))
	}
	if Checksum(header[1:HeaderLength], body) != sum {
		return ErrChecksum
	}
	return nil
}
