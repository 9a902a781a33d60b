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

package testing

import (
	"encoding/binary"
	"errors"
)

// ISO15693 command bytes the virtual tag answers to
const (
	vicinityCmdStayQuiet     = 0x02
	vicinityCmdReadSingle    = 0x20
	vicinityCmdWriteSingle   = 0x21
	vicinityCmdLockBlock     = 0x22
	vicinityCmdReadMultiple  = 0x23
	vicinityCmdSelect        = 0x25
	vicinityCmdResetToReady  = 0x26
	vicinityCmdGetSystemInfo = 0x2B
)

// ISO15693 response error codes
const (
	vicinityErrNotSupported  = 0x01
	vicinityErrBlockMissing  = 0x10
	vicinityErrAlreadyLocked = 0x11
	vicinityErrLocked        = 0x12
)

// VirtualISO15693Tag simulates a vicinity card. The UID is stored in
// display order with the 0xE0 allocation class first; on the wire it
// travels least significant byte first.
type VirtualISO15693Tag struct {
	lockedBlocks map[int]bool
	UID          []byte
	Blocks       [][]byte
	BlockSize    int
	DSFID        byte
	AFI          byte
	ICRef        byte
	Present      bool
	quiet        bool
}

// NewVirtualISO15693 creates a 32-block vicinity tag with 4-byte
// blocks and an NDEF capability container in block 0. The UID must be
// 8 bytes; anything else falls back to the default test UID.
func NewVirtualISO15693(uid []byte) *VirtualISO15693Tag {
	if len(uid) != 8 {
		uid = TestISO15693UID
	}
	tag := &VirtualISO15693Tag{
		UID:          append([]byte(nil), uid...),
		Blocks:       make([][]byte, 32),
		BlockSize:    4,
		DSFID:        0x00,
		ICRef:        0x01,
		Present:      true,
		lockedBlocks: make(map[int]bool),
	}
	for i := range tag.Blocks {
		tag.Blocks[i] = make([]byte, tag.BlockSize)
	}
	// Magic, version 4.0, data area size, open access.
	copy(tag.Blocks[0], []byte{0xE1, 0x40, 0x0F, 0x00})
	return tag
}

// Remove takes the tag out of the field.
func (v *VirtualISO15693Tag) Remove() {
	v.Present = false
}

// Insert puts the tag back into the field and wakes it from quiet.
func (v *VirtualISO15693Tag) Insert() {
	v.Present = true
	v.quiet = false
}

// LockBlock marks a block as write protected.
func (v *VirtualISO15693Tag) LockBlock(block int) {
	v.lockedBlocks[block] = true
}

// WireUID returns the UID in wire order, least significant byte first.
func (v *VirtualISO15693Tag) WireUID() []byte {
	out := make([]byte, len(v.UID))
	for i, b := range v.UID {
		out[len(v.UID)-1-i] = b
	}
	return out
}

// uidBits returns the UID as the integer the anticollision mask
// compares against: bit 0 is the first bit sent on the wire.
func (v *VirtualISO15693Tag) uidBits() uint64 {
	return binary.BigEndian.Uint64(v.UID)
}

// MatchesMask reports whether the tag answers an inventory with the
// given mask prefix.
func (v *VirtualISO15693Tag) MatchesMask(bits uint64, length uint) bool {
	if !v.Present || v.quiet {
		return false
	}
	if length == 0 {
		return true
	}
	if length > 64 {
		length = 64
	}
	var keep uint64
	if length == 64 {
		keep = ^uint64(0)
	} else {
		keep = (uint64(1) << length) - 1
	}
	return v.uidBits()&keep == bits&keep
}

// SlotFor returns the 16-slot inventory timeslot the tag picks: the
// four UID bits above the mask prefix.
func (v *VirtualISO15693Tag) SlotFor(maskLen uint) int {
	return int((v.uidBits() >> maskLen) & 0xF)
}

// InventoryResponse returns the tag's answer in its inventory slot.
func (v *VirtualISO15693Tag) InventoryResponse() []byte {
	out := make([]byte, 0, 10)
	out = append(out, 0x00, v.DSFID)
	out = append(out, v.WireUID()...)
	return out
}

// Respond handles an addressed frame already matched to this tag and
// returns the answer, nil for silence.
func (v *VirtualISO15693Tag) Respond(cmd byte, params []byte) []byte {
	if !v.Present {
		return nil
	}
	switch cmd {
	case vicinityCmdStayQuiet:
		v.quiet = true
		return nil
	case vicinityCmdSelect:
		return []byte{0x00}
	case vicinityCmdResetToReady:
		v.quiet = false
		return []byte{0x00}
	case vicinityCmdReadSingle:
		if len(params) < 1 {
			return []byte{0x01, vicinityErrNotSupported}
		}
		block := int(params[0])
		if block >= len(v.Blocks) {
			return []byte{0x01, vicinityErrBlockMissing}
		}
		return append([]byte{0x00}, v.Blocks[block]...)
	case vicinityCmdWriteSingle:
		if len(params) < 1+v.BlockSize {
			return []byte{0x01, vicinityErrNotSupported}
		}
		block := int(params[0])
		if block >= len(v.Blocks) {
			return []byte{0x01, vicinityErrBlockMissing}
		}
		if v.lockedBlocks[block] {
			return []byte{0x01, vicinityErrLocked}
		}
		copy(v.Blocks[block], params[1:1+v.BlockSize])
		return []byte{0x00}
	case vicinityCmdLockBlock:
		if len(params) < 1 {
			return []byte{0x01, vicinityErrNotSupported}
		}
		block := int(params[0])
		if block >= len(v.Blocks) {
			return []byte{0x01, vicinityErrBlockMissing}
		}
		if v.lockedBlocks[block] {
			return []byte{0x01, vicinityErrAlreadyLocked}
		}
		v.lockedBlocks[block] = true
		return []byte{0x00}
	case vicinityCmdReadMultiple:
		if len(params) < 2 {
			return []byte{0x01, vicinityErrNotSupported}
		}
		first := int(params[0])
		count := int(params[1]) + 1
		if first+count > len(v.Blocks) {
			return []byte{0x01, vicinityErrBlockMissing}
		}
		out := []byte{0x00}
		for i := first; i < first+count; i++ {
			out = append(out, v.Blocks[i]...)
		}
		return out
	case vicinityCmdGetSystemInfo:
		out := []byte{0x00, 0x0F}
		out = append(out, v.WireUID()...)
		out = append(out, v.DSFID, v.AFI,
			byte(len(v.Blocks)-1), byte(v.BlockSize-1), v.ICRef)
		return out
	default:
		return []byte{0x01, vicinityErrNotSupported}
	}
}

// SetNDEFText writes a minimal NDEF text TLV into the data area after
// the capability container.
func (v *VirtualISO15693Tag) SetNDEFText(text string) error {
	textBytes := []byte(text)
	record := []byte{
		0xD1, 0x01, byte(len(textBytes) + 3),
		0x54, 0x02, 0x65, 0x6E,
	}
	record = append(record, textBytes...)

	tlv := []byte{0x03, byte(len(record))}
	tlv = append(tlv, record...)
	tlv = append(tlv, 0xFE)

	for i, b := range tlv {
		pos := 4 + i
		block := pos / v.BlockSize
		if block >= len(v.Blocks) {
			return errors.New("NDEF data too large for tag")
		}
		v.Blocks[block][pos%v.BlockSize] = b
	}
	return nil
}
