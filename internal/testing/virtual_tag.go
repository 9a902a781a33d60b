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
	"encoding/hex"
	"errors"
	"fmt"
)

// Tag type identifiers
const (
	TagTypeNTAG213  = "NTAG213"
	TagTypeNTAG215  = "NTAG215"
	TagTypeMIFARE1K = "MIFARE1K"
	TagTypeMIFARE4K = "MIFARE4K"
)

// Default test UIDs
var (
	TestNTAG213UID  = []byte{0x04, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}
	TestNTAG215UID  = []byte{0x04, 0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45}
	TestMIFARE1KUID = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	TestMIFARE4KUID = []byte{0xCA, 0xFE, 0xBA, 0xBE}
	TestISO15693UID = []byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78}
)

// MIFARE Classic key type selectors, matching the values the chip's
// authentication command uses on the wire.
const (
	VirtualKeyA = 0x60
	VirtualKeyB = 0x61
)

// ISO14443-A command bytes the tags answer to
const (
	tagCmdREQA        = 0x26
	tagCmdWUPA        = 0x52
	tagCmdHalt        = 0x50
	tagCmdRead        = 0x30
	tagCmdType2Write  = 0xA2
	tagCmdMifareWrite = 0xA0

	tagAckNibble = 0x0A
	tagNakNibble = 0x00
)

// VirtualTag simulates an ISO14443-A tag: NTAG (Type 2, 4-byte pages)
// or MIFARE Classic (16-byte blocks, sector keys). Memory is indexed in
// the tag's native unit.
type VirtualTag struct {
	keysA        map[int][]byte
	keysB        map[int][]byte
	Type         string
	UID          []byte
	Memory       [][]byte
	Present      bool
	halted       bool
	authSector   int
	authKeyType  byte
	pendingWrite int
}

// NewVirtualNTAG213 creates a virtual NTAG213 with an NDEF capability
// container in page 3 and an empty TLV area.
func NewVirtualNTAG213(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestNTAG213UID
	}
	tag := &VirtualTag{
		Type:         TagTypeNTAG213,
		UID:          uid,
		Memory:       make([][]byte, 45),
		Present:      true,
		authSector:   -1,
		pendingWrite: -1,
	}
	tag.initType2Memory()
	return tag
}

// NewVirtualNTAG215 creates a virtual NTAG215, the larger sibling.
func NewVirtualNTAG215(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestNTAG215UID
	}
	tag := &VirtualTag{
		Type:         TagTypeNTAG215,
		UID:          uid,
		Memory:       make([][]byte, 135),
		Present:      true,
		authSector:   -1,
		pendingWrite: -1,
	}
	tag.initType2Memory()
	return tag
}

// NewVirtualMIFARE1K creates a virtual MIFARE Classic 1K with factory
// keys (FF FF FF FF FF FF) in every sector.
func NewVirtualMIFARE1K(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestMIFARE1KUID
	}
	tag := &VirtualTag{
		Type:         TagTypeMIFARE1K,
		UID:          uid,
		Memory:       make([][]byte, 64),
		Present:      true,
		authSector:   -1,
		pendingWrite: -1,
		keysA:        make(map[int][]byte),
		keysB:        make(map[int][]byte),
	}
	tag.initClassicMemory(16)
	return tag
}

// NewVirtualMIFARE4K creates a virtual MIFARE Classic 4K.
func NewVirtualMIFARE4K(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestMIFARE4KUID
	}
	tag := &VirtualTag{
		Type:         TagTypeMIFARE4K,
		UID:          uid,
		Memory:       make([][]byte, 256),
		Present:      true,
		authSector:   -1,
		pendingWrite: -1,
		keysA:        make(map[int][]byte),
		keysB:        make(map[int][]byte),
	}
	tag.initClassicMemory(40)
	return tag
}

// GetUIDString returns the UID as a hex string.
func (v *VirtualTag) GetUIDString() string {
	return hex.EncodeToString(v.UID)
}

// Remove takes the tag out of the field.
func (v *VirtualTag) Remove() {
	v.Present = false
}

// Insert puts the tag back into the field.
func (v *VirtualTag) Insert() {
	v.Present = true
	v.halted = false
}

// IsClassic reports whether the tag is a MIFARE Classic variant.
func (v *VirtualTag) IsClassic() bool {
	return v.Type == TagTypeMIFARE1K || v.Type == TagTypeMIFARE4K
}

// UnitSize returns the tag's native memory unit: 4-byte pages for
// Type 2, 16-byte blocks for Classic.
func (v *VirtualTag) UnitSize() int {
	if v.IsClassic() {
		return 16
	}
	return 4
}

// ATQA returns the answer-to-request bytes. Bits 6-7 of the first byte
// announce the UID size.
func (v *VirtualTag) ATQA() []byte {
	switch len(v.UID) {
	case 10:
		return []byte{0x84, 0x00}
	case 7:
		return []byte{0x44, 0x00}
	default:
		return []byte{0x04, 0x00}
	}
}

// SAK returns the final select acknowledge byte.
func (v *VirtualTag) SAK() byte {
	switch v.Type {
	case TagTypeMIFARE1K:
		return 0x08
	case TagTypeMIFARE4K:
		return 0x18
	default:
		return 0x00
	}
}

// ReadUnit reads one page or block directly, bypassing the RF protocol.
func (v *VirtualTag) ReadUnit(unit int) ([]byte, error) {
	if unit < 0 || unit >= len(v.Memory) {
		return nil, fmt.Errorf("unit %d out of range", unit)
	}
	size := v.UnitSize()
	if v.Memory[unit] == nil {
		return make([]byte, size), nil
	}
	out := make([]byte, size)
	copy(out, v.Memory[unit])
	return out, nil
}

// WriteUnit writes one page or block directly, bypassing the RF
// protocol and all protection.
func (v *VirtualTag) WriteUnit(unit int, data []byte) error {
	if unit < 0 || unit >= len(v.Memory) {
		return fmt.Errorf("unit %d out of range", unit)
	}
	size := v.UnitSize()
	if len(data) != size {
		return fmt.Errorf("data must be %d bytes, got %d", size, len(data))
	}
	v.Memory[unit] = append([]byte(nil), data...)
	return nil
}

// SetSectorKeys replaces the keys of one Classic sector. Nil keeps the
// old key for that slot.
func (v *VirtualTag) SetSectorKeys(sector int, keyA, keyB []byte) error {
	if !v.IsClassic() {
		return errors.New("sector keys only apply to MIFARE tags")
	}
	if sector < 0 || sector >= v.sectorCount() {
		return fmt.Errorf("sector %d out of range", sector)
	}
	if keyA != nil {
		if len(keyA) != 6 {
			return errors.New("key A must be 6 bytes")
		}
		v.keysA[sector] = append([]byte(nil), keyA...)
	}
	if keyB != nil {
		if len(keyB) != 6 {
			return errors.New("key B must be 6 bytes")
		}
		v.keysB[sector] = append([]byte(nil), keyB...)
	}
	return nil
}

// Authenticate validates a key against the sector holding block.
// keyType is the wire selector, 0x60 for key A and 0x61 for key B.
func (v *VirtualTag) Authenticate(block int, keyType byte, key []byte) error {
	if !v.Present {
		return errors.New("tag not present")
	}
	if !v.IsClassic() {
		return errors.New("authentication only applies to MIFARE tags")
	}
	if len(key) != 6 {
		return errors.New("key must be 6 bytes")
	}
	if block < 0 || block >= len(v.Memory) {
		return fmt.Errorf("block %d out of range", block)
	}

	sector := v.sectorOf(block)
	var expected []byte
	switch keyType {
	case VirtualKeyA:
		expected = v.keysA[sector]
	case VirtualKeyB:
		expected = v.keysB[sector]
	default:
		return fmt.Errorf("invalid key type 0x%02X", keyType)
	}

	if !bytesEqual(key, expected) {
		v.authSector = -1
		return errors.New("authentication failed: incorrect key")
	}
	v.authSector = sector
	v.authKeyType = keyType
	return nil
}

// ResetAuthentication clears the Classic authentication state, as a
// reselection would.
func (v *VirtualTag) ResetAuthentication() {
	v.authSector = -1
	v.pendingWrite = -1
}

// AuthenticatedSector returns the currently authenticated sector, -1
// for none.
func (v *VirtualTag) AuthenticatedSector() int {
	return v.authSector
}

// SetNDEFText writes a minimal NDEF text TLV into the Type 2 data
// area, starting at page 4.
func (v *VirtualTag) SetNDEFText(text string) error {
	if v.IsClassic() {
		return errors.New("NDEF setup only supported for Type 2 tags")
	}

	textBytes := []byte(text)
	record := []byte{
		0xD1,                     // MB+ME, short record, well-known TNF
		0x01,                     // type length
		byte(len(textBytes) + 3), // status byte + "en" + text
		0x54,                     // "T"
		0x02,                     // status: UTF-8, 2-byte language code
		0x65, 0x6E,               // "en"
	}
	record = append(record, textBytes...)

	tlv := []byte{0x03, byte(len(record))}
	tlv = append(tlv, record...)
	tlv = append(tlv, 0xFE)

	for i, b := range tlv {
		page := 4 + i/4
		if page >= len(v.Memory) {
			return errors.New("NDEF data too large for tag")
		}
		if v.Memory[page] == nil {
			v.Memory[page] = make([]byte, 4)
		}
		v.Memory[page][i%4] = b
	}
	return nil
}

// Respond handles a data-phase RF frame after selection and returns
// the tag's answer, nil for silence.
func (v *VirtualTag) Respond(frame []byte) []byte {
	if !v.Present {
		return nil
	}
	if v.IsClassic() {
		return v.respondClassic(frame)
	}
	return v.respondType2(frame)
}

func (v *VirtualTag) respondType2(frame []byte) []byte {
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case tagCmdHalt:
		v.halted = true
		return nil
	case tagCmdRead:
		if len(frame) < 2 {
			return nil
		}
		page := int(frame[1])
		if page >= len(v.Memory) {
			return nil
		}
		// READ answers four pages, zero padded at the end of memory.
		out := make([]byte, 16)
		for i := range 4 {
			if page+i >= len(v.Memory) || v.Memory[page+i] == nil {
				continue
			}
			copy(out[i*4:], v.Memory[page+i])
		}
		return out
	case tagCmdType2Write:
		if len(frame) < 6 {
			return []byte{tagNakNibble}
		}
		page := int(frame[1])
		if page >= len(v.Memory) || v.isType2PageProtected(page) {
			return []byte{tagNakNibble}
		}
		v.Memory[page] = append([]byte(nil), frame[2:6]...)
		return []byte{tagAckNibble}
	default:
		return nil
	}
}

func (v *VirtualTag) respondClassic(frame []byte) []byte {
	// A pending write consumes the next frame as the block payload.
	if v.pendingWrite >= 0 {
		block := v.pendingWrite
		v.pendingWrite = -1
		if len(frame) != 16 || v.authSector != v.sectorOf(block) {
			return []byte{tagNakNibble}
		}
		v.Memory[block] = append([]byte(nil), frame...)
		return []byte{tagAckNibble}
	}

	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case tagCmdHalt:
		v.halted = true
		v.ResetAuthentication()
		return nil
	case tagCmdRead:
		if len(frame) < 2 {
			return nil
		}
		block := int(frame[1])
		if block >= len(v.Memory) || v.authSector != v.sectorOf(block) {
			return nil
		}
		if v.Memory[block] == nil {
			return make([]byte, 16)
		}
		out := make([]byte, 16)
		copy(out, v.Memory[block])
		return out
	case tagCmdMifareWrite:
		if len(frame) < 2 {
			return []byte{tagNakNibble}
		}
		block := int(frame[1])
		if block == 0 || block >= len(v.Memory) || v.authSector != v.sectorOf(block) {
			return []byte{tagNakNibble}
		}
		v.pendingWrite = block
		return []byte{tagAckNibble}
	default:
		return nil
	}
}

// Internal helpers

func (v *VirtualTag) initType2Memory() {
	for i := range v.Memory {
		v.Memory[i] = make([]byte, 4)
	}
	copy(v.Memory[0], v.UID)
	if len(v.UID) > 4 {
		copy(v.Memory[1], v.UID[4:])
	}

	// Capability container in page 3. The size byte announces the data
	// area the reader is allowed to walk.
	switch v.Type {
	case TagTypeNTAG215:
		v.Memory[3] = []byte{0xE1, 0x10, 0x3E, 0x00}
	default:
		v.Memory[3] = []byte{0xE1, 0x10, 0x12, 0x00}
	}
}

func (v *VirtualTag) initClassicMemory(sectors int) {
	for i := range v.Memory {
		v.Memory[i] = make([]byte, 16)
	}
	copy(v.Memory[0], v.UID)

	defaultKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for sector := range sectors {
		trailer := v.trailerBlock(sector)
		copy(v.Memory[trailer][0:6], defaultKey)
		copy(v.Memory[trailer][6:10], []byte{0xFF, 0x07, 0x80, 0x69})
		copy(v.Memory[trailer][10:16], defaultKey)
		v.keysA[sector] = append([]byte(nil), defaultKey...)
		v.keysB[sector] = append([]byte(nil), defaultKey...)
	}
}

func (v *VirtualTag) isType2PageProtected(page int) bool {
	userEnd := 40
	if v.Type == TagTypeNTAG215 {
		userEnd = 130
	}
	return page < 4 || page >= userEnd
}

func (v *VirtualTag) sectorCount() int {
	if v.Type == TagTypeMIFARE4K {
		return 40
	}
	return 16
}

func (v *VirtualTag) sectorOf(block int) int {
	if block < 128 {
		return block / 4
	}
	return 32 + (block-128)/16
}

func (v *VirtualTag) trailerBlock(sector int) int {
	if sector < 32 {
		return sector*4 + 3
	}
	return 128 + (sector-32)*16 + 15
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
