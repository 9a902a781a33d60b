// Copyright 2025 The Zaparoo Project Contributors.
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

package tagops

import (
	"bytes"
	"context"

	"github.com/ZaparooProject/go-pn5180"
)

const (
	unknownCardName   = "Unknown"
	type2CardName     = "NFC Type 2"
	mifareClassicName = "MIFARE Classic"
	iso15693CardName  = "ISO15693 Vicinity"

	ccMagic = 0xE1
)

// TagInfo contains detailed information about a scanned card
type TagInfo struct {
	TypeName     string
	UID          string
	Manufacturer pn5180.Manufacturer
	Type         pn5180.CardType

	// TotalMemory is the card's memory size in bytes: the SAK-implied
	// size for Classic, the announced data area for Type 2, the system
	// information answer for ISO15693. Zero when the card does not
	// announce a size.
	TotalMemory int
	BlockSize   int
}

// Info describes the scanned card, probing its capacity where the
// family announces one.
func (t *TagOperations) Info(ctx context.Context) (*TagInfo, error) {
	card, err := t.current()
	if err != nil {
		return nil, err
	}

	info := &TagInfo{
		TypeName:     CardTypeDisplayName(card.Type()),
		UID:          card.UID(),
		Type:         card.Type(),
		Manufacturer: pn5180.GetManufacturer(card.UIDBytes()),
	}

	switch c := card.(type) {
	case *pn5180.ISO14443ACard:
		info.BlockSize = c.MemoryBlockSize()
		if c.IsClassic() {
			info.TotalMemory = c.ClassicCapacity()
			break
		}
		info.TotalMemory = type2AnnouncedSize(ctx, c)
	case *pn5180.ISO15693Card:
		info.BlockSize = c.MemoryBlockSize()
		if capacity, capErr := c.Capacity(ctx); capErr == nil {
			info.TotalMemory = capacity
		}
	}

	return info, nil
}

// IsNDEFCapable reports whether the scanned card carries an NDEF
// capability container.
func (t *TagOperations) IsNDEFCapable(ctx context.Context) bool {
	card, err := t.current()
	if err != nil {
		return false
	}

	switch c := card.(type) {
	case *pn5180.ISO14443ACard:
		if c.IsClassic() {
			return false
		}
		return type2AnnouncedSize(ctx, c) > 0
	case *pn5180.ISO15693Card:
		cc, readErr := c.ReadBlock(ctx, 0)
		return readErr == nil && len(cc) > 0 && cc[0] == ccMagic
	}
	return false
}

// type2AnnouncedSize decodes the capability container size byte from
// page 3. Zero for cards without an NDEF capability container.
func type2AnnouncedSize(ctx context.Context, c *pn5180.ISO14443ACard) int {
	cc, err := c.ReadBlock(ctx, 3)
	if err != nil || len(cc) < 3 || cc[0] != ccMagic {
		return 0
	}
	return int(cc[2]) * 4
}

// CardTypeDisplayName returns a human-readable display name for a card
// type, more descriptive than the raw pn5180.CardType string values.
func CardTypeDisplayName(t pn5180.CardType) string {
	switch t {
	case pn5180.CardTypeType2:
		return type2CardName
	case pn5180.CardTypeMIFARE:
		return mifareClassicName
	case pn5180.CardTypeISO15693:
		return iso15693CardName
	case pn5180.CardTypeUnknown, pn5180.CardTypeAny:
		return unknownCardName
	}
	return unknownCardName
}

// CompareUID compares two UIDs for equality
func CompareUID(uid1, uid2 []byte) bool {
	return bytes.Equal(uid1, uid2)
}
