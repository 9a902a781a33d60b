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

package pn5180

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// CardType represents the family of a contactless card
type CardType string

const (
	// CardTypeType2 represents ISO14443-A Type 2 cards (NTAG, Ultralight).
	CardTypeType2 CardType = "TYPE2"
	// CardTypeMIFARE represents MIFARE Classic cards.
	CardTypeMIFARE CardType = "MIFARE"
	// CardTypeISO15693 represents ISO15693 vicinity cards (ICODE, ST25).
	CardTypeISO15693 CardType = "ISO15693"
	// CardTypeUnknown represents unrecognized card types.
	CardTypeUnknown CardType = "UNKNOWN"
	// CardTypeAny represents any card type (for detection)
	CardTypeAny CardType = "ANY"
)

// Manufacturer represents the chip manufacturer identified from the UID.
// ISO/IEC 7816-6 assigns the manufacturer code: it is the first byte of a
// 7-byte ISO14443-A UID, and the byte after the 0xE0 marker of an ISO15693
// UID in transmission-reversed (display) order.
type Manufacturer string

const (
	// ManufacturerNXP is NXP Semiconductors (0x04) - maker of NTAG and ICODE chips.
	ManufacturerNXP Manufacturer = "NXP"
	// ManufacturerST is STMicroelectronics (0x02) - maker of ST25 chips.
	ManufacturerST Manufacturer = "STMicroelectronics"
	// ManufacturerInfineon is Infineon Technologies (0x05) - maker of MIFARE-compatible chips.
	ManufacturerInfineon Manufacturer = "Infineon"
	// ManufacturerTI is Texas Instruments (0x07) - maker of Tag-it HF-I chips.
	ManufacturerTI Manufacturer = "Texas Instruments"
	// ManufacturerUnknown indicates an unrecognized manufacturer code.
	// This typically indicates a clone or counterfeit chip.
	ManufacturerUnknown Manufacturer = "Unknown"
)

// GetManufacturer returns the chip manufacturer based on the UID.
// For 4-byte UIDs (MIFARE Classic), manufacturer detection is less reliable.
func GetManufacturer(uid []byte) Manufacturer {
	if len(uid) == 0 {
		return ManufacturerUnknown
	}

	code := uid[0]
	if len(uid) == 8 && uid[0] == 0xE0 {
		// ISO15693 UID: E0 <mfg> <serial...>
		code = uid[1]
	}

	switch code {
	case 0x04:
		return ManufacturerNXP
	case 0x02:
		return ManufacturerST
	case 0x05:
		return ManufacturerInfineon
	case 0x07:
		return ManufacturerTI
	default:
		return ManufacturerUnknown
	}
}

// IsGenuineNXP returns true if the UID indicates a genuine NXP chip.
// Clone tags typically have non-0x04 manufacturer codes.
func IsGenuineNXP(uid []byte) bool {
	return GetManufacturer(uid) == ManufacturerNXP
}

// Card represents a contactless card interface
type Card interface {
	// Type returns the card family
	Type() CardType

	// UID returns the card's unique identifier as hex string
	UID() string

	// UIDBytes returns the card's unique identifier as bytes
	UIDBytes() []byte

	// ReadBlock reads a block of data from the card
	ReadBlock(ctx context.Context, block uint8) ([]byte, error)

	// WriteBlock writes a block of data to the card
	WriteBlock(ctx context.Context, block uint8, data []byte) error

	// ReadNDEF reads NDEF data from the card
	ReadNDEF(ctx context.Context) (*NDEFMessage, error)

	// WriteNDEF writes NDEF data to the card
	WriteNDEF(ctx context.Context, message *NDEFMessage) error

	// ReadText reads the first text record from the card's NDEF data
	ReadText(ctx context.Context) (string, error)

	// WriteText writes a simple text record to the card
	WriteText(ctx context.Context, text string) error

	// DebugInfo returns detailed debug information about the card
	DebugInfo() string

	// Summary returns a brief summary of the card
	Summary() string
}

// BaseCard provides common card functionality
type BaseCard struct {
	session  *RFSession
	cardType CardType
	uid      []byte
	sak      byte // SAK (Select Acknowledge) response for card type detection
}

// Type returns the card family
func (c *BaseCard) Type() CardType {
	return c.cardType
}

// UID returns the card's unique identifier as hex string
func (c *BaseCard) UID() string {
	return hex.EncodeToString(c.uid)
}

// UIDBytes returns the card's unique identifier as bytes
func (c *BaseCard) UIDBytes() []byte {
	return c.uid
}

// SAK returns the Select Acknowledge byte from selection.
// Zero for card families that have no selection phase.
func (c *BaseCard) SAK() byte {
	return c.sak
}

// IsMIFARE4K returns true if this is a MIFARE Classic 4K card
func (c *BaseCard) IsMIFARE4K() bool {
	return c.sak == sakClassic4K
}

// Manufacturer returns the chip manufacturer identified from the UID.
func (c *BaseCard) Manufacturer() Manufacturer {
	return GetManufacturer(c.uid)
}

// IsGenuine returns true if the chip appears to be from a known manufacturer.
// Returns false for unknown/clone chips.
func (c *BaseCard) IsGenuine() bool {
	return c.Manufacturer() != ManufacturerUnknown
}

// ReadBlock provides a default implementation that returns an error
// Specific card families should override this method
func (*BaseCard) ReadBlock(_ context.Context, _ uint8) ([]byte, error) {
	return nil, ErrNotImplemented
}

// WriteBlock provides a default implementation that returns an error
// Specific card families should override this method
func (*BaseCard) WriteBlock(_ context.Context, _ uint8, _ []byte) error {
	return ErrNotImplemented
}

// ReadNDEF provides a default implementation that returns an error
// Specific card families should override this method
func (*BaseCard) ReadNDEF(_ context.Context) (*NDEFMessage, error) {
	return nil, ErrNotImplemented
}

// WriteNDEF provides a default implementation that returns an error
// Specific card families should override this method
func (*BaseCard) WriteNDEF(_ context.Context, _ *NDEFMessage) error {
	return ErrNotImplemented
}

// ReadText reads the first text record from the card's NDEF data
// This is a convenience method that handles the common case of reading simple text.
// Promoted methods resolve ReadNDEF on the base, so card families
// override ReadText alongside ReadNDEF.
func (c *BaseCard) ReadText(ctx context.Context) (string, error) {
	ndef, err := c.ReadNDEF(ctx)
	if err != nil {
		return "", err
	}
	return textFromNDEF(ndef)
}

// WriteText writes a simple text record to the card
// This is a convenience method that handles the common case of writing simple text
func (c *BaseCard) WriteText(ctx context.Context, text string) error {
	return c.WriteNDEF(ctx, textMessage(text))
}

// textFromNDEF pulls the first non-empty text record out of a message.
func textFromNDEF(ndef *NDEFMessage) (string, error) {
	if ndef == nil || len(ndef.Records) == 0 {
		return "", ErrNDEFNotFound
	}
	for _, record := range ndef.Records {
		if record.Type == NDEFTypeText && record.Text != "" {
			return record.Text, nil
		}
	}
	return "", errors.New("no text record found")
}

// textMessage wraps text in a single-record NDEF message.
func textMessage(text string) *NDEFMessage {
	return &NDEFMessage{
		Records: []NDEFRecord{
			{
				Type: NDEFTypeText,
				Text: text,
			},
		},
	}
}

// Summary returns a brief summary of the card
func (c *BaseCard) Summary() string {
	return fmt.Sprintf("Card: %s, UID: %s", c.cardType, c.UID())
}

// DebugInfo returns detailed debug information about the card
func (c *BaseCard) DebugInfo() string {
	info := "=== Card Debug Info ===\n"
	info += fmt.Sprintf("Type: %v\n", c.cardType)
	info += fmt.Sprintf("UID: %s\n", c.UID())
	info += fmt.Sprintf("UID Bytes: %X\n", c.uid)
	info += fmt.Sprintf("SAK: %02X\n", c.sak)
	info += "NDEF: not supported for base card type\n"

	return info
}

// DebugInfoWithNDEF returns detailed debug information about the card with NDEF support
func (c *BaseCard) DebugInfoWithNDEF(ndefReader interface {
	ReadNDEF(context.Context) (*NDEFMessage, error)
},
) string {
	info := "=== Card Debug Info ===\n"
	info += fmt.Sprintf("Type: %v\n", c.cardType)
	info += fmt.Sprintf("UID: %s\n", c.UID())
	info += fmt.Sprintf("UID Bytes: %X\n", c.uid)
	info += fmt.Sprintf("SAK: %02X\n", c.sak)

	// Try to read NDEF for additional info
	if ndef, err := ndefReader.ReadNDEF(context.Background()); err == nil && ndef != nil {
		info += fmt.Sprintf("NDEF Records: %d\n", len(ndef.Records))
		for i, record := range ndef.Records {
			info += fmt.Sprintf("  Record %d: Type=%s", i+1, record.Type)
			if record.Text != "" {
				info += fmt.Sprintf(", Text='%s'", record.Text)
			}
			info += fmt.Sprintf(", Payload=%d bytes\n", len(record.Payload))
		}
	} else {
		info += fmt.Sprintf("NDEF: %v\n", err)
	}

	return info
}

// DetectedCard represents a card that was noticed by the reader
type DetectedCard struct {
	DetectedAt time.Time // When the card was detected
	UID        string    // UID as hex string
	Type       CardType  // Card family
	UIDBytes   []byte    // UID as raw bytes
	ATQA       []byte    // Answer to Request bytes (ISO14443-A)
	SAK        byte      // Select Acknowledge byte (ISO14443-A)
	DSFID      byte      // Data Storage Format Identifier (ISO15693)
}

// Manufacturer returns the chip manufacturer identified from the UID.
func (c *DetectedCard) Manufacturer() Manufacturer {
	return GetManufacturer(c.UIDBytes)
}

// IsGenuine returns true if the chip appears to be from a known manufacturer.
// Returns false for unknown/clone chips.
func (c *DetectedCard) IsGenuine() bool {
	return c.Manufacturer() != ManufacturerUnknown
}
