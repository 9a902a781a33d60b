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

package pn5180

import (
	"context"
	"fmt"

	"github.com/hsanjuan/go-ndef"
)

// NDEFType classifies a decoded record. Beyond the well-known Text and
// URI types, records pass through with a prefixed type string
// ("media:...", "ext:...") and their raw payload.
type NDEFType string

const (
	// NDEFTypeText is an NFC Forum well-known Text record.
	NDEFTypeText NDEFType = "text"
	// NDEFTypeURI is an NFC Forum well-known URI record.
	NDEFTypeURI NDEFType = "uri"
	// NDEFTypeUnknown marks records the parser has no decoder for.
	NDEFTypeUnknown NDEFType = "unknown"
)

// NDEFMessage is a parsed NDEF message.
type NDEFMessage struct {
	Records []NDEFRecord
}

// NDEFRecord is one record of an NDEF message. Text and URI are filled
// for their respective well-known types; Payload always carries the raw
// record payload.
type NDEFRecord struct {
	Text    string
	URI     string
	Type    NDEFType
	Payload []byte
}

// TLV block types of the Type 2 / ISO 15693 data area.
const (
	tlvNull       byte = 0x00
	tlvNDEF       byte = 0x03
	tlvTerminator byte = 0xFE
	tlvLongLength byte = 0xFF
)

// NDEF memory layout.
const (
	ccMagic byte = 0xE1

	// Type 2: CC in page 3, TLV area from page 4.
	type2CCOffset           = 12
	type2DataStart          = 16
	type2MaxMajorVersion    = 1
	iso15693DataStart       = 4
	iso15693MaxMajorVersion = 4

	ndefTextLanguage = "en"
)

// CapabilityContainer is the decoded CC of an NDEF formatted card.
// DataAreaSize is the absolute TLV walk bound in bytes, counted from
// the start of card memory.
type CapabilityContainer struct {
	MajorVersion byte
	MinorVersion byte
	DataAreaSize int
	ReadOnly     bool
}

// decodeType2CC decodes the 4-byte Type 2 capability container.
// Nil when the magic byte is missing.
func decodeType2CC(cc []byte) *CapabilityContainer {
	if len(cc) < 4 || cc[0] != ccMagic {
		return nil
	}
	return &CapabilityContainer{
		MajorVersion: cc[1] >> 4,
		MinorVersion: cc[1] & 0x0F,
		DataAreaSize: int(cc[2]) * 4,
		ReadOnly:     cc[3]&0xF0 == 0xF0,
	}
}

// decodeISO15693CC decodes the capability container in block 0 of an
// ISO 15693 card. Nil when the magic byte is missing.
func decodeISO15693CC(cc []byte) *CapabilityContainer {
	if len(cc) < 4 || cc[0] != ccMagic {
		return nil
	}
	return &CapabilityContainer{
		MajorVersion: cc[1] >> 4,
		MinorVersion: cc[1] & 0x0F,
		DataAreaSize: (int(cc[2]) + 1) * 8,
		ReadOnly:     cc[3]&0x01 != 0,
	}
}

// locateNDEFTLV walks the TLV area of memory from start up to limit and
// returns the offset and bytes of the first NDEF TLV payload. Both the
// type and length fields use the 1-byte or 0xFF-prefixed 2-byte big
// endian encoding. A nil result means no NDEF TLV before the
// terminator or the end of the area.
func locateNDEFTLV(memory []byte, start, limit int) (int, []byte) {
	if limit > len(memory) {
		return 0, nil
	}

	readVal := func(pos int) (val, next int, ok bool) {
		if pos >= limit {
			return 0, 0, false
		}
		if memory[pos] < tlvLongLength {
			return int(memory[pos]), pos + 1, true
		}
		if pos+2 >= limit {
			return 0, 0, false
		}
		return int(memory[pos+1])<<8 | int(memory[pos+2]), pos + 3, true
	}

	pos := start
	for pos < limit {
		typ, next, ok := readVal(pos)
		if !ok {
			return 0, nil
		}
		pos = next
		if byte(typ) == tlvNull {
			continue
		}
		if byte(typ) == tlvTerminator {
			return 0, nil
		}
		length, next, ok := readVal(pos)
		if !ok {
			return 0, nil
		}
		pos = next
		if byte(typ) == tlvNDEF {
			if pos+length > limit {
				return 0, nil
			}
			return pos, memory[pos : pos+length]
		}
		pos += length
	}
	return 0, nil
}

// wrapNDEFTLV frames a marshaled NDEF message as an NDEF TLV with
// terminator.
func wrapNDEFTLV(payload []byte) ([]byte, error) {
	var header []byte
	switch {
	case len(payload) < int(tlvLongLength):
		header = []byte{tlvNDEF, byte(len(payload))}
	case len(payload) <= 0xFFFF:
		header = []byte{tlvNDEF, tlvLongLength, byte(len(payload) >> 8), byte(len(payload))}
	default:
		return nil, fmt.Errorf("%w: %d byte message", ErrNDEFTooLarge, len(payload))
	}
	out := make([]byte, 0, len(header)+len(payload)+1)
	out = append(out, header...)
	out = append(out, payload...)
	out = append(out, tlvTerminator)
	return out, nil
}

// ParseNDEFMessage decodes a raw NDEF message (TLV wrapper already
// stripped). Records without a decoder keep their raw payload; a
// message where nothing could be decoded at all is ErrNDEFNotFound.
func ParseNDEFMessage(raw []byte) (*NDEFMessage, error) {
	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNDEFInvalid, err)
	}

	out := &NDEFMessage{Records: make([]NDEFRecord, 0, len(msg.Records))}
	for _, rec := range msg.Records {
		converted, err := convertNDEFRecord(rec)
		if err != nil {
			// Keep whatever else the message holds.
			continue
		}
		out.Records = append(out.Records, *converted)
	}
	if len(out.Records) == 0 {
		return nil, ErrNDEFNotFound
	}
	return out, nil
}

// convertNDEFRecord maps a go-ndef record into the package record type.
func convertNDEFRecord(rec *ndef.Record) (*NDEFRecord, error) {
	payload, err := rec.Payload()
	if err != nil {
		return nil, fmt.Errorf("record payload: %w", err)
	}
	raw := payload.Marshal()
	out := &NDEFRecord{Payload: raw, Type: NDEFTypeUnknown}

	switch rec.TNF() {
	case ndef.NFCForumWellKnownType:
		switch rec.Type() {
		case "T":
			out.Type = NDEFTypeText
			if text, err := decodeTextPayload(raw); err == nil {
				out.Text = text
			}
		case "U":
			out.Type = NDEFTypeURI
			if uri, err := decodeURIPayload(raw); err == nil {
				out.URI = uri
			}
		default:
			out.Type = NDEFType("wkt:" + rec.Type())
		}
	case ndef.MediaType:
		out.Type = NDEFType("media:" + rec.Type())
	case ndef.AbsoluteURI:
		out.Type = NDEFType("uri:" + rec.Type())
	case ndef.NFCForumExternalType:
		out.Type = NDEFType("ext:" + rec.Type())
	default:
		return nil, fmt.Errorf("unsupported TNF 0x%02X", rec.TNF())
	}
	return out, nil
}

// decodeTextPayload strips the status byte and language code of a Text
// record payload.
func decodeTextPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", fmt.Errorf("%w: empty text payload", ErrNDEFInvalid)
	}
	langLen := int(payload[0] & 0x3F)
	if len(payload) < 1+langLen {
		return "", fmt.Errorf("%w: text payload shorter than its language code", ErrNDEFInvalid)
	}
	return string(payload[1+langLen:]), nil
}

// ndefURIPrefixes is the NFC Forum URI RTD abbreviation table, indexed
// by the payload's first byte.
var ndefURIPrefixes = []string{
	"",
	"http://www.",
	"https://www.",
	"http://",
	"https://",
	"tel:",
	"mailto:",
	"ftp://anonymous:anonymous@",
	"ftp://ftp.",
	"ftps://",
	"sftp://",
	"smb://",
	"nfs://",
	"ftp://",
	"dav://",
	"news:",
	"telnet://",
	"imap:",
	"rtsp://",
	"urn:",
	"pop:",
	"sip:",
	"sips:",
	"tftp:",
	"btspp://",
	"btl2cap://",
	"btgoep://",
	"tcpobex://",
	"irdaobex://",
	"file://",
	"urn:epc:id:",
	"urn:epc:tag:",
	"urn:epc:pat:",
	"urn:epc:raw:",
	"urn:epc:",
	"urn:nfc:",
}

// decodeURIPayload expands the prefix byte of a URI record payload.
func decodeURIPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", fmt.Errorf("%w: empty URI payload", ErrNDEFInvalid)
	}
	code := int(payload[0])
	if code >= len(ndefURIPrefixes) {
		return "", fmt.Errorf("%w: URI prefix code %d", ErrNDEFInvalid, code)
	}
	return ndefURIPrefixes[code] + string(payload[1:]), nil
}

// BuildNDEFMessage marshals message and wraps it as a TLV ready to
// write into a card's data area.
func BuildNDEFMessage(message *NDEFMessage) ([]byte, error) {
	if message == nil || len(message.Records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrNDEFInvalid)
	}

	msg := &ndef.Message{Records: make([]*ndef.Record, 0, len(message.Records))}
	for i := range message.Records {
		rec, err := buildNDEFRecord(&message.Records[i])
		if err != nil {
			return nil, err
		}
		msg.Records = append(msg.Records, rec)
	}
	msg.Records[0].SetMB(true)
	msg.Records[len(msg.Records)-1].SetME(true)

	payload, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal NDEF message: %w", err)
	}
	return wrapNDEFTLV(payload)
}

func buildNDEFRecord(rec *NDEFRecord) (*ndef.Record, error) {
	var out *ndef.Record
	switch rec.Type {
	case NDEFTypeText:
		out = ndef.NewTextRecord(rec.Text, ndefTextLanguage)
	case NDEFTypeURI:
		out = ndef.NewURIRecord(rec.URI)
	default:
		return nil, fmt.Errorf("%w: cannot build %q records", ErrNDEFInvalid, rec.Type)
	}
	// Position flags are set once the whole message is assembled.
	out.SetMB(false)
	out.SetME(false)
	return out, nil
}

// padToMultiple zero-pads data up to a whole number of size-byte
// blocks.
func padToMultiple(data []byte, size int) []byte {
	rem := len(data) % size
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+size-rem)
	copy(padded, data)
	return padded
}

// readType2CC fetches the header pages and decodes the capability
// container.
func (c *ISO14443ACard) readType2CC(ctx context.Context) (*CapabilityContainer, []byte, error) {
	header, err := c.ReadMemory(ctx, 0, type2DataStart)
	if err != nil {
		return nil, nil, err
	}
	if len(header) < type2DataStart {
		return nil, nil, fmt.Errorf("%w: incomplete header pages", ErrNDEFNotFound)
	}
	cc := decodeType2CC(header[type2CCOffset:type2DataStart])
	if cc == nil || cc.MajorVersion > type2MaxMajorVersion {
		return nil, nil, fmt.Errorf("%w: no usable capability container", ErrNDEFNotFound)
	}
	return cc, header, nil
}

// ReadNDEF reads and parses the card's NDEF message. The capability
// container sits in page 3; the TLV area follows from page 4.
func (c *ISO14443ACard) ReadNDEF(ctx context.Context) (*NDEFMessage, error) {
	cc, header, err := c.readType2CC(ctx)
	if err != nil {
		return nil, err
	}

	memory := header
	if cc.DataAreaSize > len(memory) {
		memory, err = c.ReadMemory(ctx, 0, cc.DataAreaSize)
		if err != nil {
			return nil, err
		}
	}
	if cc.DataAreaSize > len(memory) {
		return nil, fmt.Errorf("%w: memory shorter than the announced data area", ErrNDEFNotFound)
	}

	_, raw := locateNDEFTLV(memory, type2DataStart, cc.DataAreaSize)
	if raw == nil {
		return nil, ErrNDEFNotFound
	}
	return ParseNDEFMessage(raw)
}

// WriteNDEF replaces the card's NDEF message.
func (c *ISO14443ACard) WriteNDEF(ctx context.Context, message *NDEFMessage) error {
	data, err := BuildNDEFMessage(message)
	if err != nil {
		return err
	}

	cc, _, err := c.readType2CC(ctx)
	if err != nil {
		return err
	}
	if cc.ReadOnly {
		return ErrCardNotWritable
	}
	padded := padToMultiple(data, c.MemoryBlockSize())
	if type2DataStart+len(padded) > cc.DataAreaSize {
		return fmt.Errorf("%w: %d bytes exceed the %d byte data area",
			ErrNDEFTooLarge, len(data), cc.DataAreaSize-type2DataStart)
	}
	return c.WriteMemory(ctx, type2DataStart, padded)
}

// ReadText reads the first text record from the card's NDEF message.
func (c *ISO14443ACard) ReadText(ctx context.Context) (string, error) {
	ndef, err := c.ReadNDEF(ctx)
	if err != nil {
		return "", err
	}
	return textFromNDEF(ndef)
}

// WriteText replaces the card's NDEF message with a single text record.
func (c *ISO14443ACard) WriteText(ctx context.Context, text string) error {
	return c.WriteNDEF(ctx, textMessage(text))
}

// readISO15693CC fetches block 0 and decodes the capability container.
func (c *ISO15693Card) readISO15693CC(ctx context.Context) (*CapabilityContainer, []byte, error) {
	header, err := c.ReadMemory(ctx, 0, iso15693DataStart)
	if err != nil {
		return nil, nil, err
	}
	if len(header) < iso15693DataStart {
		return nil, nil, fmt.Errorf("%w: incomplete first block", ErrNDEFNotFound)
	}
	cc := decodeISO15693CC(header[:iso15693DataStart])
	if cc == nil || cc.MajorVersion > iso15693MaxMajorVersion {
		return nil, nil, fmt.Errorf("%w: no usable capability container", ErrNDEFNotFound)
	}
	return cc, header, nil
}

// ReadNDEF reads and parses the card's NDEF message. The capability
// container sits in block 0; the TLV area follows from byte 4.
func (c *ISO15693Card) ReadNDEF(ctx context.Context) (*NDEFMessage, error) {
	cc, header, err := c.readISO15693CC(ctx)
	if err != nil {
		return nil, err
	}

	memory := header
	if cc.DataAreaSize > len(memory) {
		memory, err = c.ReadMemory(ctx, 0, cc.DataAreaSize)
		if err != nil {
			return nil, err
		}
	}
	if cc.DataAreaSize > len(memory) {
		return nil, fmt.Errorf("%w: memory shorter than the announced data area", ErrNDEFNotFound)
	}

	_, raw := locateNDEFTLV(memory, iso15693DataStart, cc.DataAreaSize)
	if raw == nil {
		return nil, ErrNDEFNotFound
	}
	return ParseNDEFMessage(raw)
}

// WriteNDEF replaces the card's NDEF message. When the block size does
// not divide the 4-byte CC, block 0 is rewritten with the CC kept in
// place.
func (c *ISO15693Card) WriteNDEF(ctx context.Context, message *NDEFMessage) error {
	data, err := BuildNDEFMessage(message)
	if err != nil {
		return err
	}

	cc, header, err := c.readISO15693CC(ctx)
	if err != nil {
		return err
	}
	if cc.ReadOnly {
		return ErrCardNotWritable
	}
	if iso15693DataStart+len(data) > cc.DataAreaSize {
		return fmt.Errorf("%w: %d bytes exceed the %d byte data area",
			ErrNDEFTooLarge, len(data), cc.DataAreaSize-iso15693DataStart)
	}

	if iso15693DataStart%c.blockSize == 0 {
		return c.WriteMemory(ctx, iso15693DataStart, padToMultiple(data, c.blockSize))
	}
	image := make([]byte, 0, iso15693DataStart+len(data))
	image = append(image, header[:iso15693DataStart]...)
	image = append(image, data...)
	return c.WriteMemory(ctx, 0, padToMultiple(image, c.blockSize))
}

// ReadText reads the first text record from the card's NDEF message.
func (c *ISO15693Card) ReadText(ctx context.Context) (string, error) {
	ndef, err := c.ReadNDEF(ctx)
	if err != nil {
		return "", err
	}
	return textFromNDEF(ndef)
}

// WriteText replaces the card's NDEF message with a single text record.
func (c *ISO15693Card) WriteText(ctx context.Context, text string) error {
	return c.WriteNDEF(ctx, textMessage(text))
}
