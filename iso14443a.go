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

package pn5180

import (
	"context"
	"fmt"
	"time"
)

// ISO14443-A frame commands
const (
	// iso14443aCmdREQA polls for cards in IDLE state (7-bit short frame).
	iso14443aCmdREQA = 0x26
	// iso14443aCmdWUPA polls for cards in IDLE or HALT state (7-bit short frame).
	iso14443aCmdWUPA = 0x52
	// iso14443aCmdHalt puts the selected card into HALT state.
	iso14443aCmdHalt = 0x50

	// Anticollision/select commands per cascade level.
	iso14443aCmdSelCL1 = 0x93
	iso14443aCmdSelCL2 = 0x95
	iso14443aCmdSelCL3 = 0x97

	// NVB (Number of Valid Bits) values.
	iso14443aNVBAnticollision = 0x20 // request full UID chunk
	iso14443aNVBSelect        = 0x70 // full UID chunk follows

	// iso14443aCascadeTag prefixes UID chunks of incomplete cascade levels.
	iso14443aCascadeTag = 0x88

	// sakCascadeBit set in SAK means the UID is not complete yet.
	sakCascadeBit = 0x04
)

// Type 2 memory commands
const (
	type2CmdRead  = 0x30
	type2CmdWrite = 0xA2
)

// Type 2 memory structure
const (
	type2BlockSize    = 4 // 4 bytes per block
	type2ReadBlocks   = 4 // READ returns 4 blocks (16 bytes)
	type2UserMemStart = 4 // user memory starts at block 4
	type2MaxBlock     = 255
)

// UIDLength classifies ISO14443-A UID sizes.
type UIDLength int

const (
	// UIDLengthSingle is a 4-byte UID (one cascade level).
	UIDLengthSingle UIDLength = 4
	// UIDLengthDouble is a 7-byte UID (two cascade levels).
	UIDLengthDouble UIDLength = 7
	// UIDLengthTriple is a 10-byte UID (three cascade levels).
	UIDLengthTriple UIDLength = 10
)

// ISO14443ACard represents a selected ISO14443-A card. Depending on the
// UID length it is driven either through the unauthenticated Type 2 memory
// commands (NTAG, Ultralight) or the MIFARE Classic authenticated path.
type ISO14443ACard struct {
	BaseCard
	atqa []byte

	// MIFARE Classic key tables, block number -> key. Slot -1 holds the
	// fallback key used when no block-specific key is set.
	keysA map[int][]byte
	keysB map[int][]byte

	// Classic authentication state, reset on sector change and halt.
	authSector  int
	authKeyType byte
}

// newISO14443ACard wraps a finished selection into a card handle.
func newISO14443ACard(session *RFSession, uid []byte, sak byte, atqa []byte) *ISO14443ACard {
	card := &ISO14443ACard{
		BaseCard: BaseCard{
			session:  session,
			cardType: CardTypeType2,
			uid:      uid,
			sak:      sak,
		},
		atqa:       atqa,
		keysA:      make(map[int][]byte),
		keysB:      make(map[int][]byte),
		authSector: -1,
	}
	if card.IsClassic() {
		card.cardType = CardTypeMIFARE
	}
	card.keysA[-1] = append([]byte(nil), MifareDefaultKeyA...)
	card.keysB[-1] = append([]byte(nil), MifareDefaultKeyB...)
	return card
}

// ATQA returns the Answer To Request bytes from selection.
func (c *ISO14443ACard) ATQA() []byte {
	return c.atqa
}

// UIDLength returns the card's UID size class.
func (c *ISO14443ACard) UIDLength() UIDLength {
	return UIDLength(len(c.uid))
}

// IsClassic reports whether the card follows the MIFARE Classic
// authenticated memory model. Classic cards carry single-size (4-byte)
// UIDs; everything longer speaks the plain Type 2 command set.
func (c *ISO14443ACard) IsClassic() bool {
	return len(c.uid) == 4
}

// MemoryBlockSize returns the card's memory block granularity in bytes:
// 16 for MIFARE Classic, 4 for everything else.
func (c *ISO14443ACard) MemoryBlockSize() int {
	if c.IsClassic() {
		return mifareBlockSize
	}
	return type2BlockSize
}

// Detected returns an identity snapshot of the card that stays valid
// after the session closes.
func (c *ISO14443ACard) Detected() *DetectedCard {
	return &DetectedCard{
		DetectedAt: time.Now(),
		UID:        c.UID(),
		Type:       c.Type(),
		UIDBytes:   append([]byte(nil), c.uid...),
		ATQA:       append([]byte(nil), c.atqa...),
		SAK:        c.sak,
	}
}

// ConnectISO14443A wakes and selects an ISO14443-A card.
func (s *RFSession) ConnectISO14443A() (*ISO14443ACard, error) {
	return s.ConnectISO14443AContext(context.Background())
}

// ConnectISO14443AContext wakes and selects an ISO14443-A card, running
// the full anticollision cascade to retrieve its UID. Exactly one card is
// selected per session; a second card in the field makes the anticollision
// responses collide and the selection fail.
func (s *RFSession) ConnectISO14443AContext(ctx context.Context) (*ISO14443ACard, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, sak, atqa, err := s.selectISO14443A(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Hex("uid", uid).
		Uint8("sak", sak).
		Hex("atqa", atqa).
		Msg("ISO14443-A card selected")
	return newISO14443ACard(s, uid, sak, atqa), nil
}

// selectISO14443A performs wake-up plus the anticollision cascade and
// returns UID, SAK and ATQA.
func (s *RFSession) selectISO14443A(ctx context.Context) (uid []byte, sak byte, atqa []byte, err error) {
	d := s.device

	// Anticollision frames carry no CRC.
	if err := d.DisableCRCContext(ctx); err != nil {
		return nil, 0, nil, err
	}
	if err := d.WriteRegisterContext(ctx, RegIRQClear, irqClearAll); err != nil {
		return nil, 0, nil, err
	}
	if err := d.WriteRegisterOrMaskContext(ctx, RegIRQEnable, irqRXDone); err != nil {
		return nil, 0, nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, 0, nil, err
	}

	// WUPA is a 7-bit short frame. It also wakes halted cards, which REQA
	// would leave silent.
	if err := d.SendDataContext(ctx, 7, []byte{iso14443aCmdWUPA}); err != nil {
		return nil, 0, nil, err
	}
	if _, err := d.WaitForIRQContext(ctx, d.config.Timeout); err != nil {
		return nil, 0, nil, err
	}

	n, err := d.rxLength(ctx)
	if err != nil {
		return nil, 0, nil, err
	}
	if n < 1 {
		return nil, 0, nil, ErrNoCardFound
	}
	atqa, err = d.ReadDataContext(ctx, n)
	if err != nil {
		return nil, 0, nil, err
	}

	// ATQA bits 6-7 encode the UID size: 0 single, 1 double, 2 triple.
	levels := int(atqa[0]/64) + 1
	if levels > 3 {
		return nil, 0, nil, fmt.Errorf("%w: ATQA %02X announces impossible UID size", ErrProtocol, atqa[0])
	}

	uid, sak, err = s.runAnticollision(ctx, levels)
	if err != nil {
		return nil, 0, nil, err
	}
	return uid, sak, atqa, nil
}

// runAnticollision walks the cascade levels, validating check bytes and
// cascade structure at each step.
func (s *RFSession) runAnticollision(ctx context.Context, levels int) (uid []byte, sak byte, err error) {
	d := s.device
	selCmds := [3]byte{iso14443aCmdSelCL1, iso14443aCmdSelCL2, iso14443aCmdSelCL3}

	for level := 0; level < levels; level++ {
		final := level == levels-1

		chunk, err := d.TransceiveFrameContext(ctx, 0, []byte{selCmds[level], iso14443aNVBAnticollision})
		if err != nil {
			return nil, 0, err
		}
		if len(chunk) < 5 {
			return nil, 0, fmt.Errorf("%w: anticollision level %d returned %d bytes",
				ErrProtocol, level+1, len(chunk))
		}

		if bcc := chunk[0] ^ chunk[1] ^ chunk[2] ^ chunk[3]; bcc != chunk[4] {
			return nil, 0, ErrInvalidBCC
		}

		if final {
			uid = append(uid, chunk[0], chunk[1], chunk[2], chunk[3])
		} else {
			if chunk[0] != iso14443aCascadeTag {
				return nil, 0, fmt.Errorf("%w: level %d UID chunk starts with %02X instead of cascade tag",
					ErrProtocol, level+1, chunk[0])
			}
			uid = append(uid, chunk[1], chunk[2], chunk[3])
		}

		// The select frame echoes the full chunk (including the check
		// byte) and is CRC protected.
		if err := d.EnableCRCContext(ctx); err != nil {
			return nil, 0, err
		}
		sel := append([]byte{selCmds[level], iso14443aNVBSelect}, chunk[:5]...)
		sakResp, err := d.TransceiveFrameContext(ctx, 0, sel)
		if err != nil {
			return nil, 0, err
		}
		if len(sakResp) < 1 {
			return nil, 0, fmt.Errorf("%w: no SAK after select level %d", ErrProtocol, level+1)
		}
		sak = sakResp[0]

		// The SAK's cascade bit must agree with what ATQA promised.
		if cascades := sak&sakCascadeBit != 0; cascades == final {
			return nil, 0, ErrCascadeMismatch
		}

		if err := d.DisableCRCContext(ctx); err != nil {
			return nil, 0, err
		}
	}
	return uid, sak, nil
}

// ReadBlock reads a single block. Type 2 cards answer READ with four
// blocks and only the requested one is returned; Classic cards answer
// with the single 16-byte block.
func (c *ISO14443ACard) ReadBlock(ctx context.Context, block uint8) ([]byte, error) {
	size := c.MemoryBlockSize()
	data, err := c.ReadMemory(ctx, int(block)*size, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, newMemoryReadError(int(block)*size, ackMissing, data)
	}
	return data[:size], nil
}

// WriteBlock writes a single block. The payload must match the card's
// block size.
func (c *ISO14443ACard) WriteBlock(ctx context.Context, block uint8, data []byte) error {
	size := c.MemoryBlockSize()
	if len(data) != size {
		return NewParameterError("write_block",
			fmt.Errorf("%w: block payload must be %d bytes, got %d", ErrInvalidParameter, size, len(data)))
	}
	return c.WriteMemory(ctx, int(block)*size, data)
}

// ReadMemory reads length bytes starting at a byte offset. Classic cards
// route through the authenticated key-table path, everything else uses
// plain Type 2 READ commands. Reads stop early when the card stops
// answering (end of memory), so the result may be shorter than requested.
func (c *ISO14443ACard) ReadMemory(ctx context.Context, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, NewParameterError("read_memory",
			fmt.Errorf("%w: negative offset or length", ErrInvalidParameter))
	}
	if _, err := c.sessionDevice(); err != nil {
		return nil, err
	}
	size := c.MemoryBlockSize()
	startBlock := offset / size
	numBlocks := (length + size - 1) / size

	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if c.IsClassic() {
		return c.readClassicMemoryAuto(ctx, startBlock, numBlocks)
	}
	return c.readType2Memory(ctx, startBlock, numBlocks)
}

// readType2Memory reads unauthenticated Type 2 memory. Each READ returns
// 16 bytes (four blocks); an empty answer ends the run, a bare NAK nibble
// fails it.
func (c *ISO14443ACard) readType2Memory(ctx context.Context, startBlock, numBlocks int) ([]byte, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}

	var memory []byte
	endBlock := startBlock + numBlocks
	if endBlock > type2MaxBlock {
		endBlock = type2MaxBlock
	}
	for block := startBlock; block < endBlock; block += type2ReadBlocks {
		chunk, err := d.TransceiveFrameContext(ctx, 0, []byte{type2CmdRead, byte(block)})
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			// Card stopped answering: end of memory.
			break
		}
		if len(chunk) < type2BlockSize {
			return nil, newMemoryReadError(block*type2BlockSize, chunk[0], chunk)
		}
		memory = append(memory, chunk...)
	}
	return memory, nil
}

// WriteMemory writes data at a block-aligned byte offset. The payload
// length must be a whole number of blocks; each block is sent as its own
// WRITE exchange and must come back acknowledged. Classic cards route
// through the authenticated key-table path.
func (c *ISO14443ACard) WriteMemory(ctx context.Context, offset int, data []byte) error {
	size := c.MemoryBlockSize()
	if offset < 0 || offset%size != 0 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: offset %d not block aligned", ErrInvalidParameter, offset))
	}
	if len(data)%size != 0 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: length %d not a whole number of blocks", ErrInvalidParameter, len(data)))
	}

	d, err := c.sessionDevice()
	if err != nil {
		return err
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	startBlock := offset / size
	if c.IsClassic() {
		return c.writeClassicMemoryAuto(ctx, startBlock, data)
	}

	for i := 0; i < len(data)/type2BlockSize; i++ {
		frame := append([]byte{type2CmdWrite, byte(startBlock + i)},
			data[i*type2BlockSize:(i+1)*type2BlockSize]...)

		resp, err := d.sendAndWaitForAck(ctx, frame)
		if err != nil {
			return err
		}
		byteOffset := offset + i*type2BlockSize
		if len(resp) == 0 {
			return newMemoryWriteError(byteOffset, ackMissing, nil)
		}
		if resp[0]&ackMask != ackNibble {
			return newMemoryWriteError(byteOffset, resp[0], resp)
		}
	}
	return nil
}

// Halt puts the card into HALT state. A halted card ignores REQA and only
// wakes for WUPA; success is indicated by silence.
func (c *ISO14443ACard) Halt(ctx context.Context) error {
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := d.EnableCRCContext(ctx); err != nil {
		return err
	}

	resp, err := d.TransceiveFrameContext(ctx, 0, []byte{iso14443aCmdHalt, 0x00})
	if err != nil {
		return err
	}
	if len(resp) != 0 {
		return fmt.Errorf("%w: card answered HLTA with %d bytes", ErrProtocol, len(resp))
	}

	c.authSector = -1
	return nil
}
