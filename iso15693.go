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
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"
)

// ISO 15693 command set (ISO/IEC 15693-3). The engine drives a subset;
// the rest is listed for raw use through the device primitives.
const (
	iso15693CmdInventory              byte = 0x01
	iso15693CmdStayQuiet              byte = 0x02
	iso15693CmdReadSingleBlock        byte = 0x20
	iso15693CmdWriteSingleBlock       byte = 0x21
	iso15693CmdLockBlock              byte = 0x22
	iso15693CmdReadMultipleBlocks     byte = 0x23
	iso15693CmdWriteMultipleBlocks    byte = 0x24
	iso15693CmdSelect                 byte = 0x25
	iso15693CmdResetToReady           byte = 0x26
	iso15693CmdGetSystemInfo          byte = 0x2B
	iso15693CmdGetBlockSecurityStatus byte = 0x2C

	// Extended addressing variants for cards with more than 256 blocks.
	iso15693CmdExtReadSingleBlock    byte = 0x30
	iso15693CmdExtWriteSingleBlock   byte = 0x31
	iso15693CmdExtLockBlock          byte = 0x32
	iso15693CmdExtReadMultipleBlocks byte = 0x33
	iso15693CmdExtGetSystemInfo      byte = 0x3B
)

// Request flags (ISO/IEC 15693-3 §7.3).
const (
	iso15693FlagDataRate  byte = 0x02 // high data rate
	iso15693FlagInventory byte = 0x04
	iso15693FlagAddress   byte = 0x20 // request carries a UID

	iso15693FlagsInventory byte = iso15693FlagDataRate | iso15693FlagInventory
	iso15693FlagsAddressed byte = iso15693FlagDataRate | iso15693FlagAddress

	// iso15693ErrFlag in the response flags byte means the next byte is
	// a fault code.
	iso15693ErrFlag byte = 0x01
)

// ISO 15693 geometry and inventory limits.
const (
	iso15693UIDLength        = 8
	iso15693DefaultBlockSize = 4
	iso15693DefaultNumBlocks = 32
	iso15693MaxBlock         = 255
	iso15693MaxReadChunk     = 128 // bytes per READ_MULTIPLE_BLOCKS
	iso15693InventoryRespLen = 10  // flags + DSFID + UID

	iso15693Slots       = 16
	iso15693MaskMaxBits = 60
	iso15693MaxRounds   = 64
)

// iso15693TXConfigEOFOnly strips the start-of-frame bits from TX_CONFIG
// so the next SEND_DATA emits a bare EOF, which advances the card's
// anticollision sequence to the next slot.
const iso15693TXConfigEOFOnly uint32 = 0xFFFFFB3F

// iso15693Mask is a partial UID prefix used during inventory tree
// descent: len bits of bits are valid, transmitted LSB first.
type iso15693Mask struct {
	bits uint64
	len  uint
}

// maskBytes renders the mask for the inventory frame.
func (m iso15693Mask) maskBytes() []byte {
	n := int(m.len+7) / 8
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(m.bits >> (8 * i))
	}
	return out
}

// ISO15693SystemInfo holds a card's GET_SYSTEM_INFORMATION answer. The
// Has fields report which optional parts the card filled in.
type ISO15693SystemInfo struct {
	HasDSFID       bool
	DSFID          byte
	HasAFI         bool
	AFI            byte
	HasMemory      bool
	NumBlocks      int
	BlockSize      int
	HasICReference bool
	ICReference    byte
}

// ISO15693Card represents a vicinity card discovered by inventory or
// selected directly by UID. Every memory operation is addressed to the
// card's UID so co-located tags do not interfere.
type ISO15693Card struct {
	BaseCard
	dsfid byte

	// Cached system information and the geometry derived from it.
	sysInfo   *ISO15693SystemInfo
	blockSize int
	numBlocks int
}

func newISO15693Card(session *RFSession, uid []byte, dsfid byte) *ISO15693Card {
	return &ISO15693Card{
		BaseCard: BaseCard{
			session:  session,
			cardType: CardTypeISO15693,
			uid:      uid,
		},
		dsfid:     dsfid,
		blockSize: iso15693DefaultBlockSize,
		numBlocks: iso15693DefaultNumBlocks,
	}
}

// DSFID returns the data storage format identifier the card reported
// during inventory. Zero for cards connected directly by UID.
func (c *ISO15693Card) DSFID() byte {
	return c.dsfid
}

// MemoryBlockSize returns the card's block size in bytes. Until system
// information has been queried this is the 4-byte default.
func (c *ISO15693Card) MemoryBlockSize() int {
	return c.blockSize
}

// Detected returns an identity snapshot of the card that stays valid
// after the session closes.
func (c *ISO15693Card) Detected() *DetectedCard {
	return &DetectedCard{
		DetectedAt: time.Now(),
		UID:        c.UID(),
		Type:       c.Type(),
		UIDBytes:   append([]byte(nil), c.uid...),
		DSFID:      c.dsfid,
	}
}

// transceiveISO15693 sends one ISO 15693 request and returns the raw
// answer. A non-nil uid makes the request addressed; UID bytes travel
// LSB first on the wire.
func (d *Device) transceiveISO15693(ctx context.Context, cmd byte, uid, params []byte) ([]byte, error) {
	flags := iso15693FlagDataRate
	if uid != nil {
		flags |= iso15693FlagAddress
	}
	frame := make([]byte, 0, 2+len(uid)+len(params))
	frame = append(frame, flags, cmd)
	for i := len(uid) - 1; i >= 0; i-- {
		frame = append(frame, uid[i])
	}
	frame = append(frame, params...)
	return d.TransceiveFrameContext(ctx, 0, frame)
}

// iso15693ResponseError maps an error frame to an ISO15693Error, or nil
// for a clean response.
func iso15693ResponseError(cmd byte, resp []byte) error {
	if len(resp) == 0 || resp[0]&iso15693ErrFlag == 0 {
		return nil
	}
	var code byte
	if len(resp) > 1 {
		code = resp[1]
	}
	return &ISO15693Error{Command: cmd, Code: code, Response: resp}
}

// InventoryISO15693 discovers all vicinity cards in the field.
func (s *RFSession) InventoryISO15693() ([]*ISO15693Card, error) {
	return s.InventoryISO15693Context(context.Background())
}

// InventoryISO15693Context runs 16-slot inventory rounds with binary
// tree descent: a collided slot re-runs the round with the four slot
// index bits appended to the UID mask, until every branch resolves or
// the round budget runs out. The root round always completes; a context
// that expires during descent returns the cards found so far.
func (s *RFSession) InventoryISO15693Context(ctx context.Context) ([]*ISO15693Card, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]*ISO15693Card)
	queue := []iso15693Mask{{}}
	rounds := 0
	for len(queue) > 0 && rounds < iso15693MaxRounds {
		if rounds > 0 && ctx.Err() != nil {
			break
		}
		mask := queue[0]
		queue = queue[1:]
		rounds++

		found, collisions, err := s.inventoryRound(ctx, mask)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			key := string(f.uid)
			if _, ok := seen[key]; !ok {
				seen[key] = newISO15693Card(s, f.uid, f.dsfid)
			}
		}
		for _, slot := range collisions {
			if mask.len+4 > iso15693MaskMaxBits {
				continue
			}
			queue = append(queue, iso15693Mask{
				bits: mask.bits | uint64(slot)<<mask.len,
				len:  mask.len + 4,
			})
		}
	}

	cards := make([]*ISO15693Card, 0, len(seen))
	for _, card := range seen {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool {
		return bytes.Compare(cards[i].uid, cards[j].uid) < 0
	})

	s.log.Debug().
		Int("cards", len(cards)).
		Int("rounds", rounds).
		Msg("ISO15693 inventory finished")
	return cards, nil
}

// inventoryAnswer is one clean slot response.
type inventoryAnswer struct {
	uid   []byte
	dsfid byte
}

// inventoryRound runs one 16-slot pass with the given UID mask. A clean
// slot answer is exactly flags+DSFID+UID with the error flag clear;
// anything else a slot produces marks it as collided.
func (s *RFSession) inventoryRound(
	ctx context.Context, mask iso15693Mask,
) (found []inventoryAnswer, collisions []int, err error) {
	d := s.device

	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, nil, err
	}
	savedTX, err := d.ReadRegisterContext(ctx, RegTXConfig)
	if err != nil {
		return nil, nil, err
	}

	frame := append([]byte{iso15693FlagsInventory, iso15693CmdInventory, byte(mask.len)},
		mask.maskBytes()...)
	if err := d.SendDataContext(ctx, 0, frame); err != nil {
		return nil, nil, err
	}

	for slot := 0; slot < iso15693Slots; slot++ {
		n, err := d.rxLength(ctx)
		if err != nil {
			return nil, nil, err
		}
		if n > 0 {
			data, err := d.ReadDataContext(ctx, n)
			if err != nil {
				return nil, nil, err
			}
			if len(data) == iso15693InventoryRespLen && data[0]&iso15693ErrFlag == 0 {
				// UID arrives LSB first; store it display order.
				uid := make([]byte, iso15693UIDLength)
				for i := range uid {
					uid[i] = data[len(data)-1-i]
				}
				found = append(found, inventoryAnswer{uid: uid, dsfid: data[1]})
			} else {
				collisions = append(collisions, slot)
			}
		}

		// A bare EOF moves the cards to their next slot.
		if err := d.WriteRegisterAndMaskContext(ctx, RegTXConfig, iso15693TXConfigEOFOnly); err != nil {
			return nil, nil, err
		}
		if err := d.EnterTransceiveModeContext(ctx); err != nil {
			return nil, nil, err
		}
		if err := d.SendDataContext(ctx, 0, nil); err != nil {
			return nil, nil, err
		}
	}

	if err := d.WriteRegisterContext(ctx, RegTXConfig, savedTX); err != nil {
		return nil, nil, err
	}
	return found, collisions, nil
}

// ConnectISO15693 selects the card with the given UID directly, without
// running inventory first.
func (s *RFSession) ConnectISO15693(uid []byte) (*ISO15693Card, error) {
	return s.ConnectISO15693Context(context.Background(), uid)
}

// ConnectISO15693Context addresses SELECT to uid, moving that card to
// the Selected state. The UID is in display order (0xE0 first), as
// returned by inventory.
func (s *RFSession) ConnectISO15693Context(ctx context.Context, uid []byte) (*ISO15693Card, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if len(uid) != iso15693UIDLength {
		return nil, NewParameterError("connect_iso15693",
			fmt.Errorf("%w: UID must be %d bytes, got %d", ErrInvalidParameter, iso15693UIDLength, len(uid)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, err
	}

	resp, err := d.transceiveISO15693(ctx, iso15693CmdSelect, uid, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: card did not answer SELECT", ErrNoCardFound)
	}
	if err := iso15693ResponseError(iso15693CmdSelect, resp); err != nil {
		return nil, err
	}

	s.log.Debug().Hex("uid", uid).Msg("ISO15693 card selected")
	return newISO15693Card(s, append([]byte(nil), uid...), 0), nil
}

// GetSystemInformation queries the card's optional system information
// block. The answer is cached; the card's block size and count are
// taken from it when present.
func (c *ISO15693Card) GetSystemInformation(ctx context.Context) (*ISO15693SystemInfo, error) {
	if _, err := c.sessionDevice(); err != nil {
		return nil, err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return nil, err
	}
	return c.sysInfo, nil
}

// Capacity returns the card's memory size in bytes, querying system
// information on first use.
func (c *ISO15693Card) Capacity(ctx context.Context) (int, error) {
	if _, err := c.sessionDevice(); err != nil {
		return 0, err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return 0, err
	}
	return c.blockSize * c.numBlocks, nil
}

// ensureSystemInfo queries and caches system information once. Called
// with the session lock held.
func (c *ISO15693Card) ensureSystemInfo(ctx context.Context) error {
	if c.sysInfo != nil {
		return nil
	}
	info, err := c.querySystemInformation(ctx)
	if err != nil {
		return err
	}
	c.sysInfo = info
	if info.HasMemory {
		c.blockSize = info.BlockSize
		c.numBlocks = info.NumBlocks
	}
	return nil
}

func (c *ISO15693Card) querySystemInformation(ctx context.Context) (*ISO15693SystemInfo, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, err
	}

	resp, err := d.transceiveISO15693(ctx, iso15693CmdGetSystemInfo, c.uid, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: no answer to GET_SYSTEM_INFORMATION", ErrNoCardFound)
	}
	if err := iso15693ResponseError(iso15693CmdGetSystemInfo, resp); err != nil {
		return nil, err
	}
	return parseISO15693SystemInfo(resp)
}

// parseISO15693SystemInfo decodes [flags, infoFlags, uid 8, fields...].
// Optional fields follow in infoFlags bit order: DSFID, AFI, memory
// size, IC reference.
func parseISO15693SystemInfo(resp []byte) (*ISO15693SystemInfo, error) {
	if len(resp) < 2+iso15693UIDLength {
		return nil, fmt.Errorf("%w: GET_SYSTEM_INFORMATION answer of %d bytes", ErrInvalidResponse, len(resp))
	}
	infoFlags := resp[1]
	pos := 2 + iso15693UIDLength

	next := func() (byte, error) {
		if pos >= len(resp) {
			return 0, fmt.Errorf("%w: truncated GET_SYSTEM_INFORMATION answer", ErrInvalidResponse)
		}
		b := resp[pos]
		pos++
		return b, nil
	}

	info := &ISO15693SystemInfo{}
	if infoFlags&0x01 != 0 {
		b, err := next()
		if err != nil {
			return nil, err
		}
		info.HasDSFID, info.DSFID = true, b
	}
	if infoFlags&0x02 != 0 {
		b, err := next()
		if err != nil {
			return nil, err
		}
		info.HasAFI, info.AFI = true, b
	}
	if infoFlags&0x04 != 0 {
		blocks, err := next()
		if err != nil {
			return nil, err
		}
		size, err := next()
		if err != nil {
			return nil, err
		}
		info.HasMemory = true
		info.NumBlocks = int(blocks) + 1
		info.BlockSize = int(size&0x1F) + 1
	}
	if infoFlags&0x08 != 0 {
		b, err := next()
		if err != nil {
			return nil, err
		}
		info.HasICReference, info.ICReference = true, b
	}
	return info, nil
}

// ReadBlock reads one block with READ_SINGLE_BLOCK.
func (c *ISO15693Card) ReadBlock(ctx context.Context, block uint8) ([]byte, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return nil, err
	}
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, err
	}

	resp, err := d.transceiveISO15693(ctx, iso15693CmdReadSingleBlock, c.uid, []byte{block})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, newMemoryReadError(int(block)*c.blockSize, ackMissing, nil)
	}
	if err := iso15693ResponseError(iso15693CmdReadSingleBlock, resp); err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// WriteBlock writes one block with WRITE_SINGLE_BLOCK. The payload must
// match the card's block size.
func (c *ISO15693Card) WriteBlock(ctx context.Context, block uint8, data []byte) error {
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return err
	}
	if len(data) != c.blockSize {
		return NewParameterError("write_block",
			fmt.Errorf("%w: block payload must be %d bytes, got %d", ErrInvalidParameter, c.blockSize, len(data)))
	}
	if err := d.EnableCRCContext(ctx); err != nil {
		return err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return err
	}
	return c.writeSingleBlock(ctx, int(block), data)
}

// ReadMemory reads length bytes starting at a block-aligned byte
// offset, in READ_MULTIPLE_BLOCKS chunks. A card that stops answering
// ends the read early, so the result may be shorter than requested.
func (c *ISO15693Card) ReadMemory(ctx context.Context, offset, length int) ([]byte, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return nil, err
	}
	if offset < 0 || offset%c.blockSize != 0 {
		return nil, NewParameterError("read_memory",
			fmt.Errorf("%w: offset %d not a multiple of the %d-byte block size",
				ErrInvalidParameter, offset, c.blockSize))
	}
	if length < 0 {
		return nil, NewParameterError("read_memory",
			fmt.Errorf("%w: negative length", ErrInvalidParameter))
	}

	startBlock := offset / c.blockSize
	numBlocks := (length + c.blockSize - 1) / c.blockSize
	if startBlock+numBlocks > iso15693MaxBlock+1 {
		return nil, NewParameterError("read_memory",
			fmt.Errorf("%w: block range past %d needs extended addressing",
				ErrInvalidParameter, iso15693MaxBlock))
	}

	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, err
	}

	chunkBlocks := iso15693MaxReadChunk / c.blockSize
	if chunkBlocks < 1 {
		chunkBlocks = 1
	}

	var memory []byte
	for done := 0; done < numBlocks; {
		count := numBlocks - done
		if count > chunkBlocks {
			count = chunkBlocks
		}
		first := startBlock + done

		resp, err := d.transceiveISO15693(ctx, iso15693CmdReadMultipleBlocks, c.uid,
			[]byte{byte(first), byte(count - 1)})
		if err != nil {
			return nil, err
		}
		if err := iso15693ResponseError(iso15693CmdReadMultipleBlocks, resp); err != nil {
			return nil, err
		}
		if len(resp) < 2 {
			// No more data available.
			break
		}
		memory = append(memory, resp[1:]...)
		if len(resp)-1 < count*c.blockSize {
			break
		}
		done += count
	}
	return memory, nil
}

// WriteMemory writes data at a block-aligned byte offset, one
// WRITE_SINGLE_BLOCK per block. Some cards reject WRITE_MULTIPLE_BLOCKS,
// so the engine never uses it.
func (c *ISO15693Card) WriteMemory(ctx context.Context, offset int, data []byte) error {
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := c.ensureSystemInfo(ctx); err != nil {
		return err
	}
	if offset < 0 || offset%c.blockSize != 0 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: offset %d not a multiple of the %d-byte block size",
				ErrInvalidParameter, offset, c.blockSize))
	}
	if len(data)%c.blockSize != 0 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: length %d not a whole number of blocks", ErrInvalidParameter, len(data)))
	}

	startBlock := offset / c.blockSize
	numBlocks := len(data) / c.blockSize
	if startBlock+numBlocks > iso15693MaxBlock+1 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: block range past %d needs extended addressing",
				ErrInvalidParameter, iso15693MaxBlock))
	}

	if err := d.EnableCRCContext(ctx); err != nil {
		return err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return err
	}

	for i := 0; i < numBlocks; i++ {
		block := startBlock + i
		if err := c.writeSingleBlock(ctx, block, data[i*c.blockSize:(i+1)*c.blockSize]); err != nil {
			return err
		}
	}
	return nil
}

// writeSingleBlock sends one WRITE_SINGLE_BLOCK exchange. Called with
// the session lock held and the field configured.
func (c *ISO15693Card) writeSingleBlock(ctx context.Context, block int, data []byte) error {
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}

	params := append([]byte{byte(block)}, data...)
	resp, err := d.transceiveISO15693(ctx, iso15693CmdWriteSingleBlock, c.uid, params)
	if err != nil {
		return err
	}
	byteOffset := block * c.blockSize
	if len(resp) == 0 {
		return newMemoryWriteError(byteOffset, ackMissing, nil)
	}
	if resp[0]&iso15693ErrFlag != 0 {
		var code byte
		if len(resp) > 1 {
			code = resp[1]
		}
		return newMemoryWriteError(byteOffset, code, resp)
	}
	return nil
}
