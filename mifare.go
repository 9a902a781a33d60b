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
	"encoding/binary"
	"fmt"
)

// MIFARE Classic command set. READ shares its opcode with the Type 2
// READ but answers a single 16-byte block once the sector is
// authenticated. WRITE is a two step exchange: address phase, then data
// phase, each acknowledged with the 4-bit ACK nibble.
const (
	mifareCmdRead  byte = 0x30
	mifareCmdWrite byte = 0xA0
)

// Classic address space geometry. Blocks are 16 bytes. The first 32
// sectors hold 4 blocks each; the 4K sectors past block 128 hold 16.
const (
	mifareBlockSize         = 16
	mifareMaxBlock          = 255
	mifareSmallSectorBlocks = 4
	mifareLargeSectorBlocks = 16
	mifareSmallSectorCount  = 32
	mifareLargeSectorStart  = 128
)

// SAK values of the known Classic variants.
const (
	sakClassicMini byte = 0x09
	sakClassic1K   byte = 0x08
	sakClassic4K   byte = 0x18
)

// Factory keys of a transport-condition card.
var (
	// MifareDefaultKeyA is the all-0xFF factory key A.
	MifareDefaultKeyA = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// MifareDefaultKeyB is the all-zero factory key B.
	MifareDefaultKeyB = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

// mifareSectorOf returns the sector holding block.
func mifareSectorOf(block int) int {
	if block < mifareLargeSectorStart {
		return block / mifareSmallSectorBlocks
	}
	return mifareSmallSectorCount + (block-mifareLargeSectorStart)/mifareLargeSectorBlocks
}

// IsMifareSectorTrailer reports whether block is a sector trailer.
// Trailers hold the sector's keys and access bits; writing one changes
// them.
func IsMifareSectorTrailer(block int) bool {
	if block < mifareLargeSectorStart {
		return block%mifareSmallSectorBlocks == mifareSmallSectorBlocks-1
	}
	return (block-mifareLargeSectorStart)%mifareLargeSectorBlocks == mifareLargeSectorBlocks-1
}

// mifareKeyName renders a key type constant for log and error text.
func mifareKeyName(keyType byte) string {
	if keyType == MifareKeyB {
		return "B"
	}
	return "A"
}

// ClassicCapacity returns the card's memory size in bytes as implied by
// its SAK, or 0 for cards that are not a known Classic variant.
func (c *ISO14443ACard) ClassicCapacity() int {
	switch c.sak {
	case sakClassicMini:
		return 320
	case sakClassic1K:
		return 1024
	case sakClassic4K:
		return 4096
	default:
		return 0
	}
}

// mifareUID32 packs the 4-byte UID little-endian, the layout
// MIFARE_AUTHENTICATE expects.
func (c *ISO14443ACard) mifareUID32() (uint32, error) {
	if len(c.uid) != int(UIDLengthSingle) {
		return 0, fmt.Errorf("%w: MIFARE authentication needs a 4-byte UID, have %d bytes",
			ErrInvalidParameter, len(c.uid))
	}
	return binary.LittleEndian.Uint32(c.uid), nil
}

// Authenticate runs Classic authentication for the sector holding
// block, with key presented as MifareKeyA or MifareKeyB. While the
// authentication holds, reads and writes inside the sector skip the
// re-authentication step.
func (c *ISO14443ACard) Authenticate(ctx context.Context, block int, keyType byte, key []byte) error {
	if _, err := c.sessionDevice(); err != nil {
		return err
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.authenticate(ctx, block, keyType, key)
}

// authenticate is Authenticate with the session lock already held.
func (c *ISO14443ACard) authenticate(ctx context.Context, block int, keyType byte, key []byte) error {
	if keyType != MifareKeyA && keyType != MifareKeyB {
		return NewParameterError("mifare_authenticate",
			fmt.Errorf("%w: key type must be MifareKeyA or MifareKeyB, got 0x%02X",
				ErrInvalidParameter, keyType))
	}
	if block < 0 || block > mifareMaxBlock {
		return NewParameterError("mifare_authenticate",
			fmt.Errorf("%w: block %d out of range", ErrInvalidParameter, block))
	}
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}
	uid, err := c.mifareUID32()
	if err != nil {
		return err
	}

	// Any failure from here leaves the card outside the authenticated
	// state.
	c.authSector = -1

	status, err := d.MifareAuthenticateContext(ctx, key, keyType, byte(block), uid)
	if err != nil {
		return err
	}
	switch status {
	case MifareAuthOK:
		c.authSector = mifareSectorOf(block)
		c.authKeyType = keyType
		return nil
	case MifareAuthTimeout:
		return &AuthError{Reason: AuthTimeout, Block: block, KeyType: keyType}
	default:
		return &AuthError{Reason: AuthDenied, Block: block, KeyType: keyType}
	}
}

// SetBlockKeys installs the keys the automatic read and write paths use
// for block. Block -1 sets the fallback used by every block without an
// entry of its own. A nil key removes the entry; replaced or removed key
// material is zeroed.
func (c *ISO14443ACard) SetBlockKeys(block int, keyA, keyB []byte) error {
	if keyA != nil && len(keyA) != mifareKeyLen {
		return NewParameterError("set_block_keys",
			fmt.Errorf("%w: key A must be %d bytes, got %d", ErrInvalidParameter, mifareKeyLen, len(keyA)))
	}
	if keyB != nil && len(keyB) != mifareKeyLen {
		return NewParameterError("set_block_keys",
			fmt.Errorf("%w: key B must be %d bytes, got %d", ErrInvalidParameter, mifareKeyLen, len(keyB)))
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	storeKey(c.keysA, block, keyA)
	storeKey(c.keysB, block, keyB)
	return nil
}

// storeKey replaces table's entry for block with a copy of key, or
// removes it when key is nil.
func storeKey(table map[int][]byte, block int, key []byte) {
	if old, ok := table[block]; ok {
		clearKey(old)
		delete(table, block)
	}
	if key != nil {
		table[block] = append([]byte(nil), key...)
	}
}

// clearKey zeroes key material that is no longer referenced.
func clearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// blockKey returns the table key of the given type for block, falling
// back to the -1 slot. Nil when neither is set.
func (c *ISO14443ACard) blockKey(keyType byte, block int) []byte {
	table := c.keysA
	if keyType == MifareKeyB {
		table = c.keysB
	}
	if key, ok := table[block]; ok {
		return key
	}
	return table[-1]
}

// authenticateWithTable authenticates the sector holding block with its
// table keys, key A first. Key rejections fall through to the next key;
// anything else aborts immediately, since a card that timed out once
// stays mute until it is reselected.
func (c *ISO14443ACard) authenticateWithTable(ctx context.Context, block int) error {
	var lastErr error
	for _, keyType := range []byte{MifareKeyA, MifareKeyB} {
		key := c.blockKey(keyType, block)
		if key == nil {
			continue
		}
		err := c.authenticate(ctx, block, keyType, key)
		if err == nil {
			debugf("classic sector %d authenticated with key %s", mifareSectorOf(block), mifareKeyName(keyType))
			return nil
		}
		if !IsAuthDenied(err) {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		// No key configured for this block at all.
		lastErr = &AuthError{Reason: AuthDenied, Block: block, KeyType: MifareKeyA}
	}
	return lastErr
}

// ReadMifareMemory reads numBlocks 16-byte Classic blocks starting at
// startBlock, authenticating every sector with the given key. A failed
// authentication aborts the read; no data is returned alongside the
// error.
func (c *ISO14443ACard) ReadMifareMemory(
	ctx context.Context, key []byte, keyType byte, startBlock, numBlocks int,
) ([]byte, error) {
	if startBlock < 0 || numBlocks < 0 {
		return nil, NewParameterError("read_mifare_memory",
			fmt.Errorf("%w: negative block range", ErrInvalidParameter))
	}
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}

	endBlock := startBlock + numBlocks
	if endBlock > mifareMaxBlock+1 {
		endBlock = mifareMaxBlock + 1
	}
	var memory []byte
	for block := startBlock; block < endBlock; block++ {
		if mifareSectorOf(block) != c.authSector || c.authKeyType != keyType {
			if err := c.authenticate(ctx, block, keyType, key); err != nil {
				return nil, err
			}
		}
		chunk, err := c.readClassicBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		memory = append(memory, chunk...)
	}
	return memory, nil
}

// readClassicMemoryAuto reads Classic memory with the per-block key
// table, trying key A then key B for each sector. Called with the
// session lock held.
func (c *ISO14443ACard) readClassicMemoryAuto(ctx context.Context, startBlock, numBlocks int) ([]byte, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	if err := d.EnableCRCContext(ctx); err != nil {
		return nil, err
	}

	endBlock := startBlock + numBlocks
	if endBlock > mifareMaxBlock+1 {
		endBlock = mifareMaxBlock + 1
	}
	var memory []byte
	for block := startBlock; block < endBlock; block++ {
		if mifareSectorOf(block) != c.authSector {
			if err := c.authenticateWithTable(ctx, block); err != nil {
				return nil, err
			}
		}
		chunk, err := c.readClassicBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		memory = append(memory, chunk...)
	}
	return memory, nil
}

// readClassicBlock reads one authenticated 16-byte block. A nil result
// with nil error means the card stopped answering (end of memory).
func (c *ISO14443ACard) readClassicBlock(ctx context.Context, block int) ([]byte, error) {
	d, err := c.sessionDevice()
	if err != nil {
		return nil, err
	}
	chunk, err := d.TransceiveFrameContext(ctx, 0, []byte{mifareCmdRead, byte(block)})
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	if len(chunk) < mifareBlockSize {
		return nil, newMemoryReadError(block*mifareBlockSize, chunk[0], chunk)
	}
	return chunk[:mifareBlockSize], nil
}

// WriteMifareMemory writes whole 16-byte blocks starting at startBlock,
// authenticating every sector with the given key. Writing a sector
// trailer changes that sector's keys and access bits; use
// IsMifareSectorTrailer to avoid doing so by accident.
func (c *ISO14443ACard) WriteMifareMemory(
	ctx context.Context, key []byte, keyType byte, startBlock int, data []byte,
) error {
	if startBlock < 0 {
		return NewParameterError("write_mifare_memory",
			fmt.Errorf("%w: negative start block", ErrInvalidParameter))
	}
	if len(data)%mifareBlockSize != 0 {
		return NewParameterError("write_mifare_memory",
			fmt.Errorf("%w: length %d not a whole number of %d-byte blocks",
				ErrInvalidParameter, len(data), mifareBlockSize))
	}
	if startBlock+len(data)/mifareBlockSize > mifareMaxBlock+1 {
		return NewParameterError("write_mifare_memory",
			fmt.Errorf("%w: write runs past block %d", ErrInvalidParameter, mifareMaxBlock))
	}
	if _, err := c.sessionDevice(); err != nil {
		return err
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	for i := 0; i < len(data)/mifareBlockSize; i++ {
		block := startBlock + i
		if mifareSectorOf(block) != c.authSector || c.authKeyType != keyType {
			if err := c.authenticate(ctx, block, keyType, key); err != nil {
				return err
			}
		}
		if err := c.writeClassicBlock(ctx, block, data[i*mifareBlockSize:(i+1)*mifareBlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// writeClassicMemoryAuto writes Classic memory with the per-block key
// table. Called with the session lock held.
func (c *ISO14443ACard) writeClassicMemoryAuto(ctx context.Context, startBlock int, data []byte) error {
	if startBlock+len(data)/mifareBlockSize > mifareMaxBlock+1 {
		return NewParameterError("write_memory",
			fmt.Errorf("%w: write runs past block %d", ErrInvalidParameter, mifareMaxBlock))
	}
	for i := 0; i < len(data)/mifareBlockSize; i++ {
		block := startBlock + i
		if mifareSectorOf(block) != c.authSector {
			if err := c.authenticateWithTable(ctx, block); err != nil {
				return err
			}
		}
		if err := c.writeClassicBlock(ctx, block, data[i*mifareBlockSize:(i+1)*mifareBlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// writeClassicBlock runs the two step Classic WRITE for one block.
func (c *ISO14443ACard) writeClassicBlock(ctx context.Context, block int, data []byte) error {
	d, err := c.sessionDevice()
	if err != nil {
		return err
	}
	byteOffset := block * mifareBlockSize

	resp, err := d.sendAndWaitForAck(ctx, []byte{mifareCmdWrite, byte(block)})
	if err != nil {
		return err
	}
	if err := classicWriteAck(byteOffset, resp); err != nil {
		return err
	}

	resp, err = d.sendAndWaitForAck(ctx, data)
	if err != nil {
		return err
	}
	return classicWriteAck(byteOffset, resp)
}

// classicWriteAck checks a WRITE phase answer for the ACK nibble.
func classicWriteAck(byteOffset int, resp []byte) error {
	if len(resp) == 0 {
		return newMemoryWriteError(byteOffset, ackMissing, nil)
	}
	if resp[0]&ackMask != ackNibble {
		return newMemoryWriteError(byteOffset, resp[0], resp)
	}
	return nil
}
