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

package tagops

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-pn5180"
)

// Type 2 READ addresses are one byte, so a dump can never pass 256
// blocks of 4 bytes. Reads stop early when the card stops answering.
const type2DumpLimit = 1024

// ReadNDEF reads and parses the NDEF message from the scanned card.
func (t *TagOperations) ReadNDEF(ctx context.Context) (*pn5180.NDEFMessage, error) {
	card, err := t.current()
	if err != nil {
		return nil, err
	}
	msg, err := card.ReadNDEF(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read NDEF: %w", err)
	}
	return msg, nil
}

// ReadText reads the first text record from the scanned card's NDEF
// message.
func (t *TagOperations) ReadText(ctx context.Context) (string, error) {
	card, err := t.current()
	if err != nil {
		return "", err
	}
	text, err := card.ReadText(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	return text, nil
}

// DumpMemory reads the scanned card's full memory with the
// family-appropriate access: the authenticated key-table path for
// Classic, plain READs for Type 2, READ_SINGLE_BLOCK up to the
// announced capacity for ISO15693.
func (t *TagOperations) DumpMemory(ctx context.Context) ([]byte, error) {
	card, err := t.current()
	if err != nil {
		return nil, err
	}

	switch c := card.(type) {
	case *pn5180.ISO14443ACard:
		if c.IsClassic() {
			capacity := c.ClassicCapacity()
			if capacity == 0 {
				return nil, fmt.Errorf("%w: unrecognized Classic variant (SAK %#02x)",
					ErrUnsupportedCard, c.SAK())
			}
			return c.ReadMemory(ctx, 0, capacity)
		}
		// Type 2 cards do not announce their total size; read until
		// the card stops answering.
		return c.ReadMemory(ctx, 0, type2DumpLimit)
	case *pn5180.ISO15693Card:
		capacity, capErr := c.Capacity(ctx)
		if capErr != nil {
			return nil, fmt.Errorf("failed to query capacity: %w", capErr)
		}
		return c.ReadMemory(ctx, 0, capacity)
	}
	return nil, ErrUnsupportedCard
}
