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

// WriteNDEF writes an NDEF message to the scanned card. The card must
// carry a writable capability container.
func (t *TagOperations) WriteNDEF(ctx context.Context, msg *pn5180.NDEFMessage) error {
	card, err := t.current()
	if err != nil {
		return err
	}
	if err := card.WriteNDEF(ctx, msg); err != nil {
		return fmt.Errorf("failed to write NDEF: %w", err)
	}
	return nil
}

// WriteText replaces the scanned card's NDEF message with a single
// text record.
func (t *TagOperations) WriteText(ctx context.Context, text string) error {
	card, err := t.current()
	if err != nil {
		return err
	}
	if err := card.WriteText(ctx, text); err != nil {
		return fmt.Errorf("failed to write text: %w", err)
	}
	return nil
}
