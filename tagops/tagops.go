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

// Package tagops bundles session handling, protocol selection and NDEF
// access into a small scan-and-read surface. One Scan call opens an RF
// session, walks the configured profiles and hands back the first card
// that answers. The session stays open so the card remains usable until
// the next Scan or Close.
package tagops

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/polling"
)

var (
	// ErrNoCard indicates no card answered on any profile
	ErrNoCard = errors.New("no card in field")
	// ErrNotScanned indicates an operation was attempted before a successful Scan
	ErrNotScanned = errors.New("no card scanned")
	// ErrUnsupportedCard indicates the card family has no handler
	ErrUnsupportedCard = errors.New("unsupported card type")
)

// TagOperations provides unified high-level card operations
type TagOperations struct {
	device   *pn5180.Device
	session  *pn5180.RFSession
	card     pn5180.Card
	profiles []polling.Profile
}

// New creates a new TagOperations instance
func New(device *pn5180.Device) *TagOperations {
	return &TagOperations{
		device:   device,
		profiles: polling.DefaultProfiles(),
	}
}

// SetProfiles replaces the RF profiles Scan walks, in order.
func (t *TagOperations) SetProfiles(profiles []polling.Profile) {
	t.profiles = profiles
}

// Scan runs one detection round over the configured profiles and
// returns the first card found. Any card from a previous Scan is
// released first. The RF session stays open on success; callers must
// Close when done with the card.
func (t *TagOperations) Scan(ctx context.Context) (pn5180.Card, error) {
	if err := t.Close(); err != nil {
		return nil, fmt.Errorf("failed to release previous card: %w", err)
	}

	profiles := t.profiles
	if len(profiles) == 0 {
		profiles = polling.DefaultProfiles()
	}

	rf, err := t.device.StartSessionContext(ctx, profiles[0].Tx, profiles[0].Rx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	card, scanErr := scanProfiles(ctx, rf, profiles)
	if scanErr != nil || card == nil {
		// Field off before reporting; cleanup must run even when ctx
		// is done.
		closeErr := rf.CloseContext(context.Background())
		if scanErr != nil {
			return nil, scanErr
		}
		if closeErr != nil {
			return nil, fmt.Errorf("closing scan session: %w", closeErr)
		}
		return nil, ErrNoCard
	}

	t.session = rf
	t.card = card
	return card, nil
}

// scanProfiles tries each profile in order, switching the open session
// between protocol families. A nil card with nil error means nothing
// answered on any profile.
func scanProfiles(ctx context.Context, rf *pn5180.RFSession, profiles []polling.Profile) (pn5180.Card, error) {
	for i, profile := range profiles {
		if i > 0 {
			if err := rf.SwitchProtocolContext(ctx, profile.Tx, profile.Rx); err != nil {
				return nil, fmt.Errorf("protocol switch failed: %w", err)
			}
		}
		card, err := scanProfile(ctx, rf, profile)
		if err != nil {
			return nil, err
		}
		if card != nil {
			return card, nil
		}
	}
	return nil, nil
}

func scanProfile(ctx context.Context, rf *pn5180.RFSession, profile polling.Profile) (pn5180.Card, error) {
	if profile.UsesInventory() {
		cards, err := rf.InventoryISO15693Context(ctx)
		if err != nil {
			return nil, fmt.Errorf("inventory failed: %w", err)
		}
		if len(cards) == 0 {
			return nil, nil
		}
		// Memory access is addressed by UID, no SELECT needed.
		return cards[0], nil
	}

	card, err := rf.ConnectISO14443AContext(ctx)
	if err != nil {
		if errors.Is(err, pn5180.ErrNoCardFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("activation failed: %w", err)
	}
	return card, nil
}

// Card returns the card from the last successful Scan, nil when none.
func (t *TagOperations) Card() pn5180.Card {
	return t.card
}

// UID returns the scanned card's UID
func (t *TagOperations) UID() []byte {
	if t.card == nil {
		return nil
	}
	return t.card.UIDBytes()
}

// Close releases the scanned card and switches the RF field off.
// Safe to call without a prior Scan.
func (t *TagOperations) Close() error {
	if t.session == nil {
		return nil
	}
	rf := t.session
	t.session = nil
	t.card = nil
	return rf.Close()
}

// current returns the scanned card, or ErrNotScanned.
func (t *TagOperations) current() (pn5180.Card, error) {
	if t.card == nil {
		return nil, ErrNotScanned
	}
	return t.card, nil
}
