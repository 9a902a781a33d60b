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
	"sync/atomic"

	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
	"github.com/rs/zerolog"
)

// Session lifecycle states.
const (
	sessionFieldOn int32 = iota
	sessionClosed
)

// RFSession owns the RF field for one card interaction. A session is
// created with the field on and a protocol profile loaded; closing it
// switches the field off. Only one session can be open per device, and
// all card handles produced by a session become unusable once it closes.
type RFSession struct {
	device *Device
	log    zerolog.Logger

	// mu serializes compound card transactions (selection, authenticated
	// block runs, inventory rounds) so their register state cannot
	// interleave.
	mu syncutil.Mutex

	tx TxConfig
	rx RxConfig

	state atomic.Int32
}

// StartSession loads an RF protocol profile, switches the field on and
// returns the session that now owns it.
func (d *Device) StartSession(tx TxConfig, rx RxConfig) (*RFSession, error) {
	return d.StartSessionContext(context.Background(), tx, rx)
}

// StartSessionContext loads an RF protocol profile, switches the field on
// and returns the session that now owns it. Fails with ErrSessionActive
// while another session is open.
func (d *Device) StartSessionContext(ctx context.Context, tx TxConfig, rx RxConfig) (*RFSession, error) {
	if !d.sessionActive.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	release := func() { d.sessionActive.Store(false) }

	if err := d.LoadRFConfigContext(ctx, tx, rx); err != nil {
		release()
		return nil, fmt.Errorf("loading RF config: %w", err)
	}
	if err := d.RFOnContext(ctx, 0); err != nil {
		release()
		return nil, fmt.Errorf("switching RF field on: %w", err)
	}

	session := &RFSession{
		device: d,
		tx:     tx,
		rx:     rx,
		log:    d.log.With().Str("subsystem", "session").Logger(),
	}
	session.state.Store(sessionFieldOn)
	session.log.Debug().
		Uint8("tx", uint8(tx)).
		Uint8("rx", uint8(rx)).
		Msg("RF field on")
	return session, nil
}

// Close switches the RF field off and releases the device for the next
// session. Close is idempotent: the field-off command is issued exactly
// once no matter how many times or from how many paths Close runs.
func (s *RFSession) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext switches the RF field off and releases the device.
func (s *RFSession) CloseContext(ctx context.Context) error {
	if !s.state.CompareAndSwap(sessionFieldOn, sessionClosed) {
		return nil
	}
	defer s.device.sessionActive.Store(false)

	s.log.Debug().Msg("RF field off")
	if err := s.device.RFOffContext(ctx); err != nil {
		return fmt.Errorf("switching RF field off: %w", err)
	}
	return nil
}

// IsOpen reports whether the session still owns the field.
func (s *RFSession) IsOpen() bool {
	return s.state.Load() == sessionFieldOn
}

// Device returns the device this session runs on.
func (s *RFSession) Device() *Device {
	return s.device
}

// Protocol returns the RF profile the session currently drives.
func (s *RFSession) Protocol() (TxConfig, RxConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx, s.rx
}

// SwitchProtocol cycles the field through a different RF profile. Any card
// state established under the previous profile is lost: cards power down
// during the field gap and come back unselected.
func (s *RFSession) SwitchProtocol(tx TxConfig, rx RxConfig) error {
	return s.SwitchProtocolContext(context.Background(), tx, rx)
}

// SwitchProtocolContext cycles the field through a different RF profile.
func (s *RFSession) SwitchProtocolContext(ctx context.Context, tx TxConfig, rx RxConfig) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.device.RFOffContext(ctx); err != nil {
		return fmt.Errorf("switching RF field off: %w", err)
	}
	if err := s.device.LoadRFConfigContext(ctx, tx, rx); err != nil {
		return fmt.Errorf("loading RF config: %w", err)
	}
	if err := s.device.RFOnContext(ctx, 0); err != nil {
		return fmt.Errorf("switching RF field on: %w", err)
	}

	s.tx = tx
	s.rx = rx
	s.log.Debug().
		Uint8("tx", uint8(tx)).
		Uint8("rx", uint8(rx)).
		Msg("RF profile switched")
	return nil
}

// ensureOpen fails with ErrSessionClosed once the session no longer owns
// the field.
func (s *RFSession) ensureOpen() error {
	if s.state.Load() != sessionFieldOn {
		return ErrSessionClosed
	}
	return nil
}

// sessionDevice resolves the device behind a card handle, verifying the
// owning session is still open.
func (c *BaseCard) sessionDevice() (*Device, error) {
	if c.session == nil {
		return nil, ErrSessionClosed
	}
	if err := c.session.ensureOpen(); err != nil {
		return nil, err
	}
	return c.session.device, nil
}
