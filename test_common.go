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

//go:build !prod

package pn5180

import (
	"testing"
	"time"

	testutil "github.com/ZaparooProject/go-pn5180/internal/testing"
	"github.com/stretchr/testify/require"
)

// createMockDevice creates a device on a MockTransport. Suited to host
// interface tests that script individual command responses; protocol
// tests should use createVirtualDevice instead.
func createMockDevice(t *testing.T) (*Device, *MockTransport) {
	t.Helper()
	mock := NewMockTransport()
	device, err := New(mock)
	require.NoError(t, err)
	return device, mock
}

// virtualTransport adapts the simulator to the Transport interface. The
// simulator lives below this package and cannot name its types, so the
// transport kind is pinned here.
type virtualTransport struct {
	*testutil.VirtualPN5180
}

func (*virtualTransport) Type() TransportType {
	return TransportMock
}

// createVirtualDevice builds a device on a simulated frontend. The card
// response timeout is shortened so empty-field exchanges finish in
// milliseconds instead of the hardware default.
func createVirtualDevice(t *testing.T) (*Device, *testutil.VirtualPN5180) {
	t.Helper()
	chip := testutil.NewVirtualPN5180()
	device, err := New(&virtualTransport{chip},
		WithTimeout(25*time.Millisecond),
		WithIRQPollInterval(time.Millisecond))
	require.NoError(t, err)
	return device, chip
}

// startVirtualSession opens an ISO14443-A session on a simulated
// frontend and registers cleanup for it.
func startVirtualSession(t *testing.T) (*RFSession, *testutil.VirtualPN5180) {
	t.Helper()
	device, chip := createVirtualDevice(t)
	session, err := device.StartSession(TxISO14443A106, RxISO14443A106)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, chip
}

// startVirtual15693Session opens an ISO15693 session on a simulated
// frontend and registers cleanup for it.
func startVirtual15693Session(t *testing.T) (*RFSession, *testutil.VirtualPN5180) {
	t.Helper()
	device, chip := createVirtualDevice(t)
	session, err := device.StartSession(TxISO15693ASK100, RxISO15693At26)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, chip
}
