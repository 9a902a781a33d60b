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

package polling

import (
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	testutil "github.com/ZaparooProject/go-pn5180/internal/testing"
)

// createVirtualDeviceForBench builds a device on a simulated frontend
// for benchmarks.
func createVirtualDeviceForBench(b *testing.B) (*pn5180.Device, *testutil.VirtualPN5180) {
	b.Helper()
	chip := testutil.NewVirtualPN5180()
	device, err := pn5180.New(&virtualTransport{chip},
		pn5180.WithTimeout(25*time.Millisecond),
		pn5180.WithIRQPollInterval(time.Millisecond))
	if err != nil {
		b.Fatalf("Failed to create device: %v", err)
	}
	return device, chip
}

// BenchmarkPollCycle measures one full detection cycle: open the RF
// session, activate the card, close the session again.
func BenchmarkPollCycle(b *testing.B) {
	device, chip := createVirtualDeviceForBench(b)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	session := NewSession(device, &Config{
		PollInterval:       time.Millisecond,
		CardRemovalTimeout: 10 * time.Millisecond,
	})
	ctx := context.Background()

	b.ResetTimer()
	for range b.N {
		if _, err := session.performSinglePoll(ctx); err != nil {
			b.Fatalf("poll cycle failed: %v", err)
		}
	}
}

// BenchmarkWriteLatency measures the card write path: reconnect the
// detected card in a fresh session and run the write. The pause
// handshake with a running loop is coordination, not part of the
// measured path.
func BenchmarkWriteLatency(b *testing.B) {
	device, chip := createVirtualDeviceForBench(b)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	session := NewSession(device, &Config{
		PollInterval:       10 * time.Millisecond,
		CardRemovalTimeout: 100 * time.Millisecond,
	})

	detected := &pn5180.DetectedCard{
		UID:      "04123456789abc",
		Type:     pn5180.CardTypeType2,
		UIDBytes: append([]byte(nil), testutil.TestNTAG213UID...),
	}
	ctx := context.Background()
	writeFn := func(context.Context, pn5180.Card) error {
		return nil
	}

	b.ResetTimer()
	for range b.N {
		if err := session.executeWriteToCard(ctx, detected, writeFn); err != nil {
			b.Fatalf("write failed: %v", err)
		}
	}
}

// BenchmarkMemoryAllocation measures session construction cost.
func BenchmarkMemoryAllocation(b *testing.B) {
	device, _ := createVirtualDeviceForBench(b)

	config := &Config{
		PollInterval:       10 * time.Millisecond,
		CardRemovalTimeout: 100 * time.Millisecond,
	}

	b.ReportAllocs()
	for range b.N {
		session := NewSession(device, config)
		_ = session.Close()
	}
}
