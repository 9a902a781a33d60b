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
	"time"

	"github.com/ZaparooProject/go-pn5180"
)

// Profile pairs transmitter and receiver RF configurations for one
// protocol family. Each poll cycle walks the configured profiles in
// order, switching the open session between them.
type Profile struct {
	Tx pn5180.TxConfig
	Rx pn5180.RxConfig
}

// UsesInventory reports whether this profile polls by ISO15693 inventory.
// The other families poll by ISO14443-A activation.
func (p Profile) UsesInventory() bool {
	return p.Tx == pn5180.TxISO15693ASK100 || p.Tx == pn5180.TxISO15693ASK10
}

// DefaultProfiles covers both families the driver speaks: ISO14443-A at
// 106 kbit/s (Type 2 and MIFARE Classic) and ISO15693 vicinity cards.
func DefaultProfiles() []Profile {
	return []Profile{
		{Tx: pn5180.TxISO14443A106, Rx: pn5180.RxISO14443A106},
		{Tx: pn5180.TxISO15693ASK100, Rx: pn5180.RxISO15693At26},
	}
}

// SleepRecoveryConfig configures automatic recovery after host sleep/wake
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration

	// MaxRecoveryAttempts is the number of recovery attempts before
	// treating as a fatal error. Default: 3
	MaxRecoveryAttempts int

	// RecoveryBackoff is the delay between recovery attempts
	RecoveryBackoff time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
		MaxRecoveryAttempts:        3,
		RecoveryBackoff:            500 * time.Millisecond,
	}
}

// DetectSleep checks if the elapsed time since last poll indicates a system sleep.
// Returns true if elapsed time exceeds (pollInterval + TimeDiscontinuityThreshold).
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	expectedMax := pollInterval + cfg.TimeDiscontinuityThreshold
	return elapsed > expectedMax
}

// Config holds polling configuration options
type Config struct {
	// Profiles lists the RF profiles each poll cycle tries, in order.
	// Empty means DefaultProfiles.
	Profiles           []Profile
	PollInterval       time.Duration
	CardRemovalTimeout time.Duration
	// ErrorBackoff is the extra delay after a failed poll cycle, so a
	// wedged bus does not spin the loop at full speed
	ErrorBackoff time.Duration
	// SleepRecovery configures automatic recovery after host sleep/wake cycles
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		Profiles:           DefaultProfiles(),
		PollInterval:       250 * time.Millisecond,
		CardRemovalTimeout: 600 * time.Millisecond,
		ErrorBackoff:       500 * time.Millisecond,
		SleepRecovery:      DefaultSleepRecoveryConfig(),
	}
}
