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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (0 = no retry)
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to avoid thundering herd
	Jitter float64
	// RetryTimeout is the overall timeout for all retry attempts
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// Connection retry constants control device connection behavior.
const (
	// DefaultConnectionRetries is the number of attempts to connect to a device.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between connection attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between connection attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0) to prevent thundering herd.
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout is the overall timeout for all connection attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// Selection retry constants bound how often a card hunt is repeated before
// giving up. Retries happen at whole-operation granularity; a failed
// selection is always restarted from the wake-up frame.
const (
	// SelectionRetries is the number of attempts for ISO14443-A selection.
	SelectionRetries = 3
	// SelectionRetryDelay is the pause between selection attempts.
	SelectionRetryDelay = 20 * time.Millisecond
)

// NDEF operation retry constants control NDEF read/write retry behavior.
// Uses exponential backoff: 100ms → 150ms → 250ms.
const (
	// NDEFMaxRetries is the number of attempts for NDEF operations.
	NDEFMaxRetries = 3
)

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// RetryWithConfig executes a function with retry logic
func RetryWithConfig(ctx context.Context, config *RetryConfig, retryFunc RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	if config.MaxAttempts <= 0 {
		return retryFunc()
	}

	retryCtx, cancel := setupRetryContext(ctx, config)
	defer cancel()
	return executeWithRetry(retryCtx, config, retryFunc)
}

func setupRetryContext(ctx context.Context, config *RetryConfig) (context.Context, context.CancelFunc) {
	if config.RetryTimeout > 0 {
		return context.WithTimeout(ctx, config.RetryTimeout)
	}
	return ctx, func() {}
}

func executeWithRetry(ctx context.Context, config *RetryConfig, retryFunc RetryableFunc) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := range config.MaxAttempts {
		if err := checkContextCancellation(ctx, lastErr); err != nil {
			return err
		}

		err := retryFunc()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt < config.MaxAttempts-1 {
			sleep := calculateJitteredSleep(backoff, config.Jitter)
			if err := sleepWithContext(ctx, sleep, lastErr); err != nil {
				return err
			}
			backoff = calculateNextBackoff(backoff, config)
		}
	}

	return lastErr
}

func checkContextCancellation(ctx context.Context, lastErr error) error {
	select {
	case <-ctx.Done():
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("retry context cancelled: %w", ctx.Err())
	default:
		return nil
	}
}

func sleepWithContext(ctx context.Context, sleep time.Duration, lastErr error) error {
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return lastErr
	case <-timer.C:
		return nil
	}
}

func calculateNextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	newBackoff := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if newBackoff > config.MaxBackoff {
		return config.MaxBackoff
	}
	return newBackoff
}

// calculateJitteredSleep calculates sleep duration with jitter
func calculateJitteredSleep(baseSleep time.Duration, jitterFactor float64) time.Duration {
	sleep := baseSleep
	if jitterFactor > 0 {
		// Use crypto/rand for secure random jitter
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err == nil {
			// Convert to float64 in range [0, 1)
			randUint := binary.LittleEndian.Uint64(randBytes[:])
			randFloat := float64(randUint) / float64(1<<64)
			jitter := float64(sleep) * jitterFactor
			sleep += time.Duration(randFloat * jitter)
		}
	}
	return sleep
}

// GetErrorType classifies an error for retry decisions
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrNoACK),
		errors.Is(err, ErrTransportNotReady):
		return ErrorTypeTimeout
	case errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrNACKReceived):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// IsRecoverable reports whether an error pattern suggests a stuck frontend
// that a reset might bring back, as opposed to a plain lost byte.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportNotReady),
		errors.Is(err, ErrNoACK):
		return true
	default:
		return false
	}
}

// noRetryConfig disables transport-level retries.
func noRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    0,
		MaxBackoff:        0,
		BackoffMultiplier: 1.0,
		Jitter:            0,
		RetryTimeout:      0,
	}
}

// GetRetryConfigForCommand returns the retry configuration for a specific
// host interface command. Commands whose replay would alter RF protocol
// state (frame transmissions, buffer drains, authentication) never retry at
// the transport level; retries for those happen at operation granularity
// where the whole exchange can be restarted cleanly.
func GetRetryConfigForCommand(opcode byte) *RetryConfig {
	switch opcode {
	case CmdWriteTXData, CmdSendData, CmdReadData,
		CmdMifareAuthenticate, CmdSwitchMode,
		CmdEPCInventory, CmdEPCResumeInventory, CmdEPCRetrieveResultSize,
		CmdWaitForIRQ:
		return noRetryConfig()
	case CmdWriteEEPROM:
		// EEPROM writes wear the part; one careful retry only
		return &RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    20 * time.Millisecond,
			MaxBackoff:        100 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryTimeout:      2 * time.Second,
		}
	default:
		return DefaultRetryConfig()
	}
}

// ReadNDEFFunc defines a function that reads NDEF data from a card
type ReadNDEFFunc func() (*NDEFMessage, error)

// WriteNDEFFunc defines a function that writes NDEF data to a card
type WriteNDEFFunc func(ctx context.Context) error

// IsRetryableFunc defines a function that determines if an error is retryable
type IsRetryableFunc func(error) bool

// readNDEFWithRetry implements the common retry logic for NDEF reads. It
// covers the "empty valid card" case where a card answers selection but
// returns no data while still sliding into the field, giving the RF link a
// moment to stabilize between attempts.
func readNDEFWithRetry(readFunc ReadNDEFFunc, isRetryable IsRetryableFunc, cardType string) (*NDEFMessage, error) {
	retryDelays := []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		250 * time.Millisecond,
	}

	for i := range NDEFMaxRetries {
		msg, err := readFunc()
		if err != nil {
			if i < NDEFMaxRetries-1 && isRetryable(err) {
				delay := retryDelays[i]
				debugf("%s NDEF read attempt %d failed (retrying after %v): %v", cardType, i+1, delay, err)
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		if msg != nil && len(msg.Records) > 0 {
			return msg, nil
		}

		// Valid response but no records yet; give the card another chance
		if i < NDEFMaxRetries-1 {
			delay := retryDelays[i]
			debugf("%s NDEF read attempt %d returned empty data (retrying after %v)", cardType, i+1, delay)
			time.Sleep(delay)
			continue
		}

		return nil, ErrNDEFNotFound
	}

	return nil, fmt.Errorf("failed to read %s NDEF data after %d retries", cardType, NDEFMaxRetries)
}

// WriteNDEFWithRetry wraps NDEF write operations with retry logic. The
// entire write operation is retried on failure, never a partial step.
func WriteNDEFWithRetry(ctx context.Context, writeFunc WriteNDEFFunc, maxRetries int, cardType string) error {
	if maxRetries <= 0 {
		maxRetries = NDEFMaxRetries
	}

	retryDelays := []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		250 * time.Millisecond,
	}

	var lastErr error
	for i := range maxRetries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := writeFunc(ctx)
		if err == nil {
			if i > 0 {
				debugf("%s NDEF write successful on attempt %d", cardType, i+1)
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			debugf("%s NDEF write failed with non-retryable error: %v", cardType, err)
			return err
		}

		if i >= maxRetries-1 {
			break
		}

		debugf("%s NDEF write attempt %d failed (retrying): %v", cardType, i+1, err)

		delay := retryDelays[len(retryDelays)-1]
		if i < len(retryDelays) {
			delay = retryDelays[i]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("failed to write %s NDEF data after %d retries: %w", cardType, maxRetries, lastErr)
}
