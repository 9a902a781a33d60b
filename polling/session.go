// Copyright 2025 The Zaparoo Project Contributors.
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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
	"github.com/rs/zerolog"
)

// Idle slowdown: after this long without a card the loop stretches its
// poll interval to cut RF field cycling, snapping back on the next
// detection.
const (
	idleSlowdownAfter  = 5 * time.Second
	idleSlowdownFactor = 5
	idleMaxInterval    = 500 * time.Millisecond
)

// Metrics is a snapshot of the session's polling counters.
type Metrics struct {
	PollCycles      int64
	PollErrors      int64
	CardsDetected   int64
	CallbackErrors  int64
	LastPollLatency time.Duration
}

// Session handles continuous card monitoring with state machine.
// Each poll cycle opens an RF session, walks the configured profiles
// and closes the session again, so the field stays off between polls.
type Session struct {
	config         *Config
	device         *pn5180.Device
	recoverer      DeviceRecoverer
	OnCardDetected func(card *pn5180.DetectedCard) error
	OnCardRemoved  func()
	OnCardChanged  func(card *pn5180.DetectedCard) error
	pauseChan      chan struct{}
	resumeChan     chan struct{}
	ackChan        chan struct{}
	log            zerolog.Logger
	state          CardState
	stateMutex     syncutil.RWMutex
	writeMutex     syncutil.Mutex

	pollCycles      atomic.Int64
	pollErrors      atomic.Int64
	cardsDetected   atomic.Int64
	callbackErrors  atomic.Int64
	lastPollLatency atomic.Int64
	lastDetection   atomic.Int64

	closed   atomic.Bool
	isPaused atomic.Bool
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithLogger routes the session's debug events to logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = logger
	}
}

// NewSession creates a new card monitoring session
func NewSession(device *pn5180.Device, config *Config, opts ...SessionOption) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Session{
		device:     device,
		config:     config,
		log:        zerolog.Nop(),
		state:      CardState{},
		pauseChan:  make(chan struct{}, 1),
		resumeChan: make(chan struct{}, 1),
		ackChan:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins continuous monitoring for cards
func (s *Session) Start(ctx context.Context) error {
	return s.continuousPolling(ctx)
}

// GetState returns the current card state
func (s *Session) GetState() CardState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// GetDevice returns the underlying PN5180 device
func (s *Session) GetDevice() *pn5180.Device {
	return s.currentDevice()
}

// GetMetrics returns a snapshot of the session's polling counters
func (s *Session) GetMetrics() Metrics {
	return Metrics{
		PollCycles:      s.pollCycles.Load(),
		PollErrors:      s.pollErrors.Load(),
		CardsDetected:   s.cardsDetected.Load(),
		CallbackErrors:  s.callbackErrors.Load(),
		LastPollLatency: time.Duration(s.lastPollLatency.Load()),
	}
}

// SetOnCardDetected sets the callback for when a card is detected.
func (s *Session) SetOnCardDetected(callback func(*pn5180.DetectedCard) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardDetected = callback
}

// SetOnCardRemoved sets the callback for when a card is removed.
func (s *Session) SetOnCardRemoved(callback func()) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardRemoved = callback
}

// SetOnCardChanged sets the callback for when the card changes.
func (s *Session) SetOnCardChanged(callback func(*pn5180.DetectedCard) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardChanged = callback
}

// SetRecoverer installs the recoverer used when the loop detects a
// host sleep/wake discontinuity.
func (s *Session) SetRecoverer(recoverer DeviceRecoverer) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.recoverer = recoverer
}

// Close cleans up the monitor resources
func (s *Session) Close() error {
	// Mark session as closed to prevent timer callbacks from executing
	s.closed.Store(true)

	// Stop any running removal timer
	s.stateMutex.Lock()
	if s.state.RemovalTimer != nil {
		safeTimerStop(s.state.RemovalTimer)
		s.state.RemovalTimer = nil
	}
	s.stateMutex.Unlock()

	// Reset pause state and drain channels to prevent corruption
	s.isPaused.Store(false)

	// Drain pause/resume channels to prevent future state corruption
	select {
	case <-s.pauseChan:
	default:
	}
	select {
	case <-s.resumeChan:
	default:
	}

	return nil
}

// Pause temporarily stops the polling loop
// This is used to coordinate with write operations
func (s *Session) Pause() {
	if s.isPaused.CompareAndSwap(false, true) {
		// Signal pause to the polling loop - use non-blocking send for when no loop is running
		select {
		case s.pauseChan <- struct{}{}:
			// Successfully sent pause signal
		default:
			// Channel full or no receiver - that's OK, isPaused flag is set
		}
	}
}

// Resume restarts the polling loop after a pause
func (s *Session) Resume() {
	if s.isPaused.CompareAndSwap(true, false) {
		// Signal resume to the polling loop - use non-blocking send for when no loop is running
		select {
		case s.resumeChan <- struct{}{}:
			// Successfully sent resume signal
		default:
			// Channel full or no receiver - that's OK, isPaused flag is cleared
		}
	}
}

// pauseWithAck pauses polling and waits for acknowledgment
func (s *Session) pauseWithAck(ctx context.Context) error {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Check if already paused to avoid redundant operations
	if s.isPaused.Load() {
		return nil
	}

	// Use atomic operation to set pause state safely
	if !s.isPaused.CompareAndSwap(false, true) {
		return nil // Another goroutine beat us to it
	}

	// Send pause signal with context-aware non-blocking send
	select {
	case s.pauseChan <- struct{}{}:
		// Successfully sent pause signal, now wait for acknowledgment with timeout
		ackTimeout := time.NewTimer(100 * time.Millisecond)
		defer ackTimeout.Stop()

		select {
		case <-s.ackChan:
			// Polling goroutine has acknowledged the pause
			return nil
		case <-ackTimeout.C:
			// No acknowledgment received - likely no polling loop running
			// This is OK for testing scenarios, pause state is already set
			return nil
		case <-ctx.Done():
			// Context cancelled, restore pause state and return error
			s.isPaused.Store(false)
			return ctx.Err()
		}
	case <-ctx.Done():
		// Context cancelled, restore pause state and return error
		s.isPaused.Store(false)
		return ctx.Err()
	default:
		// Channel full or no receiver - that's OK since isPaused flag is set
		return nil
	}
}

// connectCard opens a fresh RF session and activates the card the
// snapshot describes. The returned release func closes the session.
func (s *Session) connectCard(
	ctx context.Context,
	detected *pn5180.DetectedCard,
) (pn5180.Card, func(), error) {
	profile := s.profileFor(detected.Type)
	rf, err := s.currentDevice().StartSessionContext(ctx, profile.Tx, profile.Rx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	release := func() {
		// Cleanup must run even when ctx is already done
		_ = rf.CloseContext(context.Background())
	}

	if detected.Type == pn5180.CardTypeISO15693 {
		card, err := rf.ConnectISO15693Context(ctx, detected.UIDBytes)
		if err != nil {
			release()
			return nil, nil, err
		}
		return card, release, nil
	}

	card, err := rf.ConnectISO14443AContext(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	if detected.UID != "" && card.UID() != detected.UID {
		release()
		return nil, nil, fmt.Errorf("different card present: found %s, expected %s", card.UID(), detected.UID)
	}
	return card, release, nil
}

// profileFor picks the configured profile matching the card's protocol
// family, falling back to the defaults when none is configured.
func (s *Session) profileFor(cardType pn5180.CardType) Profile {
	wantInventory := cardType == pn5180.CardTypeISO15693
	for _, p := range s.config.Profiles {
		if p.UsesInventory() == wantInventory {
			return p
		}
	}
	for _, p := range DefaultProfiles() {
		if p.UsesInventory() == wantInventory {
			return p
		}
	}
	return DefaultProfiles()[0]
}

// executeWriteToCard reconnects the detected card in a fresh session and
// executes the write function.
func (s *Session) executeWriteToCard(
	writeCtx context.Context,
	detected *pn5180.DetectedCard,
	writeFn func(context.Context, pn5180.Card) error,
) error {
	card, release, err := s.connectCard(writeCtx, detected)
	if err != nil {
		return fmt.Errorf("failed to connect card: %w", err)
	}
	defer release()
	return writeFn(writeCtx, card)
}

// WriteToNextCard waits for the next card detection and performs a write operation
// This method blocks until a card is detected or timeout occurs
// sessionCtx controls session lifetime, writeCtx controls write operation lifetime
func (s *Session) WriteToNextCard(
	sessionCtx context.Context,
	writeCtx context.Context,
	timeout time.Duration,
	writeFn func(context.Context, pn5180.Card) error,
) error {
	// Acquire write mutex to prevent concurrent writes
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	// Pause polling to prevent interference with our write operation
	if err := s.pauseWithAck(sessionCtx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	// Create a timeout context that cancels if either session or timeout expires
	timeoutCtx, cancel := context.WithTimeout(sessionCtx, timeout)
	defer cancel()

	// Poll continuously until we find a card or timeout
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		// Attempt to detect a card
		detected, err := s.performSinglePoll(timeoutCtx)
		if err == nil {
			return s.executeWriteToCard(writeCtx, detected, writeFn)
		}

		// The deadline can expire mid-poll, inside a card response wait;
		// that is the timeout, not a detection failure.
		if timeoutCtx.Err() != nil {
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return errors.New("timeout waiting for card")
			}
			return timeoutCtx.Err()
		}

		if !errors.Is(err, ErrNoCardInPoll) {
			return fmt.Errorf("card detection failed: %w", err)
		}

		// Wait for next poll interval or timeout
		select {
		case <-ticker.C:
			continue
		case <-timeoutCtx.Done():
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return errors.New("timeout waiting for card")
			}
			return timeoutCtx.Err()
		}
	}
}

// WriteToCard performs a thread-safe write operation to a detected card
// This method pauses polling during the write to prevent interference
// sessionCtx controls session lifetime, writeCtx controls write operation lifetime
func (s *Session) WriteToCard(
	sessionCtx context.Context,
	writeCtx context.Context,
	detected *pn5180.DetectedCard,
	writeFn func(context.Context, pn5180.Card) error,
) error {
	// Acquire write mutex to prevent concurrent writes
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	// Enhanced pause with acknowledgment - now requires context
	if err := s.pauseWithAck(sessionCtx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	return s.executeWriteToCard(writeCtx, detected, writeFn)
}

// WriteToNextCardWithRetry waits for the next card detection and performs a write
// operation with automatic retry on transient errors. This is useful for handling
// intermittent write failures due to card placement issues or timing problems.
// sessionCtx controls session lifetime, writeCtx controls write operation lifetime.
// maxRetries specifies how many times to retry the write operation (default 3 if <= 0).
func (s *Session) WriteToNextCardWithRetry(
	sessionCtx context.Context,
	writeCtx context.Context,
	timeout time.Duration,
	maxRetries int,
	writeFn func(context.Context, pn5180.Card) error,
) error {
	// Wrap the write function with retry logic
	wrappedFn := func(ctx context.Context, card pn5180.Card) error {
		return pn5180.WriteNDEFWithRetry(ctx, func(innerCtx context.Context) error {
			return writeFn(innerCtx, card)
		}, maxRetries, string(card.Type()))
	}

	return s.WriteToNextCard(sessionCtx, writeCtx, timeout, wrappedFn)
}

// WriteToCardWithRetry performs a thread-safe write operation to a detected card
// with automatic retry on transient errors. This is useful for handling intermittent
// write failures due to card placement issues or timing problems.
// sessionCtx controls session lifetime, writeCtx controls write operation lifetime.
// maxRetries specifies how many times to retry the write operation (default 3 if <= 0).
func (s *Session) WriteToCardWithRetry(
	sessionCtx context.Context,
	writeCtx context.Context,
	detected *pn5180.DetectedCard,
	maxRetries int,
	writeFn func(context.Context, pn5180.Card) error,
) error {
	// Wrap the write function with retry logic
	wrappedFn := func(ctx context.Context, card pn5180.Card) error {
		return pn5180.WriteNDEFWithRetry(ctx, func(innerCtx context.Context) error {
			return writeFn(innerCtx, card)
		}, maxRetries, string(card.Type()))
	}

	return s.WriteToCard(sessionCtx, writeCtx, detected, wrappedFn)
}

// continuousPolling runs the poll loop until the context ends or a
// callback fails
func (s *Session) continuousPolling(ctx context.Context) error {
	return s.runPollingLoop(ctx)
}

// runPollingLoop drives the poll/wait cycle, stretching the interval
// while the field stays empty and watching for time discontinuities
func (s *Session) runPollingLoop(ctx context.Context) error {
	interval := s.config.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.lastDetection.Store(time.Now().UnixNano())
	s.log.Debug().Dur("interval", interval).Msg("polling started")

	lastCycle := time.Now()
	for {
		resumed, err := s.handleContextAndPause(ctx)
		if err != nil {
			return err
		}
		if resumed {
			// A pause is not a sleep; restart the discontinuity clock
			lastCycle = time.Now()
		}

		if elapsed := time.Since(lastCycle); s.config.SleepRecovery.DetectSleep(elapsed, interval) {
			if err := s.recoverFromSleep(ctx, elapsed); err != nil {
				return err
			}
			lastCycle = time.Now()
		}

		if err := s.executeSinglePollingCycle(ctx); err != nil {
			return err
		}
		lastCycle = time.Now()

		if next := s.nextPollInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		resumed, err = s.waitForNextPollOrPause(ctx, ticker)
		if err != nil {
			return err
		}
		if resumed {
			lastCycle = time.Now()
		}
	}
}

// executeSinglePollingCycle performs one polling cycle and processes results
func (s *Session) executeSinglePollingCycle(ctx context.Context) error {
	start := time.Now()
	detected, err := s.performSinglePoll(ctx)
	s.pollCycles.Add(1)
	s.lastPollLatency.Store(int64(time.Since(start)))

	if err != nil {
		// Loop shutdown is not a poll error
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrNoCardInPoll) {
			s.pollErrors.Add(1)
			s.log.Debug().Err(err).Msg("poll cycle failed")
			s.handlePollingError(err)
			return s.backoffAfterError(ctx)
		}
		return nil
	}

	s.lastDetection.Store(time.Now().UnixNano())
	if err := s.processPollingResults(detected); err != nil {
		return fmt.Errorf("callback error during polling: %w", err)
	}
	return nil
}

// backoffAfterError delays the next cycle so a wedged bus does not spin
// the loop at full speed
func (s *Session) backoffAfterError(ctx context.Context) error {
	if s.config.ErrorBackoff <= 0 {
		return nil
	}
	select {
	case <-time.After(s.config.ErrorBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForNextPollOrPause waits for the next poll interval or handles pause signals
func (s *Session) waitForNextPollOrPause(ctx context.Context, ticker *time.Ticker) (resumed bool, _ error) {
	select {
	case <-ticker.C:
		return false, nil
	case <-s.pauseChan:
		return true, s.handlePauseSignal(ctx)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// handlePauseSignal sends acknowledgment and waits for resume
func (s *Session) handlePauseSignal(ctx context.Context) error {
	// Send acknowledgment to indicate polling is paused
	select {
	case s.ackChan <- struct{}{}:
		// Successfully sent acknowledgment
	default:
		// Channel full or no receiver - continue anyway
	}
	// Wait for resume
	return s.waitForResume(ctx)
}

func (s *Session) handleContextAndPause(ctx context.Context) (resumed bool, _ error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.pauseChan:
		return true, s.waitForResume(ctx)
	default:
		return false, nil
	}
}

func (s *Session) waitForResume(ctx context.Context) error {
	select {
	case <-s.resumeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// performSinglePoll runs one detection cycle: open an RF session, walk
// the configured profiles, close the session so the field is off again
func (s *Session) performSinglePoll(ctx context.Context) (*pn5180.DetectedCard, error) {
	profiles := s.config.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}

	rf, err := s.currentDevice().StartSessionContext(ctx, profiles[0].Tx, profiles[0].Rx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	card, pollErr := s.pollProfiles(ctx, rf, profiles)

	// Field off between polls. Cleanup must run even when ctx is done.
	closeErr := rf.CloseContext(context.Background())
	if pollErr != nil {
		return nil, pollErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("closing poll session: %w", closeErr)
	}
	if card == nil {
		return nil, ErrNoCardInPoll
	}
	return card, nil
}

// pollProfiles tries each profile in order, switching the open session
// between protocol families. A nil card with nil error means nothing
// answered on any profile.
func (s *Session) pollProfiles(
	ctx context.Context,
	rf *pn5180.RFSession,
	profiles []Profile,
) (*pn5180.DetectedCard, error) {
	for i, profile := range profiles {
		if i > 0 {
			if err := rf.SwitchProtocolContext(ctx, profile.Tx, profile.Rx); err != nil {
				return nil, fmt.Errorf("protocol switch failed: %w", err)
			}
		}
		card, err := s.pollProfile(ctx, rf, profile)
		if err != nil {
			return nil, err
		}
		if card != nil {
			return card, nil
		}
	}
	return nil, nil
}

// pollProfile runs the family-appropriate detection primitive: inventory
// for ISO15693, activation for ISO14443-A.
func (*Session) pollProfile(
	ctx context.Context,
	rf *pn5180.RFSession,
	profile Profile,
) (*pn5180.DetectedCard, error) {
	if profile.UsesInventory() {
		cards, err := rf.InventoryISO15693Context(ctx)
		if err != nil {
			return nil, fmt.Errorf("card detection failed: %w", err)
		}
		if len(cards) == 0 {
			return nil, nil
		}
		return cards[0].Detected(), nil
	}

	card, err := rf.ConnectISO14443AContext(ctx)
	if err != nil {
		if errors.Is(err, pn5180.ErrNoCardFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("card detection failed: %w", err)
	}
	return card.Detected(), nil
}

// nextPollInterval stretches the poll interval after a quiet stretch,
// snapping back to the configured rate once a card shows up
func (s *Session) nextPollInterval() time.Duration {
	base := s.config.PollInterval
	idle := time.Since(time.Unix(0, s.lastDetection.Load()))
	if idle < idleSlowdownAfter {
		return base
	}
	slowed := base * idleSlowdownFactor
	if slowed > idleMaxInterval {
		slowed = idleMaxInterval
	}
	if slowed < base {
		// Configured interval is already slower than the idle ceiling
		return base
	}
	return slowed
}

// currentDevice returns the device the loop should talk to. The pointer
// can change after a tiered recovery reopens the transport.
func (s *Session) currentDevice() *pn5180.Device {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.device
}

// recoverFromSleep runs the registered recoverer after a host sleep/wake
// discontinuity and adopts whatever device it hands back
func (s *Session) recoverFromSleep(ctx context.Context, elapsed time.Duration) error {
	s.log.Debug().Dur("elapsed", elapsed).Msg("time discontinuity detected")

	s.stateMutex.RLock()
	recoverer := s.recoverer
	s.stateMutex.RUnlock()
	if recoverer == nil {
		return nil
	}

	if err := recoverer.AttemptRecovery(ctx); err != nil {
		return fmt.Errorf("sleep recovery failed: %w", err)
	}

	s.stateMutex.Lock()
	s.device = recoverer.GetDevice()
	s.stateMutex.Unlock()
	s.log.Debug().Msg("recovered after sleep")
	return nil
}

// handlePollingError handles errors from polling operations
func (s *Session) handlePollingError(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		// Timeout is normal - timer will handle removal detection
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	// For serious device errors, trigger immediate card removal
	// This handles cases like device disconnection
	s.handleCardRemoval()
}

// handleCardRemoval handles card removal state changes
func (s *Session) handleCardRemoval() {
	// Bail out if session is closed to prevent timer callbacks from executing after cleanup
	if s.closed.Load() {
		return
	}

	s.stateMutex.Lock()
	// If we're in reading state, a new poll cycle is actively processing - ignore stale timer
	// This handles the edge case where timer.Stop() returned false (callback already spawned)
	// but the callback runs after TransitionToReading() released the lock
	if s.state.DetectionState == StateReading {
		s.stateMutex.Unlock()
		return
	}
	wasPresent := s.state.Present
	lastUID := s.state.LastUID
	if wasPresent {
		s.state.TransitionToIdle()
	}
	onRemoved := s.OnCardRemoved
	s.stateMutex.Unlock()

	// Call callback outside the lock to avoid potential deadlocks
	if wasPresent {
		s.log.Debug().Str("uid", lastUID).Msg("card removed")
		if onRemoved != nil {
			onRemoved()
		}
	}
}

// processPollingResults processes the detected card and returns any callback errors
func (s *Session) processPollingResults(detected *pn5180.DetectedCard) error {
	if detected == nil {
		// No card detected - removal handled by timer, nothing to do here
		return nil
	}

	// Stop any existing removal timer and transition to reading state BEFORE
	// calling callbacks. This prevents the old timer from firing during callback
	// execution (e.g., during NDEF reading which can take significant time).
	s.stateMutex.Lock()
	s.state.TransitionToReading()
	s.stateMutex.Unlock()

	// Card present - handle state transitions (calls OnCardDetected/OnCardChanged)
	cardChanged, err := s.updateCardState(detected)
	if err != nil {
		return err
	}

	// After callback completes, set up the appropriate timer for this card
	if cardChanged || s.shouldTestCard(detected.UID) {
		s.testAndRecordCard(detected)
	} else {
		// Card unchanged and already tested - just reset the removal timer
		s.stateMutex.Lock()
		s.state.TransitionToDetected(s.config.CardRemovalTimeout, func() {
			s.handleCardRemoval()
		})
		s.stateMutex.Unlock()
	}

	return nil
}

// safeCallCallback executes a callback with panic recovery
func (s *Session) safeCallCallback(
	callback func(*pn5180.DetectedCard) error,
	card *pn5180.DetectedCard,
	callbackName string,
) error {
	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callbackErr = fmt.Errorf("%s callback panicked: %v", callbackName, r)
			}
		}()
		callbackErr = callback(card)
	}()
	if callbackErr != nil {
		s.callbackErrors.Add(1)
		return fmt.Errorf("%s callback failed: %w", callbackName, callbackErr)
	}
	return nil
}

// updateCardState updates the card state and returns whether the card changed and any callback error
func (s *Session) updateCardState(detected *pn5180.DetectedCard) (bool, error) {
	currentUID := detected.UID
	cardType := detected.Type

	// Capture state and callbacks under lock to avoid races
	s.stateMutex.RLock()
	wasPresent := s.state.Present
	wasChanged := wasPresent && s.state.LastUID != currentUID
	onDetected := s.OnCardDetected
	onChanged := s.OnCardChanged
	s.stateMutex.RUnlock()

	// Call callbacks outside of lock with panic recovery
	if !wasPresent {
		s.cardsDetected.Add(1)
		s.log.Debug().Str("uid", currentUID).Str("type", string(cardType)).Msg("card detected")
		if onDetected != nil {
			if err := s.safeCallCallback(onDetected, detected, "OnCardDetected"); err != nil {
				return false, err
			}
		}
	} else if wasChanged {
		s.cardsDetected.Add(1)
		s.log.Debug().Str("uid", currentUID).Str("type", string(cardType)).Msg("card changed")
		if onChanged != nil {
			if err := s.safeCallCallback(onChanged, detected, "OnCardChanged"); err != nil {
				return false, err
			}
		}
	}

	// Update state under lock
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	if !wasPresent {
		s.state.Present = true
		s.state.LastUID = currentUID
		s.state.LastType = cardType
		s.state.TestedUID = ""
		return true, nil
	}

	if wasChanged {
		s.state.LastUID = currentUID
		s.state.LastType = cardType
		s.state.TestedUID = ""
		return true, nil
	}

	return false, nil
}

// shouldTestCard determines if we should test the card
func (s *Session) shouldTestCard(currentUID string) bool {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state.TestedUID != currentUID
}

// testAndRecordCard tests the card and records the result
func (s *Session) testAndRecordCard(detected *pn5180.DetectedCard) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	// Transition to reading state to prevent removal timer from firing during long reads
	s.state.TransitionToReading()

	// Mark as tested to prevent repeated testing
	s.state.TestedUID = detected.UID

	// Transition to post-read grace period with shorter timeout
	s.state.TransitionToPostReadGrace(s.config.CardRemovalTimeout, func() {
		s.handleCardRemoval()
	})
}
