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
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Package-level logger for code paths that run without a Device in hand
// (retry helpers, card operations). Defaults to a no-op logger; an
// application wires its own with SetLogger. Setting PN5180_DEBUG in the
// environment enables console output without code changes.
var (
	logMu        sync.RWMutex
	pkgLog       = zerolog.Nop()
	debugEnabled = false

	sessionLogFile *os.File
	sessionLogPath string
)

func init() {
	if os.Getenv("PN5180_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
		pkgLog = consoleLogger()
	}
}

func consoleLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(writer).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

// SetLogger replaces the package-level logger. Devices created afterwards
// inherit it unless they are given their own with WithLogger.
func SetLogger(logger zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	pkgLog = logger
}

// Logger returns the current package-level logger.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return pkgLog
}

// SetDebugEnabled allows programmatic control of console debug logging.
// Useful for testing or application-controlled debug modes.
func SetDebugEnabled(enabled bool) {
	logMu.Lock()
	defer logMu.Unlock()
	debugEnabled = enabled
	if enabled {
		pkgLog = consoleLogger()
	} else if sessionLogFile == nil {
		pkgLog = zerolog.Nop()
	}
}

// debugf logs a formatted message at debug level through the package logger.
func debugf(format string, args ...any) {
	logger := Logger()
	logger.Debug().Msgf(format, args...)
}

// InitSessionLog routes package logging into a timestamped file in the
// current directory and returns the file path for display to the user.
// Console output stays governed by PN5180_DEBUG.
func InitSessionLog() (string, error) {
	logMu.Lock()
	defer logMu.Unlock()

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("pn5180_%s.log", timestamp)

	logFile, err := os.Create(filename) //nolint:gosec // filename is constructed internally, not user input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	sessionLogFile = logFile
	sessionLogPath = filename

	writers := []io.Writer{logFile}
	if debugEnabled {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
	pkgLog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()

	pkgLog.Info().
		Int("pid", os.Getpid()).
		Str("os", runtime.GOOS+"/"+runtime.GOARCH).
		Str("go", runtime.Version()).
		Strs("args", os.Args).
		Msg("session log started")

	return filename, nil
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	logMu.Lock()
	defer logMu.Unlock()

	if sessionLogFile == nil {
		return nil
	}

	pkgLog.Info().Msg("session log ended")

	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	if debugEnabled {
		pkgLog = consoleLogger()
	} else {
		pkgLog = zerolog.Nop()
	}
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	logMu.RLock()
	defer logMu.RUnlock()
	return sessionLogPath
}
