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

// Command pn5180-scan monitors a PN5180 reader and prints every card it
// sees, including any NDEF text and URI records. With -write it instead
// writes a text record to the next card and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	pn5180 "github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/detection"
	_ "github.com/ZaparooProject/go-pn5180/detection/spi"
	_ "github.com/ZaparooProject/go-pn5180/detection/uart"
	"github.com/ZaparooProject/go-pn5180/polling"
	"github.com/ZaparooProject/go-pn5180/tagops"
	"github.com/ZaparooProject/go-pn5180/transport/spi"
	"github.com/ZaparooProject/go-pn5180/transport/uart"
)

type config struct {
	writeText  string
	devicePath string
	transport  string
	debug      bool
}

// Package-level flag variables
var (
	flagWriteText  string
	flagDevicePath string
	flagTransport  string
	flagDebug      bool
)

func init() {
	flag.StringVar(&flagWriteText, "write", "", "Text to write to the next scanned card (exits after write)")
	flag.StringVar(&flagDevicePath, "device", "", "Device path (auto-detect if empty)")
	flag.StringVar(&flagTransport, "transport", "", "Force transport type: uart or spi (guess from path if empty)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig() *config {
	cfg := &config{
		writeText:  flagWriteText,
		devicePath: flagDevicePath,
		transport:  strings.ToLower(flagTransport),
		debug:      flagDebug,
	}

	if cfg.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		pn5180.SetDebugEnabled(true)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return cfg
}

// consoleLogger writes human-readable log lines to stderr, keeping
// stdout free for scan output.
func consoleLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// spiConfigFromMetadata rebuilds the SPI wiring from detection metadata,
// falling back to the PN5180_SPI_* environment variables for pins the
// detector did not record.
func spiConfigFromMetadata(port string, metadata map[string]string) spi.Config {
	pin := func(key, env string) string {
		if v, ok := metadata[key]; ok && v != "" {
			return v
		}
		return os.Getenv(env)
	}
	return spi.Config{
		Port:     port,
		BusyPin:  pin("busy_pin", "PN5180_SPI_BUSY_PIN"),
		ResetPin: pin("reset_pin", "PN5180_SPI_RESET_PIN"),
		IRQPin:   pin("irq_pin", "PN5180_SPI_IRQ_PIN"),
	}
}

// newTransportFromDevice creates a new transport from a detected device.
func newTransportFromDevice(device detection.DeviceInfo) (pn5180.Transport, error) {
	switch strings.ToLower(device.Transport) {
	case "uart":
		transport, err := uart.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport: %w", err)
		}
		return transport, nil
	case "spi":
		transport, err := spi.New(spiConfigFromMetadata(device.Path, device.Metadata))
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport: %w", err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", device.Transport)
	}
}

// newTransport creates a transport for an explicit device path. The
// -transport flag decides the type; without it the path pattern does.
func newTransport(path, transportType string) (pn5180.Transport, error) {
	if path == "" {
		return nil, errors.New("empty device path")
	}

	kind := transportType
	if kind == "" {
		// SPI ports are registry names like "SPI0.0" or spidev paths;
		// everything else is treated as a serial port.
		if strings.Contains(strings.ToLower(path), "spi") {
			kind = "spi"
		} else {
			kind = "uart"
		}
	}

	switch kind {
	case "spi":
		cfg := spiConfigFromMetadata(path, nil)
		if cfg.BusyPin == "" {
			return nil, errors.New("SPI transport needs the BUSY pin: set PN5180_SPI_BUSY_PIN")
		}
		transport, err := spi.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport for %s: %w", path, err)
		}
		return transport, nil
	case "uart":
		transport, err := uart.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport for %s: %w", path, err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

func connectToDevice(ctx context.Context, cfg *config) (*pn5180.Device, error) {
	var connectOpts []pn5180.ConnectOption

	if cfg.devicePath == "" {
		// Auto-detection case
		connectOpts = append(connectOpts,
			pn5180.WithAutoDetection(),
			pn5180.WithTransportFromDeviceFactory(newTransportFromDevice))
		if cfg.transport != "" {
			connectOpts = append(connectOpts,
				pn5180.WithDeviceDetector(func(opts *detection.Options) ([]detection.DeviceInfo, error) {
					opts.Transports = []string{cfg.transport}
					return detection.DetectAllContext(ctx, opts)
				}))
		}
		if cfg.debug {
			_, _ = fmt.Println("Auto-detecting PN5180 devices...")
		}
	} else {
		// Specific device path
		connectOpts = append(connectOpts, pn5180.WithTransportFactory(func(path string) (pn5180.Transport, error) {
			return newTransport(path, cfg.transport)
		}))
		if cfg.debug {
			_, _ = fmt.Printf("Opening device: %s\n", cfg.devicePath)
		}
	}

	// Set reasonable timeout
	connectOpts = append(connectOpts, pn5180.WithConnectTimeout(5*time.Second))

	device, err := pn5180.ConnectDevice(cfg.devicePath, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PN5180 device: %w", err)
	}

	// Show firmware version if debug enabled
	if cfg.debug {
		if version, versionErr := device.GetFirmwareVersionContext(ctx); versionErr == nil {
			_, _ = fmt.Printf("PN5180 Firmware: %s\n", version)
		}
	}

	return device, nil
}

// printCard prints the card summary plus any text and URI records it
// carries. Called with a connected card while polling is paused.
func printCard(ctx context.Context, card pn5180.Card) error {
	_, _ = fmt.Printf("  Manufacturer: %s\n", pn5180.GetManufacturer(card.UIDBytes()))

	ndef, err := card.ReadNDEF(ctx)
	if err != nil {
		if errors.Is(err, pn5180.ErrNDEFNotFound) {
			_, _ = fmt.Println("  No NDEF records")
			return nil
		}
		return fmt.Errorf("failed to read NDEF: %w", err)
	}

	for _, record := range ndef.Records {
		switch record.Type {
		case pn5180.NDEFTypeText:
			_, _ = fmt.Printf("  Text: %q\n", record.Text)
		case pn5180.NDEFTypeURI:
			_, _ = fmt.Printf("  URI: %s\n", record.URI)
		case pn5180.NDEFTypeUnknown:
			_, _ = fmt.Printf("  Record: % X\n", record.Payload)
		}
	}
	return nil
}

func runReadMode(ctx context.Context, device *pn5180.Device, _ *config) error {
	logger := consoleLogger()

	// Create session with default configuration
	sessionConfig := polling.DefaultConfig()
	session := polling.NewSession(device, sessionConfig)

	// Ensure session cleanup for fast shutdown
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error().Msgf("failed to close session: %v", err)
		}
	}()

	_, _ = fmt.Println("Starting continuous card monitoring. Press Ctrl+C to stop...")

	// Detections are handed off to a reader goroutine: the callback runs
	// inside the polling loop, and reconnecting the card pauses that
	// same loop.
	detections := make(chan *pn5180.DetectedCard, 1)

	session.OnCardDetected = func(detected *pn5180.DetectedCard) error {
		_, _ = fmt.Printf("Card detected: UID=%s Type=%s\n",
			detected.UID, tagops.CardTypeDisplayName(detected.Type))
		select {
		case detections <- detected:
		default:
			// Reader still busy with the previous card
		}
		return nil
	}

	session.OnCardRemoved = func() {
		_, _ = fmt.Println("Card removed - ready for next card...")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Start(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case detected := <-detections:
				err := session.WriteToCard(gctx, gctx, detected, printCard)
				if err != nil && gctx.Err() == nil {
					logger.Error().Msgf("failed to read card %s: %v", detected.UID, err)
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan loop failed: %w", err)
	}
	return ctx.Err()
}

func runWriteMode(ctx context.Context, device *pn5180.Device, cfg *config) error {
	if device == nil {
		return errors.New("device cannot be nil for write mode")
	}

	if cfg.writeText == "" {
		return errors.New("writeText cannot be empty for write mode")
	}

	logger := consoleLogger()

	// Create session with default configuration for write operations
	sessionConfig := polling.DefaultConfig()
	session := polling.NewSession(device, sessionConfig)

	// Ensure session cleanup for fast shutdown
	defer func() {
		if err := session.Close(); err != nil && cfg.debug {
			logger.Error().Msgf("failed to close session: %v", err)
		}
	}()

	_, _ = fmt.Printf("Waiting for card to write text: %q\n", cfg.writeText)
	_, _ = fmt.Println("Please place a card near the reader...")

	// Set a reasonable timeout for card detection (30 seconds)
	timeout := 30 * time.Second

	// Use WriteToNextCard to wait for a card and write to it
	err := session.WriteToNextCard(ctx, ctx, timeout, func(ctx context.Context, card pn5180.Card) error {
		_, _ = fmt.Println("Card detected! Writing text...")

		// Create NDEF message with text record
		message := &pn5180.NDEFMessage{
			Records: []pn5180.NDEFRecord{
				{
					Type: pn5180.NDEFTypeText,
					Text: cfg.writeText,
				},
			},
		}

		// Write the NDEF message to the card with context support
		if err := card.WriteNDEF(ctx, message); err != nil {
			return fmt.Errorf("failed to write NDEF message: %w", err)
		}

		_, _ = fmt.Printf("Successfully wrote text to card: %q\n", cfg.writeText)
		return nil
	})
	// Handle any errors from the write operation
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_, _ = fmt.Println("Write operation cancelled.")
		}
		return fmt.Errorf("write operation failed: %w", err)
	}

	return nil
}

func run(ctx context.Context, cfg *config) error {
	// Connect to device
	device, err := connectToDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			logger := consoleLogger()
			logger.Error().Msgf("failed to close device: %v", err)
		}
	}()

	// Mode selection based on writeText parameter
	if cfg.writeText != "" {
		// Write mode - write text to next scanned card and exit
		return runWriteMode(ctx, device, cfg)
	}
	// Read mode - continuously monitor for cards
	return runReadMode(ctx, device, cfg)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	// Parse command-line flags
	cfg := parseConfig()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	// Run the main application logic
	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			// User requested shutdown, exit cleanly
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
