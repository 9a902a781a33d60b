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

package spi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/detection"
	"github.com/ZaparooProject/go-pn5180/transport/spi"
)

// Config represents one natively wired PN5180 on an SPI bus. The chip
// cannot be driven over SPI without its BUSY line, so probing is only
// attempted for entries that name a BusyPin.
type Config struct {
	// Additional metadata
	Metadata map[string]string `json:"metadata,omitempty"`
	// SPI port name (e.g., "SPI0.0")
	Port string `json:"port"`
	// Human-readable name
	Name string `json:"name,omitempty"`
	// GPIO name of the BUSY line (e.g., "GPIO25")
	BusyPin string `json:"busy_pin,omitempty"`
	// GPIO name of the reset line
	ResetPin string `json:"reset_pin,omitempty"`
	// GPIO name of the IRQ line
	IRQPin string `json:"irq_pin,omitempty"`
}

// detector implements the Detector interface for SPI devices
type detector struct{}

// New creates a new SPI detector
func New() detection.Detector {
	return &detector{}
}

// init registers the detector on package import
func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "spi"
}

// gatherConfigs collects SPI configurations from all sources
func gatherConfigs() []Config {
	var configs []Config

	// 1. Load from config file
	if fileConfigs := loadConfigFile(); fileConfigs != nil {
		configs = append(configs, fileConfigs...)
	}

	// 2. Check environment variables
	if envConfig := loadEnvConfig(); envConfig != nil {
		configs = append(configs, *envConfig)
	}

	// 3. Enumerate SPI buses (Linux)
	if runtime.GOOS == "linux" {
		configs = append(configs, detectLinuxSPIDevices()...)
	}

	return deduplicateConfigs(configs)
}

// createDeviceInfo creates a DeviceInfo from a Config
func createDeviceInfo(config Config) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  "spi",
		Path:       config.Port,
		Name:       config.Name,
		Confidence: detection.Low, // Start with low confidence
		Metadata:   make(map[string]string),
	}

	// Copy metadata
	for k, v := range config.Metadata {
		device.Metadata[k] = v
	}

	if config.BusyPin != "" {
		device.Metadata["busy_pin"] = config.BusyPin
	}
	if config.ResetPin != "" {
		device.Metadata["reset_pin"] = config.ResetPin
	}
	if config.IRQPin != "" {
		device.Metadata["irq_pin"] = config.IRQPin
	}

	// If name not provided, generate one
	if device.Name == "" {
		device.Name = fmt.Sprintf("SPI device at %s", config.Port)
	}

	return device
}

// probeAndUpdateDevice probes a device and updates its confidence if successful.
// Returns false when the device should be dropped from the results.
func probeAndUpdateDevice(
	ctx context.Context,
	config Config,
	device *detection.DeviceInfo,
	opts *detection.Options,
) bool {
	if opts.Mode == detection.Passive {
		return true
	}

	// Without a BUSY pin the handshake cannot run, so bus-scan entries
	// stay at low confidence rather than being probed.
	if config.BusyPin == "" {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	confirmed := probeSPIDeviceFn(probeCtx, config, opts.Mode)
	if confirmed {
		device.Confidence = detection.High
		return true
	}

	return false
}

// probeSPIDeviceFn allows tests to stub device probing.
var probeSPIDeviceFn = probeSPIDevice

// Detect searches for PN5180 devices on SPI buses
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	configs := gatherConfigs()
	if len(configs) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	var devices []detection.DeviceInfo

	// Test each configured device
	for _, config := range configs {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return devices, detection.ErrDetectionTimeout
		default:
		}

		// Skip explicitly ignored device paths
		if detection.IsPathIgnored(config.Port, opts.IgnorePaths) {
			continue
		}

		device := createDeviceInfo(config)

		if probeAndUpdateDevice(ctx, config, &device, opts) {
			devices = append(devices, device)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	return devices, nil
}

// loadConfigFile loads SPI configurations from a JSON file
func loadConfigFile() []Config {
	// Check multiple possible config locations
	configPaths := []string{
		"pn5180-spi.json",
		".pn5180-spi.json",
		filepath.Join(os.Getenv("HOME"), ".config", "pn5180", "spi.json"),
		"/etc/pn5180/spi.json",
	}

	for _, path := range configPaths {
		// #nosec G304 -- paths are hardcoded above, not user input
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var configs []Config
		if err := json.Unmarshal(data, &configs); err != nil {
			// Try single config format
			var config Config
			if err := json.Unmarshal(data, &config); err == nil {
				return []Config{config}
			}
			continue
		}

		return configs
	}

	return nil
}

// loadEnvConfig loads SPI configuration from environment variables
func loadEnvConfig() *Config {
	port := os.Getenv("PN5180_SPI_PORT")
	if port == "" {
		return nil
	}

	return &Config{
		Port:     port,
		Name:     "SPI device from environment",
		BusyPin:  os.Getenv("PN5180_SPI_BUSY_PIN"),
		ResetPin: os.Getenv("PN5180_SPI_RESET_PIN"),
		IRQPin:   os.Getenv("PN5180_SPI_IRQ_PIN"),
	}
}

// detectLinuxSPIDevices scans /dev/spidev* buses. Entries found this way
// carry no GPIO wiring, so they surface as unprobed candidates only.
func detectLinuxSPIDevices() []Config {
	var configs []Config

	matches, err := filepath.Glob("/dev/spidev*")
	if err != nil {
		return configs
	}

	for _, path := range matches {
		// Check if device exists and is accessible
		if _, err := os.Stat(path); err != nil {
			continue
		}

		configs = append(configs, Config{
			Port:     spidevPortName(path),
			Name:     fmt.Sprintf("SPI device %s", filepath.Base(path)),
			Metadata: map[string]string{"device": path},
		})
	}

	return configs
}

// spidevPortName converts a /dev/spidevB.C path to the canonical "SPIB.C"
// port name the bus registry resolves.
func spidevPortName(devPath string) string {
	base := filepath.Base(devPath)
	suffix := strings.TrimPrefix(base, "spidev")
	if suffix == base || suffix == "" {
		return devPath
	}
	return "SPI" + suffix
}

// deduplicateConfigs removes duplicate SPI configurations
func deduplicateConfigs(configs []Config) []Config {
	seen := make(map[string]bool)
	var unique []Config

	for _, config := range configs {
		if !seen[config.Port] {
			seen[config.Port] = true
			unique = append(unique, config)
		}
	}

	return unique
}

// probeSPIDevice attempts to verify a configured wiring drives a PN5180
func probeSPIDevice(ctx context.Context, config Config, mode detection.Mode) bool {
	transport, err := spi.New(spi.Config{
		Port:     config.Port,
		BusyPin:  config.BusyPin,
		ResetPin: config.ResetPin,
		IRQPin:   config.IRQPin,
	})
	if err != nil {
		return false
	}
	defer func() { _ = transport.Close() }()

	device, err := pn5180.New(transport)
	if err != nil {
		return false
	}

	if mode == detection.Full {
		return device.InitContext(ctx) == nil
	}

	_, err = device.GetFirmwareVersionContext(ctx)
	return err == nil
}
