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

package uart

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	"github.com/ZaparooProject/go-pn5180/detection"
	"github.com/ZaparooProject/go-pn5180/transport/uart"
)

// detector implements the Detector interface for serial bridge devices.
type detector struct{}

// New creates a new UART detector
func New() detection.Detector {
	return &detector{}
}

// init registers the detector on package import
func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "uart"
}

// Detect searches for PN5180 bridges on serial ports
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.enumeratePorts()
	if err != nil {
		return nil, err
	}

	filteredPorts := d.filterPorts(ports, opts)
	devices := d.processPortsToDevices(ctx, filteredPorts, opts)

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	return devices, nil
}

// enumeratePorts gets the list of available serial ports
func (*detector) enumeratePorts() ([]portInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}

	if len(ports) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	return ports, nil
}

// filterPorts removes blocked devices from the port list
func (d *detector) filterPorts(ports []portInfo, opts *detection.Options) []portInfo {
	var filtered []portInfo
	for i := range ports {
		port := &ports[i]

		// Skip blocked adapters
		if port.VIDPID != "" && detection.IsBlocked(port.VIDPID, opts.Blocklist) {
			continue
		}

		// Skip explicitly ignored device paths
		if detection.IsPathIgnored(port.Path, opts.IgnorePaths) {
			continue
		}

		if d.shouldIncludePort(port) {
			filtered = append(filtered, *port)
		}
	}
	return filtered
}

// shouldIncludePort determines if a port is worth considering at all
func (d *detector) shouldIncludePort(port *portInfo) bool {
	if d.matchesGoodPatterns(port) {
		return true
	}

	// If no positive patterns match, fall back to the bridge heuristics
	return isLikelyPN5180(port)
}

// matchesGoodPatterns checks if the port matches known USB-serial adapter patterns
func (*detector) matchesGoodPatterns(port *portInfo) bool {
	// Known good path patterns for macOS (and other platforms)
	goodPatterns := []string{
		"usbserial",      // FTDI and similar USB-serial adapters
		"SLAB_USBtoUART", // Silicon Labs CP210x
		"usbmodem",       // CDC-ACM bridge boards
	}

	lowerPath := strings.ToLower(port.Path)
	for _, pattern := range goodPatterns {
		if strings.Contains(lowerPath, strings.ToLower(pattern)) {
			return true
		}
	}

	// Adapter chips commonly carrying a bridge MCU
	goodProducts := []string{
		"FT232", "CP210", "CH340", "PL2303", "Arduino", "USB Serial", "USB2.0-Serial",
	}

	lowerProduct := strings.ToLower(port.Product)
	for _, product := range goodProducts {
		if strings.Contains(lowerProduct, strings.ToLower(product)) {
			return true
		}
	}

	return false
}

// processPortsToDevices converts ports to device infos with probing
func (d *detector) processPortsToDevices(ctx context.Context, ports []portInfo,
	opts *detection.Options,
) []detection.DeviceInfo {
	var devices []detection.DeviceInfo

	for i := range ports {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return devices
		default:
		}

		device, shouldInclude := d.processPort(ctx, &ports[i], opts)
		if shouldInclude {
			devices = append(devices, device)
		}
	}

	return devices
}

// processPort handles a single port's detection logic
func (d *detector) processPort(ctx context.Context, port *portInfo,
	opts *detection.Options,
) (detection.DeviceInfo, bool) {
	confidence, shouldProbe := d.determinePortHandling(port, opts.Mode)

	// Skip port entirely if passive mode and not a likely bridge
	if opts.Mode == detection.Passive && confidence == 0 {
		return detection.DeviceInfo{}, false
	}

	device := d.createDeviceInfo(port, confidence)

	if shouldProbe {
		probeSuccess := d.probePortWithTimeout(ctx, port.Path, opts.Mode)
		if probeSuccess {
			device.Confidence = detection.High
		} else if opts.Mode == detection.Safe {
			// In safe mode, only report devices that answered the probe.
			// A matching adapter VID:PID is not enough: CH340-style
			// adapters are ubiquitous, and reporting silent ones blocks
			// detection of real bridges enumerating later.
			return detection.DeviceInfo{}, false
		}
	}

	return device, true
}

// determinePortHandling decides confidence level and whether to probe based on mode
func (*detector) determinePortHandling(port *portInfo, mode detection.Mode) (detection.Confidence, bool) {
	switch mode {
	case detection.Passive:
		if isLikelyPN5180(port) {
			return detection.Medium, false
		}
		return 0, false // Signal to skip this port

	case detection.Safe:
		if isLikelyPN5180(port) {
			return detection.Medium, true
		}
		return detection.Low, true

	case detection.Full:
		return detection.Low, true

	default:
		return detection.Low, false
	}
}

// createDeviceInfo builds a DeviceInfo struct from port data
func (d *detector) createDeviceInfo(port *portInfo, confidence detection.Confidence) detection.DeviceInfo {
	name := port.Product
	if name == "" {
		name = filepath.Base(port.Path)
	}

	device := detection.DeviceInfo{
		Transport:  "uart",
		Path:       port.Path,
		Name:       name,
		Confidence: confidence,
		Metadata:   make(map[string]string),
	}

	d.addPortMetadata(&device, port)
	return device
}

// addPortMetadata adds available port metadata to the device
func (*detector) addPortMetadata(device *detection.DeviceInfo, port *portInfo) {
	if port.VIDPID != "" {
		device.Metadata["vidpid"] = port.VIDPID
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.Serial != "" {
		device.Metadata["serial"] = port.Serial
	}
}

// probeDeviceFn allows tests to stub device probing.
var probeDeviceFn = probeDevice

// probePortWithTimeout performs device probing with timeout
func (*detector) probePortWithTimeout(ctx context.Context, path string, mode detection.Mode) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return probeDeviceFn(probeCtx, path, mode)
}

// isLikelyPN5180 checks if a serial port plausibly carries a PN5180 bridge
func isLikelyPN5180(port *portInfo) bool {
	// Adapter chips commonly found on PN5180 bridge boards
	knownBridges := []string{
		"067B:2303", // Prolific PL2303
		"0403:6001", // FTDI FT232
		"10C4:EA60", // Silicon Labs CP210x
		"1A86:7523", // QinHeng CH340
	}

	upperVIDPID := strings.ToUpper(port.VIDPID)
	for _, known := range knownBridges {
		if upperVIDPID == known {
			return true
		}
	}

	// Check product strings
	lowerProduct := strings.ToLower(port.Product)

	bridgeKeywords := []string{"pn5180", "nfc", "rfid", "13.56"}
	for _, keyword := range bridgeKeywords {
		if strings.Contains(lowerProduct, keyword) {
			return true
		}
	}

	return false
}

// probeDevice attempts to communicate with a device to verify it's a PN5180 bridge.
//
// NO RETRY POLICY: This function intentionally performs only a single attempt
// to communicate with each device. Retrying failed connections during auto-detection
// could overwhelm devices that are not actually PN5180 bridges, potentially causing:
// - Hardware stress on unrelated serial devices
// - Delayed detection process
// - Resource exhaustion on busy/restricted devices
//
// Connection retries are handled at the device level for known PN5180 paths,
// not during the auto-detection phase.
func probeDevice(ctx context.Context, path string, mode detection.Mode) bool {
	// Try to open the port (single attempt only)
	transport, err := uart.New(path)
	if err != nil {
		return false
	}
	defer func() { _ = transport.Close() }()

	// Create a device handle (single attempt only)
	device, err := pn5180.New(transport)
	if err != nil {
		return false
	}

	switch mode {
	case detection.Passive:
		// Passive mode doesn't probe
		return false

	case detection.Safe:
		// Just try to read the firmware version from EEPROM
		_, err := device.GetFirmwareVersionContext(ctx)
		return err == nil

	case detection.Full:
		// Try full initialization including a chip reset
		err := device.InitContext(ctx)
		return err == nil

	default:
		return false
	}
}
