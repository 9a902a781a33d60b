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

//nolint:paralleltest // Tests mutate process environment and probeSPIDeviceFn
package spi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZaparooProject/go-pn5180/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSPIProbe(t *testing.T, result bool) *int {
	t.Helper()
	origProbe := probeSPIDeviceFn
	t.Cleanup(func() { probeSPIDeviceFn = origProbe })

	calls := new(int)
	probeSPIDeviceFn = func(context.Context, Config, detection.Mode) bool {
		*calls++
		return result
	}
	return calls
}

func TestSpidevPortName(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"First bus first CS", "/dev/spidev0.0", "SPI0.0"},
		{"Second bus third CS", "/dev/spidev1.2", "SPI1.2"},
		{"Not a spidev path", "/dev/ttyUSB0", "/dev/ttyUSB0"},
		{"Bare spidev prefix", "/dev/spidev", "/dev/spidev"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, spidevPortName(tc.path))
		})
	}
}

func TestDeduplicateConfigs(t *testing.T) {
	configs := []Config{
		{Port: "SPI0.0", Name: "from config file", BusyPin: "GPIO25"},
		{Port: "SPI0.1"},
		{Port: "SPI0.0", Name: "from bus scan"},
	}

	unique := deduplicateConfigs(configs)
	require.Len(t, unique, 2)

	// First occurrence wins so explicit configs beat bus-scan entries
	assert.Equal(t, "from config file", unique[0].Name)
	assert.Equal(t, "GPIO25", unique[0].BusyPin)
	assert.Equal(t, "SPI0.1", unique[1].Port)
}

func TestCreateDeviceInfo(t *testing.T) {
	full := createDeviceInfo(Config{
		Port:     "SPI0.0",
		Name:     "front panel reader",
		BusyPin:  "GPIO25",
		ResetPin: "GPIO24",
		IRQPin:   "GPIO23",
		Metadata: map[string]string{"device": "/dev/spidev0.0"},
	})

	assert.Equal(t, "spi", full.Transport)
	assert.Equal(t, "SPI0.0", full.Path)
	assert.Equal(t, "front panel reader", full.Name)
	assert.Equal(t, detection.Low, full.Confidence)
	assert.Equal(t, "GPIO25", full.Metadata["busy_pin"])
	assert.Equal(t, "GPIO24", full.Metadata["reset_pin"])
	assert.Equal(t, "GPIO23", full.Metadata["irq_pin"])
	assert.Equal(t, "/dev/spidev0.0", full.Metadata["device"])

	bare := createDeviceInfo(Config{Port: "SPI1.0"})
	assert.Equal(t, "SPI device at SPI1.0", bare.Name)
	assert.Empty(t, bare.Metadata)
}

func TestLoadEnvConfig(t *testing.T) {
	t.Run("Unset", func(t *testing.T) {
		t.Setenv("PN5180_SPI_PORT", "")
		assert.Nil(t, loadEnvConfig())
	})

	t.Run("PortOnly", func(t *testing.T) {
		t.Setenv("PN5180_SPI_PORT", "SPI0.0")
		t.Setenv("PN5180_SPI_BUSY_PIN", "")
		t.Setenv("PN5180_SPI_RESET_PIN", "")
		t.Setenv("PN5180_SPI_IRQ_PIN", "")

		config := loadEnvConfig()
		require.NotNil(t, config)
		assert.Equal(t, "SPI0.0", config.Port)
		assert.Empty(t, config.BusyPin)
	})

	t.Run("FullWiring", func(t *testing.T) {
		t.Setenv("PN5180_SPI_PORT", "SPI0.0")
		t.Setenv("PN5180_SPI_BUSY_PIN", "GPIO25")
		t.Setenv("PN5180_SPI_RESET_PIN", "GPIO24")
		t.Setenv("PN5180_SPI_IRQ_PIN", "GPIO23")

		config := loadEnvConfig()
		require.NotNil(t, config)
		assert.Equal(t, "SPI0.0", config.Port)
		assert.Equal(t, "GPIO25", config.BusyPin)
		assert.Equal(t, "GPIO24", config.ResetPin)
		assert.Equal(t, "GPIO23", config.IRQPin)
	})
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("ArrayFormat", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		configDir := filepath.Join(home, ".config", "pn5180")
		require.NoError(t, os.MkdirAll(configDir, 0o755))

		data := `[{"port": "SPI0.0", "busy_pin": "GPIO25", "reset_pin": "GPIO24"}]`
		require.NoError(t, os.WriteFile(filepath.Join(configDir, "spi.json"), []byte(data), 0o600))

		configs := loadConfigFile()
		require.Len(t, configs, 1)
		assert.Equal(t, "SPI0.0", configs[0].Port)
		assert.Equal(t, "GPIO25", configs[0].BusyPin)
		assert.Equal(t, "GPIO24", configs[0].ResetPin)
	})

	t.Run("SingleObjectFormat", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		configDir := filepath.Join(home, ".config", "pn5180")
		require.NoError(t, os.MkdirAll(configDir, 0o755))

		data := `{"port": "SPI1.0", "busy_pin": "GPIO5", "name": "bench rig"}`
		require.NoError(t, os.WriteFile(filepath.Join(configDir, "spi.json"), []byte(data), 0o600))

		configs := loadConfigFile()
		require.Len(t, configs, 1)
		assert.Equal(t, "SPI1.0", configs[0].Port)
		assert.Equal(t, "bench rig", configs[0].Name)
	})
}

func TestProbeAndUpdateDevice(t *testing.T) {
	t.Run("PassiveSkipsProbe", func(t *testing.T) {
		calls := stubSPIProbe(t, false)

		config := Config{Port: "SPI0.0", BusyPin: "GPIO25"}
		device := createDeviceInfo(config)
		opts := &detection.Options{Mode: detection.Passive}

		kept := probeAndUpdateDevice(context.Background(), config, &device, opts)
		assert.True(t, kept)
		assert.Equal(t, detection.Low, device.Confidence)
		assert.Zero(t, *calls)
	})

	t.Run("NoBusyPinStaysLow", func(t *testing.T) {
		calls := stubSPIProbe(t, true)

		config := Config{Port: "SPI0.0"}
		device := createDeviceInfo(config)
		opts := &detection.Options{Mode: detection.Safe}

		kept := probeAndUpdateDevice(context.Background(), config, &device, opts)
		assert.True(t, kept)
		assert.Equal(t, detection.Low, device.Confidence)
		assert.Zero(t, *calls, "probing without a BUSY pin cannot work")
	})

	t.Run("ProbeSuccessRaisesConfidence", func(t *testing.T) {
		stubSPIProbe(t, true)

		config := Config{Port: "SPI0.0", BusyPin: "GPIO25"}
		device := createDeviceInfo(config)
		opts := &detection.Options{Mode: detection.Safe}

		kept := probeAndUpdateDevice(context.Background(), config, &device, opts)
		assert.True(t, kept)
		assert.Equal(t, detection.High, device.Confidence)
	})

	t.Run("ProbeFailureDropsDevice", func(t *testing.T) {
		stubSPIProbe(t, false)

		config := Config{Port: "SPI0.0", BusyPin: "GPIO25"}
		device := createDeviceInfo(config)
		opts := &detection.Options{Mode: detection.Safe}

		kept := probeAndUpdateDevice(context.Background(), config, &device, opts)
		assert.False(t, kept)
	})
}

func TestDetect_EnvConfiguredDevice(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PN5180_SPI_PORT", "SPI0.0")
	t.Setenv("PN5180_SPI_BUSY_PIN", "GPIO25")
	t.Setenv("PN5180_SPI_RESET_PIN", "")
	t.Setenv("PN5180_SPI_IRQ_PIN", "")

	det := &detector{}
	opts := &detection.Options{Mode: detection.Passive}

	devices, err := det.Detect(context.Background(), opts)
	require.NoError(t, err)

	// A bus scan may surface extra entries on hosts with real SPI
	// hardware, so look for the configured port rather than an
	// exact device count.
	var found *detection.DeviceInfo
	for i := range devices {
		if devices[i].Path == "SPI0.0" {
			found = &devices[i]
			break
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "spi", found.Transport)
	assert.Equal(t, "GPIO25", found.Metadata["busy_pin"])
}
