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
	"testing"
	"time"

	testutil "github.com/ZaparooProject/go-pn5180/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transport Transport
		wantErr   error
		name      string
		opts      []Option
	}{
		{
			name:      "Valid_MockTransport",
			transport: NewMockTransport(),
		},
		{
			name:      "With_Options",
			transport: NewMockTransport(),
			opts: []Option{
				WithTimeout(2 * time.Second),
				WithIRQPollInterval(5 * time.Millisecond),
				WithRetryConfig(DefaultRetryConfig()),
			},
		},
		{
			name:      "Zero_Timeout",
			transport: NewMockTransport(),
			opts:      []Option{WithTimeout(0)},
			wantErr:   ErrInvalidParameter,
		},
		{
			name:      "Negative_Poll_Interval",
			transport: NewMockTransport(),
			opts:      []Option{WithIRQPollInterval(-time.Millisecond)},
			wantErr:   ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			device, err := New(tt.transport, tt.opts...)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, device)
			assert.Equal(t, tt.transport, device.Transport())
		})
	}
}

func TestDefaultDeviceConfig(t *testing.T) {
	t.Parallel()

	config := DefaultDeviceConfig()
	require.NotNil(t, config)
	assert.Equal(t, time.Second, config.Timeout)
	assert.Equal(t, 10*time.Millisecond, config.IRQPollInterval)
	require.NotNil(t, config.RetryConfig)
	assert.Equal(t, 3, config.RetryConfig.MaxAttempts)
}

func TestDevice_InitContext(t *testing.T) {
	t.Parallel()

	device, chip := createVirtualDevice(t)
	require.Nil(t, device.FirmwareVersion())

	err := device.InitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, chip.ResetCount())

	version := device.FirmwareVersion()
	require.NotNil(t, version)
	assert.Equal(t, testutil.DefaultProductMajor, version.ProductMajor)
	assert.Equal(t, testutil.DefaultProductMinor, version.ProductMinor)
	assert.Equal(t, testutil.DefaultFirmwareMajor, version.FirmwareMajor)
	assert.Equal(t, testutil.DefaultFirmwareMinor, version.FirmwareMinor)
	assert.Equal(t, testutil.DefaultEEPROMMajor, version.EEPROMMajor)
	assert.Equal(t, testutil.DefaultEEPROMMinor, version.EEPROMMinor)
	assert.Equal(t, "product 4.0, firmware 4.1, eeprom 145.0", version.String())
}

func TestDevice_GetFirmwareVersionContext(t *testing.T) {
	t.Parallel()

	device, chip := createVirtualDevice(t)
	chip.SetFirmwareVersion(3, 9)

	version, err := device.GetFirmwareVersionContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(3), version.FirmwareMajor)
	assert.Equal(t, byte(9), version.FirmwareMinor)
}

func TestDevice_DieID(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	id, err := device.DieID()
	require.NoError(t, err)
	require.Len(t, id, 16)
	assert.Equal(t, testutil.DefaultDieID(), id)
}

func TestDevice_RegisterRoundTrip(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	require.NoError(t, device.WriteRegister(RegTXConfig, 0x12345678))
	value, err := device.ReadRegister(RegTXConfig)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), value)

	require.NoError(t, device.WriteRegisterOrMask(RegTXConfig, 0x81))
	value, err = device.ReadRegister(RegTXConfig)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123456F9), value)

	require.NoError(t, device.WriteRegisterAndMask(RegTXConfig, 0xFFFF0000))
	value, err = device.ReadRegister(RegTXConfig)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12340000), value)
}

func TestDevice_WriteRegisterMultiple(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	writes := []RegisterWrite{
		{Addr: RegAGCConfig, Op: RegisterOpSet, Value: 0xAABBCCDD},
		{Addr: RegAGCValue, Op: RegisterOpSet, Value: 0x00000001},
		{Addr: RegAGCValue, Op: RegisterOpOr, Value: 0x00000004},
	}
	require.NoError(t, device.WriteRegisterMultiple(writes))

	values, err := device.ReadRegisterMultiple([]byte{RegAGCConfig, RegAGCValue})
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, uint32(0xAABBCCDD), values[0])
	assert.Equal(t, uint32(0x00000005), values[1])
}

func TestDevice_EEPROMRoundTrip(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, device.WriteEEPROM(0xA0, data))

	got, err := device.ReadEEPROM(0xA0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDevice_RegisterWireFormat(t *testing.T) {
	t.Parallel()

	device, mock := createMockDevice(t)

	// Register values travel as 32-bit little endian words after the
	// address byte.
	require.NoError(t, device.WriteRegister(RegTXConfig, 0x12345678))
	assert.Equal(t, []byte{RegTXConfig, 0x78, 0x56, 0x34, 0x12}, mock.GetLastParams(CmdWriteRegister))

	mock.SetResponse(CmdReadRegister, []byte{0x78, 0x56, 0x34, 0x12})
	value, err := device.ReadRegister(RegRFStatus)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), value)
	assert.Equal(t, []byte{RegRFStatus}, mock.GetLastParams(CmdReadRegister))
}

func TestDevice_Exchange_ShortResponse(t *testing.T) {
	t.Parallel()

	device, mock := createMockDevice(t)
	mock.SetResponse(CmdReadRegister, []byte{0x01, 0x02})

	_, err := device.ReadRegister(RegRFStatus)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Contains(t, err.Error(), "got 2 of 4 bytes")
}

func TestDevice_ParameterLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		run     func(*Device) error
		wantErr error
		name    string
		opcode  byte
	}{
		{
			name:    "WriteRegisterMultiple_Empty",
			run:     func(d *Device) error { return d.WriteRegisterMultiple(nil) },
			opcode:  CmdWriteRegisterMultiple,
			wantErr: ErrInvalidParameter,
		},
		{
			name: "WriteRegisterMultiple_TooMany",
			run: func(d *Device) error {
				writes := make([]RegisterWrite, 43)
				for i := range writes {
					writes[i] = RegisterWrite{Addr: RegTXConfig, Op: RegisterOpSet}
				}
				return d.WriteRegisterMultiple(writes)
			},
			opcode:  CmdWriteRegisterMultiple,
			wantErr: ErrDataTooLarge,
		},
		{
			name: "WriteRegisterMultiple_UnknownOp",
			run: func(d *Device) error {
				return d.WriteRegisterMultiple([]RegisterWrite{{Addr: RegTXConfig, Op: RegisterOp(9)}})
			},
			opcode:  CmdWriteRegisterMultiple,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "ReadRegisterMultiple_Empty",
			run:     func(d *Device) error { _, err := d.ReadRegisterMultiple(nil); return err },
			opcode:  CmdReadRegisterMultiple,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "ReadRegisterMultiple_TooMany",
			run:     func(d *Device) error { _, err := d.ReadRegisterMultiple(make([]byte, 19)); return err },
			opcode:  CmdReadRegisterMultiple,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "WriteEEPROM_Empty",
			run:     func(d *Device) error { return d.WriteEEPROM(0, nil) },
			opcode:  CmdWriteEEPROM,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "WriteEEPROM_PastEnd",
			run:     func(d *Device) error { return d.WriteEEPROM(0xF0, make([]byte, 17)) },
			opcode:  CmdWriteEEPROM,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "ReadEEPROM_ZeroLength",
			run:     func(d *Device) error { _, err := d.ReadEEPROM(0, 0); return err },
			opcode:  CmdReadEEPROM,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "ReadEEPROM_PastEnd",
			run:     func(d *Device) error { _, err := d.ReadEEPROM(0xFF, 2); return err },
			opcode:  CmdReadEEPROM,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "WriteTXData_Empty",
			run:     func(d *Device) error { return d.WriteTXData(nil) },
			opcode:  CmdWriteTXData,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "WriteTXData_TooLarge",
			run:     func(d *Device) error { return d.WriteTXData(make([]byte, 261)) },
			opcode:  CmdWriteTXData,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "SendData_InvalidValidBits",
			run:     func(d *Device) error { return d.SendData(8, []byte{0x26}) },
			opcode:  CmdSendData,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "SendData_TooLarge",
			run:     func(d *Device) error { return d.SendData(0, make([]byte, 261)) },
			opcode:  CmdSendData,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "ReadData_ZeroLength",
			run:     func(d *Device) error { _, err := d.ReadData(0); return err },
			opcode:  CmdReadData,
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "ReadData_TooLarge",
			run:     func(d *Device) error { _, err := d.ReadData(509); return err },
			opcode:  CmdReadData,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "SwitchMode_Unknown",
			run:     func(d *Device) error { return d.SwitchMode(Mode(7), nil) },
			opcode:  CmdSwitchMode,
			wantErr: ErrInvalidParameter,
		},
		{
			name: "MifareAuthenticate_ShortKey",
			run: func(d *Device) error {
				_, err := d.MifareAuthenticate([]byte{1, 2, 3, 4, 5}, MifareKeyA, 4, 0)
				return err
			},
			opcode:  CmdMifareAuthenticate,
			wantErr: ErrInvalidParameter,
		},
		{
			name: "MifareAuthenticate_UnknownKeyType",
			run: func(d *Device) error {
				_, err := d.MifareAuthenticate(make([]byte, 6), 0x62, 4, 0)
				return err
			},
			opcode:  CmdMifareAuthenticate,
			wantErr: ErrInvalidParameter,
		},
		{
			name: "EPCInventory_SelectTooLong",
			run: func(d *Device) error {
				return d.EPCInventory(make([]byte, 40), 0, []byte{0, 0, 0}, TimeslotMax)
			},
			opcode:  CmdEPCInventory,
			wantErr: ErrDataTooLarge,
		},
		{
			name: "EPCInventory_ShortBeginRound",
			run: func(d *Device) error {
				return d.EPCInventory(nil, 0, []byte{0, 0}, TimeslotMax)
			},
			opcode:  CmdEPCInventory,
			wantErr: ErrInvalidParameter,
		},
		{
			name: "EPCInventory_UnknownBehavior",
			run: func(d *Device) error {
				return d.EPCInventory(nil, 0, []byte{0, 0, 0}, TimeslotBehavior(9))
			},
			opcode:  CmdEPCInventory,
			wantErr: ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			device, mock := createMockDevice(t)

			err := tt.run(device)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, mock.GetCallCount(tt.opcode),
				"invalid arguments must be rejected before any wire traffic")
		})
	}
}

func TestDevice_ParameterLimits_Boundaries(t *testing.T) {
	t.Parallel()

	device, mock := createMockDevice(t)

	writes := make([]RegisterWrite, 42)
	for i := range writes {
		writes[i] = RegisterWrite{Addr: RegTXConfig, Op: RegisterOpSet}
	}
	require.NoError(t, device.WriteRegisterMultiple(writes))
	assert.Equal(t, 1, mock.GetCallCount(CmdWriteRegisterMultiple))

	_, err := device.ReadRegisterMultiple(make([]byte, 18))
	require.NoError(t, err)

	require.NoError(t, device.WriteTXData(make([]byte, 260)))

	// An EOF frame carries no payload at all.
	require.NoError(t, device.SendData(0, nil))

	data, err := device.ReadData(508)
	require.NoError(t, err)
	assert.Len(t, data, 508)

	require.NoError(t, device.WriteEEPROM(0xF0, make([]byte, 16)))
}

func TestDevice_MifareAuthenticate_WireFormat(t *testing.T) {
	t.Parallel()

	device, mock := createMockDevice(t)

	key := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	status, err := device.MifareAuthenticate(key, MifareKeyA, 0x07, 0xAABBCCDD)
	require.NoError(t, err)
	assert.Equal(t, MifareAuthOK, status)

	params := mock.GetLastParams(CmdMifareAuthenticate)
	require.Len(t, params, 12)
	assert.Equal(t, key, params[:6])
	assert.Equal(t, MifareKeyA, params[6])
	assert.Equal(t, byte(0x07), params[7])
	assert.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, params[8:12])
}

func TestDevice_MifareAuthenticate_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response []byte
		want     MifareAuthStatus
		wantErr  bool
	}{
		{name: "OK", response: []byte{0x00}, want: MifareAuthOK},
		{name: "Denied", response: []byte{0x01}, want: MifareAuthDenied},
		{name: "Timeout", response: []byte{0x02}, want: MifareAuthTimeout},
		{name: "Unknown_Code", response: []byte{0x03}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			device, mock := createMockDevice(t)
			mock.SetResponse(CmdMifareAuthenticate, tt.response)

			status, err := device.MifareAuthenticate(
				[]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, MifareKeyB, 4, 0)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDevice_IsIRQSet(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	set, err := device.IsIRQSet()
	require.NoError(t, err)
	assert.False(t, set)

	// Only enabled sources count.
	require.NoError(t, device.WriteRegister(RegIRQEnable, 0x0F))
	require.NoError(t, device.WriteRegister(RegIRQStatus, 0x01))
	set, err = device.IsIRQSet()
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, device.WriteRegister(RegIRQClear, 0x01))
	set, err = device.IsIRQSet()
	require.NoError(t, err)
	assert.False(t, set)
}

func TestDevice_WaitForIRQ(t *testing.T) {
	t.Parallel()

	device, _ := createVirtualDevice(t)

	start := time.Now()
	set, err := device.WaitForIRQ(30 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, set)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	require.NoError(t, device.WriteRegister(RegIRQEnable, 0xFF))
	require.NoError(t, device.WriteRegister(RegIRQStatus, 0x04))

	set, err = device.WaitForIRQ(100 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestDevice_Reset(t *testing.T) {
	t.Parallel()

	device, chip := createVirtualDevice(t)

	require.NoError(t, device.WriteRegister(RegTXConfig, 0x1234))
	require.NoError(t, device.Reset())
	assert.Equal(t, 1, chip.ResetCount())

	value, err := device.ReadRegister(RegTXConfig)
	require.NoError(t, err)
	assert.Zero(t, value)
}

func TestDevice_Close(t *testing.T) {
	t.Parallel()

	device, _ := createMockDevice(t)
	require.NoError(t, device.Close())

	err := device.WriteRegister(RegTXConfig, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestDevice_SetTimeout(t *testing.T) {
	t.Parallel()

	device, _ := createMockDevice(t)
	require.NoError(t, device.SetTimeout(50*time.Millisecond))
	device.SetRetryConfig(DefaultRetryConfig())
}
