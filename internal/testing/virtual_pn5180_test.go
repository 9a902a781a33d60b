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

package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enterISO14443A loads a type A RF configuration and switches the
// field on.
func enterISO14443A(t *testing.T, v *VirtualPN5180) {
	t.Helper()
	_, err := v.Exchange(chipCmdLoadRFConfig, []byte{0x00, 0x80})
	require.NoError(t, err)
	_, err = v.Exchange(chipCmdRFOn, nil)
	require.NoError(t, err)
}

// enterISO15693 loads a vicinity RF configuration and switches the
// field on.
func enterISO15693(t *testing.T, v *VirtualPN5180) {
	t.Helper()
	_, err := v.Exchange(chipCmdLoadRFConfig, []byte{txProfileISO15693ASK100, 0x8D})
	require.NoError(t, err)
	_, err = v.Exchange(chipCmdRFOn, nil)
	require.NoError(t, err)
}

// sendRF transmits one RF frame and returns the receive buffer.
func sendRF(t *testing.T, v *VirtualPN5180, validBits byte, frame ...byte) []byte {
	t.Helper()
	_, err := v.Exchange(chipCmdSendData, append([]byte{validBits}, frame...))
	require.NoError(t, err)
	resp, err := v.Exchange(chipCmdReadData, nil)
	require.NoError(t, err)
	return resp
}

// selectMIFARE1K walks a 4-byte UID tag through anticollision and
// select, leaving it in the data phase.
func selectMIFARE1K(t *testing.T, v *VirtualPN5180, uid []byte) {
	t.Helper()
	atqa := sendRF(t, v, 7, tagCmdREQA)
	require.Equal(t, []byte{0x04, 0x00}, atqa)

	ac := sendRF(t, v, 8, 0x93, 0x20)
	require.Len(t, ac, 5)
	require.Equal(t, uid, ac[:4])

	sak := sendRF(t, v, 8, append([]byte{0x93, 0x70}, ac...)...)
	require.Equal(t, []byte{0x08}, sak)
}

func TestRegisterOperations(t *testing.T) {
	t.Parallel()

	t.Run("WriteRead", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteRegister, []byte{regTXConfig, 0xBE, 0xBA, 0xFE, 0xCA})
		require.NoError(t, err)

		got, err := v.Exchange(chipCmdReadRegister, []byte{regTXConfig})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, got)

		// An untouched register reads as zero.
		got, err = v.Exchange(chipCmdReadRegister, []byte{0x29})
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 0, 0, 0}, got)
	})

	t.Run("OrAndMasks", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteRegister, []byte{regSystemConfig, 0xF0, 0x00, 0x00, 0x00})
		require.NoError(t, err)
		_, err = v.Exchange(chipCmdWriteRegisterOrMask, []byte{regSystemConfig, 0x0F, 0x00, 0x00, 0x00})
		require.NoError(t, err)

		got, err := v.Exchange(chipCmdReadRegister, []byte{regSystemConfig})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0x00, 0x00, 0x00}, got)

		_, err = v.Exchange(chipCmdWriteRegisterAndMask, []byte{regSystemConfig, 0x3C, 0x00, 0x00, 0x00})
		require.NoError(t, err)

		got, err = v.Exchange(chipCmdReadRegister, []byte{regSystemConfig})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x3C, 0x00, 0x00, 0x00}, got)
	})

	t.Run("Multiple", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteRegister, []byte{regSystemConfig, 0xF0, 0x00, 0x00, 0x00})
		require.NoError(t, err)

		// One plain write, one OR and one AND in a single command.
		batch := []byte{
			regTXConfig, 0x01, 0x0D, 0x00, 0x00, 0x00,
			regSystemConfig, 0x02, 0x0F, 0x00, 0x00, 0x00,
			regSystemConfig, 0x03, 0x1F, 0x00, 0x00, 0x00,
		}
		_, err = v.Exchange(chipCmdWriteRegisterMultiple, batch)
		require.NoError(t, err)

		got, err := v.Exchange(chipCmdReadRegisterMultiple, []byte{regTXConfig, regSystemConfig})
		require.NoError(t, err)
		require.Len(t, got, 8)
		assert.Equal(t, []byte{0x0D, 0x00, 0x00, 0x00}, got[0:4])
		assert.Equal(t, []byte{0x1F, 0x00, 0x00, 0x00}, got[4:8])
	})

	t.Run("Validation", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteRegister, []byte{regTXConfig, 0x01})
		require.Error(t, err)
		_, err = v.Exchange(chipCmdReadRegister, []byte{regTXConfig, 0x00})
		require.Error(t, err)
		_, err = v.Exchange(chipCmdWriteRegisterMultiple, []byte{regTXConfig, 0x00, 0x01})
		require.Error(t, err)
		_, err = v.Exchange(chipCmdWriteRegisterMultiple,
			[]byte{regTXConfig, 0x07, 0x01, 0x00, 0x00, 0x00})
		require.Error(t, err)
	})
}

func TestIRQRegisters(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()

	// The status register takes direct writes.
	_, err := v.Exchange(chipCmdWriteRegister, []byte{regIRQStatus, 0x07, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	got, err := v.Exchange(chipCmdReadRegister, []byte{regIRQStatus})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00}, got)

	// Writing the clear register knocks out the selected bits only.
	_, err = v.Exchange(chipCmdWriteRegister, []byte{regIRQClear, 0x05, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	got, err = v.Exchange(chipCmdReadRegister, []byte{regIRQStatus})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, got)
}

func TestRXStatusTracksReceiveBuffer(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualNTAG213(nil))
	enterISO14443A(t, v)

	got, err := v.Exchange(chipCmdReadRegister, []byte{regRXStatus})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, got)

	atqa := sendRF(t, v, 7, tagCmdREQA)
	require.Len(t, atqa, 2)

	got, err = v.Exchange(chipCmdReadRegister, []byte{regRXStatus})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, got)
}

func TestEEPROM(t *testing.T) {
	t.Parallel()

	t.Run("FactoryContent", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		die, err := v.Exchange(chipCmdReadEEPROM, []byte{eepromAddrDieID, 16})
		require.NoError(t, err)
		assert.Equal(t, DefaultDieID(), die)

		fw, err := v.Exchange(chipCmdReadEEPROM, []byte{eepromAddrFirmwareVersion, 2})
		require.NoError(t, err)
		assert.Equal(t, []byte{DefaultFirmwareMinor, DefaultFirmwareMajor}, fw)

		ee, err := v.Exchange(chipCmdReadEEPROM, []byte{eepromAddrEEPROMVersion, 2})
		require.NoError(t, err)
		assert.Equal(t, []byte{DefaultEEPROMMinor, DefaultEEPROMMajor}, ee)
	})

	t.Run("WriteReadBack", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteEEPROM, []byte{0x80, 0xDE, 0xAD, 0xBE, 0xEF})
		require.NoError(t, err)

		got, err := v.Exchange(chipCmdReadEEPROM, []byte{0x80, 4})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got)
	})

	t.Run("ReadClampsAtEnd", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		got, err := v.Exchange(chipCmdReadEEPROM, []byte{0xF8, 16})
		require.NoError(t, err)
		assert.Len(t, got, 8)
	})

	t.Run("SetFirmwareVersion", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.SetFirmwareVersion(5, 2)
		got, err := v.Exchange(chipCmdReadEEPROM, []byte{eepromAddrFirmwareVersion, 2})
		require.NoError(t, err)
		assert.Equal(t, []byte{2, 5}, got)
	})

	t.Run("Validation", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdWriteEEPROM, []byte{0x80})
		require.Error(t, err)
		_, err = v.Exchange(chipCmdReadEEPROM, []byte{0x80})
		require.Error(t, err)
		_, err = v.Exchange(chipCmdReadEEPROM, []byte{0x80, 4, 0x00})
		require.Error(t, err)
	})
}

func TestTransceiveShapesResponse(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()

	// Short natural responses are padded to the clocked length.
	got, err := v.Transceive(chipCmdReadEEPROM, []byte{eepromAddrFirmwareVersion, 2}, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{DefaultFirmwareMinor, DefaultFirmwareMajor, 0x00, 0x00}, got)

	// Long ones are truncated.
	got, err = v.Transceive(chipCmdReadEEPROM, []byte{eepromAddrDieID, 16}, 4)
	require.NoError(t, err)
	assert.Equal(t, DefaultDieID()[:4], got)

	// A write-only exchange clocks nothing out.
	got, err = v.Transceive(chipCmdRFOn, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransceiveContext(t *testing.T) {
	t.Parallel()

	t.Run("CancelledBeforeExchange", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := v.TransceiveWithContext(ctx, chipCmdReadEEPROM, []byte{0x00, 1}, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, v.GetCommandCount(chipCmdReadEEPROM))
	})

	t.Run("DeadlineDuringDelay", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.SetResponseDelay(200 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := v.TransceiveWithContext(ctx, chipCmdReadEEPROM, []byte{0x00, 1}, 1)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
	})
}

func TestInjectErrorIsOneShot(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	boom := errors.New("injected fault")
	v.InjectError(chipCmdRFOn, boom)

	_, err := v.Exchange(chipCmdRFOn, nil)
	require.ErrorIs(t, err, boom)
	assert.False(t, v.FieldOn())

	_, err = v.Exchange(chipCmdRFOn, nil)
	require.NoError(t, err)
	assert.True(t, v.FieldOn())

	// The failed attempt still counts as an exchanged command.
	assert.Equal(t, 2, v.GetCommandCount(chipCmdRFOn))
}

func TestCommandLog(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	params := []byte{0x80, 0xAB}
	_, err := v.Exchange(chipCmdWriteEEPROM, params)
	require.NoError(t, err)

	// The log keeps its own copy of the parameters.
	params[1] = 0xFF
	require.Len(t, v.CommandLog, 1)
	assert.Equal(t, byte(chipCmdWriteEEPROM), v.CommandLog[0].Opcode)
	assert.Equal(t, []byte{0x80, 0xAB}, v.CommandLog[0].Params)

	assert.True(t, v.HasCommand(chipCmdWriteEEPROM))
	assert.False(t, v.HasCommand(chipCmdRFOn))
	assert.Equal(t, 1, v.GetCommandCount(chipCmdWriteEEPROM))

	v.ClearCommandLog()
	assert.Empty(t, v.CommandLog)
	assert.Equal(t, 0, v.GetCommandCount(chipCmdWriteEEPROM))
}

func TestCloseStopsExchanges(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	assert.True(t, v.IsConnected())
	assert.Equal(t, TransportMock, v.Type())
	require.NoError(t, v.SetTimeout(time.Second))

	require.NoError(t, v.Close())
	assert.False(t, v.IsConnected())

	_, err := v.Exchange(chipCmdRFOn, nil)
	require.Error(t, err)
	// Nothing is logged once the transport is down.
	assert.Equal(t, 0, v.GetCommandCount(chipCmdRFOn))
}

func TestRFFieldLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("Counters", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		assert.False(t, v.FieldOn())

		_, err := v.Exchange(chipCmdRFOn, nil)
		require.NoError(t, err)
		_, err = v.Exchange(chipCmdRFOff, nil)
		require.NoError(t, err)
		_, err = v.Exchange(chipCmdRFOn, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, v.RFOnCount())
		assert.Equal(t, 1, v.RFOffCount())
		assert.True(t, v.FieldOn())
	})

	t.Run("NoFieldNoAnswer", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddTag(NewVirtualNTAG213(nil))
		_, err := v.Exchange(chipCmdLoadRFConfig, []byte{0x00, 0x80})
		require.NoError(t, err)

		// Field never switched on: the frame goes nowhere.
		assert.Empty(t, sendRF(t, v, 7, tagCmdREQA))
	})

	t.Run("RFOffDropsSelection", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddTag(NewVirtualMIFARE1K(nil))
		enterISO14443A(t, v)
		selectMIFARE1K(t, v, TestMIFARE1KUID)

		_, err := v.Exchange(chipCmdRFOff, nil)
		require.NoError(t, err)
		_, err = v.Exchange(chipCmdRFOn, nil)
		require.NoError(t, err)

		// The old selection is gone; the data phase stays silent.
		assert.Empty(t, sendRF(t, v, 8, tagCmdRead, 0x00))
	})
}

func TestHostReset(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualNTAG213(nil))
	enterISO14443A(t, v)
	sendRF(t, v, 7, tagCmdREQA)

	_, err := v.Exchange(chipCmdWriteRegister, []byte{regTXConfig, 0x0D, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	_, err = v.Exchange(hostCmdReset, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.ResetCount())
	assert.False(t, v.FieldOn())

	// Registers and the receive buffer are back to power-on state.
	got, err := v.Exchange(chipCmdReadRegister, []byte{regTXConfig})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, got)
	rx, err := v.Exchange(chipCmdReadData, nil)
	require.NoError(t, err)
	assert.Empty(t, rx)

	// EEPROM is non-volatile and survives.
	die, err := v.Exchange(chipCmdReadEEPROM, []byte{eepromAddrDieID, 16})
	require.NoError(t, err)
	assert.Equal(t, DefaultDieID(), die)
}

func TestIRQLineCommands(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()

	// A pending status bit alone does not raise the line.
	_, err := v.Exchange(chipCmdWriteRegister, []byte{regIRQStatus, 0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	got, err := v.Exchange(hostCmdIsIRQSet, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, got)

	// Enabling the matching source does.
	_, err = v.Exchange(chipCmdWriteRegister, []byte{regIRQEnable, 0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	got, err = v.Exchange(hostCmdIsIRQSet, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, got)

	got, err = v.Exchange(hostCmdWaitForIRQ, []byte{0xE8, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, got)

	// Clearing the status bit drops the line again.
	_, err = v.Exchange(chipCmdWriteRegister, []byte{regIRQClear, 0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	got, err = v.Exchange(hostCmdIsIRQSet, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, got)
}

func TestISO14443ACascadeSelection(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualNTAG213(nil))
	enterISO14443A(t, v)

	// REQA: a 7-byte UID tag announces the double-size UID in ATQA.
	atqa := sendRF(t, v, 7, tagCmdREQA)
	assert.Equal(t, []byte{0x44, 0x00}, atqa)

	// Cascade level 1 exposes the cascade tag and the first three UID
	// bytes.
	ac1 := sendRF(t, v, 8, 0x93, 0x20)
	assert.Equal(t, []byte{0x88, 0x04, 0x12, 0x34, 0xAA}, ac1)

	// Selecting level 1 answers with the cascade bit: more UID follows.
	sak1 := sendRF(t, v, 8, append([]byte{0x93, 0x70}, ac1...)...)
	assert.Equal(t, []byte{0x04}, sak1)

	ac2 := sendRF(t, v, 8, 0x95, 0x20)
	assert.Equal(t, []byte{0x56, 0x78, 0x9A, 0xBC, 0x08}, ac2)

	sak2 := sendRF(t, v, 8, append([]byte{0x95, 0x70}, ac2...)...)
	assert.Equal(t, []byte{0x00}, sak2)

	// Selection complete: the data phase reaches the tag.
	cc := sendRF(t, v, 8, tagCmdRead, 0x03)
	require.Len(t, cc, 16)
	assert.Equal(t, []byte{0xE1, 0x10, 0x12, 0x00}, cc[0:4])

	// An RX interrupt was raised for the non-empty answers.
	_, err := v.Exchange(chipCmdWriteRegister, []byte{regIRQEnable, 0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	irq, err := v.Exchange(hostCmdIsIRQSet, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, irq)
}

func TestISO14443ASingleCascadeSelection(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualMIFARE1K(nil))
	enterISO14443A(t, v)

	atqa := sendRF(t, v, 7, tagCmdREQA)
	assert.Equal(t, []byte{0x04, 0x00}, atqa)

	// A 4-byte UID fits into a single cascade level.
	ac := sendRF(t, v, 8, 0x93, 0x20)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x22}, ac)

	sak := sendRF(t, v, 8, append([]byte{0x93, 0x70}, ac...)...)
	assert.Equal(t, []byte{0x08}, sak)
}

func TestISO14443ASelectEchoMustMatch(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualMIFARE1K(nil))
	enterISO14443A(t, v)
	sendRF(t, v, 7, tagCmdREQA)

	// A select frame with the wrong UID bytes gets no answer.
	assert.Empty(t, sendRF(t, v, 8, 0x93, 0x70, 0x11, 0x22, 0x33, 0x44, 0x55))

	// The tag is still selectable with the right echo.
	ac := sendRF(t, v, 8, 0x93, 0x20)
	sak := sendRF(t, v, 8, append([]byte{0x93, 0x70}, ac...)...)
	assert.Equal(t, []byte{0x08}, sak)
}

func TestISO14443AHaltAndWake(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	v.AddTag(NewVirtualMIFARE1K(nil))
	enterISO14443A(t, v)
	selectMIFARE1K(t, v, TestMIFARE1KUID)

	// HLTA: the tag goes quiet.
	assert.Empty(t, sendRF(t, v, 8, tagCmdHalt, 0x00))

	// REQA no longer reaches it, WUPA does.
	assert.Empty(t, sendRF(t, v, 7, tagCmdREQA))
	assert.Equal(t, []byte{0x04, 0x00}, sendRF(t, v, 7, tagCmdWUPA))
}

func TestISO14443ACollision(t *testing.T) {
	t.Parallel()

	t.Run("TwoTagsGarbleBCC", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddTag(NewVirtualNTAG213(nil))
		v.AddTag(NewVirtualNTAG215(nil))
		enterISO14443A(t, v)
		sendRF(t, v, 7, tagCmdREQA)

		ac := sendRF(t, v, 8, 0x93, 0x20)
		require.Len(t, ac, 5)
		// Superposed answers: the check byte cannot match the chunk.
		assert.Equal(t, byte(0xFF), ac[4])
		assert.NotEqual(t, ac[0]^ac[1]^ac[2]^ac[3], ac[4])
	})

	t.Run("CorruptNextBCCIsOneShot", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddTag(NewVirtualNTAG213(nil))
		enterISO14443A(t, v)
		sendRF(t, v, 7, tagCmdREQA)

		v.CorruptNextBCC()
		ac := sendRF(t, v, 8, 0x93, 0x20)
		assert.Equal(t, []byte{0x88, 0x04, 0x12, 0x34, 0x55}, ac)

		ac = sendRF(t, v, 8, 0x93, 0x20)
		assert.Equal(t, []byte{0x88, 0x04, 0x12, 0x34, 0xAA}, ac)
	})
}

func TestMifareAuthenticateCommand(t *testing.T) {
	t.Parallel()

	factory := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	wrong := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	authParams := func(key []byte, block byte) []byte {
		params := append([]byte(nil), key...)
		params = append(params, VirtualKeyA, block)
		return append(params, TestMIFARE1KUID...)
	}

	t.Run("Granted", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		tag := NewVirtualMIFARE1K(nil)
		v.AddTag(tag)
		enterISO14443A(t, v)
		selectMIFARE1K(t, v, TestMIFARE1KUID)

		status, err := v.Exchange(chipCmdMifareAuthenticate, authParams(factory, 0x04))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00}, status)
		assert.Equal(t, 1, tag.AuthenticatedSector())

		// The authenticated data phase works end to end.
		block := sendRF(t, v, 8, tagCmdRead, 0x04)
		assert.Equal(t, make([]byte, 16), block)
	})

	t.Run("Denied", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		tag := NewVirtualMIFARE1K(nil)
		v.AddTag(tag)
		enterISO14443A(t, v)
		selectMIFARE1K(t, v, TestMIFARE1KUID)

		status, err := v.Exchange(chipCmdMifareAuthenticate, authParams(wrong, 0x04))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01}, status)
		assert.Equal(t, -1, tag.AuthenticatedSector())

		// No partial access leaks through after a refusal.
		assert.Empty(t, sendRF(t, v, 8, tagCmdRead, 0x04))
	})

	t.Run("NoTagSelected", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		status, err := v.Exchange(chipCmdMifareAuthenticate, authParams(factory, 0x04))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x02}, status)
	})

	t.Run("Validation", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		_, err := v.Exchange(chipCmdMifareAuthenticate, factory)
		require.Error(t, err)
	})
}

func TestISO15693Inventory(t *testing.T) {
	t.Parallel()

	// 16 EOF pulses walk all remaining timeslots.
	walkSlots := func(t *testing.T, v *VirtualPN5180, firstAnswer []byte) [][]byte {
		t.Helper()
		answers := [][]byte{firstAnswer}
		for range 15 {
			answers = append(answers, sendRF(t, v, 0))
		}
		return answers
	}

	t.Run("SlotZeroTagAnswersImmediately", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		uid := []byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56, 0x70}
		tag := NewVirtualISO15693(uid)
		v.AddISO15693Tag(tag)
		enterISO15693(t, v)

		resp := sendRF(t, v, 0, 0x06, 0x01, 0x00)
		require.Len(t, resp, 10)
		assert.Equal(t, byte(0x00), resp[0])
		assert.Equal(t, tag.WireUID(), resp[2:10])
	})

	t.Run("SlotWalkFindsLaterSlot", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		tag := NewVirtualISO15693(nil) // slot 8 with an empty mask
		v.AddISO15693Tag(tag)
		enterISO15693(t, v)

		answers := walkSlots(t, v, sendRF(t, v, 0, 0x06, 0x01, 0x00))
		for slot, answer := range answers {
			if slot == 8 {
				assert.Equal(t, tag.InventoryResponse(), answer)
				continue
			}
			assert.Empty(t, answer, "slot %d", slot)
		}

		// The walk is over; further EOF pulses stay silent.
		assert.Empty(t, sendRF(t, v, 0))
	})

	t.Run("MaskFiltersTags", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddISO15693Tag(NewVirtualISO15693(nil))
		enterISO15693(t, v)

		// Mask 0x78 over 8 bits matches the default UID.
		answers := walkSlots(t, v, sendRF(t, v, 0, 0x06, 0x01, 0x08, 0x78))
		found := 0
		for _, answer := range answers {
			if len(answer) == 10 {
				found++
			}
		}
		assert.Equal(t, 1, found)

		// Mask 0x77 does not.
		answers = walkSlots(t, v, sendRF(t, v, 0, 0x06, 0x01, 0x08, 0x77))
		for slot, answer := range answers {
			assert.Empty(t, answer, "slot %d", slot)
		}
	})

	t.Run("SameSlotCollisionGarbles", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		v.AddISO15693Tag(NewVirtualISO15693([]byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56, 0x70}))
		v.AddISO15693Tag(NewVirtualISO15693([]byte{0xE0, 0x04, 0x01, 0x00, 0xAA, 0xBB, 0xCC, 0x70}))
		enterISO15693(t, v)

		resp := sendRF(t, v, 0, 0x06, 0x01, 0x00)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, resp)
	})

	t.Run("AddressedCommandCancelsWalk", func(t *testing.T) {
		t.Parallel()

		v := NewVirtualPN5180()
		tag := NewVirtualISO15693(nil)
		v.AddISO15693Tag(tag)
		enterISO15693(t, v)

		sendRF(t, v, 0, 0x06, 0x01, 0x00)

		addressed := append([]byte{0x22, vicinityCmdReadSingle}, tag.WireUID()...)
		resp := sendRF(t, v, 0, append(addressed, 0x00)...)
		require.NotEmpty(t, resp)

		// The interrupted inventory does not resume on EOF.
		assert.Empty(t, sendRF(t, v, 0))
	})
}

func TestISO15693AddressedCommands(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	tag := NewVirtualISO15693(nil)
	v.AddISO15693Tag(tag)
	enterISO15693(t, v)

	addressed := func(cmd byte, params ...byte) []byte {
		frame := append([]byte{0x22, cmd}, tag.WireUID()...)
		return append(frame, params...)
	}

	// Write then read back one block.
	resp := sendRF(t, v, 0, addressed(vicinityCmdWriteSingle, 0x05, 0x11, 0x22, 0x33, 0x44)...)
	assert.Equal(t, []byte{0x00}, resp)

	resp = sendRF(t, v, 0, addressed(vicinityCmdReadSingle, 0x05)...)
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0x44}, resp)

	// System info travels over the same path.
	resp = sendRF(t, v, 0, addressed(vicinityCmdGetSystemInfo)...)
	require.Len(t, resp, 15)
	assert.Equal(t, tag.WireUID(), resp[2:10])

	// A frame addressed to an absent UID gets silence.
	other := []byte{0x22, vicinityCmdReadSingle, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0xE0, 0x00}
	assert.Empty(t, sendRF(t, v, 0, other...))

	// Stay quiet pulls the tag out of the next inventory.
	assert.Empty(t, sendRF(t, v, 0, addressed(vicinityCmdStayQuiet)...))
	assert.Empty(t, sendRF(t, v, 0, 0x06, 0x01, 0x00))
	for range 15 {
		assert.Empty(t, sendRF(t, v, 0))
	}
}

func TestSendDataValidation(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	_, err := v.Exchange(chipCmdSendData, nil)
	require.Error(t, err)
}

func TestUnknownOpcode(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	_, err := v.Exchange(0x7F, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x7F")
}

func TestWriteTXDataAndSwitchMode(t *testing.T) {
	t.Parallel()

	v := NewVirtualPN5180()
	_, err := v.Exchange(chipCmdWriteTXData, []byte{0x01, 0x02})
	require.NoError(t, err)
	_, err = v.Exchange(chipCmdSwitchMode, []byte{0x00})
	require.NoError(t, err)

	// The EPC family is accepted as a no-op surface.
	_, err = v.Exchange(chipCmdEPCInventory, nil)
	require.NoError(t, err)
	resp, err := v.Exchange(chipCmdEPCRetrieveResult, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, resp)
}
