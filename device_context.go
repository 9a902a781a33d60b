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

package pn5180

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// RegisterWrite is one entry of a WRITE_REGISTER_MULTIPLE command.
type RegisterWrite struct {
	Addr  byte
	Op    RegisterOp
	Value uint32
}

// InitContext initializes the device with context support: a frontend reset
// followed by the firmware version readout, which doubles as the liveness
// check for freshly opened transports.
func (d *Device) InitContext(ctx context.Context) error {
	if err := d.ResetContext(ctx); err != nil {
		return fmt.Errorf("initial reset failed: %w", err)
	}

	fw, err := d.GetFirmwareVersionContext(ctx)
	if err != nil {
		return fmt.Errorf("firmware readout failed: %w", err)
	}
	d.version = fw
	d.log.Debug().Str("firmware", fw.String()).Msg("frontend initialized")
	return nil
}

// ResetContext performs a hardware reset of the frontend
func (d *Device) ResetContext(ctx context.Context) error {
	_, err := d.exchange(ctx, CmdReset, nil, 0)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	return nil
}

// WriteRegisterContext overwrites a 32-bit register
func (d *Device) WriteRegisterContext(ctx context.Context, addr byte, value uint32) error {
	params := make([]byte, 5)
	params[0] = addr
	binary.LittleEndian.PutUint32(params[1:], value)
	if _, err := d.exchange(ctx, CmdWriteRegister, params, 0); err != nil {
		return fmt.Errorf("write register 0x%02X failed: %w", addr, err)
	}
	return nil
}

// WriteRegisterOrMaskContext ORs mask into a register
func (d *Device) WriteRegisterOrMaskContext(ctx context.Context, addr byte, mask uint32) error {
	params := make([]byte, 5)
	params[0] = addr
	binary.LittleEndian.PutUint32(params[1:], mask)
	if _, err := d.exchange(ctx, CmdWriteRegisterOrMask, params, 0); err != nil {
		return fmt.Errorf("write register OR mask 0x%02X failed: %w", addr, err)
	}
	return nil
}

// WriteRegisterAndMaskContext ANDs mask into a register
func (d *Device) WriteRegisterAndMaskContext(ctx context.Context, addr byte, mask uint32) error {
	params := make([]byte, 5)
	params[0] = addr
	binary.LittleEndian.PutUint32(params[1:], mask)
	if _, err := d.exchange(ctx, CmdWriteRegisterAndMask, params, 0); err != nil {
		return fmt.Errorf("write register AND mask 0x%02X failed: %w", addr, err)
	}
	return nil
}

// WriteRegisterMultipleContext applies up to 42 register writes in one command
func (d *Device) WriteRegisterMultipleContext(ctx context.Context, writes []RegisterWrite) error {
	if len(writes) == 0 {
		return fmt.Errorf("%w: no register writes given", ErrInvalidParameter)
	}
	if len(writes) > maxRegisterMultiple {
		return NewParameterError("WriteRegisterMultiple",
			fmt.Errorf("%w: %d writes exceeds limit of %d", ErrDataTooLarge, len(writes), maxRegisterMultiple))
	}
	params := make([]byte, 0, len(writes)*6)
	for _, w := range writes {
		switch w.Op {
		case RegisterOpSet, RegisterOpOr, RegisterOpAnd:
		default:
			return fmt.Errorf("%w: unknown register operation %d", ErrInvalidParameter, w.Op)
		}
		var value [4]byte
		binary.LittleEndian.PutUint32(value[:], w.Value)
		params = append(params, w.Addr, byte(w.Op))
		params = append(params, value[:]...)
	}
	if _, err := d.exchange(ctx, CmdWriteRegisterMultiple, params, 0); err != nil {
		return fmt.Errorf("write register multiple failed: %w", err)
	}
	return nil
}

// ReadRegisterContext reads a 32-bit register
func (d *Device) ReadRegisterContext(ctx context.Context, addr byte) (uint32, error) {
	resp, err := d.exchange(ctx, CmdReadRegister, []byte{addr}, 4)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%02X failed: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// ReadRegisterMultipleContext reads up to 18 registers in one command
func (d *Device) ReadRegisterMultipleContext(ctx context.Context, addrs []byte) ([]uint32, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no register addresses given", ErrInvalidParameter)
	}
	if len(addrs) > maxReadRegisterMultiple {
		return nil, NewParameterError("ReadRegisterMultiple",
			fmt.Errorf("%w: %d addresses exceeds limit of %d", ErrDataTooLarge, len(addrs), maxReadRegisterMultiple))
	}
	resp, err := d.exchange(ctx, CmdReadRegisterMultiple, addrs, len(addrs)*4)
	if err != nil {
		return nil, fmt.Errorf("read register multiple failed: %w", err)
	}
	values := make([]uint32, len(addrs))
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(resp[i*4:])
	}
	return values, nil
}

// WriteEEPROMContext writes up to 255 bytes of EEPROM
func (d *Device) WriteEEPROMContext(ctx context.Context, addr byte, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no EEPROM data given", ErrInvalidParameter)
	}
	if len(data) > maxEEPROMWrite {
		return NewParameterError("WriteEEPROM",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrDataTooLarge, len(data), maxEEPROMWrite))
	}
	if int(addr)+len(data) > 256 {
		return fmt.Errorf("%w: EEPROM write past end of memory", ErrInvalidParameter)
	}
	params := make([]byte, 0, len(data)+1)
	params = append(params, addr)
	params = append(params, data...)
	if _, err := d.exchange(ctx, CmdWriteEEPROM, params, 0); err != nil {
		return fmt.Errorf("write EEPROM at 0x%02X failed: %w", addr, err)
	}
	return nil
}

// ReadEEPROMContext reads n bytes of EEPROM
func (d *Device) ReadEEPROMContext(ctx context.Context, addr byte, n int) ([]byte, error) {
	if n <= 0 || n > maxEEPROMRead {
		return nil, fmt.Errorf("%w: EEPROM read length %d out of range", ErrInvalidParameter, n)
	}
	if int(addr)+n > 256 {
		return nil, fmt.Errorf("%w: EEPROM read past end of memory", ErrInvalidParameter)
	}
	resp, err := d.exchange(ctx, CmdReadEEPROM, []byte{addr, byte(n)}, n)
	if err != nil {
		return nil, fmt.Errorf("read EEPROM at 0x%02X failed: %w", addr, err)
	}
	return resp, nil
}

// WriteTXDataContext fills the transmit buffer without transmitting
func (d *Device) WriteTXDataContext(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no transmit data given", ErrInvalidParameter)
	}
	if len(data) > maxTransmitData {
		return NewParameterError("WriteTXData",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrDataTooLarge, len(data), maxTransmitData))
	}
	if _, err := d.exchange(ctx, CmdWriteTXData, data, 0); err != nil {
		return fmt.Errorf("write TX data failed: %w", err)
	}
	return nil
}

// SendDataContext transmits an RF frame. A zero-length frame is valid and
// transmits an EOF, which ISO15693 inventory uses to close a timeslot.
func (d *Device) SendDataContext(ctx context.Context, validBits byte, data []byte) error {
	if validBits > 7 {
		return fmt.Errorf("%w: valid bits must be 0-7, got %d", ErrInvalidParameter, validBits)
	}
	if len(data) > maxTransmitData {
		return NewParameterError("SendData",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrDataTooLarge, len(data), maxTransmitData))
	}
	params := make([]byte, 0, len(data)+1)
	params = append(params, validBits)
	params = append(params, data...)
	if _, err := d.exchange(ctx, CmdSendData, params, 0); err != nil {
		return fmt.Errorf("send data failed: %w", err)
	}
	return nil
}

// ReadDataContext reads up to 508 bytes from the receive buffer
func (d *Device) ReadDataContext(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: read length must be positive", ErrInvalidParameter)
	}
	if n > maxReceiveData {
		return nil, NewParameterError("ReadData",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrDataTooLarge, n, maxReceiveData))
	}
	resp, err := d.exchange(ctx, CmdReadData, []byte{0x00}, n)
	if err != nil {
		return nil, fmt.Errorf("read data failed: %w", err)
	}
	return resp, nil
}

// SwitchModeContext switches the frontend into standby, LPCD or autocoll
func (d *Device) SwitchModeContext(ctx context.Context, mode Mode, params []byte) error {
	switch mode {
	case ModeStandby, ModeLPCD, ModeAutocoll:
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidParameter, mode)
	}
	buf := make([]byte, 0, len(params)+1)
	buf = append(buf, byte(mode))
	buf = append(buf, params...)
	if _, err := d.exchange(ctx, CmdSwitchMode, buf, 0); err != nil {
		return fmt.Errorf("switch mode failed: %w", err)
	}
	return nil
}

// MifareAuthenticateContext runs the Classic authentication state machine
// for one block. uid is the 4-byte card UID packed little-endian.
func (d *Device) MifareAuthenticateContext(
	ctx context.Context, key []byte, keyType byte, block byte, uid uint32,
) (MifareAuthStatus, error) {
	if len(key) != mifareKeyLen {
		return 0, fmt.Errorf("%w: key must be exactly %d bytes", ErrInvalidParameter, mifareKeyLen)
	}
	if keyType != MifareKeyA && keyType != MifareKeyB {
		return 0, fmt.Errorf("%w: key type must be 0x60 or 0x61, got 0x%02X", ErrInvalidParameter, keyType)
	}
	params := make([]byte, 0, mifareKeyLen+6)
	params = append(params, key...)
	params = append(params, keyType, block)
	var uidLE [4]byte
	binary.LittleEndian.PutUint32(uidLE[:], uid)
	params = append(params, uidLE[:]...)

	resp, err := d.exchange(ctx, CmdMifareAuthenticate, params, 1)
	if err != nil {
		return 0, fmt.Errorf("mifare authenticate failed: %w", err)
	}
	status := MifareAuthStatus(resp[0])
	switch status {
	case MifareAuthOK, MifareAuthDenied, MifareAuthTimeout:
		return status, nil
	default:
		return 0, fmt.Errorf("%w: mifare authenticate status 0x%02X", ErrInvalidResponse, resp[0])
	}
}

// EPCInventoryContext starts the EPC inventory algorithm
func (d *Device) EPCInventoryContext(
	ctx context.Context, selectCmd []byte, finalBits byte, beginRound []byte, behavior TimeslotBehavior,
) error {
	if len(selectCmd) > maxEPCSelectLen {
		return NewParameterError("EPCInventory",
			fmt.Errorf("%w: select command %d bytes exceeds limit of %d",
				ErrDataTooLarge, len(selectCmd), maxEPCSelectLen))
	}
	if len(beginRound) != epcBeginRoundLen {
		return fmt.Errorf("%w: begin round must be exactly %d bytes", ErrInvalidParameter, epcBeginRoundLen)
	}
	switch behavior {
	case TimeslotMax, TimeslotSingle, TimeslotSingleWithHandle:
	default:
		return fmt.Errorf("%w: unknown timeslot behavior %d", ErrInvalidParameter, behavior)
	}
	params := make([]byte, 0, len(selectCmd)+6)
	params = append(params, byte(len(selectCmd)))
	params = append(params, selectCmd...)
	params = append(params, finalBits)
	params = append(params, beginRound...)
	params = append(params, byte(behavior))
	if _, err := d.exchange(ctx, CmdEPCInventory, params, 0); err != nil {
		return fmt.Errorf("EPC inventory failed: %w", err)
	}
	return nil
}

// EPCResumeInventoryContext continues a paused EPC inventory round
func (d *Device) EPCResumeInventoryContext(ctx context.Context) error {
	if _, err := d.exchange(ctx, CmdEPCResumeInventory, nil, 0); err != nil {
		return fmt.Errorf("EPC resume inventory failed: %w", err)
	}
	return nil
}

// EPCRetrieveInventoryResultSizeContext reports the pending EPC result size
func (d *Device) EPCRetrieveInventoryResultSizeContext(ctx context.Context) (int, error) {
	resp, err := d.exchange(ctx, CmdEPCRetrieveResultSize, nil, 2)
	if err != nil {
		return 0, fmt.Errorf("EPC retrieve result size failed: %w", err)
	}
	return int(binary.LittleEndian.Uint16(resp)), nil
}

// LoadRFConfigContext loads the transmitter and receiver RF configurations
func (d *Device) LoadRFConfigContext(ctx context.Context, tx TxConfig, rx RxConfig) error {
	if _, err := d.exchange(ctx, CmdLoadRFConfig, []byte{byte(tx), byte(rx)}, 0); err != nil {
		return fmt.Errorf("load RF config failed: %w", err)
	}
	return nil
}

// RFOnContext switches the RF field on
func (d *Device) RFOnContext(ctx context.Context, flags RFOnFlag) error {
	if _, err := d.exchange(ctx, CmdRFOn, []byte{byte(flags)}, 0); err != nil {
		return fmt.Errorf("RF on failed: %w", err)
	}
	return nil
}

// RFOffContext switches the RF field off
func (d *Device) RFOffContext(ctx context.Context) error {
	if _, err := d.exchange(ctx, CmdRFOff, []byte{0x00}, 0); err != nil {
		return fmt.Errorf("RF off failed: %w", err)
	}
	return nil
}

// IsIRQSetContext samples the IRQ line. Transports without an IRQ line fall
// back to comparing IRQ_STATUS against the enabled interrupt mask.
func (d *Device) IsIRQSetContext(ctx context.Context) (bool, error) {
	if d.hasCapability(CapabilityIRQLine) {
		resp, err := d.exchange(ctx, CmdIsIRQSet, nil, 1)
		if err != nil {
			return false, fmt.Errorf("IRQ query failed: %w", err)
		}
		return resp[0] != 0, nil
	}

	values, err := d.ReadRegisterMultipleContext(ctx, []byte{RegIRQStatus, RegIRQEnable})
	if err != nil {
		return false, fmt.Errorf("IRQ status fallback failed: %w", err)
	}
	return values[0]&values[1] != 0, nil
}

// WaitForIRQContext blocks until the IRQ line asserts or timeout passes. A
// non-positive timeout uses the device default. Returns false on timeout
// without error; timeouts here mean "no card answered", not a failure.
func (d *Device) WaitForIRQContext(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = d.config.Timeout
	}

	if d.hasCapability(CapabilityIRQLine) {
		ms := timeout.Milliseconds()
		if ms > 0xFFFF {
			ms = 0xFFFF
		}
		var params [2]byte
		binary.LittleEndian.PutUint16(params[:], uint16(ms))
		resp, err := d.exchange(ctx, CmdWaitForIRQ, params[:], 1)
		if err != nil {
			return false, fmt.Errorf("IRQ wait failed: %w", err)
		}
		return resp[0] != 0, nil
	}

	// Register polling fallback
	deadline := time.Now().Add(timeout)
	for {
		set, err := d.IsIRQSetContext(ctx)
		if err != nil {
			return false, err
		}
		if set {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(d.config.IRQPollInterval):
		}
	}
}

// RF helpers shared by the protocol engines.

// EnableCRC turns hardware CRC generation and checking on for both
// directions.
func (d *Device) EnableCRC() error {
	return d.EnableCRCContext(context.Background())
}

// EnableCRCContext turns hardware CRC on for both directions
func (d *Device) EnableCRCContext(ctx context.Context) error {
	if err := d.WriteRegisterOrMaskContext(ctx, RegCRCTXConfig, 0x00000001); err != nil {
		return err
	}
	return d.WriteRegisterOrMaskContext(ctx, RegCRCRXConfig, 0x00000001)
}

// DisableCRC turns hardware CRC off for both directions; anticollision
// frames carry no CRC.
func (d *Device) DisableCRC() error {
	return d.DisableCRCContext(context.Background())
}

// DisableCRCContext turns hardware CRC off for both directions
func (d *Device) DisableCRCContext(ctx context.Context) error {
	if err := d.WriteRegisterAndMaskContext(ctx, RegCRCTXConfig, 0xFFFFFFFE); err != nil {
		return err
	}
	return d.WriteRegisterAndMaskContext(ctx, RegCRCRXConfig, 0xFFFFFFFE)
}

// setTXCRC toggles CRC generation on the transmit side only
func (d *Device) setTXCRC(ctx context.Context, on bool) error {
	if on {
		return d.WriteRegisterOrMaskContext(ctx, RegCRCTXConfig, 0x00000001)
	}
	return d.WriteRegisterAndMaskContext(ctx, RegCRCTXConfig, 0xFFFFFFFE)
}

// setRXCRC toggles CRC checking on the receive side only
func (d *Device) setRXCRC(ctx context.Context, on bool) error {
	if on {
		return d.WriteRegisterOrMaskContext(ctx, RegCRCRXConfig, 0x00000001)
	}
	return d.WriteRegisterAndMaskContext(ctx, RegCRCRXConfig, 0xFFFFFFFE)
}

// EnterTransceiveMode arms the transceiver state machine
func (d *Device) EnterTransceiveMode() error {
	return d.EnterTransceiveModeContext(context.Background())
}

// EnterTransceiveModeContext idles the command state machine and starts a
// transceive cycle
func (d *Device) EnterTransceiveModeContext(ctx context.Context) error {
	if err := d.WriteRegisterAndMaskContext(ctx, RegSystemConfig, 0xFFFFFFF8); err != nil {
		return err
	}
	return d.WriteRegisterOrMaskContext(ctx, RegSystemConfig, 0x00000003)
}

// rxLength reads the number of bytes waiting in the receive buffer
func (d *Device) rxLength(ctx context.Context) (int, error) {
	status, err := d.ReadRegisterContext(ctx, RegRXStatus)
	if err != nil {
		return 0, err
	}
	return int(status & rxStatusLengthMask), nil
}

// TransceiveFrame transmits a frame and reads back whatever the card
// answered within the device timeout. An empty result means the card kept
// quiet.
func (d *Device) TransceiveFrame(validBits byte, data []byte) ([]byte, error) {
	return d.TransceiveFrameContext(context.Background(), validBits, data)
}

// TransceiveFrameContext transmits a frame and reads the card's answer
func (d *Device) TransceiveFrameContext(ctx context.Context, validBits byte, data []byte) ([]byte, error) {
	if err := d.SendDataContext(ctx, validBits, data); err != nil {
		return nil, err
	}
	n, err := d.rxLength(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.ReadDataContext(ctx, n)
}

// sendAndWaitForAck transmits a frame with TX CRC appended but no RX CRC
// checking, then reads the raw reply. Type 2 and Classic writes answer with
// a bare 4-bit ACK nibble that would never pass a CRC check, and the card
// may program EEPROM for several milliseconds before it answers, so the
// reply is awaited through the IRQ line rather than read back immediately.
func (d *Device) sendAndWaitForAck(ctx context.Context, data []byte) ([]byte, error) {
	if err := d.setTXCRC(ctx, true); err != nil {
		return nil, err
	}
	if err := d.setRXCRC(ctx, false); err != nil {
		return nil, err
	}
	if err := d.WriteRegisterContext(ctx, RegIRQClear, irqClearAll); err != nil {
		return nil, err
	}
	if err := d.WriteRegisterOrMaskContext(ctx, RegIRQEnable, irqRXDone); err != nil {
		return nil, err
	}
	if err := d.EnterTransceiveModeContext(ctx); err != nil {
		return nil, err
	}
	if err := d.SendDataContext(ctx, 0, data); err != nil {
		return nil, err
	}
	if _, err := d.WaitForIRQContext(ctx, d.config.Timeout); err != nil {
		return nil, err
	}
	n, err := d.rxLength(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.ReadDataContext(ctx, n)
}
