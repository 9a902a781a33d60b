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

// Package testing provides test doubles for the PN5180 stack: virtual
// tags, an opcode-level chip simulator and a serial bridge simulator.
//
// VirtualPN5180 simulates the frontend at the host command level. It
// models the register file, EEPROM, receive buffer and IRQ status, and
// dispatches transmitted RF frames to virtual tags, so the full
// selection, authentication and memory paths can run against it
// without hardware.
package testing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
)

// Host interface opcodes, as documented in the PN5180 data sheet
// section 11.4 plus the reset/IRQ extensions bridges implement.
const (
	chipCmdWriteRegister         = 0x00
	chipCmdWriteRegisterOrMask   = 0x01
	chipCmdWriteRegisterAndMask  = 0x02
	chipCmdWriteRegisterMultiple = 0x03
	chipCmdReadRegister          = 0x04
	chipCmdReadRegisterMultiple  = 0x05
	chipCmdWriteEEPROM           = 0x06
	chipCmdReadEEPROM            = 0x07
	chipCmdWriteTXData           = 0x08
	chipCmdSendData              = 0x09
	chipCmdReadData              = 0x0A
	chipCmdSwitchMode            = 0x0B
	chipCmdMifareAuthenticate    = 0x0C
	chipCmdEPCInventory          = 0x0D
	chipCmdEPCResumeInventory    = 0x0E
	chipCmdEPCRetrieveResult     = 0x0F
	chipCmdLoadRFConfig          = 0x11
	chipCmdRFOn                  = 0x16
	chipCmdRFOff                 = 0x17

	hostCmdReset      = 0xF0
	hostCmdIsIRQSet   = 0xF1
	hostCmdWaitForIRQ = 0xF2
)

// Register addresses the simulator models
const (
	regSystemConfig = 0x00
	regIRQEnable    = 0x01
	regIRQStatus    = 0x02
	regIRQClear     = 0x03
	regRXStatus     = 0x13
	regTXConfig     = 0x18
)

const (
	simIRQRXDone       = 0x00000001
	simRXStatusLenMask = 0x1FF
)

// RF transmitter configurations that put the frontend into ISO15693
// mode; everything else is treated as ISO14443-A.
const (
	txProfileISO15693ASK100 = 0x0D
	txProfileISO15693ASK10  = 0x0E
)

// TransportType mirrors the root package's transport type to avoid an
// import cycle with in-package tests. Callers wrap the simulator with
// a one-method adapter where real interface compliance is needed.
type TransportType string

// TransportMock identifies the simulated transport
const TransportMock TransportType = "mock"

// CommandLogEntry records one host command sent to the simulator
type CommandLogEntry struct {
	Timestamp time.Time
	Params    []byte
	Opcode    byte
}

// VirtualPN5180 simulates a PN5180 frontend. It exposes the same
// Transceive surface a transport does, so the Device layer can run
// against it unmodified.
type VirtualPN5180 struct {
	registers    map[byte]uint32
	injectErrors map[byte]error
	calls        map[byte]int

	tags         []*VirtualTag
	vicinityTags []*VirtualISO15693Tag
	awake        []*VirtualTag
	selected     *VirtualTag

	inventorySlots  [16][]*VirtualISO15693Tag
	CommandLog      []CommandLogEntry
	rxBuffer        []byte
	txData          []byte
	eeprom          [256]byte
	irqStatus       uint32
	inventorySlot   int
	rfOnCount       int
	rfOffCount      int
	resetCount      int
	responseDelay   time.Duration
	timeout         time.Duration
	mu              syncutil.Mutex
	txConfig        byte
	rxConfig        byte
	fieldOn         bool
	inventoryActive bool
	corruptNextBCC  bool
	closed          bool
}

// NewVirtualPN5180 creates a powered-on simulator with no tags in the
// field and factory EEPROM content.
func NewVirtualPN5180() *VirtualPN5180 {
	v := &VirtualPN5180{
		registers:    make(map[byte]uint32),
		injectErrors: make(map[byte]error),
		calls:        make(map[byte]int),
		timeout:      time.Second,
		eeprom:       factoryEEPROM(),
	}
	return v
}

// Transceive sends a host command and reads back respLen bytes.
func (v *VirtualPN5180) Transceive(opcode byte, params []byte, respLen int) ([]byte, error) {
	return v.TransceiveWithContext(context.Background(), opcode, params, respLen)
}

// TransceiveWithContext sends a host command with context support.
func (v *VirtualPN5180) TransceiveWithContext(
	ctx context.Context, opcode byte, params []byte, respLen int,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transceive cancelled: %w", err)
	}

	v.mu.Lock()
	delay := v.responseDelay
	v.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transceive cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	resp, err := v.exchangeLocked(opcode, params)
	if err != nil {
		return nil, err
	}
	return shapeResponse(resp, respLen), nil
}

// Exchange runs one host command and returns the chip's natural
// response, without shaping it to a clocked byte count. The serial
// bridge simulator uses this; SPI-shaped exchanges go through
// Transceive.
func (v *VirtualPN5180) Exchange(opcode byte, params []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exchangeLocked(opcode, params)
}

func (v *VirtualPN5180) exchangeLocked(opcode byte, params []byte) ([]byte, error) {
	if v.closed {
		return nil, errors.New("transport closed")
	}

	v.calls[opcode]++
	v.CommandLog = append(v.CommandLog, CommandLogEntry{
		Opcode:    opcode,
		Params:    append([]byte(nil), params...),
		Timestamp: time.Now(),
	})

	if err, ok := v.injectErrors[opcode]; ok {
		delete(v.injectErrors, opcode)
		return nil, err
	}

	return v.dispatch(opcode, params)
}

// shapeResponse pads or truncates to the byte count the host clocks
// out, the way a real SPI exchange would.
func shapeResponse(resp []byte, respLen int) []byte {
	if respLen <= 0 {
		return nil
	}
	out := make([]byte, respLen)
	copy(out, resp)
	return out
}

// Close marks the simulator disconnected.
func (v *VirtualPN5180) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// SetTimeout stores the handshake timeout.
func (v *VirtualPN5180) SetTimeout(timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeout = timeout
	return nil
}

// IsConnected reports whether Close has been called.
func (v *VirtualPN5180) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

// Type identifies the simulated transport.
func (*VirtualPN5180) Type() TransportType {
	return TransportMock
}

// Test setup and inspection

// AddTag puts an ISO14443-A tag into the field.
func (v *VirtualPN5180) AddTag(tag *VirtualTag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tags = append(v.tags, tag)
}

// SetTag replaces all ISO14443-A tags with a single one.
func (v *VirtualPN5180) SetTag(tag *VirtualTag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tags = []*VirtualTag{tag}
	v.awake = nil
	v.selected = nil
}

// AddISO15693Tag puts a vicinity tag into the field.
func (v *VirtualPN5180) AddISO15693Tag(tag *VirtualISO15693Tag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vicinityTags = append(v.vicinityTags, tag)
}

// RemoveAllTags clears the field.
func (v *VirtualPN5180) RemoveAllTags() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tags = nil
	v.vicinityTags = nil
	v.awake = nil
	v.selected = nil
	v.inventoryActive = false
}

// CorruptNextBCC makes the next anticollision response carry a wrong
// check byte.
func (v *VirtualPN5180) CorruptNextBCC() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.corruptNextBCC = true
}

// InjectError fails the next occurrence of the given opcode with err.
func (v *VirtualPN5180) InjectError(opcode byte, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectErrors[opcode] = err
}

// SetResponseDelay delays every exchange, for context cancellation
// tests.
func (v *VirtualPN5180) SetResponseDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responseDelay = d
}

// SetFirmwareVersion rewrites the firmware version pair in EEPROM.
func (v *VirtualPN5180) SetFirmwareVersion(major, minor byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.eeprom[eepromAddrFirmwareVersion] = minor
	v.eeprom[eepromAddrFirmwareVersion+1] = major
}

// RFOnCount returns how many times the field was switched on.
func (v *VirtualPN5180) RFOnCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rfOnCount
}

// RFOffCount returns how many times the field was switched off.
func (v *VirtualPN5180) RFOffCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rfOffCount
}

// ResetCount returns how many reset commands arrived.
func (v *VirtualPN5180) ResetCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resetCount
}

// FieldOn reports whether the RF field is currently on.
func (v *VirtualPN5180) FieldOn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fieldOn
}

// GetCommandCount returns how many times an opcode was exchanged.
func (v *VirtualPN5180) GetCommandCount(opcode byte) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[opcode]
}

// HasCommand reports whether an opcode was exchanged at least once.
func (v *VirtualPN5180) HasCommand(opcode byte) bool {
	return v.GetCommandCount(opcode) > 0
}

// Commands returns a snapshot of the recorded command history.
func (v *VirtualPN5180) Commands() []CommandLogEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]CommandLogEntry, len(v.CommandLog))
	copy(out, v.CommandLog)
	return out
}

// ClearCommandLog drops the recorded history.
func (v *VirtualPN5180) ClearCommandLog() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CommandLog = nil
	v.calls = make(map[byte]int)
}

// Command dispatch

func (v *VirtualPN5180) dispatch(opcode byte, params []byte) ([]byte, error) {
	switch opcode {
	case chipCmdWriteRegister:
		if len(params) != 5 {
			return nil, fmt.Errorf("write register: %d params", len(params))
		}
		v.writeRegister(params[0], binary.LittleEndian.Uint32(params[1:]))
		return nil, nil
	case chipCmdWriteRegisterOrMask:
		if len(params) != 5 {
			return nil, fmt.Errorf("write register OR: %d params", len(params))
		}
		v.writeRegister(params[0], v.readRegister(params[0])|binary.LittleEndian.Uint32(params[1:]))
		return nil, nil
	case chipCmdWriteRegisterAndMask:
		if len(params) != 5 {
			return nil, fmt.Errorf("write register AND: %d params", len(params))
		}
		v.writeRegister(params[0], v.readRegister(params[0])&binary.LittleEndian.Uint32(params[1:]))
		return nil, nil
	case chipCmdWriteRegisterMultiple:
		return nil, v.writeRegisterMultiple(params)
	case chipCmdReadRegister:
		if len(params) != 1 {
			return nil, fmt.Errorf("read register: %d params", len(params))
		}
		var out [4]byte
		binary.LittleEndian.PutUint32(out[:], v.readRegister(params[0]))
		return out[:], nil
	case chipCmdReadRegisterMultiple:
		out := make([]byte, 0, len(params)*4)
		for _, addr := range params {
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], v.readRegister(addr))
			out = append(out, word[:]...)
		}
		return out, nil
	case chipCmdWriteEEPROM:
		if len(params) < 2 {
			return nil, errors.New("EEPROM write too short")
		}
		copy(v.eeprom[params[0]:], params[1:])
		return nil, nil
	case chipCmdReadEEPROM:
		if len(params) != 2 {
			return nil, fmt.Errorf("EEPROM read: %d params", len(params))
		}
		start := int(params[0])
		end := start + int(params[1])
		if end > len(v.eeprom) {
			end = len(v.eeprom)
		}
		return v.eeprom[start:end], nil
	case chipCmdWriteTXData:
		v.txData = append([]byte(nil), params...)
		return nil, nil
	case chipCmdSendData:
		if len(params) < 1 {
			return nil, errors.New("send data without valid bits")
		}
		v.transmit(params[0], params[1:])
		return nil, nil
	case chipCmdReadData:
		return v.rxBuffer, nil
	case chipCmdSwitchMode:
		return nil, nil
	case chipCmdMifareAuthenticate:
		return v.mifareAuthenticate(params)
	case chipCmdEPCInventory, chipCmdEPCResumeInventory:
		return nil, nil
	case chipCmdEPCRetrieveResult:
		return []byte{0x00, 0x00}, nil
	case chipCmdLoadRFConfig:
		if len(params) != 2 {
			return nil, fmt.Errorf("load RF config: %d params", len(params))
		}
		v.txConfig = params[0]
		v.rxConfig = params[1]
		return nil, nil
	case chipCmdRFOn:
		v.fieldOn = true
		v.rfOnCount++
		return nil, nil
	case chipCmdRFOff:
		v.fieldOn = false
		v.rfOffCount++
		v.awake = nil
		v.selected = nil
		v.inventoryActive = false
		return nil, nil
	case hostCmdReset:
		v.resetState()
		v.resetCount++
		return nil, nil
	case hostCmdIsIRQSet:
		if v.irqLine() {
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil
	case hostCmdWaitForIRQ:
		if v.irqLine() {
			return []byte{0x01}, nil
		}
		return []byte{0x00}, nil
	default:
		return nil, fmt.Errorf("unknown opcode 0x%02X", opcode)
	}
}

func (v *VirtualPN5180) resetState() {
	v.registers = make(map[byte]uint32)
	v.rxBuffer = nil
	v.txData = nil
	v.irqStatus = 0
	v.fieldOn = false
	v.awake = nil
	v.selected = nil
	v.inventoryActive = false
}

func (v *VirtualPN5180) writeRegister(addr byte, value uint32) {
	if addr == regIRQClear {
		v.irqStatus &^= value
		return
	}
	if addr == regIRQStatus {
		v.irqStatus = value
		return
	}
	v.registers[addr] = value
}

func (v *VirtualPN5180) readRegister(addr byte) uint32 {
	switch addr {
	case regIRQStatus:
		return v.irqStatus
	case regRXStatus:
		return uint32(len(v.rxBuffer)) & simRXStatusLenMask
	default:
		return v.registers[addr]
	}
}

func (v *VirtualPN5180) writeRegisterMultiple(params []byte) error {
	if len(params) == 0 || len(params)%6 != 0 {
		return fmt.Errorf("write register multiple: %d params", len(params))
	}
	for i := 0; i < len(params); i += 6 {
		addr := params[i]
		op := params[i+1]
		value := binary.LittleEndian.Uint32(params[i+2:])
		switch op {
		case 0x01:
			v.writeRegister(addr, value)
		case 0x02:
			v.writeRegister(addr, v.readRegister(addr)|value)
		case 0x03:
			v.writeRegister(addr, v.readRegister(addr)&value)
		default:
			return fmt.Errorf("write register multiple: bad op 0x%02X", op)
		}
	}
	return nil
}

func (v *VirtualPN5180) irqLine() bool {
	return v.irqStatus&v.registers[regIRQEnable] != 0
}

// RF frame dispatch

func (v *VirtualPN5180) transmit(validBits byte, frame []byte) {
	v.rxBuffer = nil
	if !v.fieldOn {
		return
	}

	if v.txConfig == txProfileISO15693ASK100 || v.txConfig == txProfileISO15693ASK10 {
		v.rxBuffer = v.dispatchISO15693(frame)
	} else {
		v.rxBuffer = v.dispatchISO14443A(validBits, frame)
	}

	if len(v.rxBuffer) > 0 {
		v.irqStatus |= simIRQRXDone
	}
}

func (v *VirtualPN5180) dispatchISO14443A(validBits byte, frame []byte) []byte {
	if len(frame) == 0 {
		return nil
	}

	// Short frame: REQA or WUPA.
	if validBits == 7 && len(frame) == 1 {
		return v.wake(frame[0])
	}

	// Anticollision and select frames.
	if len(frame) >= 2 {
		level := -1
		switch frame[0] {
		case 0x93:
			level = 0
		case 0x95:
			level = 1
		case 0x97:
			level = 2
		}
		if level >= 0 {
			switch frame[1] {
			case 0x20:
				return v.anticollision(level)
			case 0x70:
				return v.selectLevel(level, frame[2:])
			}
		}
	}

	// Data phase goes to the selected tag.
	if v.selected == nil {
		return nil
	}
	return v.selected.Respond(frame)
}

func (v *VirtualPN5180) wake(cmd byte) []byte {
	v.awake = nil
	v.selected = nil
	for _, tag := range v.tags {
		if !tag.Present {
			continue
		}
		if tag.halted && cmd != tagCmdWUPA {
			continue
		}
		tag.ResetAuthentication()
		v.awake = append(v.awake, tag)
	}
	if len(v.awake) == 0 {
		return nil
	}
	if cmd != tagCmdREQA && cmd != tagCmdWUPA {
		return nil
	}
	return v.awake[0].ATQA()
}

// cascadeLevels returns how many cascade levels a tag's UID spans.
func cascadeLevels(tag *VirtualTag) int {
	switch len(tag.UID) {
	case 10:
		return 3
	case 7:
		return 2
	default:
		return 1
	}
}

// uidChunk returns the 4 UID bytes a cascade level exposes. Incomplete
// levels carry the 0x88 cascade tag plus three UID bytes.
func uidChunk(tag *VirtualTag, level int) []byte {
	switch len(tag.UID) {
	case 10:
		switch level {
		case 0:
			return []byte{0x88, tag.UID[0], tag.UID[1], tag.UID[2]}
		case 1:
			return []byte{0x88, tag.UID[3], tag.UID[4], tag.UID[5]}
		default:
			return tag.UID[6:10]
		}
	case 7:
		if level == 0 {
			return []byte{0x88, tag.UID[0], tag.UID[1], tag.UID[2]}
		}
		return tag.UID[3:7]
	default:
		return tag.UID[:4]
	}
}

func (v *VirtualPN5180) anticollision(level int) []byte {
	if len(v.awake) == 0 {
		return nil
	}

	chunk := append([]byte(nil), uidChunk(v.awake[0], level)...)
	bcc := chunk[0] ^ chunk[1] ^ chunk[2] ^ chunk[3]

	// With several tags answering at once the superposed waveforms
	// produce a response whose check byte cannot match.
	if len(v.awake) > 1 {
		bcc ^= 0x55
	}
	if v.corruptNextBCC {
		bcc ^= 0xFF
		v.corruptNextBCC = false
	}
	return append(chunk, bcc)
}

func (v *VirtualPN5180) selectLevel(level int, echo []byte) []byte {
	if len(v.awake) == 0 || len(echo) < 5 {
		return nil
	}
	tag := v.awake[0]
	chunk := uidChunk(tag, level)
	bcc := chunk[0] ^ chunk[1] ^ chunk[2] ^ chunk[3]
	if !bytesEqual(echo[:4], chunk) || echo[4] != bcc {
		return nil
	}

	if level < cascadeLevels(tag)-1 {
		return []byte{0x04} // cascade bit: more UID to come
	}
	v.selected = tag
	return []byte{tag.SAK()}
}

func (v *VirtualPN5180) mifareAuthenticate(params []byte) ([]byte, error) {
	if len(params) != 12 {
		return nil, fmt.Errorf("mifare authenticate: %d params", len(params))
	}
	key := params[0:6]
	keyType := params[6]
	block := int(params[7])

	tag := v.selected
	if tag == nil || !tag.Present || !tag.IsClassic() {
		return []byte{0x02}, nil // timeout: nobody answered
	}
	if err := tag.Authenticate(block, keyType, key); err != nil {
		return []byte{0x01}, nil // denied
	}
	return []byte{0x00}, nil
}

// ISO15693 dispatch

func (v *VirtualPN5180) dispatchISO15693(frame []byte) []byte {
	// An empty frame is the EOF that closes an inventory timeslot.
	if len(frame) == 0 {
		if !v.inventoryActive {
			return nil
		}
		v.inventorySlot++
		if v.inventorySlot >= len(v.inventorySlots) {
			v.inventoryActive = false
			return nil
		}
		return v.slotAnswer(v.inventorySlot)
	}

	flags := frame[0]

	if flags&0x04 != 0 {
		return v.startInventory(frame)
	}

	v.inventoryActive = false

	if flags&0x20 != 0 {
		// Addressed command: flags, command, 8 UID bytes LSB first.
		if len(frame) < 10 {
			return nil
		}
		cmd := frame[1]
		wireUID := frame[2:10]
		for _, tag := range v.vicinityTags {
			if bytesEqual(tag.WireUID(), wireUID) {
				return tag.Respond(cmd, frame[10:])
			}
		}
		return nil
	}
	return nil
}

func (v *VirtualPN5180) startInventory(frame []byte) []byte {
	// Inventory frame: flags, command 0x01, mask length in bits, mask
	// bytes LSB first.
	if len(frame) < 3 || frame[1] != 0x01 {
		return nil
	}
	maskLen := uint(frame[2])
	maskBytes := frame[3:]
	var bits uint64
	for i, b := range maskBytes {
		if i >= 8 {
			break
		}
		bits |= uint64(b) << (8 * i)
	}

	for i := range v.inventorySlots {
		v.inventorySlots[i] = nil
	}
	for _, tag := range v.vicinityTags {
		if !tag.MatchesMask(bits, maskLen) {
			continue
		}
		slot := tag.SlotFor(maskLen)
		v.inventorySlots[slot] = append(v.inventorySlots[slot], tag)
	}

	v.inventoryActive = true
	v.inventorySlot = 0
	return v.slotAnswer(0)
}

func (v *VirtualPN5180) slotAnswer(slot int) []byte {
	tags := v.inventorySlots[slot]
	switch len(tags) {
	case 0:
		return nil
	case 1:
		return tags[0].InventoryResponse()
	default:
		// Colliding answers come out garbled.
		return []byte{0xFF, 0xFF, 0xFF}
	}
}
