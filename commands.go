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

// PN5180 host interface command codes. These are the only opcodes a
// Transport will ever carry; anything else is rejected before it reaches
// the wire.
const (
	CmdWriteRegister          byte = 0x00
	CmdWriteRegisterOrMask    byte = 0x01
	CmdWriteRegisterAndMask   byte = 0x02
	CmdWriteRegisterMultiple  byte = 0x03
	CmdReadRegister           byte = 0x04
	CmdReadRegisterMultiple   byte = 0x05
	CmdWriteEEPROM            byte = 0x06
	CmdReadEEPROM             byte = 0x07
	CmdWriteTXData            byte = 0x08
	CmdSendData               byte = 0x09
	CmdReadData               byte = 0x0A
	CmdSwitchMode             byte = 0x0B
	CmdMifareAuthenticate     byte = 0x0C
	CmdEPCInventory           byte = 0x0D
	CmdEPCResumeInventory     byte = 0x0E
	CmdEPCRetrieveResultSize  byte = 0x0F
	CmdLoadRFConfig           byte = 0x11
	CmdRFOn                   byte = 0x16
	CmdRFOff                  byte = 0x17
)

// Host extension command codes. The PN5180 itself has no opcodes for these:
// on the SPI transport they map to the RESET_N and IRQ pins, on the serial
// bridge they are forwarded for the bridge firmware to handle.
const (
	CmdReset      byte = 0xF0
	CmdIsIRQSet   byte = 0xF1
	CmdWaitForIRQ byte = 0xF2
)

// Parameter limits imposed by the host interface. Violations fail host-side
// before any wire traffic.
const (
	maxRegisterMultiple     = 42  // register write tuples per WRITE_REGISTER_MULTIPLE
	maxReadRegisterMultiple = 18  // addresses per READ_REGISTER_MULTIPLE
	maxEEPROMWrite          = 255 // payload bytes per WRITE_EEPROM
	maxEEPROMRead           = 255 // bytes per READ_EEPROM
	maxTransmitData         = 260 // payload bytes per WRITE_TX_DATA / SEND_DATA
	maxReceiveData          = 508 // bytes per READ_DATA
	maxEPCSelectLen         = 39  // select command bytes for EPC_INVENTORY
	epcBeginRoundLen        = 3   // BeginRound is always exactly 3 bytes
	mifareKeyLen            = 6
)

// PN5180 register addresses.
const (
	RegSystemConfig       byte = 0
	RegIRQEnable          byte = 1
	RegIRQStatus          byte = 2
	RegIRQClear           byte = 3
	RegTransceiverConfig  byte = 4
	RegPadConfig          byte = 5
	RegPadOut             byte = 7
	RegTimer0Status       byte = 8
	RegTimer1Status       byte = 9
	RegTimer2Status       byte = 10
	RegTimer0Reload       byte = 11
	RegTimer1Reload       byte = 12
	RegTimer2Reload       byte = 13
	RegTimer0Config       byte = 14
	RegTimer1Config       byte = 15
	RegTimer2Config       byte = 16
	RegRXWaitConfig       byte = 17
	RegCRCRXConfig        byte = 18
	RegRXStatus           byte = 19
	RegTXUndershootConfig byte = 20
	RegTXOvershootConfig  byte = 21
	RegTXDataMod          byte = 22
	RegTXWaitConfig       byte = 23
	RegTXConfig           byte = 24
	RegCRCTXConfig        byte = 25
	RegSigproConfig       byte = 26
	RegSigproCMConfig     byte = 27
	RegSigproRMConfig     byte = 28
	RegRFStatus           byte = 29
	RegAGCConfig          byte = 30
	RegAGCValue           byte = 31
	RegRFControlTX        byte = 32
	RegRFControlTXClk     byte = 33
	RegRFControlRX        byte = 34
	RegLDControl          byte = 35
	RegSystemStatus       byte = 36
	RegTempControl        byte = 37
	RegCheckCardResult    byte = 38
	RegDPCConfig          byte = 39
	RegEMDControl         byte = 40
	RegAntControl         byte = 41
)

// rxStatusLengthMask extracts the received byte count from RX_STATUS.
const rxStatusLengthMask = 0x1FF

// IRQ register masks.
const (
	// irqRXDone flags a finished reception in IRQ_STATUS / IRQ_ENABLE.
	irqRXDone uint32 = 0x00000001
	// irqClearAll acknowledges every pending IRQ source.
	irqClearAll uint32 = 0x000FFFFF
)

// RegisterOp selects how WRITE_REGISTER_MULTIPLE applies a value.
type RegisterOp byte

const (
	// RegisterOpSet overwrites the register with the value.
	RegisterOpSet RegisterOp = 1
	// RegisterOpOr ORs the value into the register.
	RegisterOpOr RegisterOp = 2
	// RegisterOpAnd ANDs the value into the register.
	RegisterOpAnd RegisterOp = 3
)

// Mode is a SWITCH_MODE target state.
type Mode byte

const (
	// ModeStandby powers most of the chip down until a wake-up condition.
	ModeStandby Mode = 0
	// ModeLPCD runs low-power card detection with a wake-up interval.
	ModeLPCD Mode = 1
	// ModeAutocoll lets the chip act as a passive target.
	ModeAutocoll Mode = 2
)

// RFOnFlag modifies RF_ON behavior.
type RFOnFlag byte

const (
	// RFOnNoCollisionAvoidance skips initial RF collision avoidance.
	RFOnNoCollisionAvoidance RFOnFlag = 0x01
	// RFOnActiveCommunication enables active communication mode.
	RFOnActiveCommunication RFOnFlag = 0x02
)

// MIFARE Classic key selectors for MIFARE_AUTHENTICATE.
const (
	MifareKeyA byte = 0x60
	MifareKeyB byte = 0x61
)

// MifareAuthStatus is the chip's answer to MIFARE_AUTHENTICATE.
type MifareAuthStatus byte

const (
	// MifareAuthOK means the card accepted the key.
	MifareAuthOK MifareAuthStatus = 0
	// MifareAuthDenied means the card rejected the key.
	MifareAuthDenied MifareAuthStatus = 1
	// MifareAuthTimeout means the card stopped answering.
	MifareAuthTimeout MifareAuthStatus = 2
)

// TimeslotBehavior picks how EPC_INVENTORY fills timeslots.
type TimeslotBehavior byte

const (
	// TimeslotMax packs as many timeslots as fit into the response.
	TimeslotMax TimeslotBehavior = 0
	// TimeslotSingle returns a single timeslot per call.
	TimeslotSingle TimeslotBehavior = 1
	// TimeslotSingleWithHandle returns one timeslot plus the card handle.
	TimeslotSingleWithHandle TimeslotBehavior = 2
)

// Type 2 / MIFARE 4-bit acknowledge handling. After a write the card answers
// with a single nibble: 0xA acknowledges, anything else rejects, silence is
// reported as ackMissing.
const (
	ackNibble  byte = 0x0A
	ackMask    byte = 0x0F
	ackMissing byte = 0xFF
)

// TxConfig selects a transmitter RF configuration for LOAD_RF_CONFIG.
type TxConfig byte

// Transmitter configurations.
const (
	TxISO14443A106 TxConfig = 0x00
	TxISO14443A212 TxConfig = 0x01
	TxISO14443A424 TxConfig = 0x02
	TxISO14443A848 TxConfig = 0x03

	TxISO14443B106 TxConfig = 0x04
	TxISO14443B212 TxConfig = 0x05
	TxISO14443B424 TxConfig = 0x06
	TxISO14443B848 TxConfig = 0x07

	TxNFCPI106 TxConfig = 0x00
	TxNFCPI212 TxConfig = 0x08
	TxNFCPI424 TxConfig = 0x09

	TxFeliCa212 TxConfig = 0x08
	TxFeliCa424 TxConfig = 0x09

	TxNFCActiveInitiator106 TxConfig = 0x0A
	TxNFCActiveInitiator212 TxConfig = 0x0B
	TxNFCActiveInitiator424 TxConfig = 0x0C

	TxISO15693ASK100 TxConfig = 0x0D
	TxISO15693ASK10  TxConfig = 0x0E

	TxISO18003M3Manch424x4      TxConfig = 0x0F
	TxISO18003M3Manch424x2      TxConfig = 0x10
	TxISO18003M3Manch848x4      TxConfig = 0x11
	TxISO18003M3Manch848x2      TxConfig = 0x12
	TxISO18003M3Manch424x4At106 TxConfig = 0x13

	TxISO14443APICC212 TxConfig = 0x14
	TxISO14443APICC424 TxConfig = 0x15
	TxISO14443APICC848 TxConfig = 0x16

	TxNFCPassiveTarget212 TxConfig = 0x17
	TxNFCPassiveTarget424 TxConfig = 0x18

	TxNFCActiveTarget106 TxConfig = 0x19
	TxNFCActiveTarget212 TxConfig = 0x1A
	TxNFCActiveTarget424 TxConfig = 0x1B

	TxGTM TxConfig = 0x1C
)

// RxConfig selects a receiver RF configuration for LOAD_RF_CONFIG.
type RxConfig byte

// Receiver configurations.
const (
	RxISO14443A106 RxConfig = 0x80
	RxISO14443A212 RxConfig = 0x81
	RxISO14443A424 RxConfig = 0x82
	RxISO14443A848 RxConfig = 0x83

	RxISO14443B106 RxConfig = 0x84
	RxISO14443B212 RxConfig = 0x85
	RxISO14443B424 RxConfig = 0x86
	RxISO14443B848 RxConfig = 0x87

	RxNFCPI106 RxConfig = 0x80
	RxNFCPI212 RxConfig = 0x88
	RxNFCPI424 RxConfig = 0x89

	RxFeliCa212 RxConfig = 0x88
	RxFeliCa424 RxConfig = 0x89

	RxNFCActiveInitiator106 RxConfig = 0x8A
	RxNFCActiveInitiator212 RxConfig = 0x8B
	RxNFCActiveInitiator424 RxConfig = 0x8C

	RxISO15693At26 RxConfig = 0x8D
	RxISO15693At53 RxConfig = 0x8E

	RxISO18003M3Manch424x4 RxConfig = 0x8F
	RxISO18003M3Manch424x2 RxConfig = 0x90
	RxISO18003M3Manch848x4 RxConfig = 0x91
	RxISO18003M3Manch848x2 RxConfig = 0x92

	RxISO14443APICC106 RxConfig = 0x93
	RxISO14443APICC212 RxConfig = 0x94
	RxISO14443APICC424 RxConfig = 0x95
	RxISO14443APICC848 RxConfig = 0x96

	RxNFCPassiveTarget212 RxConfig = 0x97
	RxNFCPassiveTarget424 RxConfig = 0x98

	RxISO14443A106II RxConfig = 0x99
	RxISO14443A212II RxConfig = 0x9A
	RxISO14443A424II RxConfig = 0x9B

	RxGTM RxConfig = 0x9C
)
