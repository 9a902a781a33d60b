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

package testing

// Factory EEPROM content the simulated frontend boots with. Tests
// assert against these values instead of repeating magic bytes.

// EEPROM addresses of the identification area.
const (
	eepromAddrDieID           = 0x00
	eepromAddrProductVersion  = 0x10
	eepromAddrFirmwareVersion = 0x12
	eepromAddrEEPROMVersion   = 0x14
)

// Version pairs the simulator reports, minor byte stored first.
const (
	DefaultProductMajor  byte = 4
	DefaultProductMinor  byte = 0
	DefaultFirmwareMajor byte = 4
	DefaultFirmwareMinor byte = 1
	DefaultEEPROMMajor   byte = 145
	DefaultEEPROMMinor   byte = 0
)

var defaultDieID = [16]byte{
	0xA5, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
	0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E,
}

// DefaultDieID returns the 16-byte die identifier of a factory-fresh
// simulator.
func DefaultDieID() []byte {
	id := defaultDieID
	return id[:]
}

// factoryEEPROM builds the boot-time EEPROM image.
func factoryEEPROM() [256]byte {
	var e [256]byte
	copy(e[eepromAddrDieID:], defaultDieID[:])
	e[eepromAddrProductVersion] = DefaultProductMinor
	e[eepromAddrProductVersion+1] = DefaultProductMajor
	e[eepromAddrFirmwareVersion] = DefaultFirmwareMinor
	e[eepromAddrFirmwareVersion+1] = DefaultFirmwareMajor
	e[eepromAddrEEPROMVersion] = DefaultEEPROMMinor
	e[eepromAddrEEPROMVersion+1] = DefaultEEPROMMajor
	return e
}
