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
	"fmt"
)

// Well-known EEPROM addresses.
const (
	eepromDieID           byte = 0x00 // 16 bytes
	eepromProductVersion  byte = 0x10 // 2 bytes, minor then major
	eepromFirmwareVersion byte = 0x12 // 2 bytes, minor then major
	eepromEEPROMVersion   byte = 0x14 // 2 bytes, minor then major
)

// FirmwareVersion groups the three version pairs the frontend stores in
// EEPROM.
type FirmwareVersion struct {
	ProductMajor  byte
	ProductMinor  byte
	FirmwareMajor byte
	FirmwareMinor byte
	EEPROMMajor   byte
	EEPROMMinor   byte
}

// String renders the versions the way NXP documents them, major.minor.
func (v *FirmwareVersion) String() string {
	return fmt.Sprintf("product %d.%d, firmware %d.%d, eeprom %d.%d",
		v.ProductMajor, v.ProductMinor,
		v.FirmwareMajor, v.FirmwareMinor,
		v.EEPROMMajor, v.EEPROMMinor)
}

// GetFirmwareVersion reads the product, firmware and EEPROM versions
func (d *Device) GetFirmwareVersion() (*FirmwareVersion, error) {
	return d.GetFirmwareVersionContext(context.Background())
}

// GetFirmwareVersionContext reads the version block from EEPROM. The three
// pairs are adjacent, so one read covers them all.
func (d *Device) GetFirmwareVersionContext(ctx context.Context) (*FirmwareVersion, error) {
	data, err := d.ReadEEPROMContext(ctx, eepromProductVersion, 6)
	if err != nil {
		return nil, fmt.Errorf("version block read failed: %w", err)
	}
	return &FirmwareVersion{
		ProductMinor:  data[0],
		ProductMajor:  data[1],
		FirmwareMinor: data[2],
		FirmwareMajor: data[3],
		EEPROMMinor:   data[4],
		EEPROMMajor:   data[5],
	}, nil
}

// FirmwareVersion returns the version block cached at Init time, or nil if
// the device was never initialized.
func (d *Device) FirmwareVersion() *FirmwareVersion {
	return d.version
}

// DieID reads the 16-byte die identifier
func (d *Device) DieID() ([]byte, error) {
	return d.DieIDContext(context.Background())
}

// DieIDContext reads the 16-byte die identifier from EEPROM
func (d *Device) DieIDContext(ctx context.Context) ([]byte, error) {
	id, err := d.ReadEEPROMContext(ctx, eepromDieID, 16)
	if err != nil {
		return nil, fmt.Errorf("die ID read failed: %w", err)
	}
	return id, nil
}
