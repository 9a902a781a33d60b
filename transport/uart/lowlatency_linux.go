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

//go:build linux

package uart

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// asyncLowLatency is ASYNC_LOW_LATENCY from linux/serial.h.
const asyncLowLatency = 0x2000

// serialStruct mirrors struct serial_struct from linux/serial.h for
// the TIOCGSERIAL/TIOCSSERIAL ioctls.
type serialStruct struct {
	Type          int32
	Line          int32
	Port          uint32
	IRQ           int32
	Flags         int32
	XmitFifoSize  int32
	CustomDivisor int32
	BaudBase      int32
	CloseDelay    uint16
	IOType        int8
	ReservedChar  int8
	Hub6          int32
	ClosingWait   uint16
	ClosingWait2  uint16
	IomemBase     uintptr
	IomemRegShift uint16
	IOSize        uint32
	Reserved      int32
}

// setLowLatency asks the serial driver to deliver received bytes
// immediately instead of waiting for its latency timer.
func setLowLatency(portName string) error {
	fd, err := unix.Open(portName, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s for latency ioctl: %w", portName, err)
	}
	defer func() { _ = unix.Close(fd) }()

	var ss serialStruct
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TIOCGSERIAL, uintptr(unsafe.Pointer(&ss))); errno != 0 {
		return fmt.Errorf("TIOCGSERIAL on %s: %w", portName, errno)
	}
	ss.Flags |= asyncLowLatency
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TIOCSSERIAL, uintptr(unsafe.Pointer(&ss))); errno != 0 {
		return fmt.Errorf("TIOCSSERIAL on %s: %w", portName, errno)
	}
	return nil
}
