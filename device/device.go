// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device defines the boundary with the readout hardware: chip
// register reads and writes, data acquisition, resets and tile power.
package device // import "github.com/go-lpc/pixcal/device"

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/packet"
)

// ErrTimeout is returned when a register read-back did not arrive
// within the allotted time.
var ErrTimeout = errors.New("device: timeout")

// ResetKind describes the kind of reset issued on the bus.
type ResetKind uint8

const (
	// SoftReset resets the chip state machines only.
	SoftReset ResetKind = iota
	// HardReset also clears the chip configuration memory.
	HardReset
)

func (k ResetKind) String() string {
	switch k {
	case SoftReset:
		return "soft"
	case HardReset:
		return "hard"
	}
	return fmt.Sprintf("ResetKind(%d)", uint8(k))
}

// Device is the transport to a set of chips.
//
// All operations are bounded in time and fallible.
// A Device is exclusively owned by a single calibration session.
type Device interface {
	// WriteRegisters writes the provided values to the registers of a chip.
	WriteRegisters(key asic.Key, regs []uint16, vals []uint8) error
	// ReadRegisters reads back registers of a chip, waiting at most timeout.
	ReadRegisters(key asic.Key, regs []uint16, timeout time.Duration) ([]uint8, error)
	// Acquire collects the readout packets received during d.
	Acquire(d time.Duration) ([]packet.Packet, error)
	// Reset issues a reset of the provided kind and length (in clock cycles).
	Reset(kind ResetKind, length int) error
	// SetPower sets the analog and digital supply DACs of a tile.
	SetPower(iog uint8, tile int, vdda, vddd uint32) error

	Close() error
}

// Networker is implemented by devices whose chips need to be addressed
// after a hard reset.
type Networker interface {
	InitNetwork(keys []asic.Key) error
}
