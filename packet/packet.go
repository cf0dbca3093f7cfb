// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package packet describes the 64b readout words emitted by the chips
// and their encoding on the acquisition stream.
package packet // import "github.com/go-lpc/pixcal/packet"

import (
	"fmt"
	"math/bits"

	"github.com/go-lpc/pixcal/asic"
)

// Type is the type of a readout word.
type Type uint8

const (
	Data        Type = 0
	Test        Type = 1
	ConfigWrite Type = 2
	ConfigRead  Type = 3
)

func (t Type) String() string {
	switch t {
	case Data:
		return "data"
	case Test:
		return "test"
	case ConfigWrite:
		return "config-write"
	case ConfigRead:
		return "config-read"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Packet is a readout word tagged with its origin on the bus.
//
// Word layout (LSB first):
//  [0:2]   packet type
//  [2:10]  chip id
//  [10:16] channel id
//  [16:47] timestamp
//  [47:55] ADC data word
//  [63]    odd parity bit
type Packet struct {
	IOGroup   uint8
	IOChannel uint8

	Type      Type
	ChipID    uint8
	Channel   uint8
	Timestamp uint32 // 31b
	Dataword  uint8
	Parity    uint8
}

const tsMask = 1<<31 - 1

// New returns a data packet with a valid parity bit.
func New(key asic.Key, ch uint8, ts uint32, adc uint8) Packet {
	p := Packet{
		IOGroup:   key.IOGroup,
		IOChannel: key.IOChannel,
		Type:      Data,
		ChipID:    key.ChipID,
		Channel:   ch,
		Timestamp: ts & tsMask,
		Dataword:  adc,
	}
	p.SetParity()
	return p
}

// FromWord decodes a 64b readout word received on the given io-channel.
func FromWord(iog, ioch uint8, w uint64) Packet {
	return Packet{
		IOGroup:   iog,
		IOChannel: ioch,
		Type:      Type(w & 0x3),
		ChipID:    uint8(w >> 2),
		Channel:   uint8((w >> 10) & 0x3f),
		Timestamp: uint32((w >> 16) & tsMask),
		Dataword:  uint8(w >> 47),
		Parity:    uint8(w >> 63),
	}
}

// Word returns the 64b readout word.
func (p Packet) Word() uint64 {
	return p.payload() | uint64(p.Parity&1)<<63
}

func (p Packet) payload() uint64 {
	return uint64(p.Type&0x3) |
		uint64(p.ChipID)<<2 |
		uint64(p.Channel&0x3f)<<10 |
		uint64(p.Timestamp&tsMask)<<16 |
		uint64(p.Dataword)<<47
}

// SetParity sets the parity bit so the word has odd parity.
func (p *Packet) SetParity() {
	p.Parity = 0
	if bits.OnesCount64(p.payload())%2 == 0 {
		p.Parity = 1
	}
}

// Valid returns whether the word has odd parity.
func (p Packet) Valid() bool {
	return bits.OnesCount64(p.Word())%2 == 1
}

// Key returns the key of the chip that emitted this packet.
func (p Packet) Key() asic.Key {
	return asic.Key{IOGroup: p.IOGroup, IOChannel: p.IOChannel, ChipID: p.ChipID}
}

func (p Packet) String() string {
	return fmt.Sprintf(
		"Packet{%v, type=%v, ch=%d, ts=%d, adc=%d, valid=%v}",
		p.Key(), p.Type, p.Channel, p.Timestamp, p.Dataword, p.Valid(),
	)
}
