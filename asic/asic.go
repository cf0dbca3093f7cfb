// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asic describes the pixel front-end chips of a tile: their bus
// addresses, their register configuration and the set of channels that
// must be kept disabled.
package asic // import "github.com/go-lpc/pixcal/asic"

const (
	NumChannels  = 64  // number of input channels per chip
	NumRegisters = 104 // size of the chip register file

	MaxThreshold = 255 // maximum global threshold DAC value
	MaxTrim      = 31  // maximum pixel trim DAC value
)

// NonRouted lists the channels that are not routed out to pixel pads.
// They must never be enabled nor evaluated for noise.
var NonRouted = []uint8{6, 7, 8, 9, 22, 23, 24, 25, 38, 39, 40, 54, 55, 56, 57}

func bitU8(v uint8, pos uint32) uint8 {
	return (v >> pos) & 0x1
}
