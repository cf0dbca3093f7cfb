// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asic

import (
	"fmt"
)

// Register addresses of interest.
const (
	RegTrim          = 0  // first of NumChannels pixel trim registers
	RegThreshold     = 64 // global threshold DAC
	RegFrontEnd      = 65 // csa gain and hit-veto bits
	RegEnable        = 66 // first of 8 csa-enable registers
	RegMask          = 74 // first of 8 channel-mask registers
	RegVrefDAC       = 82
	RegVcmDAC        = 83
	RegADCHoldDelay  = 84
	RegClock         = 85 // clock control and differential miso bits
	RegTrigger       = 86 // periodic trigger and reset control bits
	RegTrigCycles    = 87 // first of 4 periodic trigger cycles registers
	RegResetCycles   = 91 // first of 4 periodic reset cycles registers
	RegTriggerMask   = 95 // first of 8 periodic trigger mask registers
	RegStatus        = 103
	numTrigCycleRegs = 4
)

// Benign lists the registers whose content is volatile and must not be
// considered when comparing a written configuration with its read-back.
var Benign = []uint16{RegStatus}

// Config is the full register configuration of a chip.
type Config struct {
	Threshold uint8              `json:"threshold_global"`
	Trim      [NumChannels]uint8 `json:"pixel_trim_dac"`
	Enable    [NumChannels]uint8 `json:"csa_enable"`
	Mask      [NumChannels]uint8 `json:"channel_mask"`
	Gain      uint8              `json:"csa_gain"`
	HitVeto   uint8              `json:"enable_hit_veto"`

	VrefDAC      uint8    `json:"vref_dac"`
	VcmDAC       uint8    `json:"vcm_dac"`
	ADCHoldDelay uint8    `json:"adc_hold_delay"`
	ClkCtrl      uint8    `json:"clk_ctrl"`
	MISODiff     [4]uint8 `json:"enable_miso_differential"`

	PeriodicTrigger        uint8              `json:"enable_periodic_trigger"`
	RollingPeriodicTrigger uint8              `json:"enable_rolling_periodic_trigger"`
	PeriodicReset          uint8              `json:"enable_periodic_reset"`
	RollingPeriodicReset   uint8              `json:"enable_rolling_periodic_reset"`
	PeriodicTriggerCycles  uint32             `json:"periodic_trigger_cycles"`
	PeriodicResetCycles    uint32             `json:"periodic_reset_cycles"`
	TriggerMask            [NumChannels]uint8 `json:"periodic_trigger_mask"`

	Status uint8 `json:"-"`
}

// Default returns the power-on configuration of a chip: every channel
// masked and front-end disabled, global threshold at its maximum.
func Default() Config {
	cfg := Config{
		Threshold:    MaxThreshold,
		Gain:         1,
		VrefDAC:      219,
		VcmDAC:       50,
		ADCHoldDelay: 0,
	}
	for i := range cfg.Trim {
		cfg.Trim[i] = 16
		cfg.Mask[i] = 1
		cfg.TriggerMask[i] = 1
	}
	return cfg
}

// EnableChannel enables the front-end of the provided channel and
// unmasks it.
func (cfg *Config) EnableChannel(ch uint8) {
	cfg.Enable[ch] = 1
	cfg.Mask[ch] = 0
}

// DisableChannel disables the front-end of the provided channel and
// masks it from data emission and periodic triggers.
func (cfg *Config) DisableChannel(ch uint8) {
	cfg.Enable[ch] = 0
	cfg.Mask[ch] = 1
	cfg.TriggerMask[ch] = 1
}

// Enabled returns the list of enabled channels.
func (cfg Config) Enabled() []uint8 {
	var chans []uint8
	for i, v := range cfg.Enable {
		if v != 0 {
			chans = append(chans, uint8(i))
		}
	}
	return chans
}

// Validate checks the configuration values are within range.
func (cfg Config) Validate() error {
	for i, v := range cfg.Trim {
		if v > MaxTrim {
			return fmt.Errorf("asic: invalid trim value for channel %d (got=%d, max=%d)", i, v, MaxTrim)
		}
	}
	if cfg.ClkCtrl > 3 {
		return fmt.Errorf("asic: invalid clock control value %d", cfg.ClkCtrl)
	}
	return nil
}

// Registers returns the register file image of this configuration.
func (cfg Config) Registers() []uint8 {
	var (
		buf = make([]uint8, NumRegisters)
		i   = 0
		o   = func(v uint8) {
			buf[i] = v
			i++
		}
	)
	cfg.marshal(o)
	return buf
}

// FromRegisters decodes a register file image.
func (cfg *Config) FromRegisters(buf []uint8) error {
	if got, want := len(buf), NumRegisters; got != want {
		return fmt.Errorf("asic: invalid register buffer length (got=%d, want=%d)", got, want)
	}
	var (
		i = 0
		o = func() uint8 {
			v := buf[i]
			i++
			return v
		}
	)
	cfg.unmarshal(o)
	return nil
}

func (cfg Config) marshal(o func(v uint8)) {
	for _, v := range cfg.Trim {
		o(v & MaxTrim)
	}
	o(cfg.Threshold)
	o(cfg.Gain&1 | (cfg.HitVeto&1)<<1)
	packBits(o, cfg.Enable[:])
	packBits(o, cfg.Mask[:])
	o(cfg.VrefDAC)
	o(cfg.VcmDAC)
	o(cfg.ADCHoldDelay)
	o(cfg.ClkCtrl&0x3 |
		(cfg.MISODiff[0]&1)<<2 |
		(cfg.MISODiff[1]&1)<<3 |
		(cfg.MISODiff[2]&1)<<4 |
		(cfg.MISODiff[3]&1)<<5,
	)
	o(cfg.PeriodicTrigger&1 |
		(cfg.RollingPeriodicTrigger&1)<<1 |
		(cfg.PeriodicReset&1)<<2 |
		(cfg.RollingPeriodicReset&1)<<3,
	)
	for j := 0; j < numTrigCycleRegs; j++ {
		o(uint8(cfg.PeriodicTriggerCycles >> (8 * j)))
	}
	for j := 0; j < numTrigCycleRegs; j++ {
		o(uint8(cfg.PeriodicResetCycles >> (8 * j)))
	}
	packBits(o, cfg.TriggerMask[:])
	o(cfg.Status)
}

func (cfg *Config) unmarshal(o func() uint8) {
	for i := range cfg.Trim {
		cfg.Trim[i] = o() & MaxTrim
	}
	cfg.Threshold = o()
	fe := o()
	cfg.Gain = bitU8(fe, 0)
	cfg.HitVeto = bitU8(fe, 1)
	unpackBits(o, cfg.Enable[:])
	unpackBits(o, cfg.Mask[:])
	cfg.VrefDAC = o()
	cfg.VcmDAC = o()
	cfg.ADCHoldDelay = o()
	clk := o()
	cfg.ClkCtrl = clk & 0x3
	for i := range cfg.MISODiff {
		cfg.MISODiff[i] = bitU8(clk, uint32(i+2))
	}
	trg := o()
	cfg.PeriodicTrigger = bitU8(trg, 0)
	cfg.RollingPeriodicTrigger = bitU8(trg, 1)
	cfg.PeriodicReset = bitU8(trg, 2)
	cfg.RollingPeriodicReset = bitU8(trg, 3)
	cfg.PeriodicTriggerCycles = 0
	for j := 0; j < numTrigCycleRegs; j++ {
		cfg.PeriodicTriggerCycles |= uint32(o()) << (8 * j)
	}
	cfg.PeriodicResetCycles = 0
	for j := 0; j < numTrigCycleRegs; j++ {
		cfg.PeriodicResetCycles |= uint32(o()) << (8 * j)
	}
	unpackBits(o, cfg.TriggerMask[:])
	cfg.Status = o()
}

func packBits(o func(v uint8), bits []uint8) {
	for i := 0; i < len(bits); i += 8 {
		var v uint8
		for j := 0; j < 8; j++ {
			v |= (bits[i+j] & 1) << j
		}
		o(v)
	}
}

func unpackBits(o func() uint8, bits []uint8) {
	for i := 0; i < len(bits); i += 8 {
		v := o()
		for j := 0; j < 8; j++ {
			bits[i+j] = bitU8(v, uint32(j))
		}
	}
}

// Diff returns the list of register addresses whose content differ
// between the two register images, skipping the provided ones.
func Diff(want, got []uint8, skip []uint16) []uint16 {
	var (
		diff []uint16
		n    = len(want)
	)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i] == got[i] || contains(skip, uint16(i)) {
			continue
		}
		diff = append(diff, uint16(i))
	}
	for i := n; i < len(want); i++ {
		if contains(skip, uint16(i)) {
			continue
		}
		diff = append(diff, uint16(i))
	}
	return diff
}

func contains(vs []uint16, v uint16) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
