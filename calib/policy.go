// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"fmt"
	"time"

	"github.com/go-lpc/pixcal/asic"
)

// Denominator selects the channels counted when averaging a rate per
// channel.
type Denominator string

const (
	// Configured divides by the number of channels configured for
	// calibration, disabled ones included.
	Configured Denominator = "configured"
	// Physical divides by the number of channels of the chips.
	Physical Denominator = "physical"
)

// Direction tells how a control value relates to the trigger
// sensitivity of a channel.
type Direction string

const (
	// LowerIsSensitive means decreasing the value increases the rate.
	LowerIsSensitive Direction = "lower"
	// HigherIsSensitive means increasing the value increases the rate.
	HigherIsSensitive Direction = "higher"
)

// Policy holds the cut values and budgets of a calibration session.
type Policy struct {
	TargetRate       float64 `koanf:"target_rate" yaml:"target_rate"`             // max rate per channel (Hz)
	LeakageCut       float64 `koanf:"leakage_cut" yaml:"leakage_cut"`             // max average rate per channel in leakage mode (Hz)
	InvalidCut       float64 `koanf:"invalid_cut" yaml:"invalid_cut"`             // max fraction of parity-invalid packets
	BaselineCut      float64 `koanf:"baseline_cut" yaml:"baseline_cut"`           // max pedestal mean
	NoiseCut         float64 `koanf:"noise_cut" yaml:"noise_cut"`                 // max pedestal standard deviation
	ApplyBaselineCut bool    `koanf:"apply_baseline_cut" yaml:"apply_baseline_cut"`
	ApplyNoiseCut    bool    `koanf:"apply_noise_cut" yaml:"apply_noise_cut"`
	DisableThreshold float64 `koanf:"disable_threshold" yaml:"disable_threshold"` // max rate at the least sensitive trim (Hz)
	ResetThreshold   float64 `koanf:"reset_threshold" yaml:"reset_threshold"`     // rate flagging a bus runaway (Hz)

	MaxRetries      int           `koanf:"max_retries" yaml:"max_retries"`           // write attempts per enforcement
	VerifyReads     int           `koanf:"verify_reads" yaml:"verify_reads"`         // read-backs per write attempt
	VerifyTimeout   time.Duration `koanf:"verify_timeout" yaml:"verify_timeout"`     // timeout of a read-back
	RetryDelay      time.Duration `koanf:"retry_delay" yaml:"retry_delay"`           // delay between write attempts
	RedundantWrites int           `koanf:"redundant_writes" yaml:"redundant_writes"` // copies of each write, for the lossy bus
	Benign          []uint16      `koanf:"benign" yaml:"benign"`                     // registers not verified

	MaxResets    int `koanf:"max_resets" yaml:"max_resets"`       // consecutive recoveries before aborting
	FailedBudget int `koanf:"failed_budget" yaml:"failed_budget"` // disabled channels before a chip is abandoned

	Runtime         time.Duration `koanf:"runtime" yaml:"runtime"`
	DrainWindow     time.Duration `koanf:"drain_window" yaml:"drain_window"`
	DrainIterations int           `koanf:"drain_iterations" yaml:"drain_iterations"`
	DrainLimit      float64       `koanf:"drain_limit" yaml:"drain_limit"` // Hz
	Cooldown        time.Duration `koanf:"cooldown" yaml:"cooldown"`       // settling time after a soft reset

	Refine         bool    `koanf:"refine" yaml:"refine"`
	RelaxedLeakage float64 `koanf:"relaxed_leakage" yaml:"relaxed_leakage"`
	RelaxedInvalid float64 `koanf:"relaxed_invalid" yaml:"relaxed_invalid"`

	Threshold      uint8     `koanf:"threshold" yaml:"threshold"` // global threshold of leakage runs
	ThresholdMin   uint8     `koanf:"threshold_min" yaml:"threshold_min"`
	ThresholdMax   uint8     `koanf:"threshold_max" yaml:"threshold_max"`
	TrimMin        uint8     `koanf:"trim_min" yaml:"trim_min"`
	TrimMax        uint8     `koanf:"trim_max" yaml:"trim_max"`
	Direction      Direction `koanf:"direction" yaml:"direction"`
	IncreasePasses int       `koanf:"increase_passes" yaml:"increase_passes"`

	PeriodicTriggerCycles uint32 `koanf:"periodic_trigger_cycles" yaml:"periodic_trigger_cycles"`
	PeriodicResetCycles   uint32 `koanf:"periodic_reset_cycles" yaml:"periodic_reset_cycles"`

	Denominator Denominator `koanf:"denominator" yaml:"denominator"`
	Channels    []uint8     `koanf:"channels" yaml:"channels"` // channels under calibration, all if empty
	Parallel    bool        `koanf:"parallel" yaml:"parallel"` // calibrate all chips at once

	HardResetLength int    `koanf:"hard_reset_length" yaml:"hard_reset_length"`
	SoftResetLength int    `koanf:"soft_reset_length" yaml:"soft_reset_length"`
	VDDA            uint32 `koanf:"vdda" yaml:"vdda"`
	VDDD            uint32 `koanf:"vddd" yaml:"vddd"`
}

// DefaultPolicy returns the default calibration policy.
func DefaultPolicy() Policy {
	return Policy{
		TargetRate:       2,
		LeakageCut:       10,
		InvalidCut:       0.1,
		BaselineCut:      125,
		NoiseCut:         3,
		ApplyBaselineCut: true,
		ApplyNoiseCut:    true,
		DisableThreshold: 20,
		ResetThreshold:   10000,

		MaxRetries:      10,
		VerifyReads:     10,
		VerifyTimeout:   10 * time.Millisecond,
		RetryDelay:      10 * time.Millisecond,
		RedundantWrites: 2,
		Benign:          append([]uint16(nil), asic.Benign...),

		MaxResets:    3,
		FailedBudget: 50,

		Runtime:         2 * time.Second,
		DrainWindow:     100 * time.Millisecond,
		DrainIterations: 10,
		DrainLimit:      0,
		Cooldown:        3 * time.Second,

		Refine:         true,
		RelaxedLeakage: 1.5,
		RelaxedInvalid: 1.2,

		Threshold:      128,
		ThresholdMin:   0,
		ThresholdMax:   asic.MaxThreshold,
		TrimMin:        0,
		TrimMax:        asic.MaxTrim,
		Direction:      LowerIsSensitive,
		IncreasePasses: 10,

		PeriodicTriggerCycles: 100000,
		PeriodicResetCycles:   4096,

		Denominator: Configured,

		HardResetLength: 10240,
		SoftResetLength: 24,
		VDDA:            46020,
		VDDD:            40605,
	}
}

// Validate checks the consistency of the policy.
func (p Policy) Validate() error {
	switch {
	case p.TargetRate <= 0:
		return fmt.Errorf("calib: invalid target rate %v", p.TargetRate)
	case p.Runtime <= 0:
		return fmt.Errorf("calib: invalid runtime %v", p.Runtime)
	case p.ThresholdMin > p.ThresholdMax:
		return fmt.Errorf("calib: invalid threshold range [%d, %d]", p.ThresholdMin, p.ThresholdMax)
	case p.TrimMin > p.TrimMax || p.TrimMax > asic.MaxTrim:
		return fmt.Errorf("calib: invalid trim range [%d, %d]", p.TrimMin, p.TrimMax)
	case p.FailedBudget <= 0:
		return fmt.Errorf("calib: invalid failed-channel budget %d", p.FailedBudget)
	case p.MaxResets < 0:
		return fmt.Errorf("calib: invalid max resets %d", p.MaxResets)
	}
	switch p.Denominator {
	case Configured, Physical:
	default:
		return fmt.Errorf("calib: invalid rate denominator %q", p.Denominator)
	}
	switch p.Direction {
	case LowerIsSensitive, HigherIsSensitive:
	default:
		return fmt.Errorf("calib: invalid walk direction %q", p.Direction)
	}
	for _, ch := range p.Channels {
		if ch >= asic.NumChannels {
			return fmt.Errorf("calib: invalid channel %d", ch)
		}
	}
	return nil
}

// channels returns the channels under calibration.
func (p Policy) channels() []uint8 {
	if len(p.Channels) > 0 {
		return p.Channels
	}
	chans := make([]uint8, asic.NumChannels)
	for i := range chans {
		chans[i] = uint8(i)
	}
	return chans
}

// walk describes the range of a control value.
type walk struct {
	min, max uint8
	dir      Direction
}

// quiet returns the least sensitive value of the range.
func (w walk) quiet() uint8 {
	if w.dir == HigherIsSensitive {
		return w.min
	}
	return w.max
}

// sensitive moves v one step toward higher sensitivity.
// It returns false when v is already at the end of the range.
func (w walk) sensitive(v uint8) (uint8, bool) {
	if w.dir == HigherIsSensitive {
		if v >= w.max {
			return v, false
		}
		return v + 1, true
	}
	if v <= w.min {
		return v, false
	}
	return v - 1, true
}

// quieter moves v one step toward lower sensitivity, saturating at
// the end of the range.
func (w walk) quieter(v uint8) uint8 {
	if w.dir == HigherIsSensitive {
		if v <= w.min {
			return v
		}
		return v - 1
	}
	if v >= w.max {
		return v
	}
	return v + 1
}

func (p Policy) thresholdWalk() walk {
	return walk{min: p.ThresholdMin, max: p.ThresholdMax, dir: p.Direction}
}

func (p Policy) trimWalk() walk {
	return walk{min: p.TrimMin, max: p.TrimMax, dir: p.Direction}
}
