// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package calib implements the adaptive calibration of pixel chips:
// configuration enforcement, rate sampling, bad-channel detection,
// threshold and trim walks, and recovery from bus faults.
package calib // import "github.com/go-lpc/pixcal/calib"

import (
	"fmt"
	"strings"
)

// Mode is a calibration strategy.
type Mode uint8

const (
	// LeakageMode iteratively disables the channels with the highest
	// self-trigger rate until the chip average rate is below the cut.
	LeakageMode Mode = iota
	// PedestalMode disables channels with a bad pedestal baseline or noise.
	PedestalMode
	// ThresholdMode walks the global threshold of each chip to the target rate.
	ThresholdMode
	// TrimMode walks the per-channel trims to the target rate.
	TrimMode
	// AutoMode runs ThresholdMode followed by TrimMode.
	AutoMode
)

var modeNames = [...]string{
	LeakageMode:   "leakage",
	PedestalMode:  "pedestal",
	ThresholdMode: "threshold",
	TrimMode:      "trim",
	AutoMode:      "auto",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode returns the calibration mode named s.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("calib: unknown calibration mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(p []byte) error {
	v, err := ParseMode(string(p))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Mode) detector() Detector {
	switch m {
	case LeakageMode:
		return Leakage{}
	case PedestalMode:
		return Pedestal{}
	default:
		return RateWalk{}
	}
}

// State is a state of the calibration loop.
type State uint8

const (
	Idle State = iota
	Configuring
	Measuring
	Deciding
	Adjusting
	Converged
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Measuring:
		return "measuring"
	case Deciding:
		return "deciding"
	case Adjusting:
		return "adjusting"
	case Converged:
		return "converged"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}
