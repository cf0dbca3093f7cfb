// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-lpc/pixcal/asic"
)

var (
	// ErrTransportTimeout reports register accesses that never completed.
	ErrTransportTimeout = errors.New("calib: transport timeout")
	// ErrConfigMismatch reports a read-back differing from the written configuration.
	ErrConfigMismatch = errors.New("calib: configuration mismatch")
	// ErrRunawayRate reports a rate above the reset threshold.
	ErrRunawayRate = errors.New("calib: runaway rate")
	// ErrConvergence reports a chip exceeding its failed-channel budget.
	ErrConvergence = errors.New("calib: convergence failure")
	// ErrRecoveryExhausted reports too many consecutive recoveries.
	ErrRecoveryExhausted = errors.New("calib: recovery exhausted")
)

// ConfigFault describes a chip whose read-back configuration did not
// match the intended one.
type ConfigFault struct {
	Key       asic.Key
	Registers []uint16 // mismatched registers of the last read-back
}

func (e *ConfigFault) Error() string {
	return fmt.Sprintf("calib: configuration mismatch on chip %v (registers=%v)", e.Key, e.Registers)
}

func (e *ConfigFault) Is(target error) bool { return target == ErrConfigMismatch }

// TransportError describes a chip that never answered to register
// read-backs. It wraps the last device.ErrTimeout received.
type TransportError struct {
	Key asic.Key
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("calib: transport timeout on chip %v: %+v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransportTimeout }

// RunawayError describes channels triggering above the reset threshold.
type RunawayError struct {
	Refs  []asic.ChannelRef
	Rates []float64
}

func (e *RunawayError) Error() string {
	var o strings.Builder
	for i, ref := range e.Refs {
		if i > 0 {
			o.WriteString(", ")
		}
		fmt.Fprintf(&o, "%v=%.1fHz", ref, e.Rates[i])
	}
	return fmt.Sprintf("calib: runaway rate on %s", o.String())
}

func (e *RunawayError) Is(target error) bool { return target == ErrRunawayRate }

// Keys returns the sorted list of chips with a runaway channel.
func (e *RunawayError) Keys() []asic.Key {
	var (
		keys []asic.Key
		seen = make(map[asic.Key]struct{})
	)
	for _, ref := range e.Refs {
		if _, dup := seen[ref.Key]; dup {
			continue
		}
		seen[ref.Key] = struct{}{}
		keys = append(keys, ref.Key)
	}
	asic.SortKeys(keys)
	return keys
}

// ConvergenceError describes chips abandoned after disabling too many
// channels.
type ConvergenceError struct {
	Keys   []asic.Key
	Failed int
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("calib: chips %v did not converge after disabling %d channels", e.Keys, e.Failed)
}

func (e *ConvergenceError) Is(target error) bool { return target == ErrConvergence }

// isFault returns whether err should be handled by a device recovery.
func isFault(err error) bool {
	return errors.Is(err, ErrConfigMismatch) ||
		errors.Is(err, ErrTransportTimeout) ||
		errors.Is(err, ErrRunawayRate)
}
