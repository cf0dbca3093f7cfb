// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"log"
	"time"
)

type config struct {
	policy Policy
	msg    *log.Logger
	rec    Recoverer
	alog   Recorder
	hook   func(State)
	sleep  func(time.Duration)

	db     ResultStore
	notify []Notifier
}

// Option configures a calibration loop or session.
type Option func(cfg *config)

// WithPolicy sets the whole calibration policy.
func WithPolicy(p Policy) Option {
	return func(cfg *config) {
		cfg.policy = p
	}
}

// WithTargetRate sets the max acceptable rate per channel (in Hz).
func WithTargetRate(hz float64) Option {
	return func(cfg *config) {
		cfg.policy.TargetRate = hz
	}
}

// WithLeakageCut sets the max average rate per channel in leakage mode.
func WithLeakageCut(hz float64) Option {
	return func(cfg *config) {
		cfg.policy.LeakageCut = hz
	}
}

// WithInvalidCut sets the max fraction of parity-invalid packets.
func WithInvalidCut(frac float64) Option {
	return func(cfg *config) {
		cfg.policy.InvalidCut = frac
	}
}

// WithPedestalCuts sets the pedestal baseline and noise cuts. A negative
// value disables the corresponding cut.
func WithPedestalCuts(baseline, noise float64) Option {
	return func(cfg *config) {
		cfg.policy.BaselineCut = baseline
		cfg.policy.ApplyBaselineCut = baseline >= 0
		cfg.policy.NoiseCut = noise
		cfg.policy.ApplyNoiseCut = noise >= 0
	}
}

// WithRuntime sets the duration of the measurement windows.
func WithRuntime(d time.Duration) Option {
	return func(cfg *config) {
		cfg.policy.Runtime = d
	}
}

// WithChannels restricts the calibration to the provided channels.
func WithChannels(chans ...uint8) Option {
	return func(cfg *config) {
		cfg.policy.Channels = append([]uint8(nil), chans...)
	}
}

// WithLogger sets the logger of the calibration loop.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithRecoverer sets the recovery manager invoked on faults.
func WithRecoverer(rec Recoverer) Option {
	return func(cfg *config) {
		cfg.rec = rec
	}
}

// WithRecorder logs every measurement window to r.
func WithRecorder(r Recorder) Option {
	return func(cfg *config) {
		cfg.alog = r
	}
}

// WithStateHook registers a function called on every state transition.
func WithStateHook(f func(State)) Option {
	return func(cfg *config) {
		cfg.hook = f
	}
}

// WithResultStore persists the results of a session to db.
func WithResultStore(db ResultStore) Option {
	return func(cfg *config) {
		cfg.db = db
	}
}

// WithNotifier adds a notifier called when a session run fails.
func WithNotifier(n Notifier) Option {
	return func(cfg *config) {
		cfg.notify = append(cfg.notify, n)
	}
}
