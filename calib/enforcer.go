// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
)

// Enforcer writes configurations to chips and verifies them by reading
// them back.
type Enforcer struct {
	dev device.Device
	p   Policy
	msg *log.Logger
}

// NewEnforcer returns an enforcer writing to dev.
func NewEnforcer(dev device.Device, p Policy, msg *log.Logger) *Enforcer {
	if msg == nil {
		msg = log.New(os.Stdout, "calib: ", 0)
	}
	return &Enforcer{dev: dev, p: p, msg: msg}
}

// Apply writes the candidate configuration to a chip and verifies it.
//
// Every write attempt sends the configuration RedundantWrites times,
// then reads it back up to VerifyReads times. Apply succeeds as soon as
// one read-back matches the candidate on all the non-benign registers.
// After MaxRetries attempts, Apply fails with a *ConfigFault listing the
// registers mismatched on the last read-back, or with a *TransportError
// if no read-back ever arrived.
// On failure, the state of the chip is unknown.
func (enf *Enforcer) Apply(key asic.Key, cand asic.Config) error {
	var (
		want = cand.Registers()
		regs = make([]uint16, 0, len(want))
		vals = make([]uint8, 0, len(want))
		all  = make([]uint16, len(want))

		fault *ConfigFault // last mismatched read-back, over all attempts
	)
	for i := range want {
		all[i] = uint16(i)
		if contains(enf.p.Benign, uint16(i)) {
			continue
		}
		regs = append(regs, uint16(i))
		vals = append(vals, want[i])
	}

	failed := func(err error) error {
		if fault != nil {
			return fault
		}
		return &TransportError{Key: key, Err: err}
	}

	op := func() error {
		for i := 0; i < max(1, enf.p.RedundantWrites); i++ {
			err := enf.dev.WriteRegisters(key, regs, vals)
			if err != nil {
				if errors.Is(err, device.ErrTimeout) {
					return failed(err)
				}
				return backoff.Permanent(fmt.Errorf("calib: could not configure chip %v: %w", key, err))
			}
		}

		var last error
		for i := 0; i < max(1, enf.p.VerifyReads); i++ {
			got, err := enf.dev.ReadRegisters(key, all, enf.p.VerifyTimeout)
			if err != nil {
				if errors.Is(err, device.ErrTimeout) {
					last = err
					continue
				}
				return backoff.Permanent(fmt.Errorf("calib: could not configure chip %v: %w", key, err))
			}
			diff := asic.Diff(want, got, enf.p.Benign)
			if len(diff) == 0 {
				return nil
			}
			fault = &ConfigFault{Key: key, Registers: diff}
		}
		return failed(last)
	}

	var bkoff backoff.BackOff = &backoff.StopBackOff{}
	if n := enf.p.MaxRetries - 1; n > 0 {
		bkoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(enf.p.RetryDelay), uint64(n))
	}

	err := backoff.Retry(op, bkoff)
	if errors.As(err, &fault) {
		enf.msg.Printf("config error on %v: registers=%v", key, fault.Registers)
	}
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func contains(vs []uint16, v uint16) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
