// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
)

// Loop is the calibration control loop.
//
// A Loop exclusively owns its device for the duration of a run: every
// decision is taken on a sample acquired after the latest successful
// configuration enforcement and a drain of the stale bus traffic.
type Loop struct {
	dev device.Device
	st  *Store
	p   Policy
	msg *log.Logger

	rec   Recoverer
	hook  func(State)
	sleep func(time.Duration)

	enf *Enforcer
	smp *Sampler

	state  State
	hw     map[asic.Key]asic.Config // last configuration verified on hardware
	faults int                      // consecutive faults
	resets int

	failed  map[asic.Key]int
	results map[asic.Key]*ChipSummary
}

// NewLoop creates a calibration loop driving dev, with the intended
// configurations held by st.
// Without a Recoverer, faults are returned to the caller.
func NewLoop(dev device.Device, st *Store, opts ...Option) (*Loop, error) {
	cfg := newConfig(opts)
	err := cfg.policy.Validate()
	if err != nil {
		return nil, err
	}

	lp := &Loop{
		dev:     dev,
		st:      st,
		p:       cfg.policy,
		msg:     cfg.msg,
		rec:     cfg.rec,
		hook:    cfg.hook,
		sleep:   cfg.sleep,
		enf:     NewEnforcer(dev, cfg.policy, cfg.msg),
		smp:     NewSampler(dev, cfg.msg, cfg.alog),
		hw:      make(map[asic.Key]asic.Config),
		failed:  make(map[asic.Key]int),
		results: make(map[asic.Key]*ChipSummary),
	}
	return lp, nil
}

func newConfig(opts []Option) config {
	cfg := config{
		policy: DefaultPolicy(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.New(os.Stdout, "calib: ", 0)
	}
	return cfg
}

// Policy returns the calibration policy of the loop.
func (lp *Loop) Policy() Policy { return lp.p }

// State returns the current state of the loop.
func (lp *Loop) State() State { return lp.state }

// Store returns the configuration store of the loop.
func (lp *Loop) Store() *Store { return lp.st }

func (lp *Loop) enter(s State) {
	lp.state = s
	if lp.hook != nil {
		lp.hook(s)
	}
}

// Run calibrates the provided chips with the provided strategy.
// A nil keys calibrates every chip of the store.
//
// Chips exceeding their failed-channel budget are reported in the
// summary and with a *ConvergenceError, once every other chip has been
// calibrated. Run stops at the first error that is neither a
// convergence failure nor a recoverable fault.
func (lp *Loop) Run(mode Mode, keys []asic.Key) (*Summary, error) {
	if keys == nil {
		keys = lp.st.Keys()
	}
	for _, k := range keys {
		if !lp.st.Has(k) {
			return nil, fmt.Errorf("calib: unknown chip %v", k)
		}
	}

	lp.enter(Idle)
	defer lp.enter(Idle)

	lp.msg.Printf("running %v calibration on %d chips...", mode, len(keys))
	for _, grp := range groups(keys, lp.p.Parallel) {
		var err error
		switch mode {
		case LeakageMode, PedestalMode:
			err = lp.exclude(mode, grp)
		case ThresholdMode:
			err = lp.walkThreshold(grp)
		case TrimMode:
			err = lp.walkTrim(grp, true)
		case AutoMode:
			err = lp.walkThreshold(grp)
			if err == nil {
				err = lp.walkTrim(lp.alive(grp), false)
			}
		default:
			err = fmt.Errorf("calib: invalid calibration mode %v", mode)
		}
		if err != nil {
			return lp.summary(mode, keys), err
		}
	}

	// write parked chips back to hardware.
	err := lp.Sync()
	if err != nil {
		return lp.summary(mode, keys), fmt.Errorf("calib: could not apply final configuration: %w", err)
	}

	sum := lp.summary(mode, keys)
	lp.msg.Printf("running %v calibration on %d chips... [done]", mode, len(keys))
	if bad := sum.Failed(); len(bad) > 0 {
		n := 0
		for _, k := range bad {
			n += lp.failed[k]
		}
		return sum, &ConvergenceError{Keys: bad, Failed: n}
	}
	return sum, nil
}

// groups splits keys into calibration groups. A parallel group holds
// at most one chip per io-channel.
func groups(keys []asic.Key, parallel bool) [][]asic.Key {
	keys = append([]asic.Key(nil), keys...)
	asic.SortKeys(keys)
	if !parallel {
		grps := make([][]asic.Key, len(keys))
		for i, k := range keys {
			grps[i] = []asic.Key{k}
		}
		return grps
	}

	var (
		grps [][]asic.Key
		rank = make(map[[2]uint8]int)
	)
	for _, k := range keys {
		ioch := [2]uint8{k.IOGroup, k.IOChannel}
		i := rank[ioch]
		rank[ioch]++
		if i == len(grps) {
			grps = append(grps, nil)
		}
		grps[i] = append(grps[i], k)
	}
	return grps
}

func (lp *Loop) result(k asic.Key) *ChipSummary {
	res, ok := lp.results[k]
	if !ok {
		res = &ChipSummary{Key: k, Status: StatusPartial}
		lp.results[k] = res
	}
	return res
}

func (lp *Loop) alive(keys []asic.Key) []asic.Key {
	out := make([]asic.Key, 0, len(keys))
	for _, k := range keys {
		if lp.result(k).Status == StatusFailed {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (lp *Loop) summary(mode Mode, keys []asic.Key) *Summary {
	dis := lp.st.Disabled()
	sum := &Summary{
		Mode:     mode,
		Disabled: dis,
		NBad:     dis.Len(),
		Resets:   lp.resets,
	}
	for _, k := range keys {
		res := *lp.result(k)
		cfg := lp.st.Config(k)
		res.Threshold = cfg.Threshold
		res.Trims = cfg.Trim
		res.Disabled = len(dis.Channels(k))
		sum.Chips = append(sum.Chips, res)
	}
	return sum
}

// target returns the enabled channels under calibration of a chip.
func (lp *Loop) target(k asic.Key) Target {
	chans := lp.p.channels()
	return Target{
		Key:      k,
		Channels: lp.st.Active(k, chans),
		Nconf:    len(chans),
	}
}

// active reports whether a chip has channels left under calibration.
func (lp *Loop) active(k asic.Key) bool {
	return len(lp.target(k).Channels) > 0
}

// configure enforces the candidate configuration of every chip whose
// hardware state may differ from it.
func (lp *Loop) configure(keys []asic.Key) error {
	for _, k := range keys {
		cand := lp.st.Candidate(k)
		if cur, ok := lp.hw[k]; ok && cur == cand {
			continue
		}
		delete(lp.hw, k)
		err := lp.enf.Apply(k, cand)
		if err != nil {
			return err
		}
		lp.hw[k] = cand
	}
	return nil
}

// Sync enforces the intended configuration of every chip and drains
// the bus, recovering from faults.
func (lp *Loop) Sync() error {
	for {
		lp.enter(Configuring)
		err := lp.configure(lp.st.Keys())
		if err == nil {
			lp.faults = 0
			lp.st.Commit()
			_, err = lp.smp.Drain(lp.p.DrainWindow, lp.p.DrainLimit, lp.p.DrainIterations)
			return err
		}
		for err != nil {
			if lp.rec == nil || !isFault(err) {
				return err
			}
			err = lp.recover(err)
		}
	}
}

// measure configures the chips, drains the bus and acquires a window.
func (lp *Loop) measure(window time.Duration, limit float64) (*Sample, error) {
	lp.enter(Configuring)
	err := lp.configure(lp.st.Keys())
	if err != nil {
		return nil, err
	}

	lp.enter(Measuring)
	_, err = lp.smp.Drain(lp.p.DrainWindow, limit, lp.p.DrainIterations)
	if err != nil {
		return nil, err
	}
	s, err := lp.smp.Acquire(window)
	if err != nil {
		return nil, err
	}

	var runaway RunawayError
	rates := s.Rates(nil)
	for ref, hz := range rates {
		if hz > lp.p.ResetThreshold {
			runaway.Refs = append(runaway.Refs, ref)
		}
	}
	if len(runaway.Refs) > 0 {
		sortRefs(runaway.Refs)
		for _, ref := range runaway.Refs {
			runaway.Rates = append(runaway.Rates, rates[ref])
		}
		return nil, &runaway
	}
	return s, nil
}

// cycle runs a Configuring/Measuring cycle, recovering from faults.
// It returns the acquired sample and the chips whose configuration led
// to a runaway rate, and was reverted, during the cycle.
func (lp *Loop) cycle(window time.Duration, limit float64) (*Sample, []asic.Key, error) {
	var runaway []asic.Key
	for {
		s, err := lp.measure(window, limit)
		if err == nil {
			lp.faults = 0
			lp.st.Commit()
			return s, runaway, nil
		}

		var rerr *RunawayError
		if errors.As(err, &rerr) {
			runaway = append(runaway, rerr.Keys()...)
		}
		for err != nil {
			if lp.rec == nil || !isFault(err) {
				return nil, runaway, err
			}
			err = lp.recover(err)
		}
	}
}

// recover handles a fault and reloads the known-good configuration.
func (lp *Loop) recover(cause error) error {
	lp.enter(Faulted)
	lp.faults++
	if lp.faults > lp.p.MaxResets {
		return fmt.Errorf("calib: %w after %d consecutive faults (last: %+v)",
			ErrRecoveryExhausted, lp.faults-1, cause,
		)
	}
	lp.msg.Printf("fault: %+v", cause)
	lp.resets++
	for _, k := range lp.st.Keys() {
		lp.result(k).Resets++
	}

	lp.hw = make(map[asic.Key]asic.Config)
	dev, err := lp.rec.Recover(lp.st.Good())
	if err != nil {
		return err
	}
	if dev != nil && dev != lp.dev {
		lp.dev = dev
		lp.enf = NewEnforcer(dev, lp.p, lp.msg)
		lp.smp.dev = dev
	}
	lp.st.Restore()
	return nil
}

// settle soft-resets the chips after channels have been disabled.
func (lp *Loop) settle() error {
	err := lp.dev.Reset(device.SoftReset, lp.p.SoftResetLength)
	if err != nil {
		return fmt.Errorf("calib: could not soft-reset device: %w", err)
	}
	if lp.p.Cooldown > 0 {
		lp.sleep(lp.p.Cooldown)
	}
	return nil
}

// disable disables channels of a chip and charges them to its
// failed-channel budget. It returns the number of newly disabled
// channels and whether the chip exhausted its budget.
func (lp *Loop) disable(k asic.Key, chans ...uint8) (int, bool) {
	n := lp.st.Disable(k, chans...)
	lp.failed[k] += n
	if n > 0 {
		lp.msg.Printf("disabled channels %v of chip %v (failed=%d)", chans, k, lp.failed[k])
	}
	if lp.failed[k] < lp.p.FailedBudget {
		return n, false
	}
	res := lp.result(k)
	res.Status = StatusFailed
	res.Err = (&ConvergenceError{Keys: []asic.Key{k}, Failed: lp.failed[k]}).Error()
	lp.msg.Printf("abandoning chip %v: %s", k, res.Err)
	lp.park(k)
	return n, true
}

// park sets a chip to its least sensitive configuration, with every
// channel masked.
func (lp *Loop) park(k asic.Key) {
	lp.st.Update(k, func(cfg *asic.Config) {
		cfg.Threshold = lp.p.thresholdWalk().quiet()
		cfg.PeriodicTrigger = 0
		cfg.PeriodicReset = 0
		for i := range cfg.Mask {
			cfg.Mask[i] = 1
			cfg.TriggerMask[i] = 1
		}
	})
}

// prepare sets up the configuration of a chip for a calibration mode.
func (lp *Loop) prepare(mode Mode, k asic.Key) {
	chans := lp.p.channels()
	lp.st.Update(k, func(cfg *asic.Config) {
		cfg.PeriodicTrigger = 0
		cfg.RollingPeriodicTrigger = 0
		cfg.PeriodicReset = 0
		cfg.RollingPeriodicReset = 0
		switch mode {
		case LeakageMode:
			cfg.Threshold = lp.p.Threshold
		case PedestalMode:
			cfg.Threshold = lp.p.thresholdWalk().quiet()
			cfg.HitVeto = 0
			cfg.PeriodicTrigger = 1
			cfg.RollingPeriodicTrigger = 1
			cfg.PeriodicReset = 1
			cfg.PeriodicTriggerCycles = lp.p.PeriodicTriggerCycles
			cfg.PeriodicResetCycles = lp.p.PeriodicResetCycles
		}
		for _, ch := range chans {
			cfg.EnableChannel(ch)
			if mode == PedestalMode {
				cfg.TriggerMask[ch] = 0
			}
		}
	})
}

func (lp *Loop) drainLimit(mode Mode, n int) float64 {
	if mode != PedestalMode || lp.p.PeriodicTriggerCycles == 0 {
		return lp.p.DrainLimit
	}
	return 1 + 1/(float64(lp.p.PeriodicTriggerCycles)*1e-7)*float64(n)
}

// exclude runs an iterative exclusion of the bad channels of a group of
// chips, classified by the detector of mode.
func (lp *Loop) exclude(mode Mode, grp []asic.Key) error {
	var (
		det     = mode.detector()
		limit   = lp.drainLimit(mode, len(grp))
		pending = lp.alive(grp)
		done    []asic.Key
	)
	for _, k := range pending {
		lp.prepare(mode, k)
	}
	lp.st.Commit()

	for len(pending) > 0 {
		s, _, err := lp.cycle(lp.p.Runtime, limit)
		if err != nil {
			return err
		}

		lp.enter(Deciding)
		var (
			adjust []asic.Key
			bads   = make(map[asic.Key][]uint8)
		)
		for _, k := range pending {
			dec := det.Classify(s, []Target{lp.target(k)}, lp.p)
			res := lp.result(k)
			res.Metric = dec.Metric
			res.InvalidFraction = dec.InvalidFraction
			bad := dec.Bad()
			if len(bad) == 0 {
				if dec.Pass && lp.active(k) {
					res.Status = StatusConverged
				}
				lp.msg.Printf("chip %v: %s (metric=%g, invalid=%g)", k, res.Status, dec.Metric, dec.InvalidFraction)
				done = append(done, k)
				continue
			}
			for _, ref := range bad {
				bads[k] = append(bads[k], ref.Channel)
			}
			adjust = append(adjust, k)
		}
		if len(adjust) == 0 {
			break
		}

		lp.enter(Adjusting)
		pending = pending[:0]
		ndis := 0
		for _, k := range adjust {
			n, abandon := lp.disable(k, bads[k]...)
			ndis += n
			switch {
			case abandon:
			case n == 0:
				done = append(done, k)
			default:
				pending = append(pending, k)
			}
		}
		if ndis > 0 {
			err = lp.settle()
			if err != nil {
				return err
			}
		}
	}

	if lp.p.Refine {
		err := lp.refine(det, done, limit)
		if err != nil {
			return err
		}
	}

	for _, k := range grp {
		if st := lp.result(k).Status; st == StatusConverged {
			lp.enter(Converged)
		}
		lp.park(k)
	}
	return nil
}

// refine re-measures converged chips with their final disabled
// channels and downgrades the ones failing the relaxed bounds.
func (lp *Loop) refine(det Detector, keys []asic.Key, limit float64) error {
	var conv []asic.Key
	for _, k := range keys {
		if lp.result(k).Status == StatusConverged {
			conv = append(conv, k)
		}
	}
	if len(conv) == 0 {
		return nil
	}

	s, _, err := lp.cycle(lp.p.Runtime, limit)
	if err != nil {
		return err
	}
	lp.enter(Deciding)
	for _, k := range conv {
		dec := det.Classify(s, []Target{lp.target(k)}, lp.p)
		if det.Relaxed(dec, lp.p) {
			continue
		}
		res := lp.result(k)
		res.Status = StatusPartial
		res.Metric = dec.Metric
		res.InvalidFraction = dec.InvalidFraction
		lp.msg.Printf("chip %v: refinement failed (metric=%g, invalid=%g)", k, dec.Metric, dec.InvalidFraction)
	}
	return nil
}
