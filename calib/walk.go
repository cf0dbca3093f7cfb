// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"github.com/go-lpc/pixcal/asic"
)

// classify runs the rate-walk detector on the active channels of a chip.
func (lp *Loop) classify(s *Sample, k asic.Key) Decision {
	dec := RateWalk{}.Classify(s, []Target{lp.target(k)}, lp.p)
	res := lp.result(k)
	res.Metric = dec.Metric
	return dec
}

// hot returns the hottest channels of a chip above the target rate.
func (lp *Loop) hot(s *Sample, k asic.Key) []uint8 {
	dec := lp.classify(s, k)
	if len(dec.Channels) == 0 {
		return nil
	}
	cnts := make(map[asic.ChannelRef]int, len(dec.Channels))
	all := s.Counts([]asic.Key{k})
	for ref := range dec.Channels {
		cnts[ref] = all[ref]
	}
	refs := hottest(cnts)
	chans := make([]uint8, len(refs))
	for i, ref := range refs {
		chans[i] = ref.Channel
	}
	return chans
}

func (lp *Loop) threshold(k asic.Key) uint8 {
	return lp.st.Config(k).Threshold
}

func (lp *Loop) setThreshold(k asic.Key, v uint8) {
	lp.st.Update(k, func(cfg *asic.Config) { cfg.Threshold = v })
}

// walkThreshold walks the global threshold of a group of chips down to
// the most sensitive value keeping every channel at or below the
// target rate.
//
// The walk first disables the channels already above target at the
// least sensitive threshold. It then steps every chip toward higher
// sensitivity. A chip found above target steps back once and stops;
// no other chip moves during that iteration. A final pass steps back
// the chips found above target again, at most IncreasePasses times.
func (lp *Loop) walkThreshold(grp []asic.Key) error {
	var (
		w     = lp.p.thresholdWalk()
		keys  = lp.alive(grp)
		limit = lp.p.DrainLimit
	)
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		lp.prepare(ThresholdMode, k)
		lp.setThreshold(k, w.quiet())
	}
	lp.st.Commit()

	for {
		s, _, err := lp.cycle(lp.p.Runtime/10, limit)
		if err != nil {
			return err
		}
		lp.enter(Deciding)
		ndis := 0
		for _, k := range lp.alive(keys) {
			chans := lp.hot(s, k)
			if len(chans) == 0 {
				continue
			}
			lp.enter(Adjusting)
			n, _ := lp.disable(k, chans...)
			ndis += n
		}
		if ndis == 0 {
			break
		}
		err = lp.settle()
		if err != nil {
			return err
		}
	}

	walking := make(map[asic.Key]bool)
	for _, k := range lp.alive(keys) {
		walking[k] = true
	}
	for len(walking) > 0 {
		s, runaway, err := lp.cycle(lp.p.Runtime, limit)
		if err != nil {
			return err
		}
		for _, k := range runaway {
			if walking[k] {
				lp.msg.Printf("chip %v: runaway rate, stopping at threshold %d", k, lp.threshold(k))
				delete(walking, k)
			}
		}

		lp.enter(Deciding)
		reached := false
		for _, k := range keys {
			if !walking[k] {
				continue
			}
			if lp.result(k).Status == StatusFailed {
				delete(walking, k)
				continue
			}
			dec := lp.classify(s, k)
			if dec.Pass {
				continue
			}
			lp.enter(Adjusting)
			lp.setThreshold(k, w.quieter(lp.threshold(k)))
			delete(walking, k)
			reached = true
		}
		if reached {
			continue
		}

		lp.enter(Adjusting)
		for _, k := range keys {
			if !walking[k] {
				continue
			}
			v, ok := w.sensitive(lp.threshold(k))
			if !ok {
				delete(walking, k)
				continue
			}
			lp.setThreshold(k, v)
		}
	}

	conv := make(map[asic.Key]bool)
	for i := 0; i < lp.p.IncreasePasses; i++ {
		s, _, err := lp.cycle(lp.p.Runtime, limit)
		if err != nil {
			return err
		}
		lp.enter(Deciding)
		changed := false
		for _, k := range lp.alive(keys) {
			dec := lp.classify(s, k)
			conv[k] = dec.Pass
			if dec.Pass {
				continue
			}
			cur := lp.threshold(k)
			if v := w.quieter(cur); v != cur {
				lp.enter(Adjusting)
				lp.setThreshold(k, v)
				conv[k] = false
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	lp.conclude(keys, conv)
	return nil
}

// walkTrim walks the trim of every channel of a group of chips toward
// higher sensitivity, until each channel reaches the target rate.
//
// A channel found above target steps back and stops walking; it keeps
// stepping back while above target. A channel still above the disable
// threshold at the least sensitive trim is disabled.
//
// With seed, chips still at the least sensitive threshold are first
// moved to the policy threshold. A walked threshold is never seeded.
func (lp *Loop) walkTrim(grp []asic.Key, seed bool) error {
	var (
		w     = lp.p.trimWalk()
		keys  = lp.alive(grp)
		limit = lp.p.DrainLimit
		quiet = w.quiet()

		stopped = make(map[asic.ChannelRef]bool)
		conv    = make(map[asic.Key]bool)
	)
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		lp.prepare(TrimMode, k)
		lp.st.Update(k, func(cfg *asic.Config) {
			if seed && cfg.Threshold == lp.p.thresholdWalk().quiet() {
				cfg.Threshold = lp.p.Threshold
			}
			for _, ch := range lp.p.channels() {
				cfg.Trim[ch] = quiet
			}
		})
	}
	lp.st.Commit()

	niter := 2*(int(w.max)-int(w.min)+1) + lp.p.IncreasePasses
	for i := 0; i < niter; i++ {
		s, runaway, err := lp.cycle(lp.p.Runtime, limit)
		if err != nil {
			return err
		}
		for _, k := range runaway {
			for _, ch := range lp.p.channels() {
				stopped[asic.ChannelRef{Key: k, Channel: ch}] = true
			}
		}

		lp.enter(Deciding)
		var (
			changed = false
			ndis    = 0
			rates   = s.Rates(keys)
		)
		for _, k := range lp.alive(keys) {
			var (
				cfg  = lp.st.Config(k)
				dis  []uint8
				pass = true
			)
			for _, ch := range lp.target(k).Channels {
				ref := asic.ChannelRef{Key: k, Channel: ch}
				hz := rates[ref]
				cur := cfg.Trim[ch]
				switch {
				case hz > lp.p.TargetRate:
					pass = false
					stopped[ref] = true
					if cur == quiet {
						if hz > lp.p.DisableThreshold {
							dis = append(dis, ch)
						}
						continue
					}
					cfg.Trim[ch] = w.quieter(cur)
				case !stopped[ref]:
					v, ok := w.sensitive(cur)
					if !ok {
						stopped[ref] = true
						continue
					}
					cfg.Trim[ch] = v
				}
			}
			if cfg == lp.st.Config(k) && len(dis) == 0 {
				conv[k] = pass
				continue
			}
			conv[k] = false
			changed = true
			lp.enter(Adjusting)
			lp.st.Set(k, cfg)
			if len(dis) > 0 {
				n, _ := lp.disable(k, dis...)
				ndis += n
			}
		}
		if ndis > 0 {
			changed = true
			err = lp.settle()
			if err != nil {
				return err
			}
		}
		if !changed {
			break
		}
	}
	lp.conclude(keys, conv)
	return nil
}

// conclude sets the status of the walked chips that were not abandoned.
// A chip left without enabled channels is never converged.
func (lp *Loop) conclude(keys []asic.Key, conv map[asic.Key]bool) {
	for _, k := range keys {
		res := lp.result(k)
		if res.Status == StatusFailed {
			continue
		}
		res.Status = StatusPartial
		if conv[k] && lp.active(k) {
			res.Status = StatusConverged
			lp.enter(Converged)
		}
		lp.msg.Printf("chip %v: %s (threshold=%d, metric=%g)", k, res.Status, lp.threshold(k), res.Metric)
	}
}
