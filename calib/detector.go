// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"github.com/go-lpc/pixcal/asic"
)

// Verdict is the classification of a channel.
type Verdict uint8

const (
	OK Verdict = iota
	Noisy
	Invalid // noisy through parity-invalid packets
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case Noisy:
		return "noisy"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Target is a chip and its channels under calibration.
type Target struct {
	Key      asic.Key
	Channels []uint8 // enabled channels
	Nconf    int     // configured channels, disabled ones included
}

// Decision is the classification of the channels of a sample.
type Decision struct {
	Channels map[asic.ChannelRef]Verdict // non-OK channels

	Metric          float64 // aggregate metric of the detector
	InvalidFraction float64
	Pass            bool // whether the aggregate metrics are within bounds
}

// Bad returns the sorted list of channels to disable.
func (dec Decision) Bad() []asic.ChannelRef {
	refs := make([]asic.ChannelRef, 0, len(dec.Channels))
	for ref, v := range dec.Channels {
		if v == OK {
			continue
		}
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs
}

// Detector classifies the channels of a sample.
// Classify must not modify the sample and must return the same
// decision when called twice with the same inputs.
type Detector interface {
	Classify(s *Sample, targets []Target, p Policy) Decision
	// Relaxed reports whether a decision passes the relaxed bounds of a
	// refinement measurement.
	Relaxed(dec Decision, p Policy) bool
}

func targetKeys(targets []Target) []asic.Key {
	keys := make([]asic.Key, len(targets))
	for i, t := range targets {
		keys[i] = t.Key
	}
	return keys
}

func monitored(targets []Target) map[asic.ChannelRef]struct{} {
	set := make(map[asic.ChannelRef]struct{})
	for _, t := range targets {
		for _, ch := range t.Channels {
			set[asic.ChannelRef{Key: t.Key, Channel: ch}] = struct{}{}
		}
	}
	return set
}

func restrict(cnts map[asic.ChannelRef]int, set map[asic.ChannelRef]struct{}) map[asic.ChannelRef]int {
	out := make(map[asic.ChannelRef]int, len(cnts))
	for ref, n := range cnts {
		if _, ok := set[ref]; ok {
			out[ref] = n
		}
	}
	return out
}

// Leakage classifies channels from their self-trigger rate.
//
// When the average rate per channel exceeds the leakage cut, the
// channels with the most packets (all of them, in case of a tie) are
// noisy. Independently, when the fraction of parity-invalid packets
// exceeds the invalid cut, the channels with the most invalid packets
// are flagged too.
type Leakage struct{}

func (Leakage) Classify(s *Sample, targets []Target, p Policy) Decision {
	var (
		keys  = targetKeys(targets)
		set   = monitored(targets)
		cnts  = s.Counts(keys)
		bads  = s.InvalidCounts(keys)
		total = 0
		nbad  = 0
		nchan = 0
		dec   = Decision{Channels: make(map[asic.ChannelRef]Verdict)}
	)
	for _, n := range cnts {
		total += n
	}
	for _, n := range bads {
		nbad += n
	}
	switch p.Denominator {
	case Physical:
		nchan = asic.NumChannels * len(targets)
	default:
		for _, t := range targets {
			n := t.Nconf
			if n == 0 {
				n = len(t.Channels)
			}
			nchan += n
		}
	}

	if nchan > 0 && s.secs() > 0 {
		dec.Metric = float64(total) / s.secs() / float64(nchan)
	}
	if total > 0 {
		dec.InvalidFraction = float64(nbad) / float64(total)
	}

	if dec.Metric > p.LeakageCut {
		for _, ref := range hottest(restrict(cnts, set)) {
			dec.Channels[ref] = Noisy
		}
	}

	invalid := make(map[asic.ChannelRef]Verdict)
	if dec.InvalidFraction > p.InvalidCut {
		for _, ref := range hottest(restrict(bads, set)) {
			invalid[ref] = Invalid
		}
	}
	for ref, v := range invalid {
		if _, dup := dec.Channels[ref]; dup {
			continue
		}
		dec.Channels[ref] = v
	}

	dec.Pass = dec.Metric <= p.LeakageCut && dec.InvalidFraction <= p.InvalidCut
	return dec
}

func (Leakage) Relaxed(dec Decision, p Policy) bool {
	return dec.Metric <= p.RelaxedLeakage*p.LeakageCut &&
		dec.InvalidFraction <= p.RelaxedInvalid*p.InvalidCut
}

// Pedestal classifies channels from the ADC statistics of periodic
// triggers.
//
// Channels with at least 2 parity-valid samples are noisy if their mean
// is at or above the baseline cut, or if their standard deviation is at
// or above the noise cut or exactly zero (a stuck channel). Each cut
// is only applied when enabled by the policy.
type Pedestal struct{}

func (Pedestal) Classify(s *Sample, targets []Target, p Policy) Decision {
	dec := Decision{Channels: make(map[asic.ChannelRef]Verdict)}
	for _, t := range targets {
		for _, ch := range t.Channels {
			ref := asic.ChannelRef{Key: t.Key, Channel: ch}
			mean, std, n := s.ADCStats(ref)
			if n < 2 {
				continue
			}
			noisy := false
			if p.ApplyBaselineCut && mean >= p.BaselineCut {
				noisy = true
			}
			if p.ApplyNoiseCut && (std >= p.NoiseCut || std == 0) {
				noisy = true
			}
			if noisy {
				dec.Channels[ref] = Noisy
			}
		}
	}
	var (
		keys = targetKeys(targets)
		tot  = 0
		bad  = 0
	)
	for _, n := range s.Counts(keys) {
		tot += n
	}
	for _, n := range s.InvalidCounts(keys) {
		bad += n
	}
	if tot > 0 {
		dec.InvalidFraction = float64(bad) / float64(tot)
	}
	dec.Metric = float64(len(dec.Channels))
	dec.Pass = len(dec.Channels) == 0
	return dec
}

func (Pedestal) Relaxed(dec Decision, p Policy) bool { return dec.Pass }

// RateWalk flags every channel triggering above the target rate.
// It drives the threshold and trim walks.
type RateWalk struct{}

func (RateWalk) Classify(s *Sample, targets []Target, p Policy) Decision {
	var (
		set   = monitored(targets)
		rates = s.Rates(targetKeys(targets))
		dec   = Decision{Channels: make(map[asic.ChannelRef]Verdict)}
	)
	for ref, hz := range rates {
		if _, ok := set[ref]; !ok {
			continue
		}
		if hz > dec.Metric {
			dec.Metric = hz
		}
		if hz > p.TargetRate {
			dec.Channels[ref] = Noisy
		}
	}
	dec.Pass = len(dec.Channels) == 0
	return dec
}

func (RateWalk) Relaxed(dec Decision, p Policy) bool {
	return dec.Metric <= p.RelaxedLeakage*p.TargetRate
}

var (
	_ Detector = (*Leakage)(nil)
	_ Detector = (*Pedestal)(nil)
	_ Detector = (*RateWalk)(nil)
)
