// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/packet"
	"gonum.org/v1/gonum/stat"
)

// Recorder logs the content of measurement windows.
type Recorder interface {
	Record(name string, d time.Duration, ps []packet.Packet) error
}

// Sample is the content of one acquisition window.
// Only data packets are retained.
type Sample struct {
	Duration time.Duration
	Packets  []packet.Packet
}

// NewSample returns the sample made of the data packets of ps.
func NewSample(d time.Duration, ps []packet.Packet) *Sample {
	s := &Sample{Duration: d, Packets: make([]packet.Packet, 0, len(ps))}
	for _, p := range ps {
		if p.Type != packet.Data {
			continue
		}
		s.Packets = append(s.Packets, p)
	}
	return s
}

func (s *Sample) secs() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return s.Duration.Seconds()
}

// Total returns the number of data packets.
func (s *Sample) Total() int { return len(s.Packets) }

// Rate returns the total data rate (in Hz).
func (s *Sample) Rate() float64 {
	if s.secs() == 0 {
		return 0
	}
	return float64(len(s.Packets)) / s.secs()
}

// Keys returns the sorted list of chips that emitted packets.
func (s *Sample) Keys() []asic.Key {
	set := make(map[asic.Key]struct{})
	for _, p := range s.Packets {
		set[p.Key()] = struct{}{}
	}
	keys := make([]asic.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	asic.SortKeys(keys)
	return keys
}

// Counts returns the number of packets per channel of the chips in keys.
// A nil keys selects all chips.
func (s *Sample) Counts(keys []asic.Key) map[asic.ChannelRef]int {
	return s.count(keys, func(packet.Packet) bool { return true })
}

// InvalidCounts returns the number of parity-invalid packets per
// channel of the chips in keys.
func (s *Sample) InvalidCounts(keys []asic.Key) map[asic.ChannelRef]int {
	return s.count(keys, func(p packet.Packet) bool { return !p.Valid() })
}

func (s *Sample) count(keys []asic.Key, sel func(p packet.Packet) bool) map[asic.ChannelRef]int {
	var set map[asic.Key]struct{}
	if keys != nil {
		set = make(map[asic.Key]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	out := make(map[asic.ChannelRef]int)
	for _, p := range s.Packets {
		if set != nil {
			if _, ok := set[p.Key()]; !ok {
				continue
			}
		}
		if !sel(p) {
			continue
		}
		out[asic.ChannelRef{Key: p.Key(), Channel: p.Channel}]++
	}
	return out
}

// ChannelRate returns the rate of a channel (in Hz).
func (s *Sample) ChannelRate(ref asic.ChannelRef) float64 {
	if s.secs() == 0 {
		return 0
	}
	n := 0
	for _, p := range s.Packets {
		if p.Channel == ref.Channel && p.Key() == ref.Key {
			n++
		}
	}
	return float64(n) / s.secs()
}

// Rates returns the rate of every channel of the chips in keys (in Hz).
func (s *Sample) Rates(keys []asic.Key) map[asic.ChannelRef]float64 {
	cnts := s.Counts(keys)
	out := make(map[asic.ChannelRef]float64, len(cnts))
	if s.secs() == 0 {
		return out
	}
	for ref, n := range cnts {
		out[ref] = float64(n) / s.secs()
	}
	return out
}

// ADCStats returns the mean and population standard deviation of the
// ADC words of the parity-valid packets of a channel, and their number.
func (s *Sample) ADCStats(ref asic.ChannelRef) (mean, std float64, n int) {
	var xs []float64
	for _, p := range s.Packets {
		if p.Channel != ref.Channel || p.Key() != ref.Key || !p.Valid() {
			continue
		}
		xs = append(xs, float64(p.Dataword))
	}
	if len(xs) == 0 {
		return 0, 0, 0
	}
	mean, std = stat.PopMeanStdDev(xs, nil)
	return mean, std, len(xs)
}

// Sampler acquires measurement windows from a device.
type Sampler struct {
	dev  device.Device
	msg  *log.Logger
	alog Recorder
	n    int
}

// NewSampler returns a sampler reading from dev.
// A nil recorder disables the acquisition log.
func NewSampler(dev device.Device, msg *log.Logger, alog Recorder) *Sampler {
	if msg == nil {
		msg = log.New(os.Stdout, "calib: ", 0)
	}
	return &Sampler{dev: dev, msg: msg, alog: alog}
}

// Acquire collects the packets received during d.
// Acquire does not modify the configuration of the chips.
func (smp *Sampler) Acquire(d time.Duration) (*Sample, error) {
	ps, err := smp.dev.Acquire(d)
	if err != nil {
		return nil, fmt.Errorf("calib: could not acquire data: %w", err)
	}
	smp.n++
	if smp.alog != nil {
		err = smp.alog.Record(fmt.Sprintf("window-%d", smp.n), d, ps)
		if err != nil {
			return nil, fmt.Errorf("calib: could not record window: %w", err)
		}
	}
	return NewSample(d, ps), nil
}

// Drain acquires and discards windows of duration d until the rate of
// received packets falls at or below limit (in Hz), for at most n
// windows. Drain returns the number of windows acquired.
func (smp *Sampler) Drain(d time.Duration, limit float64, n int) (int, error) {
	if d <= 0 {
		return 0, nil
	}
	for i := 0; i < n; i++ {
		ps, err := smp.dev.Acquire(d)
		if err != nil {
			return i, fmt.Errorf("calib: could not drain data: %w", err)
		}
		if float64(len(ps))/d.Seconds() <= limit {
			return i + 1, nil
		}
	}
	return n, nil
}

// hottest returns the channels sharing the largest count.
func hottest(cnts map[asic.ChannelRef]int) []asic.ChannelRef {
	var (
		refs []asic.ChannelRef
		best = 0
	)
	for ref, n := range cnts {
		switch {
		case n > best:
			best = n
			refs = append(refs[:0], ref)
		case n == best && n > 0:
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)
	return refs
}

func sortRefs(refs []asic.ChannelRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Key != refs[j].Key {
			return refs[i].Key.Less(refs[j].Key)
		}
		return refs[i].Channel < refs[j].Channel
	})
}
