// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides a simulated tile of pixel chips, with a
// configurable trigger-rate model and fault injection.
package sim // import "github.com/go-lpc/pixcal/sim"

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/packet"
)

// RateFunc returns the self-trigger rate (in Hz) of an enabled channel.
type RateFunc func(key asic.Key, ch uint8, cfg asic.Config) float64

// ADCFunc returns the pedestal mean and standard deviation of a channel.
type ADCFunc func(key asic.Key, ch uint8) (mean, std float64)

// DefaultRate is a noise model where the rate falls exponentially with
// the distance between the effective threshold and the pedestal.
func DefaultRate(key asic.Key, ch uint8, cfg asic.Config) float64 {
	eff := float64(cfg.Threshold) + float64(cfg.Trim[ch])
	return math.Min(1e3, 1e3*math.Exp(-(eff-40)/4))
}

// DefaultADC returns a quiet pedestal for every channel.
func DefaultADC(key asic.Key, ch uint8) (mean, std float64) {
	return 80, 1.5
}

// FloodRate is the per-channel rate of a chip stuck in a runaway state.
const FloodRate = 2e4

// Stats holds counters of the operations performed on a Tile.
type Stats struct {
	Writes       int
	Reads        int
	Acquisitions int
	SoftResets   int
	HardResets   int
}

type chip struct {
	key       asic.Key
	regs      []uint8
	addressed bool
	flood     int // flooding channel, -1 if none
	status    uint8
}

func (c *chip) config() asic.Config {
	var cfg asic.Config
	_ = cfg.FromRegisters(c.regs)
	return cfg
}

type stuck struct {
	key asic.Key
	reg uint16
}

// Tile is a simulated set of chips implementing device.Device.
type Tile struct {
	mu    sync.Mutex
	keys  []asic.Key
	chips map[asic.Key]*chip

	rate     RateFunc
	adc      ADCFunc
	rnd      *rand.Rand
	realtime bool

	now     time.Duration // virtual clock
	backlog []packet.Packet

	dropWrites   int
	timeoutReads int
	stuck        map[stuck]uint8
	leak         map[asic.ChannelRef]float64
	invalid      map[asic.ChannelRef]float64
	power        map[[2]int][2]uint32

	stats Stats
}

// Option configures a Tile.
type Option func(t *Tile)

// WithRate sets the rate model of the tile.
func WithRate(f RateFunc) Option {
	return func(t *Tile) { t.rate = f }
}

// WithADC sets the pedestal model of the tile.
func WithADC(f ADCFunc) Option {
	return func(t *Tile) { t.adc = f }
}

// WithSeed seeds the pedestal noise generator.
func WithSeed(seed int64) Option {
	return func(t *Tile) { t.rnd = rand.New(rand.NewSource(seed)) }
}

// WithRealTime makes acquisitions block for their duration.
func WithRealTime() Option {
	return func(t *Tile) { t.realtime = true }
}

// New returns a powered-on tile with the provided chips.
// Chips need to be addressed with InitNetwork before they answer.
func New(keys []asic.Key, opts ...Option) *Tile {
	t := &Tile{
		keys:    append([]asic.Key(nil), keys...),
		chips:   make(map[asic.Key]*chip, len(keys)),
		rate:    DefaultRate,
		adc:     DefaultADC,
		rnd:     rand.New(rand.NewSource(1234)),
		stuck:   make(map[stuck]uint8),
		leak:    make(map[asic.ChannelRef]float64),
		invalid: make(map[asic.ChannelRef]float64),
		power:   make(map[[2]int][2]uint32),
	}
	asic.SortKeys(t.keys)
	for _, k := range t.keys {
		t.chips[k] = &chip{key: k, regs: asic.Default().Registers(), flood: -1}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keys returns the chips of the tile.
func (t *Tile) Keys() []asic.Key {
	return append([]asic.Key(nil), t.keys...)
}

// Config returns the configuration currently held by a chip.
func (t *Tile) Config(key asic.Key) (asic.Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chips[key]
	if !ok {
		return asic.Config{}, false
	}
	return c.config(), true
}

// Stats returns the operation counters.
func (t *Tile) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Now returns the elapsed virtual time.
func (t *Tile) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// Power returns the supply DAC values set for a tile.
func (t *Tile) Power(iog uint8, tile int) (vdda, vddd uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.power[[2]int{int(iog), tile}]
	return v[0], v[1], ok
}

// DropWrites silently drops the next n register writes.
func (t *Tile) DropWrites(n int) {
	t.mu.Lock()
	t.dropWrites += n
	t.mu.Unlock()
}

// TimeoutReads makes the next n register reads time out.
func (t *Tile) TimeoutReads(n int) {
	t.mu.Lock()
	t.timeoutReads += n
	t.mu.Unlock()
}

// Stick makes a register of a chip always read back as v.
func (t *Tile) Stick(key asic.Key, reg uint16, v uint8) {
	t.mu.Lock()
	t.stuck[stuck{key, reg}] = v
	t.mu.Unlock()
}

// Leak adds a constant self-trigger rate (in Hz) to a channel, whatever
// its threshold.
func (t *Tile) Leak(key asic.Key, ch uint8, hz float64) {
	t.mu.Lock()
	t.leak[asic.ChannelRef{Key: key, Channel: ch}] = hz
	t.mu.Unlock()
}

// Corrupt makes a fraction of the packets of a channel carry an
// invalid parity bit.
func (t *Tile) Corrupt(key asic.Key, ch uint8, frac float64) {
	t.mu.Lock()
	t.invalid[asic.ChannelRef{Key: key, Channel: ch}] = frac
	t.mu.Unlock()
}

// Flood puts a chip in a runaway state where the provided channel
// triggers at FloodRate until the next hard reset.
func (t *Tile) Flood(key asic.Key, ch uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.chips[key]; ok {
		c.flood = int(ch)
	}
}

func (t *Tile) chip(key asic.Key) (*chip, error) {
	c, ok := t.chips[key]
	if !ok {
		return nil, fmt.Errorf("sim: unknown chip %v", key)
	}
	return c, nil
}

func (t *Tile) WriteRegisters(key asic.Key, regs []uint16, vals []uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(regs) != len(vals) {
		return fmt.Errorf("sim: register/value length mismatch (regs=%d, vals=%d)", len(regs), len(vals))
	}
	c, err := t.chip(key)
	if err != nil {
		return err
	}
	t.stats.Writes++
	if t.dropWrites > 0 {
		t.dropWrites--
		return nil
	}
	if !c.addressed {
		return nil
	}
	for i, reg := range regs {
		if int(reg) >= asic.NumRegisters {
			return fmt.Errorf("sim: invalid register %d", reg)
		}
		if reg == asic.RegStatus {
			continue
		}
		c.regs[reg] = vals[i]
	}
	for _, reg := range regs {
		t.backlog = append(t.backlog, packet.Packet{
			IOGroup:   key.IOGroup,
			IOChannel: key.IOChannel,
			Type:      packet.ConfigWrite,
			ChipID:    key.ChipID,
			Dataword:  c.regs[reg],
			Timestamp: uint32(reg),
		})
	}
	return nil
}

func (t *Tile) ReadRegisters(key asic.Key, regs []uint16, timeout time.Duration) ([]uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.chip(key)
	if err != nil {
		return nil, err
	}
	t.stats.Reads++
	if t.timeoutReads > 0 || !c.addressed {
		if t.timeoutReads > 0 {
			t.timeoutReads--
		}
		t.now += timeout
		return nil, fmt.Errorf("sim: no read-back from %v: %w", key, device.ErrTimeout)
	}

	c.status++
	vals := make([]uint8, len(regs))
	for i, reg := range regs {
		if int(reg) >= asic.NumRegisters {
			return nil, fmt.Errorf("sim: invalid register %d", reg)
		}
		v := c.regs[reg]
		if reg == asic.RegStatus {
			v = c.status
		}
		if sv, ok := t.stuck[stuck{key, reg}]; ok {
			v = sv
		}
		vals[i] = v
	}
	return vals, nil
}

func (t *Tile) Acquire(d time.Duration) ([]packet.Packet, error) {
	if t.realtime {
		time.Sleep(d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Acquisitions++
	out := t.backlog
	t.backlog = nil

	t0 := t.now
	t.now += d
	secs := d.Seconds()

	for _, key := range t.keys {
		c := t.chips[key]
		if !c.addressed {
			continue
		}
		cfg := c.config()
		for ch := 0; ch < asic.NumChannels; ch++ {
			var (
				ref  = asic.ChannelRef{Key: key, Channel: uint8(ch)}
				hz   float64
				trig float64
			)
			if cfg.Enable[ch] == 1 && cfg.Mask[ch] == 0 {
				hz = t.rate(key, uint8(ch), cfg) + t.leak[ref]
			}
			if c.flood == ch {
				hz += FloodRate
			}
			if cfg.PeriodicTrigger == 1 && cfg.PeriodicTriggerCycles > 0 &&
				cfg.TriggerMask[ch] == 0 && cfg.Mask[ch] == 0 && cfg.Enable[ch] == 1 {
				trig = 1 / (float64(cfg.PeriodicTriggerCycles) * 1e-7)
			}
			out = append(out, t.emit(ref, hz*secs, trig*secs, t0, d)...)
		}
	}
	return out, nil
}

func (t *Tile) emit(ref asic.ChannelRef, nhits, ntrigs float64, t0, d time.Duration) []packet.Packet {
	n := int(math.Floor(nhits + 0.5))
	m := int(math.Floor(ntrigs + 0.5))
	if n+m == 0 {
		return nil
	}

	var (
		ps      = make([]packet.Packet, 0, n+m)
		every   = 0
		mean, s = t.adc(ref.Key, ref.Channel)
		dt      = d / time.Duration(n+m)
	)
	if frac := t.invalid[ref]; frac > 0 {
		every = int(math.Max(1, math.Floor(1/frac+0.5)))
	}
	for i := 0; i < n+m; i++ {
		adc := 0.0
		if i >= n {
			adc = mean + s*t.rnd.NormFloat64()
		} else {
			adc = mean + 40 + 5*t.rnd.NormFloat64()
		}
		adc = math.Max(0, math.Min(255, math.Floor(adc+0.5)))
		ts := uint32(((t0 + time.Duration(i)*dt) / 100) & (1<<31 - 1)) // 10 MHz clock
		p := packet.New(ref.Key, ref.Channel, ts, uint8(adc))
		if every > 0 && i%every == 0 {
			p.Parity ^= 1
		}
		ps = append(ps, p)
	}
	return ps
}

func (t *Tile) Reset(kind device.ResetKind, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if length <= 0 {
		return fmt.Errorf("sim: invalid reset length %d", length)
	}
	t.backlog = nil
	switch kind {
	case device.SoftReset:
		t.stats.SoftResets++
	case device.HardReset:
		t.stats.HardResets++
		for _, c := range t.chips {
			c.regs = asic.Default().Registers()
			c.addressed = false
			c.flood = -1
		}
	default:
		return fmt.Errorf("sim: invalid reset kind %v", kind)
	}
	return nil
}

func (t *Tile) SetPower(iog uint8, tile int, vdda, vddd uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tile < 1 || tile > 8 {
		return fmt.Errorf("sim: invalid tile %d", tile)
	}
	t.power[[2]int{int(iog), tile}] = [2]uint32{vdda, vddd}
	return nil
}

// InitNetwork addresses the provided chips.
func (t *Tile) InitNetwork(keys []asic.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		c, err := t.chip(k)
		if err != nil {
			return err
		}
		c.addressed = true
	}
	return nil
}

// Addressed returns the sorted list of addressed chips.
func (t *Tile) Addressed() []asic.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []asic.Key
	for k, c := range t.chips {
		if c.addressed {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (t *Tile) Close() error { return nil }

var (
	_ device.Device    = (*Tile)(nil)
	_ device.Networker = (*Tile)(nil)
)
