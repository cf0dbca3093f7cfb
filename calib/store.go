// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"fmt"

	"github.com/go-lpc/pixcal/asic"
)

// Snapshot is the configuration of a set of chips.
type Snapshot map[asic.Key]asic.Config

// Store holds the intended configuration of every chip and the set of
// disabled channels.
//
// The disabled set only grows: restoring a snapshot never re-enables a
// disabled channel.
type Store struct {
	keys []asic.Key
	cfgs map[asic.Key]*asic.Config
	good Snapshot
	dis  *asic.Disabled
}

// NewStore creates a store for the provided chips, all with the same
// initial configuration. A nil disabled set defaults to the non-routed
// channels.
func NewStore(keys []asic.Key, init asic.Config, dis *asic.Disabled) *Store {
	if dis == nil {
		dis = asic.DefaultDisabled()
	}
	st := &Store{
		keys: append([]asic.Key(nil), keys...),
		cfgs: make(map[asic.Key]*asic.Config, len(keys)),
		dis:  dis.Clone(),
	}
	asic.SortKeys(st.keys)
	for _, k := range st.keys {
		cfg := init
		st.cfgs[k] = &cfg
	}
	st.Commit()
	return st
}

// Keys returns the sorted chips of the store.
func (st *Store) Keys() []asic.Key {
	return append([]asic.Key(nil), st.keys...)
}

// Has returns whether the store holds the chip.
func (st *Store) Has(key asic.Key) bool {
	_, ok := st.cfgs[key]
	return ok
}

// Config returns the intended configuration of a chip.
func (st *Store) Config(key asic.Key) asic.Config {
	cfg, ok := st.cfgs[key]
	if !ok {
		panic(fmt.Errorf("calib: unknown chip %v", key))
	}
	return *cfg
}

// Set replaces the intended configuration of a chip.
func (st *Store) Set(key asic.Key, cfg asic.Config) {
	if _, ok := st.cfgs[key]; !ok {
		panic(fmt.Errorf("calib: unknown chip %v", key))
	}
	st.cfgs[key] = &cfg
}

// Update modifies the intended configuration of a chip in place.
func (st *Store) Update(key asic.Key, f func(cfg *asic.Config)) {
	cfg, ok := st.cfgs[key]
	if !ok {
		panic(fmt.Errorf("calib: unknown chip %v", key))
	}
	f(cfg)
}

// Disabled returns a copy of the disabled channels set.
func (st *Store) Disabled() *asic.Disabled {
	return st.dis.Clone()
}

// IsDisabled returns whether the channel of a chip is disabled.
func (st *Store) IsDisabled(key asic.Key, ch uint8) bool {
	return st.dis.Has(key, ch)
}

// Disable adds channels to the disabled set of a chip and returns the
// number of newly disabled channels.
func (st *Store) Disable(key asic.Key, chans ...uint8) int {
	var fresh []uint8
	for _, ch := range chans {
		if !st.dis.Has(key, ch) {
			fresh = append(fresh, ch)
		}
	}
	return st.dis.Add(key.String(), fresh...)
}

// Active returns the channels of a chip among chans that are not disabled.
func (st *Store) Active(key asic.Key, chans []uint8) []uint8 {
	out := make([]uint8, 0, len(chans))
	for _, ch := range chans {
		if st.dis.Has(key, ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Candidate returns the configuration to write to a chip: its intended
// configuration with every disabled channel masked and turned off.
func (st *Store) Candidate(key asic.Key) asic.Config {
	return st.candidate(key, st.Config(key))
}

func (st *Store) candidate(key asic.Key, cfg asic.Config) asic.Config {
	for _, ch := range st.dis.Channels(key) {
		cfg.DisableChannel(ch)
	}
	return cfg
}

// Commit records the current configurations as known-good.
func (st *Store) Commit() {
	st.good = make(Snapshot, len(st.cfgs))
	for k, cfg := range st.cfgs {
		st.good[k] = *cfg
	}
}

// Good returns the last known-good configurations, with the disabled
// channels applied.
func (st *Store) Good() Snapshot {
	snap := make(Snapshot, len(st.good))
	for k, cfg := range st.good {
		snap[k] = st.candidate(k, cfg)
	}
	return snap
}

// Restore reloads the last known-good configurations.
func (st *Store) Restore() {
	for k, cfg := range st.good {
		cfg := cfg
		st.cfgs[k] = &cfg
	}
}

// Diff returns the registers of a read-back image that differ from the
// candidate configuration of a chip.
func (st *Store) Diff(key asic.Key, regs []uint8, skip []uint16) []uint16 {
	return asic.Diff(st.Candidate(key).Registers(), regs, skip)
}
