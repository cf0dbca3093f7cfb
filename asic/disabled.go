// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asic

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// AllChips is the sentinel key of a Disabled list whose channels apply
// to every chip.
const AllChips = "All"

// Disabled is the set of channels that must be kept disabled, indexed
// by chip key string.
// Sets only ever grow: channels are never removed.
type Disabled struct {
	set map[string]map[uint8]struct{}
}

// NewDisabled returns an empty disabled-channels set.
func NewDisabled() *Disabled {
	return &Disabled{set: make(map[string]map[uint8]struct{})}
}

// DefaultDisabled returns the disabled-channels set holding the
// non-routed channels for every chip.
func DefaultDisabled() *Disabled {
	d := NewDisabled()
	d.Add(AllChips, NonRouted...)
	return d
}

func normKey(key string) string {
	switch key {
	case "", "null", "None":
		return AllChips
	}
	return key
}

// Add adds the provided channels to the set of the given chip key and
// returns the number of channels that were not already present.
func (d *Disabled) Add(key string, chans ...uint8) int {
	key = normKey(key)
	set, ok := d.set[key]
	if !ok {
		set = make(map[uint8]struct{})
		d.set[key] = set
	}
	n := 0
	for _, ch := range chans {
		if _, dup := set[ch]; dup {
			continue
		}
		set[ch] = struct{}{}
		n++
	}
	return n
}

// Has returns whether the channel is disabled for the given chip,
// either explicitly or through the AllChips entry.
func (d *Disabled) Has(key Key, ch uint8) bool {
	if _, ok := d.set[AllChips][ch]; ok {
		return true
	}
	_, ok := d.set[key.String()][ch]
	return ok
}

// Channels returns the sorted list of channels disabled for the given
// chip, including the AllChips entry.
func (d *Disabled) Channels(key Key) []uint8 {
	var chans []uint8
	for ch := 0; ch < NumChannels; ch++ {
		if d.Has(key, uint8(ch)) {
			chans = append(chans, uint8(ch))
		}
	}
	return chans
}

// List returns the sorted channels explicitly recorded under key.
func (d *Disabled) List(key string) []uint8 {
	set := d.set[normKey(key)]
	chans := make([]uint8, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i] < chans[j] })
	return chans
}

// Keys returns the sorted list of keys of the set.
func (d *Disabled) Keys() []string {
	keys := make([]string, 0, len(d.set))
	for k := range d.set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of disabled channels, not counting the
// AllChips entry.
func (d *Disabled) Len() int {
	n := 0
	for k, set := range d.set {
		if k == AllChips {
			continue
		}
		n += len(set)
	}
	return n
}

// Count returns the number of channels explicitly recorded under key.
func (d *Disabled) Count(key string) int {
	return len(d.set[normKey(key)])
}

// Merge adds all the channels of o into d.
func (d *Disabled) Merge(o *Disabled) {
	if o == nil {
		return
	}
	for k, set := range o.set {
		for ch := range set {
			d.Add(k, ch)
		}
	}
}

// Clone returns a deep copy of d.
func (d *Disabled) Clone() *Disabled {
	o := NewDisabled()
	o.Merge(d)
	return o
}

// Refs returns the sorted list of explicitly disabled channels of
// concrete chips, skipping the AllChips entry.
func (d *Disabled) Refs() ([]ChannelRef, error) {
	var refs []ChannelRef
	for _, k := range d.Keys() {
		if k == AllChips {
			continue
		}
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		for _, ch := range d.List(k) {
			refs = append(refs, ChannelRef{Key: key, Channel: ch})
		}
	}
	return refs, nil
}

func (d *Disabled) MarshalJSON() ([]byte, error) {
	raw := make(map[string][]int, len(d.set))
	for _, k := range d.Keys() {
		chans := d.List(k)
		vs := make([]int, len(chans))
		for i, ch := range chans {
			vs[i] = int(ch)
		}
		raw[k] = vs
	}
	return json.Marshal(raw)
}

func (d *Disabled) UnmarshalJSON(p []byte) error {
	var raw map[string][]int
	err := json.Unmarshal(p, &raw)
	if err != nil {
		return fmt.Errorf("asic: could not decode disabled channels: %w", err)
	}
	d.set = make(map[string]map[uint8]struct{}, len(raw))
	for k, vs := range raw {
		if normKey(k) != AllChips {
			if _, err := ParseKey(k); err != nil {
				return err
			}
		}
		chans := make([]uint8, 0, len(vs))
		for _, v := range vs {
			if v < 0 || v >= NumChannels {
				return fmt.Errorf("asic: invalid channel %d for chip %q", v, k)
			}
			chans = append(chans, uint8(v))
		}
		d.Add(k, chans...)
	}
	return nil
}

// LoadDisabled reads a disabled-channels set from a JSON file.
func LoadDisabled(fname string) (*Disabled, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("asic: could not read disabled channels file: %w", err)
	}
	d := NewDisabled()
	err = json.Unmarshal(raw, d)
	if err != nil {
		return nil, fmt.Errorf("asic: could not load disabled channels %q: %w", fname, err)
	}
	return d, nil
}

// Save writes the disabled-channels set to a JSON file.
func (d *Disabled) Save(fname string) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("asic: could not encode disabled channels: %w", err)
	}
	err = os.WriteFile(fname, raw, 0644)
	if err != nil {
		return fmt.Errorf("asic: could not save disabled channels %q: %w", fname, err)
	}
	return nil
}
