// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hydra describes the readout network of a tile: the chips
// attached to each io-channel of each io-group and the links between
// them.
package hydra // import "github.com/go-lpc/pixcal/hydra"

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/go-lpc/pixcal/asic"
	"golang.org/x/xerrors"
)

// Default single-chip network address, used when no network
// description is provided.
var DefaultKey = asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 2}

// Node is a chip of a network chain.
type Node struct {
	ChipID   uint8
	Root     bool    // whether the chip is directly attached to the io-channel
	Upstream []uint8 // chips sending their data through this one
}

// Network is a read-only description of the readout network.
type Network struct {
	Name string

	chains map[asic.Key]*Node // keyed by full chip address
	links  map[asic.Key][]asic.Key
}

// Single returns a network made of a single root chip.
func Single(key asic.Key) *Network {
	net := &Network{
		Name:   "single",
		chains: make(map[asic.Key]*Node),
		links:  make(map[asic.Key][]asic.Key),
	}
	net.chains[key] = &Node{ChipID: key.ChipID, Root: true}
	return net
}

// Load loads a network description from the named JSON file.
func Load(fname string) (*Network, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, xerrors.Errorf("hydra: could not open network file: %w", err)
	}
	defer f.Close()

	net, err := Parse(f)
	if err != nil {
		return nil, xerrors.Errorf("hydra: could not load network %q: %w", fname, err)
	}
	return net, nil
}

type jsonNode struct {
	ChipID  interface{}   `json:"chip_id"`
	Root    bool          `json:"root"`
	MISOUps []interface{} `json:"miso_us"`
}

type jsonChain struct {
	Nodes []jsonNode `json:"nodes"`
}

// Parse decodes a network description.
//
// The expected layout is:
//  {"name": "...", "network": {"<io_group>": {"<io_channel>": {"nodes": [...]}}}}
// where each node holds a "chip_id", an optional "root" flag and the
// list of upstream chip ids on its "miso_us" links (null when unused).
// Nodes with a non-numerical chip id (external controller) are skipped.
func Parse(r io.Reader) (*Network, error) {
	var raw struct {
		Name    string                     `json:"name"`
		Network map[string]json.RawMessage `json:"network"`
	}
	err := json.NewDecoder(r).Decode(&raw)
	if err != nil {
		return nil, xerrors.Errorf("hydra: could not decode network: %w", err)
	}

	net := &Network{
		Name:   raw.Name,
		chains: make(map[asic.Key]*Node),
		links:  make(map[asic.Key][]asic.Key),
	}

	for sgrp, msg := range raw.Network {
		grp, err := strconv.ParseUint(sgrp, 10, 8)
		if err != nil {
			// not an io-group (e.g. "miso_us_uart_map").
			continue
		}
		var chans map[string]jsonChain
		err = json.Unmarshal(msg, &chans)
		if err != nil {
			return nil, xerrors.Errorf("hydra: could not decode io-group %q: %w", sgrp, err)
		}
		for sch, chain := range chans {
			ioch, err := strconv.ParseUint(sch, 10, 8)
			if err != nil {
				return nil, xerrors.Errorf("hydra: invalid io-channel %q in io-group %q: %w", sch, sgrp, err)
			}
			for _, n := range chain.Nodes {
				id, ok := chipID(n.ChipID)
				if !ok {
					continue
				}
				key := asic.Key{IOGroup: uint8(grp), IOChannel: uint8(ioch), ChipID: id}
				if _, dup := net.chains[key]; dup {
					return nil, xerrors.Errorf("hydra: duplicate chip %v", key)
				}
				node := &Node{ChipID: id, Root: n.Root}
				for _, v := range n.MISOUps {
					up, ok := chipID(v)
					if !ok {
						continue
					}
					node.Upstream = append(node.Upstream, up)
					net.links[key] = append(net.links[key], asic.Key{
						IOGroup: key.IOGroup, IOChannel: key.IOChannel, ChipID: up,
					})
				}
				net.chains[key] = node
			}
		}
	}

	for key, ups := range net.links {
		for _, up := range ups {
			if _, ok := net.chains[up]; !ok {
				return nil, xerrors.Errorf("hydra: chip %v has unknown upstream chip %v", key, up)
			}
		}
	}

	if len(net.chains) == 0 {
		return nil, xerrors.Errorf("hydra: empty network")
	}

	return net, nil
}

func chipID(v interface{}) (uint8, bool) {
	switch v := v.(type) {
	case float64:
		if v < 0 || v > 255 || v != float64(int(v)) {
			return 0, false
		}
		return uint8(v), true
	default:
		return 0, false
	}
}

// Keys returns the sorted list of chips of the network.
func (net *Network) Keys() []asic.Key {
	keys := make([]asic.Key, 0, len(net.chains))
	for k := range net.chains {
		keys = append(keys, k)
	}
	asic.SortKeys(keys)
	return keys
}

// Len returns the number of chips in the network.
func (net *Network) Len() int { return len(net.chains) }

// Node returns the description of the provided chip.
func (net *Network) Node(key asic.Key) (Node, bool) {
	n, ok := net.chains[key]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Upstream returns the chips sending their data through key.
func (net *Network) Upstream(key asic.Key) []asic.Key {
	ups := append([]asic.Key(nil), net.links[key]...)
	asic.SortKeys(ups)
	return ups
}

// Leaves returns the sorted list of chips with no upstream chip.
func (net *Network) Leaves() []asic.Key {
	var keys []asic.Key
	for _, k := range net.Keys() {
		if len(net.links[k]) == 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// IOChannels returns the sorted io-channels in use, per io-group.
func (net *Network) IOChannels() map[uint8][]uint8 {
	seen := make(map[uint8]map[uint8]struct{})
	for k := range net.chains {
		if seen[k.IOGroup] == nil {
			seen[k.IOGroup] = make(map[uint8]struct{})
		}
		seen[k.IOGroup][k.IOChannel] = struct{}{}
	}
	out := make(map[uint8][]uint8, len(seen))
	for grp, set := range seen {
		chs := make([]uint8, 0, len(set))
		for ch := range set {
			chs = append(chs, ch)
		}
		sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
		out[grp] = chs
	}
	return out
}

// Tiles returns the sorted tiles in use, per io-group.
func (net *Network) Tiles() map[uint8][]int {
	out := make(map[uint8][]int)
	for grp, chs := range net.IOChannels() {
		seen := make(map[int]struct{})
		for _, ch := range chs {
			tile := asic.Key{IOChannel: ch}.Tile()
			if _, dup := seen[tile]; dup {
				continue
			}
			seen[tile] = struct{}{}
			out[grp] = append(out[grp], tile)
		}
		sort.Ints(out[grp])
	}
	return out
}
