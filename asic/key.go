// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key uniquely identifies a chip on the shared bus.
type Key struct {
	IOGroup   uint8 `json:"io_group"`
	IOChannel uint8 `json:"io_channel"`
	ChipID    uint8 `json:"chip_id"`
}

// ParseKey parses a chip key of the form "io_group-io_channel-chip_id".
func ParseKey(s string) (Key, error) {
	toks := strings.Split(s, "-")
	if len(toks) != 3 {
		return Key{}, fmt.Errorf("asic: invalid chip key %q", s)
	}
	var vs [3]uint8
	for i, tok := range toks {
		v, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 8)
		if err != nil {
			return Key{}, fmt.Errorf("asic: invalid chip key %q: %w", s, err)
		}
		vs[i] = uint8(v)
	}
	return Key{IOGroup: vs[0], IOChannel: vs[1], ChipID: vs[2]}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%d-%d-%d", k.IOGroup, k.IOChannel, k.ChipID)
}

// Tile returns the tile index hosting the io-channel of this chip.
// Four consecutive io-channels (starting at 1) make a tile.
func (k Key) Tile() int {
	if k.IOChannel == 0 {
		return 0
	}
	return (int(k.IOChannel)-1)/4 + 1
}

// Less orders keys by io-group, io-channel and chip id.
func (k Key) Less(o Key) bool {
	switch {
	case k.IOGroup != o.IOGroup:
		return k.IOGroup < o.IOGroup
	case k.IOChannel != o.IOChannel:
		return k.IOChannel < o.IOChannel
	default:
		return k.ChipID < o.ChipID
	}
}

// SortKeys sorts keys in place.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
}

// ChannelRef identifies a single channel of a chip.
type ChannelRef struct {
	Key     Key
	Channel uint8
}

func (ref ChannelRef) String() string {
	return fmt.Sprintf("%v/%d", ref.Key, ref.Channel)
}

// UniqueID returns the unique channel identifier used in reports:
//  channel + 100*(chip + 1000*(io_channel + 1000*io_group))
func (ref ChannelRef) UniqueID() uint64 {
	var (
		grp  = uint64(ref.Key.IOGroup)
		ioch = uint64(ref.Key.IOChannel)
		chip = uint64(ref.Key.ChipID)
	)
	return uint64(ref.Channel) + 100*(chip+1000*(ioch+1000*grp))
}

// ChannelRefFrom decodes a unique channel identifier.
func ChannelRefFrom(uid uint64) ChannelRef {
	return ChannelRef{
		Key: Key{
			IOGroup:   uint8((uid / (100 * 1000 * 1000)) % 1000),
			IOChannel: uint8((uid / (100 * 1000)) % 1000),
			ChipID:    uint8((uid / 100) % 1000),
		},
		Channel: uint8(uid % 100),
	}
}
