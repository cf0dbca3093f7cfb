// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/packet"
)

func allRegs() []uint16 {
	regs := make([]uint16, asic.NumRegisters)
	for i := range regs {
		regs[i] = uint16(i)
	}
	return regs
}

func TestTileRegisters(t *testing.T) {
	key := asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 11}
	tile := New([]asic.Key{key})

	cfg := asic.Default()
	cfg.Threshold = 42

	// unaddressed chips do not answer.
	err := tile.WriteRegisters(key, allRegs(), cfg.Registers())
	if err != nil {
		t.Fatalf("could not write registers: %+v", err)
	}
	_, err = tile.ReadRegisters(key, []uint16{asic.RegThreshold}, time.Millisecond)
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected a timeout, got=%+v", err)
	}

	err = tile.InitNetwork([]asic.Key{key})
	if err != nil {
		t.Fatalf("could not init network: %+v", err)
	}

	tile.DropWrites(1)
	_ = tile.WriteRegisters(key, allRegs(), cfg.Registers())
	vals, err := tile.ReadRegisters(key, []uint16{asic.RegThreshold}, time.Millisecond)
	if err != nil {
		t.Fatalf("could not read registers: %+v", err)
	}
	if got, want := vals[0], uint8(asic.MaxThreshold); got != want {
		t.Fatalf("dropped write was applied: got=%d, want=%d", got, want)
	}

	_ = tile.WriteRegisters(key, allRegs(), cfg.Registers())
	got, ok := tile.Config(key)
	if !ok {
		t.Fatalf("could not find chip %v", key)
	}
	if got.Threshold != 42 {
		t.Fatalf("invalid threshold: got=%d, want=42", got.Threshold)
	}

	tile.Stick(key, asic.RegVrefDAC, 3)
	vals, err = tile.ReadRegisters(key, []uint16{asic.RegVrefDAC}, time.Millisecond)
	if err != nil {
		t.Fatalf("could not read registers: %+v", err)
	}
	if vals[0] != 3 {
		t.Fatalf("invalid stuck register value: got=%d", vals[0])
	}

	err = tile.Reset(device.HardReset, 10240)
	if err != nil {
		t.Fatalf("could not hard reset: %+v", err)
	}
	if got := tile.Addressed(); len(got) != 0 {
		t.Fatalf("hard reset should clear chip addresses: %v", got)
	}
	if got, want := tile.Stats().HardResets, 1; got != want {
		t.Fatalf("invalid hard resets: got=%d, want=%d", got, want)
	}

	err = tile.WriteRegisters(asic.Key{ChipID: 99}, nil, nil)
	if err == nil {
		t.Fatalf("expected an error writing to an unknown chip")
	}
}

func TestTileAcquire(t *testing.T) {
	key := asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 11}
	tile := New(
		[]asic.Key{key},
		WithRate(func(key asic.Key, ch uint8, cfg asic.Config) float64 {
			if ch == 5 {
				return 10
			}
			return 0
		}),
	)
	_ = tile.InitNetwork([]asic.Key{key})

	cfg := asic.Default()
	cfg.EnableChannel(5)
	cfg.EnableChannel(6)
	_ = tile.WriteRegisters(key, allRegs(), cfg.Registers())

	ps, err := tile.Acquire(time.Second)
	if err != nil {
		t.Fatalf("could not acquire: %+v", err)
	}
	n := 0
	for _, p := range ps {
		if p.Type != packet.Data {
			continue
		}
		n++
		if p.Channel != 5 || !p.Valid() {
			t.Fatalf("invalid packet %v", p)
		}
	}
	if n != 10 {
		t.Fatalf("invalid number of data packets: got=%d, want=10", n)
	}

	// backlog was flushed.
	ps, _ = tile.Acquire(time.Second)
	if got, want := len(ps), 10; got != want {
		t.Fatalf("invalid number of packets: got=%d, want=%d", got, want)
	}

	tile.Corrupt(key, 5, 0.5)
	ps, _ = tile.Acquire(time.Second)
	bad := 0
	for _, p := range ps {
		if !p.Valid() {
			bad++
		}
	}
	if got, want := bad, 5; got != want {
		t.Fatalf("invalid number of corrupted packets: got=%d, want=%d", got, want)
	}

	tile.Flood(key, 1)
	ps, _ = tile.Acquire(100 * time.Millisecond)
	if got, want := len(ps), 1+int(FloodRate/10); got != want {
		t.Fatalf("invalid number of flood packets: got=%d, want=%d", got, want)
	}

	if got, want := tile.Now(), 3*time.Second+100*time.Millisecond; got != want {
		t.Fatalf("invalid virtual clock: got=%v, want=%v", got, want)
	}
}

func TestTilePedestal(t *testing.T) {
	key := asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 11}
	tile := New([]asic.Key{key}, WithADC(func(asic.Key, uint8) (float64, float64) {
		return 100, 0
	}))
	_ = tile.InitNetwork([]asic.Key{key})

	cfg := asic.Default()
	cfg.EnableChannel(0)
	cfg.TriggerMask[0] = 0
	cfg.PeriodicTrigger = 1
	cfg.PeriodicTriggerCycles = 100000 // 100 Hz
	_ = tile.WriteRegisters(key, allRegs(), cfg.Registers())
	_, _ = tile.Acquire(time.Millisecond)

	ps, _ := tile.Acquire(time.Second)
	if got, want := len(ps), 100; got != want {
		t.Fatalf("invalid number of packets: got=%d, want=%d", got, want)
	}
	for _, p := range ps {
		if p.Dataword != 100 {
			t.Fatalf("invalid pedestal value: %v", p)
		}
	}
}
