// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"errors"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/sim"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func testPolicy() Policy {
	p := DefaultPolicy()
	p.RetryDelay = 0
	p.Cooldown = 0
	return p
}

func newTile(t *testing.T, keys []asic.Key, opts ...sim.Option) *sim.Tile {
	t.Helper()
	tile := sim.New(keys, opts...)
	err := tile.InitNetwork(keys)
	if err != nil {
		t.Fatalf("could not init network: %+v", err)
	}
	return tile
}

func TestEnforcerApply(t *testing.T) {
	cand := Base()
	cand.Threshold = 42
	cand.EnableChannel(3)

	for _, tc := range []struct {
		name  string
		fault func(tile *sim.Tile)
		want  error
		regs  []uint16
	}{
		{
			name:  "ok",
			fault: func(*sim.Tile) {},
		},
		{
			name:  "lossy-writes",
			fault: func(tile *sim.Tile) { tile.DropWrites(3) },
		},
		{
			name:  "lossy-reads",
			fault: func(tile *sim.Tile) { tile.TimeoutReads(15) },
		},
		{
			name:  "benign-status",
			fault: func(tile *sim.Tile) { tile.Stick(k112, asic.RegStatus, 0xff) },
		},
		{
			name:  "mismatch",
			fault: func(tile *sim.Tile) { tile.Stick(k112, asic.RegVrefDAC, 3) },
			want:  ErrConfigMismatch,
			regs:  []uint16{asic.RegVrefDAC},
		},
		{
			name: "mismatch-2",
			fault: func(tile *sim.Tile) {
				tile.Stick(k112, asic.RegThreshold, 0)
				tile.Stick(k112, asic.RegTrim+5, 0)
			},
			want: ErrConfigMismatch,
			regs: []uint16{asic.RegTrim + 5, asic.RegThreshold},
		},
		{
			name:  "timeout",
			fault: func(tile *sim.Tile) { tile.TimeoutReads(1000) },
			want:  ErrTransportTimeout,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tile := newTile(t, []asic.Key{k112})
			tc.fault(tile)

			enf := NewEnforcer(tile, testPolicy(), discard())
			err := enf.Apply(k112, cand)
			switch {
			case tc.want == nil && err != nil:
				t.Fatalf("could not apply configuration: %+v", err)
			case tc.want != nil && !errors.Is(err, tc.want):
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
			if tc.want == nil {
				got, _ := tile.Config(k112)
				if got.Threshold != 42 || got.Enable[3] != 1 || got.Mask[3] != 0 {
					t.Fatalf("configuration not applied: %+v", got)
				}
			}

			var fault *ConfigFault
			if errors.As(err, &fault) {
				if fault.Key != k112 {
					t.Fatalf("invalid faulty chip: got=%v, want=%v", fault.Key, k112)
				}
				if !reflect.DeepEqual(fault.Registers, tc.regs) {
					t.Fatalf("invalid mismatched registers:\ngot= %v\nwant=%v", fault.Registers, tc.regs)
				}
			}

			if tc.want == ErrTransportTimeout && !errors.Is(err, device.ErrTimeout) {
				t.Fatalf("transport error should wrap device timeout: %+v", err)
			}
		})
	}
}

func TestEnforcerRetries(t *testing.T) {
	tile := newTile(t, []asic.Key{k112})
	tile.Stick(k112, asic.RegVcmDAC, 0)

	p := testPolicy()
	p.MaxRetries = 4
	p.VerifyReads = 3
	p.RedundantWrites = 2

	err := NewEnforcer(tile, p, discard()).Apply(k112, Base())
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected a mismatch, got=%+v", err)
	}
	st := tile.Stats()
	if got, want := st.Writes, 4*2; got != want {
		t.Fatalf("invalid number of writes: got=%d, want=%d", got, want)
	}
	if got, want := st.Reads, 4*3; got != want {
		t.Fatalf("invalid number of reads: got=%d, want=%d", got, want)
	}
}

type brokenWrites struct {
	device.Device
	n int
}

func (dev *brokenWrites) WriteRegisters(key asic.Key, regs []uint16, vals []uint8) error {
	dev.n++
	return errBroken
}

var errBroken = errors.New("bus disconnected")

func TestEnforcerDeviceError(t *testing.T) {
	dev := &brokenWrites{Device: newTile(t, []asic.Key{k112})}

	p := testPolicy()
	p.MaxRetries = 5

	err := NewEnforcer(dev, p, discard()).Apply(k112, Base())
	switch {
	case err == nil:
		t.Fatalf("expected an error")
	case !errors.Is(err, errBroken):
		t.Fatalf("invalid error: got=%+v, want=%+v", err, errBroken)
	case errors.Is(err, ErrConfigMismatch), errors.Is(err, ErrTransportTimeout):
		t.Fatalf("device error reported as a retryable fault: %+v", err)
	}
	if got, want := dev.n, 1; got != want {
		t.Fatalf("invalid number of write attempts: got=%d, want=%d", got, want)
	}
}

func TestStore(t *testing.T) {
	k2 := asic.Key{IOGroup: 1, IOChannel: 2, ChipID: 11}
	st := NewStore([]asic.Key{k2, k112}, Base(), nil)

	if got, want := st.Keys(), []asic.Key{k112, k2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid keys: got=%v, want=%v", got, want)
	}

	st.Update(k112, func(cfg *asic.Config) {
		for _, ch := range allChannels() {
			cfg.EnableChannel(ch)
		}
		cfg.Threshold = 100
	})
	cand := st.Candidate(k112)
	for _, ch := range asic.NonRouted {
		if cand.Enable[ch] != 0 || cand.Mask[ch] != 1 {
			t.Fatalf("non-routed channel %d not disabled", ch)
		}
	}
	if cand.Enable[0] != 1 || cand.Mask[0] != 0 {
		t.Fatalf("channel 0 should be enabled")
	}

	if got, want := st.Disable(k112, 0, 1, 6), 2; got != want {
		t.Fatalf("invalid number of disabled channels: got=%d, want=%d", got, want)
	}
	if got := st.Disable(k112, 0); got != 0 {
		t.Fatalf("channel disabled twice")
	}

	// restoring the known-good snapshot does not re-enable channels.
	st.Restore()
	if got := st.Config(k112).Threshold; got != asic.MaxThreshold {
		t.Fatalf("invalid restored threshold: got=%d", got)
	}
	good := st.Good()[k112]
	if good.Enable[0] != 0 || good.Mask[1] != 1 {
		t.Fatalf("known-good snapshot re-enabled disabled channels")
	}
	if !st.IsDisabled(k2, 6) || st.IsDisabled(k2, 0) {
		t.Fatalf("invalid disabled set")
	}

	cand = st.Candidate(k112)
	regs := cand.Registers()
	regs[asic.RegThreshold] = 1
	regs[asic.RegStatus] = 42
	if got, want := st.Diff(k112, regs, asic.Benign), []uint16{asic.RegThreshold}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid diff: got=%v, want=%v", got, want)
	}
}

func TestWalk(t *testing.T) {
	lower := walk{min: 10, max: 12, dir: LowerIsSensitive}
	if got := lower.quiet(); got != 12 {
		t.Fatalf("invalid quiet value: %d", got)
	}
	if v, ok := lower.sensitive(11); !ok || v != 10 {
		t.Fatalf("invalid sensitive step: %d, %v", v, ok)
	}
	if _, ok := lower.sensitive(10); ok {
		t.Fatalf("walk should stop at the end of the range")
	}
	if got := lower.quieter(12); got != 12 {
		t.Fatalf("quieter should saturate: %d", got)
	}

	higher := walk{min: 10, max: 12, dir: HigherIsSensitive}
	if got := higher.quiet(); got != 10 {
		t.Fatalf("invalid quiet value: %d", got)
	}
	if v, ok := higher.sensitive(11); !ok || v != 12 {
		t.Fatalf("invalid sensitive step: %d, %v", v, ok)
	}
	if got := higher.quieter(11); got != 10 {
		t.Fatalf("invalid quieter step: %d", got)
	}
}
