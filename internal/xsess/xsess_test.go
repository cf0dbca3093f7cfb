// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xsess

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/hydra"
	"github.com/go-lpc/pixcal/internal/xcfg"
)

const network = `{
  "name": "test",
  "network": {
    "1": {
      "1": {"nodes": [{"chip_id": "ext"}, {"chip_id": 11, "root": true, "miso_us": [12, null, null, null]}, {"chip_id": 12}]},
      "2": {"nodes": [{"chip_id": 21, "root": true}]}
    }
  }
}`

func testConfig(t *testing.T) xcfg.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := xcfg.Default()
	cfg.Network = filepath.Join(dir, "network.json")
	cfg.Output = filepath.Join(dir, "bad-channels.json")
	cfg.LCIO = filepath.Join(dir, "windows.lcio")
	cfg.Policy.Cooldown = 0
	cfg.Policy.RetryDelay = 0

	err := os.WriteFile(cfg.Network, []byte(network), 0644)
	if err != nil {
		t.Fatalf("could not create network file: %+v", err)
	}
	return cfg
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	env, err := Open(ctx, cfg, Options{
		Sim:  true,
		Rate: 1e6,
		Run:  7,
		Msg:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("could not open session: %+v", err)
	}
	defer env.Close()

	if got, want := env.Net.Keys(), []asic.Key{
		{IOGroup: 1, IOChannel: 1, ChipID: 11},
		{IOGroup: 1, IOChannel: 1, ChipID: 12},
		{IOGroup: 1, IOChannel: 2, ChipID: 21},
	}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid network:\ngot= %v\nwant=%v", got, want)
	}

	sum, err := env.Sess.Run(ctx, calib.LeakageMode, nil)
	if err != nil {
		t.Fatalf("could not run leakage calibration: %+v", err)
	}
	if !sum.OK() {
		t.Fatalf("calibration did not converge: %+v", sum.Chips)
	}

	err = env.Sess.Save(ctx, cfg.Output)
	if err != nil {
		t.Fatalf("could not save session: %+v", err)
	}

	err = env.Close()
	if err != nil {
		t.Fatalf("could not close session: %+v", err)
	}

	dis, err := asic.LoadDisabled(cfg.Output)
	if err != nil {
		t.Fatalf("could not load bad channels: %+v", err)
	}
	if got, want := dis.List(asic.AllChips), asic.NonRouted; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid bad channels:\ngot= %v\nwant=%v", got, want)
	}

	r, err := lcio.Open(cfg.LCIO)
	if err != nil {
		t.Fatalf("could not open acquisition log: %+v", err)
	}
	defer r.Close()

	n := 0
	for r.Next() {
		evt := r.Event()
		if got, want := evt.RunNumber, int32(7); got != want {
			t.Fatalf("invalid run number: got=%d, want=%d", got, want)
		}
		n++
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("could not read acquisition log: %+v", err)
	}
	if n == 0 {
		t.Fatalf("no window recorded")
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	msg := log.New(io.Discard, "", 0)

	cfg := testConfig(t)
	cfg.Network = filepath.Join(t.TempDir(), "missing.json")
	_, err := Open(ctx, cfg, Options{Sim: true, Msg: msg})
	if err == nil {
		t.Fatalf("expected an error for a missing network")
	}

	cfg = testConfig(t)
	cfg.Disabled = filepath.Join(t.TempDir(), "missing.json")
	_, err = Open(ctx, cfg, Options{Sim: true, Msg: msg})
	if err == nil {
		t.Fatalf("expected an error for missing prior bad channels")
	}
}

func TestDefaultNetwork(t *testing.T) {
	cfg := xcfg.Default()
	cfg.Policy.Cooldown = 0
	cfg.Policy.RetryDelay = 0

	env, err := Open(context.Background(), cfg, Options{Sim: true, Msg: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("could not open session: %+v", err)
	}
	defer env.Close()

	if got, want := env.Net.Keys(), []asic.Key{hydra.DefaultKey}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid network: got=%v, want=%v", got, want)
	}
}

func TestParseKeys(t *testing.T) {
	for _, tc := range []struct {
		str  string
		want []asic.Key
		err  bool
	}{
		{str: "", want: nil},
		{str: "1-1-11", want: []asic.Key{{IOGroup: 1, IOChannel: 1, ChipID: 11}}},
		{
			str: "1-1-11, 1-2-21,",
			want: []asic.Key{
				{IOGroup: 1, IOChannel: 1, ChipID: 11},
				{IOGroup: 1, IOChannel: 2, ChipID: 21},
			},
		},
		{str: "1-1", err: true},
	} {
		t.Run(tc.str, func(t *testing.T) {
			got, err := ParseKeys(tc.str)
			switch {
			case err != nil && tc.err:
				return
			case err != nil:
				t.Fatalf("could not parse keys: %+v", err)
			case tc.err:
				t.Fatalf("expected an error")
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid keys: got=%v, want=%v", got, tc.want)
			}
		})
	}
}
