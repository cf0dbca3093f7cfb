// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/pixcal/internal/xcfg"
)

func TestMkConf(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "pixcal.yml")

	err := xmain(new(bytes.Buffer), []string{"-mkconf", "-cfg", fname})
	if err != nil {
		t.Fatalf("could not create configuration: %+v", err)
	}

	cfg, err := xcfg.Load(fname, false)
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}
	if got, want := cfg.Policy.TargetRate, xcfg.Default().Policy.TargetRate; got != want {
		t.Fatalf("invalid target rate: got=%v, want=%v", got, want)
	}
}

func TestRunSim(t *testing.T) {
	tmp := t.TempDir()
	var (
		cfgName = filepath.Join(tmp, "pixcal.yml")
		oname   = filepath.Join(tmp, "bad-channels.json")
		jsum    = filepath.Join(tmp, "summary.json")
	)

	cfg := xcfg.Default()
	cfg.Policy.Cooldown = 0
	cfg.Policy.RetryDelay = 0
	err := xcfg.Create(cfgName, cfg)
	if err != nil {
		t.Fatalf("could not create configuration: %+v", err)
	}

	for _, mode := range []string{"leakage", "pedestal"} {
		t.Run(mode, func(t *testing.T) {
			out := new(bytes.Buffer)
			err := xmain(out, []string{
				"-cfg", cfgName, "-sim",
				"-mode", mode,
				"-o", oname,
				"-summary", jsum,
			})
			if err != nil {
				t.Fatalf("could not run calibration: %+v", err)
			}

			if !strings.Contains(out.String(), "1-1-2") {
				t.Fatalf("missing chip in summary table:\n%s", out.String())
			}
			if !strings.Contains(out.String(), "converged") {
				t.Fatalf("chip did not converge:\n%s", out.String())
			}

			_, err = os.Stat(oname)
			if err != nil {
				t.Fatalf("missing bad-channels file: %+v", err)
			}

			raw, err := os.ReadFile(jsum)
			if err != nil {
				t.Fatalf("could not read summary: %+v", err)
			}
			var sum struct {
				Mode string `json:"mode"`
			}
			err = json.Unmarshal(raw, &sum)
			if err != nil {
				t.Fatalf("could not decode summary: %+v", err)
			}
			if got, want := sum.Mode, mode; got != want {
				t.Fatalf("invalid mode: got=%q, want=%q", got, want)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	cfgName := filepath.Join(t.TempDir(), "pixcal.yml")
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"invalid-mode", []string{"-cfg", cfgName, "-sim", "-mode", "sideways"}},
		{"invalid-chips", []string{"-cfg", cfgName, "-sim", "-chips", "1-1"}},
		{"unknown-chip", []string{"-cfg", cfgName, "-sim", "-chips", "1-1-3"}},
		{"invalid-flag", []string{"-not-a-flag"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := xmain(new(bytes.Buffer), tc.args)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
