// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xcfg

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/pixcal/calib"
)

func TestLoadDefaults(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "missing.yml")

	cfg, err := Load(fname, true)
	if err != nil {
		t.Fatalf("could not load defaults: %+v", err)
	}

	want := calib.DefaultPolicy()
	if got := cfg.Policy.TargetRate; got != want.TargetRate {
		t.Fatalf("invalid target rate: got=%v, want=%v", got, want.TargetRate)
	}
	if got := cfg.Policy.Runtime; got != want.Runtime {
		t.Fatalf("invalid runtime: got=%v, want=%v", got, want.Runtime)
	}
	if got := cfg.Policy.Benign; !reflect.DeepEqual(got, want.Benign) {
		t.Fatalf("invalid benign registers: got=%v, want=%v", got, want.Benign)
	}
	if got, want := cfg.Addr, "localhost:8080"; got != want {
		t.Fatalf("invalid addr: got=%q, want=%q", got, want)
	}

	_, err = Load(fname, false)
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()

	for _, tc := range []struct {
		name string
		data string
		err  string
		chk  func(t *testing.T, cfg Config)
	}{
		{
			name: "overrides",
			data: `network: net.json
db: pixcal
policy:
  target_rate: 5
  runtime: 500ms
  channels: [1, 2, 3]
  denominator: physical
  threshold: 60
notify:
  mqtt:
    broker: tcp://localhost:1883
`,
			chk: func(t *testing.T, cfg Config) {
				if got, want := cfg.Network, "net.json"; got != want {
					t.Fatalf("invalid network: got=%q, want=%q", got, want)
				}
				if got, want := cfg.DB, "pixcal"; got != want {
					t.Fatalf("invalid db: got=%q, want=%q", got, want)
				}
				p := cfg.Policy
				if got, want := p.TargetRate, 5.0; got != want {
					t.Fatalf("invalid target rate: got=%v, want=%v", got, want)
				}
				if got, want := p.Runtime, 500*time.Millisecond; got != want {
					t.Fatalf("invalid runtime: got=%v, want=%v", got, want)
				}
				if got, want := p.Channels, []uint8{1, 2, 3}; !reflect.DeepEqual(got, want) {
					t.Fatalf("invalid channels: got=%v, want=%v", got, want)
				}
				if got, want := p.Denominator, calib.Physical; got != want {
					t.Fatalf("invalid denominator: got=%q, want=%q", got, want)
				}
				if got, want := p.Threshold, uint8(60); got != want {
					t.Fatalf("invalid threshold: got=%d, want=%d", got, want)
				}
				// untouched values keep their defaults.
				if got, want := p.LeakageCut, calib.DefaultPolicy().LeakageCut; got != want {
					t.Fatalf("invalid leakage cut: got=%v, want=%v", got, want)
				}
				if got, want := cfg.Notify.MQTT.Broker, "tcp://localhost:1883"; got != want {
					t.Fatalf("invalid broker: got=%q, want=%q", got, want)
				}
				if got, want := cfg.Notify.MQTT.Topic, "pixcal/session"; got != want {
					t.Fatalf("invalid topic: got=%q, want=%q", got, want)
				}
			},
		},
		{
			name: "invalid-policy",
			data: "policy:\n  target_rate: -1\n",
			err:  "xcfg: invalid policy",
		},
		{
			name: "invalid-direction",
			data: "policy:\n  direction: sideways\n",
			err:  "calib: invalid walk direction",
		},
		{
			name: "invalid-yaml",
			data: "policy: [\n",
			err:  "xcfg: could not load",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(tmp, tc.name+".yml")
			err := os.WriteFile(fname, []byte(tc.data), 0644)
			if err != nil {
				t.Fatalf("could not create config file: %+v", err)
			}

			cfg, err := Load(fname, false)
			switch {
			case err != nil && tc.err != "":
				if !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("invalid error:\ngot= %v\nwant=%v", err, tc.err)
				}
				return
			case err != nil:
				t.Fatalf("could not load config: %+v", err)
			case tc.err != "":
				t.Fatalf("expected an error (%s)", tc.err)
			}
			tc.chk(t, cfg)
		})
	}
}

func TestCreate(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "pixcal.yml")

	cfg := Default()
	cfg.Network = "tile.json"
	cfg.Policy.TargetRate = 3
	cfg.Policy.Cooldown = 250 * time.Millisecond
	cfg.Policy.Parallel = true

	err := Create(fname, cfg)
	if err != nil {
		t.Fatalf("could not create config file: %+v", err)
	}

	got, err := Load(fname, false)
	if err != nil {
		t.Fatalf("could not reload config file: %+v", err)
	}

	if got.Network != cfg.Network {
		t.Fatalf("invalid network: got=%q, want=%q", got.Network, cfg.Network)
	}
	if got.Policy.TargetRate != 3 {
		t.Fatalf("invalid target rate: got=%v", got.Policy.TargetRate)
	}
	if got.Policy.Cooldown != cfg.Policy.Cooldown {
		t.Fatalf("invalid cooldown: got=%v, want=%v", got.Policy.Cooldown, cfg.Policy.Cooldown)
	}
	if !got.Policy.Parallel {
		t.Fatalf("invalid parallel flag")
	}
	if got.Policy.VDDA != cfg.Policy.VDDA {
		t.Fatalf("invalid vdda: got=%d, want=%d", got.Policy.VDDA, cfg.Policy.VDDA)
	}
}

func TestWrite(t *testing.T) {
	buf := new(bytes.Buffer)
	err := Write(buf, Default())
	if err != nil {
		t.Fatalf("could not write config: %+v", err)
	}

	for _, want := range []string{
		"target_rate: 2\n",
		"runtime: 2s\n",
		"denominator: configured\n",
		"topic: pixcal/session\n",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, buf.String())
		}
	}
}
