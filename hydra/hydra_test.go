// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hydra

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/go-lpc/pixcal/asic"
)

const network = `{
  "name": "tile-test",
  "network": {
    "miso_us_uart_map": [3, 0, 1, 2],
    "1": {
      "1": {"nodes": [
        {"chip_id": "ext", "miso_us": [null, null, 11, null]},
        {"chip_id": 11, "root": true, "miso_us": [null, 12, null, null]},
        {"chip_id": 12, "miso_us": [null, null, null, null]}
      ]},
      "6": {"nodes": [
        {"chip_id": 21, "root": true, "miso_us": [null, null, null, null]}
      ]}
    }
  }
}`

func TestParse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "network.json")
	err := os.WriteFile(fname, []byte(network), 0644)
	if err != nil {
		t.Fatalf("could not create network file: %+v", err)
	}

	net, err := Load(fname)
	if err != nil {
		t.Fatalf("could not load network: %+v", err)
	}

	if got, want := net.Name, "tile-test"; got != want {
		t.Fatalf("invalid name: got=%q, want=%q", got, want)
	}

	var (
		k11 = asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 11}
		k12 = asic.Key{IOGroup: 1, IOChannel: 1, ChipID: 12}
		k21 = asic.Key{IOGroup: 1, IOChannel: 6, ChipID: 21}
	)

	if got, want := net.Keys(), []asic.Key{k11, k12, k21}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid keys: got=%v, want=%v", got, want)
	}
	if got, want := net.Upstream(k11), []asic.Key{k12}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid upstream: got=%v, want=%v", got, want)
	}
	if got, want := net.Leaves(), []asic.Key{k12, k21}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid leaves: got=%v, want=%v", got, want)
	}
	if got, want := net.Tiles(), map[uint8][]int{1: {1, 2}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid tiles: got=%v, want=%v", got, want)
	}
	node, ok := net.Node(k11)
	if !ok || !node.Root {
		t.Fatalf("invalid root node: %+v", node)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"invalid-json", `{`},
		{"empty", `{"network": {}}`},
		{"bad-io-channel", `{"network": {"1": {"x": {"nodes": []}}}}`},
		{"unknown-upstream", `{"network": {"1": {"1": {"nodes": [{"chip_id": 11, "miso_us": [12]}]}}}}`},
		{"duplicate", `{"network": {"1": {"1": {"nodes": [{"chip_id": 11}, {"chip_id": 11}]}}}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.raw))
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSingle(t *testing.T) {
	net := Single(DefaultKey)
	if got, want := net.Keys(), []asic.Key{DefaultKey}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid keys: got=%v, want=%v", got, want)
	}
	if got, want := net.Len(), 1; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}
}
