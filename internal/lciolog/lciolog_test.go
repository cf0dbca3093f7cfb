// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lciolog

import (
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/packet"
)

func TestLogger(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "windows.lcio")

	key := asic.Key{IOGroup: 1, IOChannel: 2, ChipID: 13}
	bad := packet.New(key, 63, 1<<30, 255)
	bad.Parity ^= 1

	windows := []struct {
		name string
		ps   []packet.Packet
	}{
		{
			name: "window-1",
			ps: []packet.Packet{
				packet.New(key, 0, 10, 42),
				packet.New(asic.Key{IOGroup: 2, IOChannel: 40, ChipID: 250}, 12, 20, 0),
				bad,
			},
		},
		{
			name: "window-2",
			ps: []packet.Packet{
				{IOGroup: 1, IOChannel: 2, Type: packet.Test, ChipID: 13},
			},
		},
	}

	w, err := Create(fname, 42)
	if err != nil {
		t.Fatalf("could not create acquisition log: %+v", err)
	}
	defer w.Close()

	for _, win := range windows {
		err = w.Record(win.name, 100*time.Millisecond, win.ps)
		if err != nil {
			t.Fatalf("could not record %s: %+v", win.name, err)
		}
	}

	err = w.Close()
	if err != nil {
		t.Fatalf("could not close acquisition log: %+v", err)
	}

	r, err := lcio.Open(fname)
	if err != nil {
		t.Fatalf("could not open acquisition log: %+v", err)
	}
	defer r.Close()

	i := 0
	for r.Next() {
		evt := r.Event()
		if i >= len(windows) {
			t.Fatalf("too many events")
		}
		win := windows[i]
		if got, want := evt.RunNumber, int32(42); got != want {
			t.Fatalf("invalid run number: got=%d, want=%d", got, want)
		}
		if got, want := evt.EventNumber, int32(i); got != want {
			t.Fatalf("invalid event number: got=%d, want=%d", got, want)
		}
		if got, want := evt.Params.Strings["Window"], []string{win.name}; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid window name: got=%q, want=%q", got, want)
		}

		ps, err := Packets(&evt)
		if err != nil {
			t.Fatalf("could not decode packets of %s: %+v", win.name, err)
		}
		if !reflect.DeepEqual(ps, win.ps) {
			t.Fatalf("invalid packets for %s:\ngot= %v\nwant=%v", win.name, ps, win.ps)
		}
		i++
	}

	err = r.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("could not read acquisition log: %+v", err)
	}

	if got, want := i, len(windows); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}
	if ps, _ := Packets(&lcio.Event{}); ps != nil {
		t.Fatalf("expected no packets from an empty event")
	}
}
