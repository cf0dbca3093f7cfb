// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lciolog writes acquisition windows as LCIO events.
package lciolog // import "github.com/go-lpc/pixcal/internal/lciolog"

import (
	"fmt"
	"time"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/pixcal/packet"
)

const (
	// Detector is the detector name of the LCIO run header and events.
	Detector = "PIXCAL"
	// Collection is the name of the collection holding the packets.
	Collection = "PIXCAL_PACKETS"
)

// number of int32 words per packet in a collection.
const nwords = 8

// Logger writes every recorded window as an LCIO event.
type Logger struct {
	w   *lcio.Writer
	run int32
	n   int32
}

// Create creates the named LCIO file and writes the header of run.
func Create(fname string, run int32) (*Logger, error) {
	w, err := lcio.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("lciolog: could not create %q: %w", fname, err)
	}

	err = w.WriteRunHeader(&lcio.RunHeader{
		RunNumber: run,
		Detector:  Detector,
		Descr:     "pixel ASIC calibration windows",
		Params: lcio.Params{
			Strings: map[string][]string{
				"Layout": {"io_group", "io_channel", "chip_id", "channel", "type", "timestamp", "dataword", "parity"},
			},
		},
	})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("lciolog: could not write run header: %w", err)
	}

	return &Logger{w: w, run: run}, nil
}

// Record writes the packets of the window name, of duration d.
func (l *Logger) Record(name string, d time.Duration, ps []packet.Packet) error {
	evt := lcio.Event{
		RunNumber:   l.run,
		EventNumber: l.n,
		TimeStamp:   time.Now().UnixNano(),
		Detector:    Detector,
		Params: lcio.Params{
			Strings: map[string][]string{"Window": {name}},
			Floats:  map[string][]float32{"Duration": {float32(d.Seconds())}},
		},
	}

	raw := &lcio.GenericObject{
		Data: make([]lcio.GenericObjectData, len(ps)),
	}
	for i, p := range ps {
		raw.Data[i].I32s = []int32{
			int32(p.IOGroup), int32(p.IOChannel),
			int32(p.ChipID), int32(p.Channel),
			int32(p.Type), int32(p.Timestamp),
			int32(p.Dataword), int32(p.Parity),
		}
	}
	evt.Add(Collection, raw)

	err := l.w.WriteEvent(&evt)
	if err != nil {
		return fmt.Errorf("lciolog: could not write window %q: %w", name, err)
	}
	l.n++
	return nil
}

// Close flushes and closes the LCIO file.
func (l *Logger) Close() error {
	err := l.w.Close()
	if err != nil {
		return fmt.Errorf("lciolog: could not close LCIO file: %w", err)
	}
	return nil
}

// Packets decodes the packets recorded in evt.
func Packets(evt *lcio.Event) ([]packet.Packet, error) {
	if !evt.Has(Collection) {
		return nil, fmt.Errorf("lciolog: no %q collection in event %d", Collection, evt.EventNumber)
	}
	raw, ok := evt.Get(Collection).(*lcio.GenericObject)
	if !ok {
		return nil, fmt.Errorf("lciolog: invalid %q collection type %T", Collection, evt.Get(Collection))
	}

	ps := make([]packet.Packet, len(raw.Data))
	for i, data := range raw.Data {
		vs := data.I32s
		if len(vs) != nwords {
			return nil, fmt.Errorf(
				"lciolog: invalid packet %d in event %d (words=%d)",
				i, evt.EventNumber, len(vs),
			)
		}
		ps[i] = packet.Packet{
			IOGroup:   uint8(vs[0]),
			IOChannel: uint8(vs[1]),
			ChipID:    uint8(vs[2]),
			Channel:   uint8(vs[3]),
			Type:      packet.Type(vs[4]),
			Timestamp: uint32(vs[5]),
			Dataword:  uint8(vs[6]),
			Parity:    uint8(vs[7]),
		}
	}
	return ps, nil
}
