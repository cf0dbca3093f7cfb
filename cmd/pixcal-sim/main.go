// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixcal-sim serves a simulated tile of pixel chips over TCP.
//
// Faults can be injected on the simulated channels:
//
//	$> pixcal-sim -addr :8080 -net network.json \
//	     -leak 1-1-11:10=500,1-1-12:3=50 \
//	     -corrupt 1-1-11:20=0.5 \
//	     -flood 1-1-12:33
package main // import "github.com/go-lpc/pixcal/cmd/pixcal-sim"

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/hydra"
	"github.com/go-lpc/pixcal/sim"
)

func main() {
	log.SetPrefix("pixcal-sim: ")
	log.SetFlags(0)

	var (
		addr     = flag.String("addr", ":8080", "[ip]:port to listen on")
		netName  = flag.String("net", "", "path to the network description file")
		seed     = flag.Int64("seed", 1234, "seed of the pedestal noise generator")
		realtime = flag.Bool("realtime", false, "make acquisitions last their requested duration")
		leak     = flag.String("leak", "", "comma-separated list of leaky channels (key:channel=Hz)")
		corrupt  = flag.String("corrupt", "", "comma-separated list of corrupted channels (key:channel=fraction)")
		flood    = flag.String("flood", "", "comma-separated list of flooding channels (key:channel)")
	)

	flag.Parse()

	tile, err := newTile(*netName, *seed, *realtime, *leak, *corrupt, *flood)
	if err != nil {
		log.Fatalf("could not create simulated tile: %+v", err)
	}

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("could not listen on %q: %+v", *addr, err)
	}

	log.Printf("serving %d chips on %q...", len(tile.Keys()), l.Addr())
	err = device.NewServer(tile, log.New(os.Stdout, "pixcal-sim: ", 0)).Serve(l)
	if err != nil {
		log.Fatalf("could not serve simulated tile: %+v", err)
	}
}

func newTile(netName string, seed int64, realtime bool, leak, corrupt, flood string) (*sim.Tile, error) {
	nw := hydra.Single(hydra.DefaultKey)
	if netName != "" {
		var err error
		nw, err = hydra.Load(netName)
		if err != nil {
			return nil, fmt.Errorf("could not load network: %w", err)
		}
	}

	opts := []sim.Option{sim.WithSeed(seed)}
	if realtime {
		opts = append(opts, sim.WithRealTime())
	}
	tile := sim.New(nw.Keys(), opts...)

	leaks, err := parseFaults(leak, true)
	if err != nil {
		return nil, fmt.Errorf("could not parse leaky channels: %w", err)
	}
	for _, f := range leaks {
		tile.Leak(f.ref.Key, f.ref.Channel, f.val)
	}

	corrupts, err := parseFaults(corrupt, true)
	if err != nil {
		return nil, fmt.Errorf("could not parse corrupted channels: %w", err)
	}
	for _, f := range corrupts {
		tile.Corrupt(f.ref.Key, f.ref.Channel, f.val)
	}

	floods, err := parseFaults(flood, false)
	if err != nil {
		return nil, fmt.Errorf("could not parse flooding channels: %w", err)
	}
	for _, f := range floods {
		tile.Flood(f.ref.Key, f.ref.Channel)
	}

	return tile, nil
}

type fault struct {
	ref asic.ChannelRef
	val float64
}

// parseFaults parses a list of "key:channel[=value]" items.
func parseFaults(s string, withValue bool) ([]fault, error) {
	var fs []fault
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		var f fault
		if withValue {
			i := strings.LastIndex(tok, "=")
			if i < 0 {
				return nil, fmt.Errorf("missing value in %q", tok)
			}
			v, err := strconv.ParseFloat(tok[i+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value in %q: %w", tok, err)
			}
			f.val = v
			tok = tok[:i]
		}

		i := strings.LastIndex(tok, ":")
		if i < 0 {
			return nil, fmt.Errorf("missing channel in %q", tok)
		}
		key, err := asic.ParseKey(tok[:i])
		if err != nil {
			return nil, err
		}
		ch, err := strconv.ParseUint(tok[i+1:], 10, 8)
		if err != nil || ch >= asic.NumChannels {
			return nil, fmt.Errorf("invalid channel in %q", tok)
		}
		f.ref = asic.ChannelRef{Key: key, Channel: uint8(ch)}
		fs = append(fs, f)
	}
	return fs, nil
}
