// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// pixcal-dump decodes and displays acquisition windows embedded in LCIO files.
//
// Usage: pixcal-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> pixcal-dump ./windows.slcio
//	=== window leakage (run=7, evt=0) ===
//	Duration:       0.500s
//	Packets:            12
//	  chip=1-1-2   data=    12 test=     0 cfg=     0 invalid=     0
//	[...]
package main // import "github.com/go-lpc/pixcal/cmd/pixcal-dump"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"go-hep.org/x/hep/lcio"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/internal/lciolog"
	"github.com/go-lpc/pixcal/packet"
)

const usage = `pixcal-dump decodes and displays acquisition windows embedded in LCIO files.

Usage: pixcal-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> pixcal-dump ./windows.slcio
 === window leakage (run=7, evt=0) ===
 Duration:       0.500s
 Packets:            12
   chip=1-1-2   data=    12 test=     0 cfg=     0 invalid=     0
 [...]

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("pixcal-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("pixcal-dump", flag.ExitOnError)

		verbose = fset.Bool("v", false, "display every packet")
	)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *verbose)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

type counts struct {
	data    int
	test    int
	cfg     int
	invalid int
}

func process(w io.Writer, fname string, verbose bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	for r.Next() {
		evt := r.Event()
		ps, err := lciolog.Packets(&evt)
		if err != nil {
			return fmt.Errorf("could not decode window: %w", err)
		}

		name := "N/A"
		if vs := evt.Params.Strings["Window"]; len(vs) > 0 {
			name = vs[0]
		}
		var dt float32
		if vs := evt.Params.Floats["Duration"]; len(vs) > 0 {
			dt = vs[0]
		}

		fmt.Fprintf(wbuf, "=== window %s (run=%d, evt=%d) ===\n", name, evt.RunNumber, evt.EventNumber)
		fmt.Fprintf(wbuf, "Duration:    % 9.3fs\n", dt)
		fmt.Fprintf(wbuf, "Packets:     % 10d\n", len(ps))

		var (
			keys []asic.Key
			cnts = make(map[asic.Key]*counts)
		)
		for _, p := range ps {
			key := p.Key()
			c, ok := cnts[key]
			if !ok {
				c = new(counts)
				cnts[key] = c
				keys = append(keys, key)
			}
			switch {
			case !p.Valid():
				c.invalid++
			case p.Type == packet.Data:
				c.data++
			case p.Type == packet.Test:
				c.test++
			default:
				c.cfg++
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i].String() < keys[j].String()
		})

		for _, key := range keys {
			c := cnts[key]
			fmt.Fprintf(wbuf, "  chip=%-8v data=% 6d test=% 6d cfg=% 6d invalid=% 6d\n",
				key, c.data, c.test, c.cfg, c.invalid,
			)
		}

		if verbose {
			for _, p := range ps {
				fmt.Fprintf(wbuf, "    %v\n", p)
			}
		}
	}

	err = r.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("could not read LCIO file: %w", err)
	}

	return nil
}
