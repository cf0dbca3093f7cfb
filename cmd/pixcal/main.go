// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixcal calibrates the pixel chips of a tile.
//
// Usage: pixcal [OPTIONS]
//
// Example:
//
//	$> pixcal -mkconf -cfg pixcal.yml
//	$> pixcal -cfg pixcal.yml -mode leakage -o bad-channels.json
//	$> pixcal -sim -mode threshold
package main // import "github.com/go-lpc/pixcal/cmd/pixcal"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pterm/pterm"

	"github.com/go-lpc/pixcal"
	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/internal/xcfg"
	"github.com/go-lpc/pixcal/internal/xsess"
)

const usage = `pixcal calibrates the pixel chips of a tile.

Usage: pixcal [OPTIONS]

Example:

 $> pixcal -mkconf -cfg pixcal.yml
 $> pixcal -cfg pixcal.yml -mode leakage -o bad-channels.json
 $> pixcal -sim -mode threshold

Options:
`

func main() {
	log.SetPrefix("pixcal: ")
	log.SetFlags(0)

	err := xmain(os.Stdout, os.Args[1:])
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(w io.Writer, args []string) error {
	var (
		fset = flag.NewFlagSet("pixcal", flag.ContinueOnError)

		cfgName = fset.String("cfg", "pixcal.yml", "path to the configuration file")
		mkconf  = fset.Bool("mkconf", false, "write the configuration file and exit")
		mode    = fset.String("mode", "leakage", "calibration mode (leakage|pedestal|threshold|trim|auto)")
		chips   = fset.String("chips", "", "comma-separated list of chips to calibrate (default: all)")
		useSim  = fset.Bool("sim", false, "calibrate a simulated tile")
		addr    = fset.String("addr", "", "[ip]:port of the device server")
		netName = fset.String("net", "", "path to the network description file")
		prior   = fset.String("disabled", "", "path to a prior bad-channels file")
		oname   = fset.String("o", "", "path to the output bad-channels file")
		dbName  = fset.String("db", "", "name of the results database")
		alog    = fset.String("lcio", "", "path to the LCIO acquisition log")
		runnbr  = fset.Int("run", 0, "run number of the acquisition log")
		wrate   = fset.Float64("rate", 0, "max register writes per second (0: no limit)")
		jsum    = fset.String("summary", "", "path to the JSON summary file")
		pvers   = fset.Bool("version", false, "print version and exit")
	)

	fset.Usage = func() {
		fmt.Fprint(fset.Output(), usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return fmt.Errorf("could not parse input arguments: %w", err)
	}

	if *pvers {
		vers, _ := pixcal.Version()
		fmt.Fprintf(w, "pixcal %s\n", vers)
		return nil
	}

	if *mkconf {
		cfg, err := xcfg.Load(*cfgName, true)
		if err != nil {
			return fmt.Errorf("could not load configuration: %w", err)
		}
		err = xcfg.Create(*cfgName, cfg)
		if err != nil {
			return fmt.Errorf("could not create configuration file: %w", err)
		}
		log.Printf("configuration written to %q", *cfgName)
		return nil
	}

	cfg, err := xcfg.Load(*cfgName, true)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	for _, v := range []struct {
		dst *string
		val string
	}{
		{&cfg.Addr, *addr},
		{&cfg.Network, *netName},
		{&cfg.Disabled, *prior},
		{&cfg.Output, *oname},
		{&cfg.DB, *dbName},
		{&cfg.LCIO, *alog},
	} {
		if v.val != "" {
			*v.dst = v.val
		}
	}

	m, err := calib.ParseMode(*mode)
	if err != nil {
		return err
	}

	keys, err := xsess.ParseKeys(*chips)
	if err != nil {
		return fmt.Errorf("could not parse chips list: %w", err)
	}

	return run(w, cfg, m, keys, *jsum, xsess.Options{
		Sim:  *useSim,
		Rate: *wrate,
		Run:  int32(*runnbr),
	})
}

func run(w io.Writer, cfg xcfg.Config, mode calib.Mode, keys []asic.Key, jsum string, opts xsess.Options) error {
	ctx := context.Background()

	env, err := xsess.Open(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("could not open calibration session: %w", err)
	}
	defer env.Close()

	log.Printf("running %v calibration of %d chips...", mode, env.Net.Len())
	sum, err := env.Sess.Run(ctx, mode, keys)
	switch {
	case err == nil:
		log.Printf("running %v calibration... [done]", mode)
	case errors.Is(err, calib.ErrConvergence):
		// failed chips are parked, results are still saved.
		log.Printf("running %v calibration... [partial]", mode)
	default:
		return fmt.Errorf("could not run %v calibration: %w", mode, err)
	}

	if sum != nil {
		e := printSummary(w, sum)
		if e != nil {
			return e
		}
	}

	e := env.Sess.Save(ctx, cfg.Output)
	if e != nil {
		return fmt.Errorf("could not save calibration results: %w", e)
	}
	log.Printf("bad channels written to %q", cfg.Output)

	if jsum != "" && sum != nil {
		e = writeSummary(jsum, sum)
		if e != nil {
			return e
		}
	}

	e = env.Close()
	if e != nil {
		return fmt.Errorf("could not close calibration session: %w", e)
	}

	return err
}

func printSummary(w io.Writer, sum *calib.Summary) error {
	err := pterm.DefaultTable.
		WithHasHeader().
		WithWriter(w).
		WithData(sum.Rows()).
		Render()
	if err != nil {
		return fmt.Errorf("could not render summary: %w", err)
	}
	fmt.Fprintf(w, "disabled channels: %d, resets: %d\n", sum.NBad, sum.Resets)
	return nil
}

func writeSummary(fname string, sum *calib.Summary) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create summary file: %w", err)
	}
	defer f.Close()

	err = calib.WriteSummary(f, sum)
	if err != nil {
		return fmt.Errorf("could not write summary: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close summary file: %w", err)
	}
	return nil
}
