// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixcal-daq starts a TDAQ server running calibration sessions.
package main // import "github.com/go-lpc/pixcal/cmd/pixcal-daq"

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/daq"
	"github.com/go-lpc/pixcal/internal/xsess"
)

func main() {
	var (
		cfgName = flag.String("cfg", "pixcal.yml", "path to the configuration file")
		mode    = flag.String("mode", "leakage", "default calibration mode (leakage|pedestal|threshold|trim|auto)")
		useSim  = flag.Bool("sim", false, "calibrate a simulated tile")
		wrate   = flag.Float64("rate", 0, "max register writes per second (0: no limit)")
	)

	cmd := flags.New()

	m, err := calib.ParseMode(*mode)
	if err != nil {
		log.Fatalf("could not parse calibration mode: %+v", err)
	}

	name := "pixcal-daq"
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	dev := daq.NewServer(name, *cfgName, m, xsess.Options{
		Sim:  *useSim,
		Rate: *wrate,
	})

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/summary", dev.Summaries)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
