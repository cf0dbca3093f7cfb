// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq exposes calibration sessions as go-daq/tdaq processes.
package daq // import "github.com/go-lpc/pixcal/daq"

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/go-daq/tdaq"

	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/internal/xcfg"
	"github.com/go-lpc/pixcal/internal/xsess"
)

// Server runs one calibration per run-control start/stop cycle.
type Server struct {
	name string

	cfgName string
	opts    xsess.Options

	mu   sync.Mutex
	mode calib.Mode
	cfg  xcfg.Config
	env  *xsess.Env
	last *calib.Summary
	err  error

	sums chan []byte // JSON summaries of the calibration runs
}

// NewServer returns a run-control server configured from the cfgName
// configuration file.
func NewServer(name, cfgName string, mode calib.Mode, opts xsess.Options) *Server {
	return &Server{
		name:    name,
		cfgName: cfgName,
		opts:    opts,
		mode:    mode,
	}
}

// Summary returns the summary of the last calibration run and its error.
func (srv *Server) Summary() (*calib.Summary, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.last, srv.err
}

// OnConfig loads the configuration file.
// The request body may hold the name of the calibration mode.
func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		name := dec.ReadStr()
		mode, err := calib.ParseMode(name)
		if err != nil {
			ctx.Msg.Errorf("could not parse calibration mode %q: %+v", name, err)
			return fmt.Errorf("could not parse calibration mode: %w", err)
		}
		srv.mode = mode
	}

	cfg, err := xcfg.Load(srv.cfgName, true)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration %q: %+v", srv.cfgName, err)
		return fmt.Errorf("could not load configuration: %w", err)
	}
	srv.cfg = cfg
	ctx.Msg.Infof("%s: configured %v calibration (cfg=%q)", srv.name, srv.mode, srv.cfgName)

	return nil
}

// OnInit powers up the device and opens the calibration session.
func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.env != nil {
		ctx.Msg.Errorf("calibration session already opened")
		return fmt.Errorf("calibration session already opened")
	}

	opts := srv.opts
	if opts.Msg == nil {
		opts.Msg = log.New(msgWriter{ctx.Msg}, "", 0)
	}

	env, err := xsess.Open(ctx.Ctx, srv.cfg, opts)
	if err != nil {
		ctx.Msg.Errorf("could not open calibration session: %+v", err)
		return fmt.Errorf("could not open calibration session: %w", err)
	}
	srv.env = env
	srv.sums = make(chan []byte, 1)
	ctx.Msg.Infof("opened session with %d chips", env.Net.Len())

	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.last = nil
	srv.err = nil
	return srv.close()
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.env == nil {
		return fmt.Errorf("calibration session not initialized")
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch {
	case srv.last == nil:
		ctx.Msg.Debugf("received /stop command... -> no calibration")
	default:
		ctx.Msg.Debugf(
			"received /stop command... -> chips=%d, nbad=%d, resets=%d",
			len(srv.last.Chips), srv.last.NBad, srv.last.Resets,
		)
	}
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.close()
}

func (srv *Server) close() error {
	if srv.env == nil {
		return nil
	}
	err := srv.env.Close()
	srv.env = nil
	if err != nil {
		return fmt.Errorf("could not close calibration session: %w", err)
	}
	return nil
}

// Run runs the configured calibration, saves its results and publishes
// its summary on the /summary output.
func (srv *Server) Run(ctx tdaq.Context) error {
	srv.mu.Lock()
	var (
		env  = srv.env
		mode = srv.mode
		cfg  = srv.cfg
		sums = srv.sums
	)
	srv.mu.Unlock()

	if env == nil {
		return fmt.Errorf("calibration session not initialized")
	}

	ctx.Msg.Infof("running %v calibration...", mode)
	sum, err := env.Sess.Run(ctx.Ctx, mode, nil)

	srv.mu.Lock()
	srv.last, srv.err = sum, err
	srv.mu.Unlock()

	switch {
	case err != nil:
		ctx.Msg.Errorf("could not run %v calibration: %+v", mode, err)
	default:
		ctx.Msg.Infof("running %v calibration... [done]", mode)
	}

	if sum != nil {
		e := env.Sess.Save(ctx.Ctx, cfg.Output)
		if e != nil {
			ctx.Msg.Errorf("could not save calibration results: %+v", e)
			return fmt.Errorf("could not save calibration results: %w", e)
		}

		raw, e := json.Marshal(sum)
		if e != nil {
			return fmt.Errorf("could not marshal calibration summary: %w", e)
		}
		select {
		case sums <- raw:
		default:
			ctx.Msg.Errorf("summary output full: dropping summary")
		}
	}

	<-ctx.Ctx.Done()
	return nil
}

// Summaries sends the JSON summaries of calibration runs.
func (srv *Server) Summaries(ctx tdaq.Context, dst *tdaq.Frame) error {
	srv.mu.Lock()
	sums := srv.sums
	srv.mu.Unlock()

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
	case raw := <-sums:
		dst.Body = raw
	}
	return nil
}

type msgWriter struct {
	msg interface{ Infof(format string, args ...interface{}) }
}

func (w msgWriter) Write(p []byte) (int, error) {
	w.msg.Infof("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}
