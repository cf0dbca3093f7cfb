// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	stdlog "log"
	"path/filepath"
	"testing"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/log"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/internal/xcfg"
	"github.com/go-lpc/pixcal/internal/xsess"
)

func newContext(ctx context.Context) tdaq.Context {
	return tdaq.Context{
		Ctx: ctx,
		Msg: log.NewMsgStream("pixcal-daq", log.LvlError, io.Discard),
	}
}

func TestServer(t *testing.T) {
	tmp := t.TempDir()
	cfgName := filepath.Join(tmp, "pixcal.yml")

	cfg := xcfg.Default()
	cfg.Output = filepath.Join(tmp, "bad-channels.json")
	cfg.Policy.Cooldown = 0
	cfg.Policy.RetryDelay = 0
	err := xcfg.Create(cfgName, cfg)
	if err != nil {
		t.Fatalf("could not create configuration: %+v", err)
	}

	srv := NewServer("pixcal-daq", cfgName, calib.LeakageMode, xsess.Options{
		Sim: true,
		Msg: stdlog.New(io.Discard, "", 0),
	})

	var (
		ctx  = newContext(context.Background())
		resp tdaq.Frame
	)

	err = srv.OnStart(ctx, &resp, tdaq.Frame{})
	if err == nil {
		t.Fatalf("expected an error starting an uninitialized server")
	}

	body := new(bytes.Buffer)
	tdaq.NewEncoder(body).WriteStr("threshold")
	err = srv.OnConfig(ctx, &resp, tdaq.Frame{Body: body.Bytes()})
	if err != nil {
		t.Fatalf("could not /config: %+v", err)
	}

	err = srv.OnInit(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /init: %+v", err)
	}

	err = srv.OnInit(ctx, &resp, tdaq.Frame{})
	if err == nil {
		t.Fatalf("expected an error initializing twice")
	}

	err = srv.OnStart(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /start: %+v", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(newContext(rctx))
	}()

	var dst tdaq.Frame
	err = srv.Summaries(newContext(context.Background()), &dst)
	if err != nil {
		t.Fatalf("could not receive summary: %+v", err)
	}

	var sum calib.Summary
	err = json.Unmarshal(dst.Body, &sum)
	if err != nil {
		t.Fatalf("could not decode summary: %+v", err)
	}
	if got, want := sum.Mode, calib.ThresholdMode; got != want {
		t.Fatalf("invalid calibration mode: got=%v, want=%v", got, want)
	}
	if !sum.OK() {
		t.Fatalf("calibration did not converge: %+v", sum.Chips)
	}

	cancel()
	err = <-done
	if err != nil {
		t.Fatalf("could not run calibration: %+v", err)
	}

	err = srv.OnStop(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /stop: %+v", err)
	}

	last, err := srv.Summary()
	if err != nil {
		t.Fatalf("calibration error: %+v", err)
	}
	if last == nil || len(last.Chips) != 1 {
		t.Fatalf("invalid last summary: %+v", last)
	}

	_, err = asic.LoadDisabled(cfg.Output)
	if err != nil {
		t.Fatalf("could not load bad channels: %+v", err)
	}

	err = srv.OnReset(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /reset: %+v", err)
	}
	if last, _ := srv.Summary(); last != nil {
		t.Fatalf("summary not cleared by /reset")
	}

	err = srv.OnQuit(ctx, &resp, tdaq.Frame{})
	if err != nil {
		t.Fatalf("could not /quit: %+v", err)
	}
}

func TestServerConfigErrors(t *testing.T) {
	ctx := newContext(context.Background())
	srv := NewServer("pixcal-daq", "", calib.LeakageMode, xsess.Options{Sim: true})

	body := new(bytes.Buffer)
	tdaq.NewEncoder(body).WriteStr("sideways")
	err := srv.OnConfig(ctx, new(tdaq.Frame), tdaq.Frame{Body: body.Bytes()})
	if err == nil {
		t.Fatalf("expected an error for an invalid mode")
	}

	srv = NewServer("pixcal-daq", filepath.Join(t.TempDir(), "missing.yml"), calib.LeakageMode, xsess.Options{Sim: true})
	err = srv.OnConfig(ctx, new(tdaq.Frame), tdaq.Frame{})
	if err != nil {
		t.Fatalf("a missing configuration file should select the defaults: %+v", err)
	}
}
