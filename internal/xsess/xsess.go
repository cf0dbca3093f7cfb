// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xsess assembles calibration sessions from a configuration.
package xsess // import "github.com/go-lpc/pixcal/internal/xsess"

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/calib"
	"github.com/go-lpc/pixcal/conddb"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/hydra"
	"github.com/go-lpc/pixcal/internal/lciolog"
	"github.com/go-lpc/pixcal/internal/notify"
	"github.com/go-lpc/pixcal/internal/xcfg"
	"github.com/go-lpc/pixcal/sim"
)

// Options tunes how the session is assembled.
type Options struct {
	Sim  bool        // calibrate a simulated tile instead of dialing a device server
	Rate float64     // max register writes per second, 0 for no limit
	Run  int32       // run number of the acquisition log
	Msg  *log.Logger // session logger
}

// Env is an open calibration session together with the resources it
// uses.
type Env struct {
	Sess *calib.Session
	Net  *hydra.Network
	Dev  device.Device
	Cfg  xcfg.Config

	closers []io.Closer
}

// Open powers up the device described by cfg and opens a calibration
// session on its network.
func Open(ctx context.Context, cfg xcfg.Config, o Options) (env *Env, err error) {
	if o.Msg == nil {
		o.Msg = log.New(os.Stdout, "calib: ", 0)
	}

	env = &Env{Cfg: cfg}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	env.Net = hydra.Single(hydra.DefaultKey)
	if cfg.Network != "" {
		env.Net, err = hydra.Load(cfg.Network)
		if err != nil {
			return env, fmt.Errorf("xsess: could not load network: %w", err)
		}
	}

	var dis *asic.Disabled
	if cfg.Disabled != "" {
		dis, err = asic.LoadDisabled(cfg.Disabled)
		if err != nil {
			return env, fmt.Errorf("xsess: could not load prior bad channels: %w", err)
		}
	}

	opts := []calib.Option{
		calib.WithPolicy(cfg.Policy),
		calib.WithLogger(o.Msg),
	}

	if cfg.DB != "" {
		db, err := conddb.Open(cfg.DB)
		if err != nil {
			return env, fmt.Errorf("xsess: could not open results db: %w", err)
		}
		env.closers = append(env.closers, db)

		bad, err := db.BadChannels(ctx)
		if err != nil {
			return env, fmt.Errorf("xsess: could not retrieve bad channels: %w", err)
		}
		if dis == nil {
			dis = asic.DefaultDisabled()
		}
		dis.Merge(bad)
		opts = append(opts, calib.WithResultStore(db))
	}

	if cfg.LCIO != "" {
		alog, err := lciolog.Create(cfg.LCIO, o.Run)
		if err != nil {
			return env, fmt.Errorf("xsess: could not create acquisition log: %w", err)
		}
		env.closers = append(env.closers, alog)
		opts = append(opts, calib.WithRecorder(alog))
	}

	ns, err := notifiers(cfg.Notify, o.Msg)
	if err != nil {
		return env, err
	}
	for _, n := range ns {
		opts = append(opts, calib.WithNotifier(n))
		if c, ok := n.(io.Closer); ok {
			env.closers = append(env.closers, c)
		}
	}

	switch {
	case o.Sim:
		env.Dev = sim.New(env.Net.Keys())
	default:
		env.Dev, err = device.Dial(cfg.Addr)
		if err != nil {
			return env, fmt.Errorf("xsess: could not connect to device: %w", err)
		}
	}
	env.closers = append(env.closers, env.Dev)

	if o.Rate > 0 {
		env.Dev = device.NewThrottle(env.Dev, o.Rate, 1)
	}

	env.Sess, err = calib.Open(env.Dev, env.Net, dis, opts...)
	if err != nil {
		return env, fmt.Errorf("xsess: could not open calibration session: %w", err)
	}

	return env, nil
}

func notifiers(cfg xcfg.Notify, msg *log.Logger) ([]calib.Notifier, error) {
	var ns []calib.Notifier
	if cfg.Mail.Server != "" {
		m, err := notify.NewMail(cfg.Mail.Server, cfg.Mail.Port, cfg.Mail.User, cfg.Mail.To)
		if err != nil {
			msg.Printf("mail alerts disabled: %+v", err)
		} else {
			ns = append(ns, m)
		}
	}
	if cfg.MQTT.Broker != "" {
		m, err := notify.DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		if err != nil {
			return nil, fmt.Errorf("xsess: could not create MQTT notifier: %w", err)
		}
		ns = append(ns, m)
	}
	return ns, nil
}

// Close releases the session and its resources.
func (env *Env) Close() error {
	var err error
	if env.Sess != nil {
		e := env.Sess.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("xsess: could not close session: %w", e)
		}
		env.Sess = nil
	}
	for i := len(env.closers) - 1; i >= 0; i-- {
		e := env.closers[i].Close()
		if e != nil && err == nil {
			err = fmt.Errorf("xsess: could not close resource: %w", e)
		}
	}
	env.closers = nil
	return err
}

// ParseKeys parses a comma-separated list of chip keys.
// An empty string selects all the chips of the network.
func ParseKeys(s string) ([]asic.Key, error) {
	if s == "" {
		return nil, nil
	}
	var keys []asic.Key
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, err := asic.ParseKey(tok)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
