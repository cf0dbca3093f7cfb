// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/hydra"
	"golang.org/x/sync/errgroup"
)

// ResultStore persists the outcome of a calibration run.
type ResultStore interface {
	SaveResults(ctx context.Context, sum *Summary) error
}

// Notifier reports the outcome of a failed calibration run.
type Notifier interface {
	Notify(ctx context.Context, sum *Summary, err error) error
}

// Session is a calibration session on the chips of a network.
type Session struct {
	dev device.Device
	net *hydra.Network
	msg *log.Logger

	rc *Recovery
	st *Store
	lp *Loop

	db     ResultStore
	notify []Notifier
	last   *Summary
}

// Open starts a calibration session: it powers and resets the chips of
// net, then applies their base configuration with the channels of dis
// disabled. A nil dis disables the non-routed channels.
func Open(dev device.Device, net *hydra.Network, dis *asic.Disabled, opts ...Option) (*Session, error) {
	if net == nil || net.Len() == 0 {
		return nil, fmt.Errorf("calib: empty network")
	}

	cfg := newConfig(opts)
	err := cfg.policy.Validate()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		dev:    dev,
		net:    net,
		msg:    cfg.msg,
		rc:     NewRecovery(dev, net, cfg.policy, cfg.msg),
		st:     NewStore(net.Keys(), Base(), dis),
		db:     cfg.db,
		notify: cfg.notify,
	}

	sess.msg.Printf("initializing %d chips...", net.Len())
	err = sess.rc.Init()
	if err != nil {
		return nil, fmt.Errorf("calib: could not initialize device: %w", err)
	}

	if cfg.rec == nil {
		opts = append(opts, WithRecoverer(sess.rc))
	}
	sess.lp, err = NewLoop(dev, sess.st, opts...)
	if err != nil {
		return nil, err
	}

	err = sess.lp.Sync()
	if err != nil {
		return nil, fmt.Errorf("calib: could not apply base configuration: %w", err)
	}
	sess.msg.Printf("initializing %d chips... [done]", net.Len())
	return sess, nil
}

// Store returns the configuration store of the session.
func (sess *Session) Store() *Store { return sess.st }

// Summary returns the summary of the last run, if any.
func (sess *Session) Summary() *Summary { return sess.last }

// Run calibrates the provided chips, or all the chips of the network if
// keys is nil. Registered notifiers are called when the run fails or
// leaves chips not converged.
func (sess *Session) Run(ctx context.Context, mode Mode, keys []asic.Key) (*Summary, error) {
	sum, err := sess.lp.Run(mode, keys)
	if sum != nil {
		sess.last = sum
	}
	if err == nil && sum.OK() {
		return sum, nil
	}

	for _, n := range sess.notify {
		e := n.Notify(ctx, sum, err)
		if e != nil {
			sess.msg.Printf("could not notify run outcome: %+v", e)
		}
	}
	return sum, err
}

// Save writes the disabled channels to the named JSON file and the
// summary of the last run to the result store, if any.
func (sess *Session) Save(ctx context.Context, fname string) error {
	var grp errgroup.Group
	if fname != "" {
		dis := sess.st.Disabled()
		grp.Go(func() error {
			err := dis.Save(fname)
			if err != nil {
				return fmt.Errorf("calib: could not save disabled channels: %w", err)
			}
			return nil
		})
	}
	if sess.db != nil && sess.last != nil {
		sum := sess.last
		grp.Go(func() error {
			err := sess.db.SaveResults(ctx, sum)
			if err != nil {
				return fmt.Errorf("calib: could not save results: %w", err)
			}
			return nil
		})
	}
	return grp.Wait()
}

// Close ends the session with a soft reset of the chips.
// Close does not close the device.
func (sess *Session) Close() error {
	err := sess.lp.dev.Reset(device.SoftReset, sess.lp.p.SoftResetLength)
	if err != nil {
		return fmt.Errorf("calib: could not soft-reset device: %w", err)
	}
	return nil
}

// WriteSummary writes the JSON encoding of a summary to w.
func WriteSummary(w io.Writer, sum *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(sum)
	if err != nil {
		return fmt.Errorf("calib: could not encode summary: %w", err)
	}
	return nil
}
