// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/device"
	"github.com/go-lpc/pixcal/hydra"
)

// Recoverer restores the ability of a device to measure after a fault.
type Recoverer interface {
	// Recover resets the device and re-applies the known-good snapshot.
	// It returns the device to use from then on.
	Recover(snap Snapshot) (device.Device, error)
}

// Base returns the base configuration of a chip: every channel
// disabled, at the least sensitive threshold, with the low-level
// electrical registers set to their operating values.
func Base() asic.Config {
	cfg := asic.Default()
	setBase(&cfg)
	return cfg
}

func setBase(cfg *asic.Config) {
	cfg.VrefDAC = 185
	cfg.VcmDAC = 41
	cfg.ADCHoldDelay = 15
	cfg.ClkCtrl = 1
	cfg.MISODiff = [4]uint8{1, 1, 1, 1}
}

// Recovery resets a device and brings its chips back to a known
// configuration.
type Recovery struct {
	dev  device.Device
	net  *hydra.Network
	p    Policy
	msg  *log.Logger
	enf  *Enforcer
	smp  *Sampler
	nrec int
}

// NewRecovery returns a recovery manager for the chips of net.
func NewRecovery(dev device.Device, net *hydra.Network, p Policy, msg *log.Logger) *Recovery {
	if msg == nil {
		msg = log.New(os.Stdout, "calib: ", 0)
	}
	return &Recovery{
		dev: dev,
		net: net,
		p:   p,
		msg: msg,
		enf: NewEnforcer(dev, p, msg),
		smp: NewSampler(dev, msg, nil),
	}
}

// Recoveries returns the number of calls to Recover.
func (r *Recovery) Recoveries() int { return r.nrec }

// Init powers the tiles of the network, resets the chips and
// addresses them.
func (r *Recovery) Init() error {
	tiles := r.net.Tiles()
	grps := make([]int, 0, len(tiles))
	for grp := range tiles {
		grps = append(grps, int(grp))
	}
	sort.Ints(grps)
	for _, grp := range grps {
		for _, tile := range tiles[uint8(grp)] {
			r.msg.Printf("powering tile %d-%d...", grp, tile)
			err := r.dev.SetPower(uint8(grp), tile, r.p.VDDA, r.p.VDDD)
			if err != nil {
				return fmt.Errorf("calib: could not power tile %d-%d: %w", grp, tile, err)
			}
		}
	}
	return r.reset()
}

func (r *Recovery) reset() error {
	err := r.dev.Reset(device.HardReset, r.p.HardResetLength)
	if err != nil {
		return fmt.Errorf("calib: could not hard-reset device: %w", err)
	}

	if nw, ok := r.dev.(device.Networker); ok {
		err = nw.InitNetwork(r.net.Keys())
		if err != nil {
			return fmt.Errorf("calib: could not initialize network: %w", err)
		}
	}

	err = r.dev.Reset(device.SoftReset, r.p.SoftResetLength)
	if err != nil {
		return fmt.Errorf("calib: could not soft-reset device: %w", err)
	}
	return nil
}

// Recover hard-resets the device, re-establishes the network and
// re-applies the known-good snapshot. It never changes the set of
// disabled channels.
func (r *Recovery) Recover(snap Snapshot) (device.Device, error) {
	r.nrec++
	r.msg.Printf("recovering device (n=%d)...", r.nrec)
	err := r.reset()
	if err != nil {
		return nil, err
	}

	keys := make([]asic.Key, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	asic.SortKeys(keys)
	for _, k := range keys {
		cfg := snap[k]
		setBase(&cfg)
		err = r.enf.Apply(k, cfg)
		if err != nil {
			return nil, fmt.Errorf("calib: could not restore chip %v: %w", k, err)
		}
	}

	_, err = r.smp.Drain(r.p.DrainWindow, r.p.DrainLimit, r.p.DrainIterations)
	if err != nil {
		return nil, err
	}
	r.msg.Printf("recovering device (n=%d)... [done]", r.nrec)
	return r.dev, nil
}

var _ Recoverer = (*Recovery)(nil)
