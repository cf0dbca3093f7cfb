// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"golang.org/x/time/rate"
)

// Throttle limits the rate of register writes sent to a device.
// The underlying bus drops messages when flooded by back-to-back writes.
type Throttle struct {
	Device
	lim *rate.Limiter
}

// NewThrottle returns a device sending at most n register writes per
// second, with bursts of up to burst writes.
func NewThrottle(dev Device, n float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		Device: dev,
		lim:    rate.NewLimiter(rate.Limit(n), burst),
	}
}

func (th *Throttle) WriteRegisters(key asic.Key, regs []uint16, vals []uint8) error {
	err := th.lim.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("device: could not throttle write to %v: %w", key, err)
	}
	return th.Device.WriteRegisters(key, regs, vals)
}

// InitNetwork forwards to the underlying device, if it needs addressing.
func (th *Throttle) InitNetwork(keys []asic.Key) error {
	if n, ok := th.Device.(Networker); ok {
		return n.InitNetwork(keys)
	}
	return nil
}

// Delay returns the minimal delay between two writes.
func (th *Throttle) Delay() time.Duration {
	return time.Duration(float64(time.Second) / float64(th.lim.Limit()))
}

var (
	_ Device    = (*Throttle)(nil)
	_ Networker = (*Throttle)(nil)
)
