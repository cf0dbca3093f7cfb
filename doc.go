// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pixcal holds code for the adaptive calibration of pixel
// readout chips.
//
// The calibration engine lives in the calib package; the asic, packet
// and hydra packages describe the chips, their readout words and the
// readout network; the device package is the boundary with the
// hardware.
package pixcal // import "github.com/go-lpc/pixcal"

import (
	"fmt"
	"runtime/debug"
)

const root = "github.com/go-lpc/pixcal"

// Version returns the version of pixcal and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	if b.Main.Path == root {
		return moduleVersion(&b.Main)
	}

	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		return moduleVersion(m)
	}
	return "", ""
}

func moduleVersion(m *debug.Module) (version, sum string) {
	if m.Replace != nil {
		switch {
		case m.Replace.Version != "" && m.Replace.Path != "":
			return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
		case m.Replace.Version != "":
			return m.Replace.Version, m.Replace.Sum
		case m.Replace.Path != "":
			return m.Replace.Path, m.Replace.Sum
		default:
			return m.Version + "*", ""
		}
	}
	return m.Version, m.Sum
}
