// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"fmt"
	"strconv"

	"github.com/go-lpc/pixcal/asic"
)

// Status is the outcome of the calibration of a chip.
type Status string

const (
	StatusConverged Status = "converged"
	StatusPartial   Status = "partial" // stopped before all bounds were met
	StatusFailed    Status = "failed"
)

// ChipSummary is the outcome of the calibration of one chip.
type ChipSummary struct {
	Key             asic.Key                `json:"chip_key"`
	Status          Status                  `json:"status"`
	Threshold       uint8                   `json:"threshold_global"`
	Trims           [asic.NumChannels]uint8 `json:"pixel_trim_dac"`
	Disabled        int                     `json:"disabled"`
	Metric          float64                 `json:"metric"`
	InvalidFraction float64                 `json:"invalid_fraction"`
	Resets          int                     `json:"resets"`
	Err             string                  `json:"error,omitempty"`
}

// Summary is the outcome of a calibration run.
type Summary struct {
	Mode     Mode           `json:"mode"`
	Chips    []ChipSummary  `json:"chips"`
	Disabled *asic.Disabled `json:"disabled"`
	NBad     int            `json:"nbad"` // disabled channels, excluding the ones disabled on all chips
	Resets   int            `json:"resets"`
}

// OK returns whether every chip converged.
func (sum *Summary) OK() bool {
	for _, c := range sum.Chips {
		if c.Status != StatusConverged {
			return false
		}
	}
	return true
}

// Failed returns the chips that could not be calibrated.
func (sum *Summary) Failed() []asic.Key {
	var keys []asic.Key
	for _, c := range sum.Chips {
		if c.Status == StatusFailed {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// Rows returns the summary as a table, with a header row.
func (sum *Summary) Rows() [][]string {
	rows := [][]string{
		{"chip", "status", "threshold", "disabled", "metric", "invalid", "resets"},
	}
	for _, c := range sum.Chips {
		rows = append(rows, []string{
			c.Key.String(),
			string(c.Status),
			strconv.Itoa(int(c.Threshold)),
			strconv.Itoa(c.Disabled),
			fmt.Sprintf("%.3g", c.Metric),
			fmt.Sprintf("%.3g", c.InvalidFraction),
			strconv.Itoa(c.Resets),
		})
	}
	return rows
}
