// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify sends the outcome of calibration sessions to
// operators.
package notify // import "github.com/go-lpc/pixcal/internal/notify"

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-lpc/pixcal/calib"
)

// Status is the outcome of a calibration run, as published to operators.
type Status struct {
	Time   time.Time `json:"time"`
	Mode   string    `json:"mode,omitempty"`
	OK     bool      `json:"ok"`
	Chips  int       `json:"chips"`
	Failed []string  `json:"failed,omitempty"`
	NBad   int       `json:"nbad"`
	Resets int       `json:"resets"`
	Err    string    `json:"error,omitempty"`
}

func newStatus(sum *calib.Summary, err error) Status {
	st := Status{
		Time: time.Now().UTC(),
		OK:   err == nil,
	}
	if err != nil {
		st.Err = err.Error()
	}
	if sum == nil {
		return st
	}
	st.Mode = sum.Mode.String()
	st.OK = st.OK && sum.OK()
	st.Chips = len(sum.Chips)
	st.NBad = sum.NBad
	st.Resets = sum.Resets
	for _, k := range sum.Failed() {
		st.Failed = append(st.Failed, k.String())
	}
	return st
}

func (st Status) subject() string {
	switch {
	case st.OK:
		return fmt.Sprintf("[pixcal] %s run converged", st.Mode)
	case st.Err != "":
		return fmt.Sprintf("[pixcal] %s run aborted", st.Mode)
	default:
		return fmt.Sprintf("[pixcal] %s run did not converge", st.Mode)
	}
}

func (st Status) body() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "time:     %v\n", st.Time.Format(time.RFC3339))
	fmt.Fprintf(o, "mode:     %s\n", st.Mode)
	fmt.Fprintf(o, "chips:    %d\n", st.Chips)
	fmt.Fprintf(o, "disabled: %d\n", st.NBad)
	fmt.Fprintf(o, "resets:   %d\n", st.Resets)
	if len(st.Failed) > 0 {
		fmt.Fprintf(o, "failed:   %s\n", strings.Join(st.Failed, ", "))
	}
	if st.Err != "" {
		fmt.Fprintf(o, "error:    %s\n", st.Err)
	}
	return o.String()
}
