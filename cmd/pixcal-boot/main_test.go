// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestCommands(t *testing.T) {
	cmds, err := commands([]string{"pixcal-sim -addr :8080 -seed 42", "pixcal-daq"})
	if err != nil {
		t.Fatalf("could not parse commands: %+v", err)
	}
	if got, want := len(cmds), 2; got != want {
		t.Fatalf("invalid number of commands: got=%d, want=%d", got, want)
	}
	if got, want := len(cmds[0].Args), 5; got != want {
		t.Fatalf("invalid number of arguments: got=%d, want=%d (%q)", got, want, cmds[0].Args)
	}

	_, err = commands([]string{"pixcal-sim", "  "})
	if err == nil {
		t.Fatalf("expected an error for an empty command")
	}
}

func TestRun(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("no sleep command: %+v", err)
	}

	for _, tc := range []struct {
		name string
		secs string
		mon  bool
		stop bool
	}{
		{name: "simple", secs: "1"},
		{name: "simple-pmon", secs: "2", mon: true},
		{name: "simple-stop", secs: "30", stop: true},
		{name: "simple-stop-pmon", secs: "30", stop: true, mon: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "logs")

			stop := make(chan os.Signal, 1)
			if tc.stop {
				go func() {
					time.Sleep(1 * time.Second)
					stop <- os.Interrupt
				}()
			}

			cmds := []*exec.Cmd{
				exec.Command(sleep, tc.secs),
				exec.Command(sleep, tc.secs),
			}
			err := run(tc.mon, 500*time.Millisecond, cmds, dir, stop)
			if err != nil {
				t.Fatalf("could not run processes: %+v", err)
			}

			_, err = os.Stat(filepath.Join(dir, "sleep.log"))
			if err != nil {
				t.Fatalf("missing log file: %+v", err)
			}
		})
	}
}
