// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixcal-boot (re)starts the processes of a calibration stand.
//
// Usage: pixcal-boot [OPTIONS] [CMD1 [CMD2 ...]]
//
// Each command is a quoted command line. By default, pixcal-boot starts
// a simulated tile and a TDAQ calibration server:
//
//	$> pixcal-boot -pmon -dir /var/log/pixcal \
//	     "pixcal-sim -addr :8080" \
//	     "pixcal-daq -cfg /etc/pixcal.yml"
package main // import "github.com/go-lpc/pixcal/cmd/pixcal-boot"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	defaults = []string{
		"pixcal-sim -addr :8080",
		"pixcal-daq -cfg pixcal.yml",
	}

	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	doKill = flag.Bool("kill", true, "kill already running instances")
	logDir = flag.String("dir", os.Getenv("PIXCAL_LOGDIR"), "directory of the log files")

	stop = make(chan os.Signal, 1)
)

func main() {
	flag.Parse()

	log.SetPrefix("pixcal-boot: ")
	log.SetFlags(0)

	lines := flag.Args()
	if len(lines) == 0 {
		lines = defaults
	}

	cmds, err := commands(lines)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	if *doKill {
		killall(cmds)
	}

	err = run(*doMon, *doFreq, cmds, *logDir, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func commands(lines []string) ([]*exec.Cmd, error) {
	cmds := make([]*exec.Cmd, 0, len(lines))
	for _, line := range lines {
		toks := strings.Fields(line)
		if len(toks) == 0 {
			return nil, fmt.Errorf("invalid empty command")
		}
		cmds = append(cmds, exec.Command(toks[0], toks[1:]...))
	}
	return cmds, nil
}

func killall(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		name := filepath.Base(cmd.Path)
		kill := exec.Command("killall", name)
		kill.Stderr = os.Stderr
		kill.Stdout = os.Stdout
		err := kill.Run()
		if err != nil {
			log.Printf("could not kill %q: %+v", name, err)
		}
	}
}

func run(doMon bool, freq time.Duration, cmds []*exec.Cmd, dir string, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt, unix.SIGTERM)
	defer signal.Stop(stop)

	if dir == "" {
		dir = "/var/log/pixcal"
	}

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	var (
		grp  errgroup.Group
		kill = make(chan int)
	)
	for i := range cmds {
		cmd := cmds[i]
		grp.Go(func() error {
			return start(cmd, dir, kill, doMon, freq)
		})
	}

	go func() {
		<-stop
		close(kill)
	}()

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot calibration stand: %w", err)
	}
	return nil
}

func start(cmd *exec.Cmd, dir string, kill chan int, doMon bool, freq time.Duration) error {
	name := filepath.Base(cmd.Path)
	out, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", name, err)
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if doMon {
		p, err := pmon.Monitor(cmd.Process.Pid)
		if err != nil {
			return fmt.Errorf("could not start monitoring %q (pid=%d): %w", name, cmd.Process.Pid, err)
		}
		f, err := os.Create(filepath.Join(dir, name+"-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file for command %q: %w", name, err)
		}
		defer f.Close()
		p.W = f
		p.Freq = freq

		go func() {
			log.Printf("run pmon %q...", name)
			err := p.Run()
			if err != nil {
				log.Printf("could not start monitoring %q: %+v", name, err)
			}
		}()

		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", name, err)
			}
		}()
	}

	errch := make(chan error)
	go func() {
		errch <- cmd.Wait()
	}()

	select {
	case <-kill:
		err = cmd.Process.Signal(unix.SIGTERM)
		if err != nil {
			return fmt.Errorf("could not terminate %q: %w", name, err)
		}
		select {
		case <-errch:
		case <-time.After(5 * time.Second):
			err = cmd.Process.Kill()
			if err != nil {
				return fmt.Errorf("could not kill %q: %w", name, err)
			}
			<-errch
		}
	case err = <-errch:
		if err != nil {
			return fmt.Errorf("could not run %q: %w", name, err)
		}
	}

	log.Printf("%q stopped", name)
	return nil
}
