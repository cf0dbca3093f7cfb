// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcfg loads and writes the configuration files of pixcal
// commands.
package xcfg // import "github.com/go-lpc/pixcal/internal/xcfg"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/go-lpc/pixcal/calib"
)

// Config is the configuration of a calibration session.
type Config struct {
	Network  string `koanf:"network" yaml:"network"`   // network description file
	Disabled string `koanf:"disabled" yaml:"disabled"` // prior bad-channels file
	Output   string `koanf:"output" yaml:"output"`     // bad-channels file written at the end of the session
	Addr     string `koanf:"addr" yaml:"addr"`         // address of the device server
	DB       string `koanf:"db" yaml:"db"`             // name of the results database
	LCIO     string `koanf:"lcio" yaml:"lcio"`         // acquisition log file

	Policy calib.Policy `koanf:"policy" yaml:"policy"`
	Notify Notify       `koanf:"notify" yaml:"notify"`
}

// Notify configures the operator notifications.
type Notify struct {
	Mail Mail `koanf:"mail" yaml:"mail"`
	MQTT MQTT `koanf:"mqtt" yaml:"mqtt"`
}

type Mail struct {
	Server string   `koanf:"server" yaml:"server"`
	Port   int      `koanf:"port" yaml:"port"`
	User   string   `koanf:"user" yaml:"user"`
	To     []string `koanf:"to" yaml:"to"`
}

type MQTT struct {
	Broker   string `koanf:"broker" yaml:"broker"`
	ClientID string `koanf:"client_id" yaml:"client_id"`
	Topic    string `koanf:"topic" yaml:"topic"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Output: "bad-channels.json",
		Addr:   "localhost:8080",
		Policy: calib.DefaultPolicy(),
		Notify: Notify{
			Mail: Mail{Port: 587},
			MQTT: MQTT{ClientID: "pixcal", Topic: "pixcal/session"},
		},
	}
}

// Load loads the configuration file fname on top of the default
// configuration.
// A missing file is not an error when optional is true.
func Load(fname string, optional bool) (Config, error) {
	k := koanf.New(".")
	err := k.Load(structs.Provider(Default(), "koanf"), nil)
	if err != nil {
		return Config{}, fmt.Errorf("xcfg: could not load defaults: %w", err)
	}

	if fname != "" {
		_, err = os.Stat(fname)
		switch {
		case err == nil:
			err = k.Load(file.Provider(fname), yaml.Parser())
			if err != nil {
				return Config{}, fmt.Errorf("xcfg: could not load %q: %w", fname, err)
			}
		case optional && errors.Is(err, fs.ErrNotExist):
			// use defaults.
		default:
			return Config{}, fmt.Errorf("xcfg: could not stat %q: %w", fname, err)
		}
	}

	var cfg Config
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("xcfg: could not decode configuration: %w", err)
	}

	err = cfg.Policy.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("xcfg: invalid policy in %q: %w", fname, err)
	}

	return cfg, nil
}

// Write writes cfg to w in YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yml.NewEncoder(w)
	err := enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("xcfg: could not encode configuration: %w", err)
	}
	err = enc.Close()
	if err != nil {
		return fmt.Errorf("xcfg: could not flush configuration: %w", err)
	}
	return nil
}

// Create writes cfg to the file fname.
func Create(fname string, cfg Config) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("xcfg: could not create %q: %w", fname, err)
	}
	defer f.Close()

	err = Write(f, cfg)
	if err != nil {
		return err
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("xcfg: could not close %q: %w", fname, err)
	}
	return nil
}
