// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the daemon's GLib key-file configuration:
// {sysconfdir}/passim.conf for daemon-wide settings, and
// {sysconfdir}/passim.d/*.conf for package-contributed directories.
package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Defaults mirror the documented defaults in the external-interfaces
// section of the specification.
const (
	DefaultPort        uint16  = 27500
	DefaultMaxItemSize uint64  = 104857600
	DefaultCarbonCost  float64 = 0.026367
	DefaultIPv6        bool    = false
)

// Daemon holds the [daemon] group of passim.conf.
type Daemon struct {
	Port        uint16
	Path        string
	MaxItemSize uint64
	CarbonCost  float64
	IPv6        bool
}

// Load reads {sysconfdir}/passim.conf, applying documented defaults for any
// key that is absent. path must name the config file directly (the
// sysconfdir-vs-filename join is the caller's responsibility, matching how
// callers in this codebase always pass a fully joined path rather than a
// directory).
func Load(path, defaultDataDir string) (Daemon, error) {
	d := Daemon{
		Port:        DefaultPort,
		Path:        defaultDataDir,
		MaxItemSize: DefaultMaxItemSize,
		CarbonCost:  DefaultCarbonCost,
		IPv6:        DefaultIPv6,
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return d, fmt.Errorf("config: load %s: %w", path, err)
	}

	sec := cfg.Section("daemon")
	if k, err := sec.GetKey("Port"); err == nil {
		if v, err := k.Uint(); err == nil {
			d.Port = uint16(v)
		}
	}
	if k, err := sec.GetKey("Path"); err == nil {
		if v := k.String(); v != "" {
			d.Path = v
		}
	}
	if k, err := sec.GetKey("MaxItemSize"); err == nil {
		if v, err := k.Uint64(); err == nil {
			d.MaxItemSize = v
		}
	}
	if k, err := sec.GetKey("CarbonCost"); err == nil {
		if v, err := k.Float64(); err == nil {
			d.CarbonCost = v
		}
	}
	if k, err := sec.GetKey("IPv6"); err == nil {
		if v, err := k.Bool(); err == nil {
			d.IPv6 = v
		}
	}
	return d, nil
}

// Contributed is one package-contributed directory reference, named by a
// [passim] Path= key in a passim.d/*.conf file.
type Contributed struct {
	ConfFile string
	Path     string
}

// LoadContributedDir globs dir for *.conf files and reads each one's
// [passim] Path= key.
func LoadContributedDir(dir string) ([]Contributed, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("config: glob %s: %w", dir, err)
	}

	var out []Contributed
	for _, m := range matches {
		cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, m)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", m, err)
		}
		path := cfg.Section("passim").Key("Path").String()
		if path == "" {
			continue
		}
		out = append(out, Contributed{ConfFile: m, Path: path})
	}
	return out, nil
}
