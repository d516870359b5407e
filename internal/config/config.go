// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: bassosimone/nop's config.go (a struct of overridable fields
// with constructor defaults, injected into every component that needs them).

// Package config loads and resolves the daemon's JSON configuration file
// (spec §6.4) into the record the core consumes.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"
)

// Defaults per spec §6.2 and §6.4.
const (
	DefaultSDAddress = "224.224.224.245"
	DefaultSDPort    = 30490
	DefaultInterface = "127.0.0.1"
	DefaultUDSPath   = "/tmp/someipyd.sock"
	DefaultLogLevel  = "info"
)

// fileConfig is the on-disk JSON shape (spec §6.4). All fields are
// optional; zero values are replaced by defaults in [Load].
type fileConfig struct {
	SDAddress string `json:"sd_address"`
	SDPort    int    `json:"sd_port"`
	Interface string `json:"interface"`
	LogLevel  string `json:"log_level"`
	LogPath   string `json:"log_path"`
	UDSPath   string `json:"uds_path"`
}

// Config is the resolved configuration record the core consumes.
//
// Only SDAddress, SDPort, Interface, and UDSPath affect the core (spec
// §6.4); LogLevel and LogPath are consumed by cmd/someipyd to set up
// logging before the core is constructed.
//
// TimeNow is not part of the on-disk format: it is a seam for deterministic
// tests, set by [New] to [time.Now], following the teacher's Config.TimeNow
// convention.
type Config struct {
	// SDAddress is the SD multicast group address.
	SDAddress netip.Addr

	// SDPort is the SD multicast UDP port.
	SDPort uint16

	// Interface is the local IPv4 address of the network interface SD
	// multicast is bound to.
	Interface netip.Addr

	// LogLevel is the configured slog level name ("debug", "info", "warn", "error").
	LogLevel string

	// LogPath is the log file path, or "" for stderr.
	LogPath string

	// UDSPath is the Unix-domain socket path the IPC server listens on.
	UDSPath string

	// TimeNow returns the current time. Set by [New] to [time.Now].
	TimeNow func() time.Time
}

// New returns a [*Config] with the defaults of spec §6.4, with no file
// loaded. Use [Load] to read and overlay a JSON config file.
func New() *Config {
	return &Config{
		SDAddress: netip.MustParseAddr(DefaultSDAddress),
		SDPort:    DefaultSDPort,
		Interface: netip.MustParseAddr(DefaultInterface),
		LogLevel:  DefaultLogLevel,
		UDSPath:   DefaultUDSPath,
		TimeNow:   time.Now,
	}
}

// Load reads the JSON configuration file at path and overlays it onto the
// defaults of [New]. A missing path is not an error: New()'s defaults are
// returned unchanged, matching the CLI contract of spec §6.4 ("--config PATH" optional).
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return LoadFrom(cfg, f)
}

// LoadFrom overlays JSON read from r onto base, returning the result. Split
// out from [Load] so tests can exercise parsing without a filesystem.
func LoadFrom(base *Config, r io.Reader) (*Config, error) {
	var fc fileConfig
	dec := json.NewDecoder(r)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	cfg := *base
	if fc.SDAddress != "" {
		addr, err := netip.ParseAddr(fc.SDAddress)
		if err != nil {
			return nil, fmt.Errorf("config: sd_address: %w", err)
		}
		cfg.SDAddress = addr
	}
	if fc.SDPort != 0 {
		if fc.SDPort < 0 || fc.SDPort > 0xFFFF {
			return nil, fmt.Errorf("config: sd_port out of range: %d", fc.SDPort)
		}
		cfg.SDPort = uint16(fc.SDPort)
	}
	if fc.Interface != "" {
		addr, err := netip.ParseAddr(fc.Interface)
		if err != nil {
			return nil, fmt.Errorf("config: interface: %w", err)
		}
		cfg.Interface = addr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogPath != "" {
		cfg.LogPath = fc.LogPath
	}
	if fc.UDSPath != "" {
		cfg.UDSPath = fc.UDSPath
	}
	return &cfg, nil
}
