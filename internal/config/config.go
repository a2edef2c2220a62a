// Package config defines the PSVC and Releaser configuration sections read
// by the core (spec.md §6). The config file format and persistence
// mechanism remain an external collaborator (spec.md §1); this package only
// defines the Go-side struct and the load/save signatures a real config
// layer would populate, the way cmd/authn's Conf does for AuthN.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/NVIDIA/psvcd/internal/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PSVC holds the core process-wide keys from spec.md §6.
type PSVC struct {
	Version          string `json:"version"`     // current running version; persisted by Save/SetVersion
	LogLevel         string `json:"log_level"`   // logger verbosity
	UpdatePath       string `json:"update_path"` // staging directory (relative → install root)
	UpdateServerAddr string `json:"update_server_addr"`
	UpdateServerPort int    `json:"update_server_port"`
	MetricsAddr      string `json:"metrics_addr"` // "" disables the scrape endpoint
	MetricsPort      int    `json:"metrics_port"`
}

// Releaser holds the server-side release-store keys.
type Releaser struct {
	ReleasePath string `json:"release_path"` // server-side catalog root
	ListenAddr  string `json:"listen_addr"`  // "" disables hosting the Releaser
	ListenPort  int    `json:"listen_port"`
}

// Config is the whole of the core's configuration surface.
type Config struct {
	PSVC     PSVC     `json:"PSVC"`
	Releaser Releaser `json:"Releaser"`
}

// Load reads and parses path. Missing required keys with no default raise
// ConfigError (spec.md §7).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %q", path)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "config: parse %q", path)
	}
	if c.PSVC.Version == "" {
		return nil, cos.NewErrConfig("PSVC.version is required and has no default")
	}
	if c.PSVC.UpdatePath == "" {
		c.PSVC.UpdatePath = "update"
	}
	if c.PSVC.LogLevel == "" {
		c.PSVC.LogLevel = "info"
	}
	return &c, nil
}

// Save writes c back to path. Neither the install orchestrator nor the
// apply path calls Save or SetVersion, so an install or apply leaves the
// PSVC.version stored in the config file unchanged.
func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "config: marshal")
	}
	return os.WriteFile(path, data, 0o644)
}

// SetVersion updates and persists PSVC.version in one step.
func SetVersion(path string, version string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	c.PSVC.Version = version
	return Save(path, c)
}
