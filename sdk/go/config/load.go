// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the service configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// DefaultConfigFile is used when no -config flag is given.
const DefaultConfigFile = "/etc/ripcord/config.yml"

// Load reads, parses, and applies defaults to the YAML config file at
// the given path.
func Load(path string) (*ripcord.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return parse(buf, path)
}

// LoadBytes parses an in-memory config document. Used by tests.
func LoadBytes(buf []byte) (*ripcord.Config, error) {
	return parse(buf, "(inline)")
}

func parse(buf []byte, path string) (*ripcord.Config, error) {
	var cfg ripcord.Config
	err := yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
