// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds echosrv's startup settings, loaded from config.yaml.
type Config struct {
	Port                  int `yaml:"port"`
	DefaultPollTimeoutMs  int `yaml:"default_poll_timeout_ms"`
	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
	ClientStatsIntervalMs int `yaml:"client_stats_interval_ms"`
}

func defaultConfig() Config {
	return Config{
		Port:                  7007,
		DefaultPollTimeoutMs:  1000,
		HeartbeatIntervalMs:   10000,
		ClientStatsIntervalMs: 3000,
	}
}

// loadConfig reads path, falling back to defaultConfig() for any field
// left at its zero value. A missing file is not an error: it just means
// every field keeps its default, mirroring
// mcdev12-dynasty's cmd/main.go treating a missing .env as non-fatal.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if fromFile.Port != 0 {
		cfg.Port = fromFile.Port
	}
	if fromFile.DefaultPollTimeoutMs != 0 {
		cfg.DefaultPollTimeoutMs = fromFile.DefaultPollTimeoutMs
	}
	if fromFile.HeartbeatIntervalMs != 0 {
		cfg.HeartbeatIntervalMs = fromFile.HeartbeatIntervalMs
	}
	if fromFile.ClientStatsIntervalMs != 0 {
		cfg.ClientStatsIntervalMs = fromFile.ClientStatsIntervalMs
	}
	return cfg, nil
}
