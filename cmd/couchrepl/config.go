// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

const (
	defaultConfigDir  = ".couchrepl"
	defaultConfigFile = "replication.yaml"
	configVersion     = "1"
)

// Config is the on-disk shape of replication.yaml: a version marker, the
// replication task itself (source, target, filter, tuning knobs), and a
// handful of settings specific to running couchrepl as a long-lived process.
type Config struct {
	Version     string                    `yaml:"version"`
	Task        replicator.ReplicationTask `yaml:",inline"`
	RepUUID     string                    `yaml:"rep_uuid,omitempty"`
	LogLevel    string                    `yaml:"log_level,omitempty"`
	MetricsAddr string                    `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns a Config seeded with the tuning-knob defaults of
// replicator.DefaultReplicationTask, ready for the caller to fill in
// source/target.
func DefaultConfig() *Config {
	return &Config{
		Version:  configVersion,
		Task:     replicator.DefaultReplicationTask(),
		LogLevel: "info",
	}
}

// LoadConfig loads configuration from the specified path or finds it
// automatically.
//
// If configPath is empty, it searches for .couchrepl/replication.yaml in
// the current directory and parent directories. The COUCHREPL_CONFIG_PATH
// environment variable can override the search path.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("COUCHREPL_CONFIG_PATH")
	}
	if configPath == "" {
		var err error
		configPath, err = findConfigFile()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path comes from user config or discovery
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", configPath),
			"Check file permissions and ensure the file exists",
			err,
		)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("Edit %s to fix syntax errors, or run 'couchrepl init --force' to recreate", configPath),
			err,
		)
	}

	if cfg.Version != configVersion {
		return nil, errors.NewConfigError(
			"Unsupported configuration version",
			fmt.Sprintf("Config version '%s' is not supported (expected '%s')", cfg.Version, configVersion),
			"Run 'couchrepl init --force' to regenerate the configuration file",
			nil,
		)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Task.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveConfig writes the configuration to the specified path as YAML.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot encode configuration",
			"YAML marshaling failed unexpectedly",
			"This is a bug. Please report it with your configuration details",
			err,
		)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create configuration directory",
			fmt.Sprintf("Permission denied creating %s", dir),
			"Check directory permissions or run with appropriate privileges",
			err,
		)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.NewPermissionError(
			"Cannot write configuration file",
			fmt.Sprintf("Permission denied writing to %s", configPath),
			"Check file permissions and ensure sufficient disk space",
			err,
		)
	}

	return nil
}

// ConfigPath returns the path to the config file in the given directory.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigDir, defaultConfigFile)
}

// ConfigDir returns the path to the .couchrepl directory in the given
// directory.
func ConfigDir(dir string) string {
	return filepath.Join(dir, defaultConfigDir)
}

// findConfigFile searches for .couchrepl/replication.yaml in the current and
// parent directories.
func findConfigFile() (string, error) {
	if configPath := os.Getenv("COUCHREPL_CONFIG_PATH"); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", errors.NewConfigError(
			"Configuration file not found",
			fmt.Sprintf("COUCHREPL_CONFIG_PATH is set to '%s' but the file does not exist", configPath),
			"Fix the COUCHREPL_CONFIG_PATH environment variable or run 'couchrepl init' to create a config",
			nil,
		)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"Check system permissions and try again",
			err,
		)
	}

	for {
		configPath := ConfigPath(dir)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.NewConfigError(
		"Configuration not found",
		"No .couchrepl/replication.yaml file found in current directory or any parent directory",
		"Run 'couchrepl init' to create a new configuration",
		nil,
	)
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables take precedence over file-based
// configuration.
//
// Supported environment variables:
//   - COUCHREPL_SOURCE_URL: Override the source peer URL
//   - COUCHREPL_TARGET_URL: Override the target peer URL
//   - COUCHREPL_METRICS_ADDR: Override the metrics listen address
//   - COUCHREPL_LOG_LEVEL: Override the log level
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("COUCHREPL_SOURCE_URL"); url != "" {
		c.Task.Source.URL = url
	}
	if url := os.Getenv("COUCHREPL_TARGET_URL"); url != "" {
		c.Task.Target.URL = url
	}
	if addr := os.Getenv("COUCHREPL_METRICS_ADDR"); addr != "" {
		c.MetricsAddr = addr
	}
	if level := os.Getenv("COUCHREPL_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
