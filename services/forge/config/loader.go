// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.aleutian/forge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "forge.yaml"), nil
}

// Load reads the configuration at path.
//
// # Description
//
// Values missing from the file keep their DefaultConfig value. When the
// file does not exist it is created with the defaults. An empty path skips
// the file entirely. FORGE_* environment variables are applied last, then
// the result is validated.
//
// # Inputs
//
//   - path: YAML file path, or "".
//
// # Outputs
//
//   - *ForgeConfig: The loaded configuration.
//   - error: Read, parse or ErrInvalidConfig errors.
//
// # Example
//
//	cfg, err := config.Load("/etc/aleutian/forge.yaml")
//	if err != nil {
//	    return err
//	}
func Load(path string) (*ForgeConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("first run detected, creating the config", slog.String("path", path))
			if err := createDefault(path); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("failed to read the config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overrides the most commonly changed settings from the
// environment.
func applyEnv(cfg *ForgeConfig) error {
	if v := os.Getenv("FORGE_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("FORGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: FORGE_PORT=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("FORGE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: FORGE_DEBUG=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Server.Debug = debug
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FORGE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("FORGE_MAX_QUEUE_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: FORGE_MAX_QUEUE_SIZE=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Queue.MaxQueueSize = size
	}
	return nil
}
