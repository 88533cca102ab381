// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the forge service configuration.
//
// The configuration is a YAML file with one section per component.
// Durations use Go syntax ("30s", "5m"). FORGE_* environment variables
// override the file, and command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/queue"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/validation"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid forge config")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ForgeConfig is the root of the configuration file.
type ForgeConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Lock       LockConfig       `yaml:"lock"`
	Queue      QueueConfig      `yaml:"queue"`
	Checksum   ChecksumConfig   `yaml:"checksum"`
	Validation ValidationConfig `yaml:"validation"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port  int  `yaml:"port" validate:"gte=1,lte=65535"`
	Debug bool `yaml:"debug"`

	// RateLimitRPS limits requests per second per client IP. Zero disables
	// rate limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" validate:"gte=0"`
}

type WorkspaceConfig struct {
	// Root is the directory every path is contained in.
	Root string `yaml:"root" validate:"required"`
}

type LockConfig struct {
	StallWarning  time.Duration `yaml:"stall_warning" validate:"gte=0"`
	EvictIdle     bool          `yaml:"evict_idle"`
	PruneInterval time.Duration `yaml:"prune_interval" validate:"gte=0"`
	WatchExternal bool          `yaml:"watch_external"`
}

type QueueConfig struct {
	MaxQueueSize     int           `yaml:"max_queue_size" validate:"gte=1"`
	OperationTimeout time.Duration `yaml:"operation_timeout" validate:"gte=0"`
	BatchSamePath    bool          `yaml:"batch_same_path"`
}

type ChecksumConfig struct {
	// Parallelism bounds concurrent file hashing. Zero uses GOMAXPROCS.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`
}

type ValidationConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`
	GitTimeout     time.Duration `yaml:"git_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir is where JSON log files are written. Empty logs to stderr only.
	Dir  string `yaml:"dir"`
	JSON bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() ForgeConfig {
	lockDefaults := lock.DefaultConfig()
	queueDefaults := queue.DefaultConfig()
	validationDefaults := validation.DefaultOptions()

	return ForgeConfig{
		Server: ServerConfig{
			Port:           12230,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Lock: LockConfig{
			StallWarning:  lockDefaults.StallWarning,
			EvictIdle:     lockDefaults.EvictIdle,
			PruneInterval: lockDefaults.PruneInterval,
			WatchExternal: lockDefaults.WatchExternal,
		},
		Queue: QueueConfig{
			MaxQueueSize:     queueDefaults.MaxQueueSize,
			OperationTimeout: queueDefaults.OperationTimeout,
			BatchSamePath:    queueDefaults.BatchSamePath,
		},
		Validation: ValidationConfig{
			DefaultTimeout: validationDefaults.DefaultTimeout,
			GitTimeout:     validationDefaults.GitTimeout,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks every section.
func (c *ForgeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LockManager returns the lock.Config for this configuration.
func (c *ForgeConfig) LockManager() lock.Config {
	cfg := lock.DefaultConfig()
	cfg.StallWarning = c.Lock.StallWarning
	cfg.EvictIdle = c.Lock.EvictIdle
	if c.Lock.PruneInterval > 0 {
		cfg.PruneInterval = c.Lock.PruneInterval
	}
	cfg.WatchExternal = c.Lock.WatchExternal
	return cfg
}

// OperationQueue returns the queue.Config for this configuration.
func (c *ForgeConfig) OperationQueue() queue.Config {
	return queue.Config{
		MaxQueueSize:     c.Queue.MaxQueueSize,
		OperationTimeout: c.Queue.OperationTimeout,
		BatchSamePath:    c.Queue.BatchSamePath,
	}
}

// Validator returns the validation.Options for this configuration.
func (c *ForgeConfig) Validator() validation.Options {
	return validation.Options{
		DefaultTimeout: c.Validation.DefaultTimeout,
		GitTimeout:     c.Validation.GitTimeout,
		Tracing:        c.Telemetry.TracingEnabled(),
	}
}
