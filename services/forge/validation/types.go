// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation runs a post-apply check command and applies the
// configured failure policy.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidationExecution is returned when the command cannot be run to
	// completion: not found, not executable, timed out or cancelled. No
	// failure policy is applied.
	ErrValidationExecution = errors.New("validation command could not run")

	// ErrValidationFailed is returned by Result.Err for a command that ran
	// and failed.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNotGitRepository is returned before the command runs when the
	// Rollback policy is requested outside a git working tree.
	ErrNotGitRepository = errors.New("not a git working tree")

	// ErrGitOperationInProgress is returned before the command runs when the
	// Rollback policy is requested during a merge or rebase.
	ErrGitOperationInProgress = errors.New("git operation in progress")

	// ErrInvalidConfig is returned for malformed validation configs.
	ErrInvalidConfig = errors.New("invalid validation config")
)

// FailureAction is the policy applied when validation fails.
type FailureAction string

const (
	// ActionReport keeps the changes and reports the failure.
	ActionReport FailureAction = "Report"

	// ActionRollback resets the working tree to HEAD.
	ActionRollback FailureAction = "Rollback"

	// ActionInteractive keeps the changes and offers a rollback.
	ActionInteractive FailureAction = "Interactive"
)

// ParseFailureAction accepts the action names case-insensitively. The
// empty string is ActionReport.
func ParseFailureAction(s string) (FailureAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "report":
		return ActionReport, nil
	case "rollback":
		return ActionRollback, nil
	case "interactive":
		return ActionInteractive, nil
	}
	return "", fmt.Errorf("%w: unknown on_failure %q", ErrInvalidConfig, s)
}

// Outcome labels for Result.Action.
const (
	OutcomePassed            = "passed"
	OutcomeFailed            = "failed"
	OutcomeRollbackSucceeded = "rollback_succeeded"
	OutcomeRollbackFailed    = "rollback_failed"
	OutcomeInteractivePrompt = "interactive_prompt"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config describes one validation run.
type Config struct {
	// Command is run as `sh -c <Command>`.
	Command string `json:"command" yaml:"command" validate:"required"`

	OnFailure FailureAction `json:"on_failure,omitempty" yaml:"on_failure" validate:"omitempty,oneof=Report Rollback Interactive"`

	// TimeoutSeconds bounds the command. Zero uses the validator default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" validate:"gte=0,lte=86400"`

	// WorkingDir is resolved inside the workspace root. Empty means the root.
	WorkingDir string `json:"working_dir,omitempty" yaml:"working_dir"`

	// FailOnStderr fails a zero-exit run that wrote to stderr.
	FailOnStderr bool `json:"fail_on_stderr,omitempty" yaml:"fail_on_stderr"`
}

// Validate checks the config and normalizes OnFailure.
func (c *Config) Validate() error {
	action, err := ParseFailureAction(string(c.OnFailure))
	if err != nil {
		return err
	}
	c.OnFailure = action
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Result is the outcome of a validation run that executed.
type Result struct {
	Passed     bool          `json:"passed"`
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	DurationMs int64         `json:"duration_ms"`
	OnFailure  FailureAction `json:"on_failure"`

	// Action is one of the Outcome constants.
	Action     string `json:"action"`
	Suggestion string `json:"suggestion,omitempty"`

	RollbackAvailable bool   `json:"rollback_available"`
	RollbackAttempted bool   `json:"rollback_attempted"`
	RollbackSucceeded bool   `json:"rollback_succeeded"`
	RollbackError     string `json:"rollback_error,omitempty"`
}

// Err returns nil for a passing result and an error wrapping
// ErrValidationFailed otherwise.
func (r *Result) Err() error {
	if r == nil || r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %q exited %d", ErrValidationFailed, r.Command, r.ExitCode)
}
