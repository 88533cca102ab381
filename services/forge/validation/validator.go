// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	pathval "github.com/AleutianAI/AleutianForge/pkg/validation"
)

// Exit codes sh uses when the command itself could not be started.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// Options configures a Validator.
type Options struct {
	// DefaultTimeout applies when Config.TimeoutSeconds is zero.
	DefaultTimeout time.Duration

	// GitTimeout bounds each git command of the Rollback policy.
	GitTimeout time.Duration

	// Git overrides the git client. Nil uses DefaultGitClient on the root.
	Git GitClient

	// Tracing enables otel spans.
	Tracing bool
}

// DefaultOptions returns the default validator options.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 60 * time.Second,
		GitTimeout:     30 * time.Second,
	}
}

// Validator runs post-apply validation commands in one workspace.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Rollback runs on the same working
// tree are not coordinated with each other.
type Validator struct {
	root           string
	git            GitClient
	defaultTimeout time.Duration
	tracer         *tracer
	logger         *slog.Logger
}

// NewValidator creates a Validator for the workspace at root.
//
// # Inputs
//
//   - root: Workspace root. Canonicalized.
//   - opts: See DefaultOptions.
//
// # Outputs
//
//   - *Validator: Ready to use.
//   - error: Non-nil if root cannot be canonicalized.
func NewValidator(root string, opts Options) (*Validator, error) {
	canonical, err := pathval.CanonicalRoot(root)
	if err != nil {
		return nil, err
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	git := opts.Git
	if git == nil {
		client, err := NewGitClient(canonical, opts.GitTimeout)
		if err != nil {
			return nil, err
		}
		git = client
	}
	logger := slog.Default().With("component", "validation.Validator")
	return &Validator{
		root:           canonical,
		git:            git,
		defaultTimeout: opts.DefaultTimeout,
		tracer:         newTracer(logger, opts.Tracing),
		logger:         logger,
	}, nil
}

// Run executes cfg.Command and applies cfg.OnFailure if it fails.
//
// # Description
//
// The command runs as `sh -c` in the workspace root or cfg.WorkingDir,
// with stdout and stderr captured in full. It passes when it exits 0 and,
// with FailOnStderr, writes nothing to stderr. On failure:
//
//   - Report: changes stay; the result carries a suggestion.
//   - Rollback: `git reset --hard HEAD`, then `git clean -fd` limited to
//     createdFiles. The git working tree is checked before the command
//     runs.
//   - Interactive: changes stay; RollbackAvailable is set.
//
// # Inputs
//
//   - ctx: Cancels the command.
//   - cfg: Validation config. Validated and normalized.
//   - createdFiles: Files the preceding apply created. Rollback removes
//     them since reset does not touch untracked files.
//
// # Outputs
//
//   - *Result: Non-nil whenever the command ran. Use Result.Err for a
//     pass/fail error.
//   - error: ErrInvalidConfig, ErrNotGitRepository,
//     ErrGitOperationInProgress or ErrValidationExecution.
//
// # Example
//
//	res, err := v.Run(ctx, validation.Config{Command: "go build ./...", OnFailure: validation.ActionRollback}, nil)
//	if err != nil {
//	    return err
//	}
//	if !res.Passed {
//	    log.Println(res.Suggestion)
//	}
func (v *Validator) Run(ctx context.Context, cfg Config, createdFiles []string) (res *Result, err error) {
	dir, err := v.prepare(&cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := v.tracer.startRun(ctx, cfg)
	defer func() {
		v.tracer.endRun(span, res, err)
		recordRun(ctx, cfg.OnFailure, time.Since(start), res, err)
	}()
	logger := loggerWithTrace(ctx, v.logger)

	if err := v.checkGit(ctx, cfg); err != nil {
		return nil, err
	}

	timeout := v.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	res, err = v.execute(ctx, cfg, dir, timeout)
	if err != nil {
		logger.Error("validation command could not run",
			slog.String("command", cfg.Command),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if res.Passed {
		res.Action = OutcomePassed
		logger.Info("validation passed",
			slog.String("command", cfg.Command),
			slog.Int64("duration_ms", res.DurationMs),
		)
		return res, nil
	}

	logger.Warn("validation failed",
		slog.String("command", cfg.Command),
		slog.Int("exit_code", res.ExitCode),
		slog.String("on_failure", string(cfg.OnFailure)),
		slog.String("stderr", truncate(res.Stderr, 2048)),
	)

	switch cfg.OnFailure {
	case ActionRollback:
		v.rollback(ctx, res, createdFiles)
	case ActionInteractive:
		res.Action = OutcomeInteractivePrompt
		res.RollbackAvailable = true
		res.Suggestion = "Validation failed. Please review the errors and decide whether to keep or revert the changes. Run 'git reset --hard HEAD' to rollback."
	default:
		res.Action = OutcomeFailed
		res.Suggestion = fmt.Sprintf("Validation failed. Run '%s' to see details. Consider reviewing changes before committing.", cfg.Command)
	}
	return res, nil
}

// Preflight checks cfg and the Rollback preconditions without running the
// command. Callers use it to reject a validation config before mutating
// the workspace.
//
// # Outputs
//
//   - error: ErrInvalidConfig, ErrNotGitRepository or
//     ErrGitOperationInProgress.
func (v *Validator) Preflight(ctx context.Context, cfg Config) error {
	if _, err := v.prepare(&cfg); err != nil {
		return err
	}
	return v.checkGit(ctx, cfg)
}

// prepare validates cfg in place and resolves the working directory.
func (v *Validator) prepare(cfg *Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := pathval.ValidateCommand(cfg.Command); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.WorkingDir == "" {
		return v.root, nil
	}
	dir, err := pathval.ResolveInRoot(v.root, cfg.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("%w: working dir: %w", ErrInvalidConfig, err)
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: working dir %s is not a directory", ErrInvalidConfig, cfg.WorkingDir)
	}
	return dir, nil
}

func (v *Validator) checkGit(ctx context.Context, cfg Config) error {
	if cfg.OnFailure != ActionRollback {
		return nil
	}
	if !v.git.IsWorkTree(ctx) {
		return fmt.Errorf("%w: %s (on_failure=Rollback needs git)", ErrNotGitRepository, v.root)
	}
	if op := v.git.OperationInProgress(ctx); op != "" {
		return fmt.Errorf("%w: %s in progress in %s", ErrGitOperationInProgress, op, v.root)
	}
	return nil
}

func (v *Validator) execute(ctx context.Context, cfg Config, dir string, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.Command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Command:    cfg.Command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		OnFailure:  cfg.OnFailure,
	}

	if runErr != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %q timed out after %v", ErrValidationExecution, cfg.Command, timeout)
			}
			return nil, fmt.Errorf("%w: %q: %w", ErrValidationExecution, cfg.Command, ctxErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: %q: %w", ErrValidationExecution, cfg.Command, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == exitNotFound || res.ExitCode == exitNotExecutable {
			return nil, fmt.Errorf("%w: %q exited %d: %s", ErrValidationExecution, cfg.Command,
				res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}

	res.Passed = res.ExitCode == 0 && !(cfg.FailOnStderr && strings.TrimSpace(res.Stderr) != "")
	return res, nil
}

func (v *Validator) rollback(ctx context.Context, res *Result, createdFiles []string) {
	logger := loggerWithTrace(ctx, v.logger)
	res.RollbackAttempted = true

	head, _ := v.git.RevParse(ctx, "HEAD")
	logger.Warn("validation failed, resetting working tree",
		slog.String("head", head),
		slog.Int("created_files", len(createdFiles)),
	)

	err := v.git.ResetHard(ctx, "HEAD")
	if err == nil {
		err = v.git.CleanPaths(ctx, v.existingPaths(createdFiles)...)
	}
	recordRollback(ctx, err)

	if err != nil {
		logger.Error("git rollback failed", slog.String("error", err.Error()))
		res.Action = OutcomeRollbackFailed
		res.RollbackError = err.Error()
		res.Suggestion = "Validation failed and automatic rollback failed. Please manually revert changes."
		return
	}
	logger.Info("git rollback completed", slog.String("head", head))
	res.Action = OutcomeRollbackSucceeded
	res.RollbackSucceeded = true
	res.Suggestion = "Validation failed and changes were automatically rolled back using git."
}

// existingPaths keeps the created files that are inside the root and still
// on disk; git clean fails on pathspecs outside the repository.
func (v *Validator) existingPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := pathval.ResolveInRoot(v.root, p)
		if err != nil {
			continue
		}
		if _, err := os.Lstat(abs); err == nil {
			out = append(out, abs)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
