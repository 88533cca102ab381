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
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pathval "github.com/AleutianAI/AleutianForge/pkg/validation"
)

func init() {
	SetMetricsEnabled(false)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// fakeGit records calls and fails on demand.
type fakeGit struct {
	workTree   bool
	inProgress string
	resetErr   error
	resets     int
	cleaned    []string
}

func (f *fakeGit) IsWorkTree(context.Context) bool { return f.workTree }

func (f *fakeGit) RevParse(context.Context, string) (string, error) { return "deadbeef", nil }

func (f *fakeGit) OperationInProgress(context.Context) string { return f.inProgress }

func (f *fakeGit) CleanPaths(_ context.Context, paths ...string) error {
	f.cleaned = append(f.cleaned, paths...)
	return nil
}

func (f *fakeGit) ResetHard(context.Context, string) error {
	f.resets++
	return f.resetErr
}

func newTestValidator(t *testing.T, root string, git GitClient) *Validator {
	t.Helper()
	opts := DefaultOptions()
	opts.Git = git
	v, err := NewValidator(root, opts)
	require.NoError(t, err)
	return v
}

func TestValidator_Run(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("passing command", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		res, err := v.Run(ctx, Config{Command: "echo ok"}, nil)
		require.NoError(t, err)
		assert.True(t, res.Passed)
		assert.Equal(t, OutcomePassed, res.Action)
		assert.Equal(t, "ok\n", res.Stdout)
		assert.Equal(t, ActionReport, res.OnFailure)
		assert.NoError(t, res.Err())
	})

	t.Run("report keeps changes and suggests review", func(t *testing.T) {
		git := &fakeGit{workTree: true}
		v := newTestValidator(t, t.TempDir(), git)
		res, err := v.Run(ctx, Config{Command: "echo bad >&2; exit 3", OnFailure: ActionReport}, nil)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "bad\n", res.Stderr)
		assert.Equal(t, OutcomeFailed, res.Action)
		assert.Contains(t, res.Suggestion, "echo bad >&2; exit 3")
		assert.False(t, res.RollbackAttempted)
		assert.Zero(t, git.resets)
		assert.ErrorIs(t, res.Err(), ErrValidationFailed)
	})

	t.Run("interactive offers rollback", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		res, err := v.Run(ctx, Config{Command: "exit 1", OnFailure: "interactive"}, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionInteractive, res.OnFailure)
		assert.Equal(t, OutcomeInteractivePrompt, res.Action)
		assert.True(t, res.RollbackAvailable)
		assert.Contains(t, res.Suggestion, "git reset --hard HEAD")
	})

	t.Run("fail on stderr", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		res, err := v.Run(ctx, Config{Command: "echo warn >&2"}, nil)
		require.NoError(t, err)
		assert.True(t, res.Passed)

		res, err = v.Run(ctx, Config{Command: "echo warn >&2", FailOnStderr: true}, nil)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Zero(t, res.ExitCode)
	})

	t.Run("working dir", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
		v := newTestValidator(t, root, &fakeGit{})

		res, err := v.Run(ctx, Config{Command: "pwd -P", WorkingDir: "sub"}, nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(v.root, "sub"), strings.TrimSpace(res.Stdout))

		_, err = v.Run(ctx, Config{Command: "pwd", WorkingDir: "../.."}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorIs(t, err, pathval.ErrPathOutsideRoot)

		_, err = v.Run(ctx, Config{Command: "pwd", WorkingDir: "missing"}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("command not found", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		res, err := v.Run(ctx, Config{Command: "forge-no-such-command-xyz"}, nil)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrValidationExecution)
	})

	t.Run("timeout", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		res, err := v.Run(ctx, Config{Command: "sleep 10", TimeoutSeconds: 1}, nil)
		assert.Nil(t, res)
		require.ErrorIs(t, err, ErrValidationExecution)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("invalid configs", func(t *testing.T) {
		v := newTestValidator(t, t.TempDir(), &fakeGit{})
		for _, cfg := range []Config{
			{},
			{Command: "   "},
			{Command: "true", OnFailure: "Explode"},
			{Command: "true", TimeoutSeconds: -1},
		} {
			_, err := v.Run(ctx, cfg, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig, "config %+v", cfg)
		}
	})
}

func TestValidator_RollbackPreconditions(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("not a git working tree", func(t *testing.T) {
		root := t.TempDir()
		v := newTestValidator(t, root, &fakeGit{workTree: false})
		_, err := v.Run(ctx, Config{Command: "touch ran", OnFailure: ActionRollback}, nil)
		assert.ErrorIs(t, err, ErrNotGitRepository)
		assert.NoFileExists(t, filepath.Join(root, "ran"))
	})

	t.Run("merge in progress", func(t *testing.T) {
		root := t.TempDir()
		v := newTestValidator(t, root, &fakeGit{workTree: true, inProgress: "merge"})
		_, err := v.Run(ctx, Config{Command: "touch ran", OnFailure: ActionRollback}, nil)
		assert.ErrorIs(t, err, ErrGitOperationInProgress)
		assert.NoFileExists(t, filepath.Join(root, "ran"))
	})

	t.Run("git failure is reported", func(t *testing.T) {
		git := &fakeGit{workTree: true, resetErr: errors.New("index.lock exists")}
		v := newTestValidator(t, t.TempDir(), git)
		res, err := v.Run(ctx, Config{Command: "exit 2", OnFailure: ActionRollback}, nil)
		require.NoError(t, err)
		assert.True(t, res.RollbackAttempted)
		assert.False(t, res.RollbackSucceeded)
		assert.Equal(t, OutcomeRollbackFailed, res.Action)
		assert.Contains(t, res.RollbackError, "index.lock")
		assert.Contains(t, res.Suggestion, "manually revert")
	})

	t.Run("passing command does not reset", func(t *testing.T) {
		git := &fakeGit{workTree: true}
		v := newTestValidator(t, t.TempDir(), git)
		res, err := v.Run(ctx, Config{Command: "true", OnFailure: ActionRollback}, nil)
		require.NoError(t, err)
		assert.True(t, res.Passed)
		assert.Zero(t, git.resets)
	})
}

func TestValidator_Preflight(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	v := newTestValidator(t, root, &fakeGit{workTree: false})
	assert.NoError(t, v.Preflight(ctx, Config{Command: "true"}))
	assert.ErrorIs(t, v.Preflight(ctx, Config{Command: "true", OnFailure: ActionRollback}), ErrNotGitRepository)
	assert.ErrorIs(t, v.Preflight(ctx, Config{Command: ""}), ErrInvalidConfig)
	assert.ErrorIs(t, v.Preflight(ctx, Config{Command: "true", WorkingDir: "../outside"}), ErrInvalidConfig)
	assert.ErrorIs(t, v.Preflight(ctx, Config{Command: "true", OnFailure: "Sometimes"}), ErrInvalidConfig)

	busy := newTestValidator(t, root, &fakeGit{workTree: true, inProgress: "rebase"})
	assert.ErrorIs(t, busy.Preflight(ctx, Config{Command: "true", OnFailure: "rollback"}), ErrGitOperationInProgress)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{
		"-c", "user.email=forge@example.com",
		"-c", "user.name=Forge Test",
		"-c", "commit.gpgsign=false",
	}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// A failing command under the Rollback policy must leave the working tree
// equal to the committed state, removing files the apply created while
// keeping unrelated untracked files.
func TestValidator_RollbackRestoresCommittedState(t *testing.T) {
	requireShell(t)
	requireGit(t)
	ctx := context.Background()

	root := t.TempDir()
	runGit(t, root, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "lib.go"), []byte("package pkg\n"), 0644))
	runGit(t, root, "add", "-A")
	runGit(t, root, "commit", "-q", "-m", "initial")

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("mine\n"), 0644))

	// Simulate an apply: modify, delete and create.
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package broken\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(root, "pkg", "lib.go")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gen"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gen", "new.go"), []byte("package gen\n"), 0644))

	v, err := NewValidator(root, DefaultOptions())
	require.NoError(t, err)

	res, err := v.Run(ctx, Config{Command: "exit 1", OnFailure: ActionRollback}, []string{"gen/new.go", "gen"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.True(t, res.RollbackAttempted)
	assert.True(t, res.RollbackSucceeded, res.RollbackError)
	assert.Equal(t, OutcomeRollbackSucceeded, res.Action)

	main, err := os.ReadFile(filepath.Join(root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(main))

	lib, err := os.ReadFile(filepath.Join(root, "pkg", "lib.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(lib))

	assert.NoFileExists(t, filepath.Join(root, "gen", "new.go"))
	assert.NoDirExists(t, filepath.Join(root, "gen"))
	assert.FileExists(t, filepath.Join(root, "notes.txt"))
}

func TestDefaultGitClient(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	_, err := NewGitClient("relative", 0)
	assert.Error(t, err)

	plain := t.TempDir()
	g, err := NewGitClient(plain, 0)
	require.NoError(t, err)
	assert.False(t, g.IsWorkTree(ctx))

	repo := t.TempDir()
	runGit(t, repo, "init", "-q")
	g, err = NewGitClient(repo, 0)
	require.NoError(t, err)
	assert.True(t, g.IsWorkTree(ctx))
	assert.Empty(t, g.OperationInProgress(ctx))
	assert.NoError(t, g.CleanPaths(ctx))
}

func TestParseFailureAction(t *testing.T) {
	for in, want := range map[string]FailureAction{
		"":             ActionReport,
		"Report":       ActionReport,
		"ROLLBACK":     ActionRollback,
		" interactive": ActionInteractive,
	} {
		got, err := ParseFailureAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFailureAction("undo")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
