// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checksum detects stale refactoring plans.
//
// A plan records the SHA-256 of every file it was computed against. Before
// the plan is applied, Validator recomputes those hashes from live content
// and refuses the plan if anything changed.
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"golang.org/x/sync/errgroup"
)

// ErrStaleInput indicates that at least one file changed since the plan was
// computed.
var ErrStaleInput = errors.New("file checksum mismatch, plan is stale")

// Mismatch describes one file whose live content differs from the plan.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	// Actual is empty when the file could not be read.
	Actual string `json:"actual,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// StaleInputError lists every mismatched file, sorted by path.
type StaleInputError struct {
	Files []Mismatch
}

func (e *StaleInputError) Error() string {
	var b strings.Builder
	b.WriteString(ErrStaleInput.Error())
	b.WriteString(": ")
	for i, m := range e.Files {
		if i > 0 {
			b.WriteString("; ")
		}
		if m.Reason != "" {
			fmt.Fprintf(&b, "%s (%s)", m.Path, m.Reason)
			continue
		}
		fmt.Fprintf(&b, "%s (expected %s, actual %s)", m.Path, m.Expected, m.Actual)
	}
	return b.String()
}

func (e *StaleInputError) Unwrap() error {
	return ErrStaleInput
}

// Paths returns the mismatched paths in order.
func (e *StaleInputError) Paths() []string {
	out := make([]string, len(e.Files))
	for i, m := range e.Files {
		out[i] = m.Path
	}
	return out
}

// Compute returns the lowercase hex SHA-256 of content.
func Compute(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ComputeFile hashes the file at path without loading it whole.
func ComputeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Validator compares recorded checksums against live file content.
type Validator struct {
	root        string
	parallelism int
	logger      *slog.Logger
}

// NewValidator creates a validator for files under root.
//
// # Inputs
//
//   - root: Workspace root. Relative checksum paths are resolved against it
//     and absolute ones must lie inside it.
//   - parallelism: Maximum concurrent file hashes. Zero or negative uses
//     GOMAXPROCS.
func NewValidator(root string, parallelism int) (*Validator, error) {
	canonical, err := validation.CanonicalRoot(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Validator{
		root:        canonical,
		parallelism: parallelism,
		logger:      slog.Default().With("component", "checksum.Validator"),
	}, nil
}

// Validate recomputes every checksum and reports all mismatches.
//
// # Description
//
// Files are hashed concurrently, bounded by the configured parallelism.
// A file that cannot be read or resolved counts as a mismatch. Checksums
// are compared case-insensitively.
//
// # Inputs
//
//   - ctx: Cancels outstanding hashing.
//   - checksums: Path to expected SHA-256 hex.
//
// # Outputs
//
//   - error: nil when every file matches; *StaleInputError (wrapping
//     ErrStaleInput) naming every mismatch; or ctx.Err().
func (v *Validator) Validate(ctx context.Context, checksums map[string]string) error {
	if len(checksums) == 0 {
		return nil
	}

	var (
		mu         sync.Mutex
		mismatches []Mismatch
	)
	record := func(m Mismatch) {
		mu.Lock()
		mismatches = append(mismatches, m)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)

	for path, expected := range checksums {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resolved, err := validation.ResolveInRoot(v.root, path)
			if err != nil {
				record(Mismatch{Path: path, Expected: expected, Reason: err.Error()})
				return nil
			}
			actual, err := ComputeFile(resolved)
			if err != nil {
				record(Mismatch{Path: path, Expected: expected, Reason: fmt.Sprintf("unreadable: %v", err)})
				return nil
			}
			if !strings.EqualFold(actual, expected) {
				record(Mismatch{Path: path, Expected: expected, Actual: actual})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(mismatches) == 0 {
		v.logger.Debug("checksums validated", "files", len(checksums))
		return nil
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	v.logger.Warn("stale plan rejected",
		"files", len(checksums),
		"mismatched", len(mismatches),
		"first", mismatches[0].Path)
	return &StaleInputError{Files: mismatches}
}
