// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forge is the workspace mutation engine: it applies refactor plans
// atomically, runs queued file operations, and serves both over HTTP and a
// websocket tool-call channel.
//
// # Execution paths
//
// Two paths mutate the workspace and share one lock.Manager:
//
//   - apply_edit runs on the caller's goroutine and locks one file at a time.
//   - Simple operations go through the priority queue's single worker.
//
// Two operations on the same path serialize on that path's lock no matter
// which path they came in on. Reads bypass the queue and take the shared
// read lock.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pathval "github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/forge/apply"
	"github.com/AleutianAI/AleutianForge/services/forge/checksum"
	"github.com/AleutianAI/AleutianForge/services/forge/config"
	"github.com/AleutianAI/AleutianForge/services/forge/lock"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
	"github.com/AleutianAI/AleutianForge/services/forge/queue"
	"github.com/AleutianAI/AleutianForge/services/forge/validation"
)

// ServiceVersion is the forge service version.
const ServiceVersion = "0.1.0"

var requestValidate = validator.New()

// Option customizes NewEngine.
type Option func(*engineOptions)

type engineOptions struct {
	git      validation.GitClient
	executor queue.Executor
}

// WithGitClient replaces the git client used by the Rollback policy.
func WithGitClient(git validation.GitClient) Option {
	return func(o *engineOptions) { o.git = git }
}

// WithExecutor replaces the queue's file executor.
func WithExecutor(executor queue.Executor) Option {
	return func(o *engineOptions) { o.executor = executor }
}

// Engine owns every component of one workspace.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Engine struct {
	root      string
	locks     *lock.Manager
	queue     *queue.Queue
	checksums *checksum.Validator
	files     *apply.FileService
	validator *validation.Validator
	tracer    trace.Tracer
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewEngine builds an engine for cfg.Workspace.Root.
//
// # Description
//
// Creates the lock manager, the operation queue with its file executor,
// the checksum validator, the apply pipeline and the post-apply validator,
// all rooted at the same canonical workspace root. The queue worker does
// not run until Start.
//
// # Inputs
//
//   - cfg: Loaded configuration. Must not be nil.
//   - opts: Test and embedding overrides.
//
// # Outputs
//
//   - *Engine: Ready to Start.
//   - error: Invalid root or component construction failure.
//
// # Example
//
//	engine, err := forge.NewEngine(cfg)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
func NewEngine(cfg *config.ForgeConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	root, err := pathval.CanonicalRoot(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	logger := slog.Default().With("component", "forge.Engine")

	locks, err := lock.NewManager(cfg.LockManager())
	if err != nil {
		return nil, fmt.Errorf("creating lock manager: %w", err)
	}

	executor := o.executor
	if executor == nil {
		fe, err := queue.NewFileExecutor(root)
		if err != nil {
			_ = locks.Close()
			return nil, err
		}
		executor = fe
	}
	q, err := queue.NewQueue(root, cfg.OperationQueue(), locks, executor)
	if err != nil {
		_ = locks.Close()
		return nil, fmt.Errorf("creating operation queue: %w", err)
	}

	sums, err := checksum.NewValidator(root, cfg.Checksum.Parallelism)
	if err != nil {
		_ = locks.Close()
		return nil, err
	}

	tracing := cfg.Telemetry.TracingEnabled()
	files, err := apply.NewFileService(root, locks, apply.NewTracer(slog.Default().With("component", "apply.Tracer"), tracing))
	if err != nil {
		_ = locks.Close()
		return nil, err
	}

	vopts := cfg.Validator()
	vopts.Git = o.git
	v, err := validation.NewValidator(root, vopts)
	if err != nil {
		_ = locks.Close()
		return nil, err
	}

	e := &Engine{
		root:      root,
		locks:     locks,
		queue:     q,
		checksums: sums,
		files:     files,
		validator: v,
		tracer:    otel.Tracer("aleutian.forge"),
		logger:    logger,
	}
	q.OnResult(e.observe)
	return e, nil
}

// Root returns the canonical workspace root.
func (e *Engine) Root() string {
	return e.root
}

// Locks exposes the shared lock manager.
func (e *Engine) Locks() *lock.Manager {
	return e.locks
}

// Start launches the queue worker.
func (e *Engine) Start(ctx context.Context) error {
	return e.queue.Start(ctx)
}

// WaitUntilIdle blocks until the queue has nothing pending or running.
func (e *Engine) WaitUntilIdle(ctx context.Context) error {
	return e.queue.WaitUntilIdle(ctx)
}

// Close stops the queue worker and the lock manager. Pending operations
// are dropped.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.queue.Stop()
		if n := e.queue.Clear(); n > 0 {
			e.logger.Warn("dropping pending operations on close", slog.Int("count", n))
		}
		err = e.locks.Close()
	})
	return err
}

func (e *Engine) observe(r queue.Result) {
	if r.Err == nil {
		return
	}
	e.logger.Error("queued operation failed",
		slog.String("operation_id", r.Operation.ID),
		slog.String("type", string(r.Operation.Type)),
		slog.String("path", r.Operation.Path),
		slog.String("error", r.Err.Error()),
	)
}

// =============================================================================
// workspace.apply_edit
// =============================================================================

// ApplyEdit checks, converts and applies a refactor plan.
//
// # Description
//
//  1. With validate_checksums (default), every checksum is compared with
//     live content. A mismatch fails the call before anything is mutated.
//     A dry run reports the mismatches in StaleFiles instead and still
//     returns its preview.
//  2. The plan is validated and converted to an EditPlan.
//  3. A dry run returns the preview. Nothing is written.
//  4. The validation config, if any, is checked, including the git
//     preconditions of the Rollback policy.
//  5. The plan is applied atomically. Checksums are checked again against
//     the content snapshotted under each file's lock. Conflicts and I/O
//     failures roll back every touched file (unless rollback_on_error is
//     false).
//  6. The validation command runs. Its outcome decides Success.
//
// Cancellation of ctx is honored until step 5 starts.
//
// # Outputs
//
//   - *ApplyResult: Set whenever the plan was applied or previewed.
//   - error: Stale input, conflict, I/O, invalid request, git
//     precondition or validation execution errors. Use ErrorCode to
//     classify.
func (e *Engine) ApplyEdit(ctx context.Context, req *ApplyEditRequest) (res *ApplyResult, err error) {
	if req == nil || req.Plan == nil {
		return nil, fmt.Errorf("%w: plan is required", ErrInvalidRequest)
	}
	opts := req.Options

	ctx, span := e.tracer.Start(ctx, "forge.apply_edit",
		trace.WithAttributes(
			attribute.String("forge.plan_type", string(req.Plan.PlanType)),
			attribute.Bool("forge.dry_run", opts.DryRun),
			attribute.Bool("forge.validate_checksums", opts.checksumsEnabled()),
			attribute.Bool("forge.validation", opts.Validation != nil),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("forge.success", res.Success))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()
	logger := apply.LoggerWithTrace(ctx, e.logger)

	var (
		stale []string
		sums  map[string]string
	)
	if opts.checksumsEnabled() {
		sums = plan.Checksums(req.Plan)
		if err := e.checksums.Validate(ctx, sums); err != nil {
			var staleErr *checksum.StaleInputError
			if !opts.DryRun || !errors.As(err, &staleErr) {
				logger.Warn("plan rejected before apply", slog.String("error", err.Error()))
				return nil, err
			}
			stale = staleErr.Paths()
		}
	}

	ep, err := plan.Convert(req.Plan)
	if err != nil {
		return nil, err
	}
	warnings := plan.Warnings(req.Plan)

	if opts.DryRun {
		out, err := e.files.Apply(ctx, ep, apply.Options{DryRun: true})
		if err != nil {
			return nil, err
		}
		if len(stale) > 0 {
			warnings = append(warnings, fmt.Sprintf("plan is stale: %d file(s) changed since it was computed", len(stale)))
		}
		return &ApplyResult{
			Success:      len(stale) == 0,
			AppliedFiles: nonNil(out.Preview.ModifiedFiles),
			CreatedFiles: nonNil(out.Preview.CreatedFiles),
			DeletedFiles: nonNil(out.Preview.DeletedFiles),
			Warnings:     nonNil(warnings),
			Preview:      out.Preview,
			StaleFiles:   stale,
		}, nil
	}

	if opts.Validation != nil {
		if err := e.validator.Preflight(ctx, *opts.Validation); err != nil {
			return nil, err
		}
	}

	out, err := e.files.Apply(ctx, ep, apply.Options{
		RollbackOnError: opts.rollbackEnabled(),
		Checksums:       sums,
	})
	if err != nil {
		return nil, err
	}

	res = &ApplyResult{
		Success:           true,
		AppliedFiles:      nonNil(out.Result.ModifiedFiles),
		CreatedFiles:      nonNil(out.Result.CreatedFiles),
		DeletedFiles:      nonNil(out.Result.DeletedFiles),
		Warnings:          nonNil(warnings),
		RollbackAvailable: true,
	}
	if opts.Validation == nil {
		return res, nil
	}

	// The plan is on disk; the validation step is not interrupted by the
	// caller going away.
	vres, err := e.validator.Run(context.WithoutCancel(ctx), *opts.Validation, createdPaths(ep))
	if err != nil {
		return nil, fmt.Errorf("changes were applied but could not be validated, revert manually if needed: %w", err)
	}
	res.Validation = vres
	res.Success = vres.Passed
	res.RollbackAvailable = vres.RollbackAvailable
	return res, nil
}

// createdPaths lists the paths an apply brought into existence: Create
// targets and Move destinations. A git rollback must remove them since
// reset leaves untracked files alone.
func createdPaths(ep *plan.EditPlan) []string {
	var out []string
	for _, e := range ep.Edits {
		switch e.EditType {
		case plan.EditCreate:
			out = append(out, e.FilePath)
		case plan.EditMove:
			out = append(out, e.NewText)
		}
	}
	return out
}

// =============================================================================
// workspace.read_file
// =============================================================================

// ReadFile reads a workspace file under its shared read lock. Reads never
// enter the queue.
func (e *Engine) ReadFile(ctx context.Context, path string) (*ReadFileResponse, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}
	content, err := e.files.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ReadFileResponse{
		Path:     path,
		Content:  string(content),
		Checksum: checksum.Compute(content),
		Size:     len(content),
	}, nil
}

// =============================================================================
// Queue tools
// =============================================================================

// Enqueue adds one operation, or a batch atomically through a queue
// transaction.
//
// # Outputs
//
//   - *EnqueueResponse: IDs in request order.
//   - error: ErrInvalidRequest, queue.ErrQueueFull or a path error. On
//     error nothing was enqueued.
func (e *Engine) Enqueue(req *EnqueueRequest) (*EnqueueResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	specs := req.Operations
	if len(specs) == 0 {
		specs = []OperationSpec{req.OperationSpec}
	}

	ops := make([]*queue.FileOperation, 0, len(specs))
	for i, spec := range specs {
		op, err := buildOperation(spec)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}

	var ids []string
	if len(ops) == 1 {
		id, err := e.queue.Enqueue(ops[0])
		if err != nil {
			return nil, err
		}
		ids = []string{id}
	} else {
		tx := e.queue.Begin()
		for _, op := range ops {
			if err := tx.Add(op); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		var err error
		if ids, err = tx.Commit(); err != nil {
			return nil, err
		}
	}
	return &EnqueueResponse{OperationIDs: ids, QueueSize: e.queue.Size()}, nil
}

func buildOperation(spec OperationSpec) (*queue.FileOperation, error) {
	if err := requestValidate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	opType, err := queue.ParseOperationType(spec.Operation)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any)
	switch opType {
	case queue.OpCreateFile, queue.OpWrite:
		if spec.Content != nil {
			params["content"] = *spec.Content
		}
	case queue.OpRename:
		if spec.NewPath == "" {
			return nil, fmt.Errorf("%w: rename requires new_path", ErrInvalidRequest)
		}
		params["new_path"] = spec.NewPath
	case queue.OpRefactor, queue.OpFormat:
		return nil, fmt.Errorf("%w: %s is not a simple operation", ErrInvalidRequest, opType)
	}

	op := queue.NewOperation(ToolEnqueueOperation, opType, spec.Path, params)
	if spec.Priority != nil {
		op.WithPriority(*spec.Priority)
	}
	return op, nil
}

// Cancel removes a pending operation. Unknown and started operations
// report Cancelled false.
func (e *Engine) Cancel(id string) *CancelResponse {
	return &CancelResponse{OperationID: id, Cancelled: e.queue.Cancel(id)}
}

// Pending returns the queue snapshot in execution order.
func (e *Engine) Pending() []queue.PendingOperation {
	return e.queue.Pending()
}

// QueueStats reports queue and lock table statistics.
func (e *Engine) QueueStats() *QueueStatsResponse {
	return &QueueStatsResponse{
		Stats:   e.queue.Stats(),
		Idle:    e.queue.IsIdle(),
		Pending: e.queue.Pending(),
		Locks:   e.locks.Stats(),
	}
}

// Health reports liveness details.
func (e *Engine) Health() *HealthResponse {
	return &HealthResponse{
		Status:    "healthy",
		Version:   ServiceVersion,
		Root:      e.root,
		QueueSize: e.queue.Size(),
		Locks:     e.locks.Len(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
