// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/forge"
	"github.com/AleutianAI/AleutianForge/services/forge/config"
	"github.com/AleutianAI/AleutianForge/services/forge/plan"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/validation"
)

// --- Global Command Variables ---
var (
	configPath string
	rootDir    string
	logLevel   string

	port  int
	debug bool

	dryRun          bool
	noChecksums     bool
	noRollback      bool
	validateCmd     string
	onFailure       string
	validateTimeout int

	rootCmd = &cobra.Command{
		Use:           "forge",
		Short:         "Concurrent workspace mutation engine",
		Long:          "forge applies refactor plans atomically and runs queued file operations against one workspace.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the forge HTTP and websocket API",
		RunE:  runServe,
	}

	applyCmd = &cobra.Command{
		Use:   "apply [plan.json]",
		Short: "Apply a refactor plan from a file (- for stdin) and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runApply,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "forge", forge.ServiceVersion)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aleutian/forge.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "workspace root (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode and request logging")

	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview the plan without writing")
	applyCmd.Flags().BoolVar(&noChecksums, "no-checksums", false, "skip the stale-input check")
	applyCmd.Flags().BoolVar(&noRollback, "no-rollback", false, "leave partial changes on conflict or I/O failure")
	applyCmd.Flags().StringVar(&validateCmd, "validate", "", "command to run after applying, e.g. 'go build ./...'")
	applyCmd.Flags().StringVar(&onFailure, "on-failure", "Report", "validation failure policy: Report, Rollback or Interactive")
	applyCmd.Flags().IntVar(&validateTimeout, "validate-timeout", 0, "validation timeout in seconds (0 uses the config default)")

	rootCmd.AddCommand(serveCmd, applyCmd, versionCmd)
}

// setup loads configuration, applies flag overrides and installs logging.
func setup(cmd *cobra.Command) (*config.ForgeConfig, *logging.Logger, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if rootDir != "" {
		cfg.Workspace.Root = rootDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "forge",
		JSON:    cfg.Logging.JSON,
	})
	logger.Install()
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	engine, err := forge.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	// The worker outlives the signal so pending operations can drain.
	if err := engine.Start(cmd.Context()); err != nil {
		return err
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := forge.NewRouter(engine, forge.RouterConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Tracing:        cfg.Telemetry.TracingEnabled(),
	})
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("forge server listening",
			"addr", srv.Addr,
			"root", engine.Root(),
			"version", forge.ServiceVersion)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down forge server")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := engine.WaitUntilIdle(sctx); err != nil {
		slog.Warn("queue did not drain before shutdown", "error", err)
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	req, err := readApplyRequest(args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("dry-run") {
		req.Options.DryRun = dryRun
	}
	if noChecksums {
		v := false
		req.Options.ValidateChecksums = &v
	}
	if noRollback {
		v := false
		req.Options.RollbackOnError = &v
	}
	if validateCmd != "" {
		action, err := validation.ParseFailureAction(onFailure)
		if err != nil {
			return err
		}
		req.Options.Validation = &validation.Config{
			Command:        validateCmd,
			OnFailure:      action,
			TimeoutSeconds: validateTimeout,
		}
	}

	engine, err := forge.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := engine.ApplyEdit(ctx, req)
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err != nil {
		_ = out.Encode(forge.NewToolError(err))
		return err
	}
	if err := out.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New("plan did not succeed")
	}
	return nil
}

// readApplyRequest accepts either a full ApplyEditRequest or a bare
// RefactorPlan.
func readApplyRequest(path string) (*forge.ApplyEditRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var req forge.ApplyEditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if req.Plan == nil {
		req.Plan = new(plan.RefactorPlan)
		if err := json.Unmarshal(data, req.Plan); err != nil {
			return nil, fmt.Errorf("parsing plan: %w", err)
		}
	}
	return &req, nil
}
