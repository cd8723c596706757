package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/finclaw/internal/agent"
	"github.com/user/finclaw/internal/extract"
	"github.com/user/finclaw/internal/research"
	"github.com/user/finclaw/internal/scheduler"
	"github.com/user/finclaw/internal/server"
	"github.com/user/finclaw/internal/session"
	"github.com/user/finclaw/internal/state"
	"github.com/user/finclaw/internal/store"
	"github.com/user/finclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the finclaw daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "finclaw.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Agent client. A missing binary or credential is fatal here; nothing
	// downstream can limp along without the collaborator.
	client := agent.NewCLIClient(cfg.Agent.Bin)
	if err := client.Preflight(); err != nil {
		return fmt.Errorf("agent unavailable: %w", err)
	}

	// Message log
	db, err := store.Open(filepath.Join(cfg.DataDir, "finclaw.db"))
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer db.Close()

	// Session manager
	registry := extract.NewRegistry()
	manager, err := session.NewManager(db, client, registry, research.NewFetcher(), session.Options{
		AllowedTools:   cfg.Agent.AllowedTools,
		PermissionMode: cfg.Agent.PermissionMode,
		MaxConcurrent:  int64(cfg.Agent.MaxConcurrent),
		HistoryTokens:  cfg.Agent.HistoryTokens,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("finclaw started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"agent_bin", cfg.Agent.Bin,
		"max_concurrent", cfg.Agent.MaxConcurrent,
		"pid_file", pidPath,
	)

	// Refresh task store + scheduler
	taskStore := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))

	runTask := func(projectID, prompt string) error {
		_, err := manager.SendMessage(ctx, types.ProjectID(projectID), prompt, nil)
		return err
	}

	sched := scheduler.New(taskStore, func(projectID, prompt string) {
		if err := runTask(projectID, prompt); err != nil {
			slog.Error("scheduled refresh failed", "project_id", projectID, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// HTTP API
	if cfg.HTTP.Enabled {
		srv := server.NewServer(manager, db, taskStore, runTask)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: srv,
		}
		go func() {
			slog.Info("api server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("api server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)
	return nil
}
