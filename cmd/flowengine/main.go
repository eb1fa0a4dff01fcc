// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command flowengine is the workflow execution subsystem's CLI and
// daemon entrypoint: "serve" runs the HTTP webhook/admin surface plus
// the trigger/executor/timeout worker pools of spec.md §5 in the
// foreground; "migrate" applies the configured store's schema without
// starting any worker pool; "recover" and "cleanup" are one-shot CLI
// wrappers over the same Supervisor passes the admin HTTP endpoints
// expose, for use from cron or a deploy hook; and "definitions"
// validates/applies/exports workflow YAML against the configured
// store. A background instance of "serve" is expected to run under an
// external process manager (systemd, a container orchestrator) rather
// than a bespoke start/stop/status subcommand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlane/flowengine/internal/config"
	"github.com/nextlane/flowengine/internal/daemon"
	"github.com/nextlane/flowengine/internal/filewatch"
	"github.com/nextlane/flowengine/internal/log"
	"github.com/nextlane/flowengine/internal/telemetry"
	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/condition"
	"github.com/nextlane/flowengine/pkg/definitions"
	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/executor"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/supervisor"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/queue/memqueue"
	"github.com/nextlane/flowengine/pkg/queue/redisqueue"
	"github.com/nextlane/flowengine/pkg/store"
	"github.com/nextlane/flowengine/pkg/store/memstore"
	"github.com/nextlane/flowengine/pkg/store/postgres"
	"github.com/nextlane/flowengine/pkg/store/sqlite"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "flowengine",
		Short: "Event-driven workflow automation engine for the CRM",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newMigrateCommand(&configPath))
	root.AddCommand(newRecoverCommand(&configPath))
	root.AddCommand(newCleanupCommand(&configPath))
	root.AddCommand(newDefinitionsCommand(&configPath))
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "flowengine %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	var allowRemote bool
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine in the foreground: webhooks, admin API, and worker pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Listen.Addr = addr
			}
			if allowRemote {
				cfg.Listen.AllowRemote = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			srv, err := buildServer(cfg, logger)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("flowengine serving", "addr", cfg.Listen.Addr, "backend", cfg.Backend.Type, "queue", cfg.Queue.Type)
			if err := srv.Start(ctx, cfg.Listen.Addr); err != nil {
				logger.Error("server exited with error", "error", err)
				if srv.Telemetry != nil {
					_ = srv.Telemetry.Shutdown(context.Background())
				}
				return err
			}
			if srv.Telemetry != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Telemetry.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override listen.addr from config")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "bind non-localhost addresses (SECURITY WARNING)")
	return cmd
}

// buildServer wires the backend store, queue, adapters, and the four
// engine components (trigger/executor/resumer/supervisor) from cfg,
// the same assembly conductord's daemon.New used to perform internally
// — kept explicit here since this engine's component set is wider
// (four independently-testable packages rather than one daemon
// struct).
func buildServer(cfg *config.Config, logger *slog.Logger) (*daemon.Server, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	q, err := buildQueue(cfg)
	if err != nil {
		return nil, err
	}

	eval := condition.New()
	messaging := &adapters.FakeMessaging{}
	voice := &adapters.FakeVoice{}
	task := &adapters.FakeTask{}

	workerID := fmt.Sprintf("flowengine-%d", os.Getpid())

	m := trigger.New(st, q, eval, logger)
	ex := executor.New(st, q, eval, logger, workerID, messaging, voice, task)
	ex.Notifier = messaging
	ex.AdminEmail = cfg.Admin.NotifyEmail

	provider, err := telemetry.New("flowengine", version)
	if err != nil {
		logger.Warn("telemetry disabled: failed to initialize", "error", err)
	} else {
		m.Metrics = provider.Metrics
		ex.Metrics = provider.Metrics
		ex.Tracer = provider.Tracer("flowengine/executor")
	}

	res := resumer.New(st, q, logger)
	sv := supervisor.New(st, q, res, logger)
	sv.StuckAfter = cfg.Supervisor.StuckAfter
	sv.Retention = supervisor.RetentionPolicy{
		CompletedRuns: time.Duration(cfg.Supervisor.Retention.CompletedDays) * 24 * time.Hour,
		FailedRuns:    time.Duration(cfg.Supervisor.Retention.FailedDays) * 24 * time.Hour,
		CompletedJobs: time.Duration(cfg.Supervisor.Retention.JobDays) * 24 * time.Hour,
	}

	srv := daemon.New(q, m, ex, res, sv, logger)
	srv.Voice = voice
	if provider != nil {
		srv.Telemetry = provider
	}
	srv.WebhookSecrets = cfg.WebhookSecrets
	srv.PollSecret = cfg.Admin.PollSecret
	if cfg.Admin.JWTSecret != "" {
		srv.AdminSecret = []byte(cfg.Admin.JWTSecret)
	}
	srv.Pools = daemon.Pools{
		TriggerConcurrency:   cfg.WorkerPools.TriggerConcurrency,
		TriggerRateLimitPerS: cfg.WorkerPools.TriggerRateLimitPerS,
		ExecutorConcurrency:  cfg.WorkerPools.ExecutorConcurrency,
		TimeoutConcurrency:   cfg.WorkerPools.TimeoutConcurrency,
		TimeoutPollInterval:  cfg.WorkerPools.TimeoutPollInterval,
	}
	return srv, nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend.Type {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Backend.SQLitePath, WAL: true})
	case "postgres":
		lifetime, _ := time.ParseDuration(cfg.Backend.ConnMaxLifetime)
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Backend.PostgresURL,
			MaxOpenConns:     cfg.Backend.MaxOpenConns,
			MaxIdleConns:     cfg.Backend.MaxIdleConns,
			ConnMaxLifetime:  lifetime,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "memory":
		return memqueue.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Queue.RedisAddr,
			DB:   cfg.Queue.RedisDB,
		})
		return redisqueue.New(client, "flowengine"), nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
	}
}

// newMigrateCommand applies the configured store's schema and exits.
// sqlite and postgres both run their migration set from inside New(),
// so this is a thin wrapper that builds the store and discards it;
// memory backends have no schema and succeed trivially.
func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the configured store's schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if closer, ok := st.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s backend is up to date\n", cfg.Backend.Type)
			return nil
		},
	}
}

// newRecoverCommand runs the supervisor's reclaim pass once, the same
// pass the admin POST /workflows/recover endpoint triggers, for use
// from a cron job or deploy hook without standing up the HTTP server.
func newRecoverCommand(configPath *string) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reclaim runs stuck in an active job with no live queue entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("build store: %w", err)
			}
			q, err := buildQueue(cfg)
			if err != nil {
				return fmt.Errorf("build queue: %w", err)
			}
			logger := log.New(log.FromEnv())
			res := resumer.New(st, q, logger)
			sv := supervisor.New(st, q, res, logger)
			threshold := time.Duration(hours) * time.Hour
			if threshold <= 0 {
				threshold = cfg.Supervisor.StuckAfter
			}
			result, err := sv.Reclaim(cmd.Context(), threshold)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d run(s): requeued %d job(s), resumed %d wait(s), %d could not be repaired\n",
				result.ScannedRuns, result.RequeuedJobs, result.ResumedWaits, result.FailedNoWork)
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "stuck threshold in hours (defaults to supervisor.stuckAfter from config)")
	return cmd
}

// newCleanupCommand runs the supervisor's prune pass once, the same
// pass the admin POST /workflows/cleanup endpoint triggers.
func newCleanupCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed/failed runs and jobs past the configured retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("build store: %w", err)
			}
			q, err := buildQueue(cfg)
			if err != nil {
				return fmt.Errorf("build queue: %w", err)
			}
			logger := log.New(log.FromEnv())
			res := resumer.New(st, q, logger)
			sv := supervisor.New(st, q, res, logger)
			sv.Retention = supervisor.RetentionPolicy{
				CompletedRuns: time.Duration(cfg.Supervisor.Retention.CompletedDays) * 24 * time.Hour,
				FailedRuns:    time.Duration(cfg.Supervisor.Retention.FailedDays) * 24 * time.Hour,
				CompletedJobs: time.Duration(cfg.Supervisor.Retention.JobDays) * 24 * time.Hour,
			}
			result, err := sv.Prune(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d completed run(s), %d failed run(s), %d orphaned job(s), %d completed job(s)\n",
				result.CompletedRunsDeleted, result.FailedRunsDeleted, result.OrphanedJobsDeleted, result.CompletedJobsDeleted)
			return nil
		},
	}
	return cmd
}

func newDefinitionsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Validate, apply, and export workflow definitions",
	}
	cmd.AddCommand(newDefinitionsValidateCommand())
	cmd.AddCommand(newDefinitionsApplyCommand(configPath))
	cmd.AddCommand(newDefinitionsExportCommand(configPath))
	cmd.AddCommand(newDefinitionsWatchCommand(configPath))
	return cmd
}

// applyDefinitionFile parses, validates and upserts one YAML file into
// st, soft-deleting any prior definition with the same id.
func applyDefinitionFile(ctx context.Context, st store.Store, path string) (*engine.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := definitions.ParseYAML(data)
	if err != nil {
		return nil, err
	}
	if existing, err := st.GetDefinition(ctx, def.ID); err == nil && existing != nil {
		if err := st.SoftDeleteDefinition(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("soft-delete existing definition: %w", err)
		}
	}
	if err := st.CreateDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	return def, nil
}

func newDefinitionsWatchCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Dev-mode: watch a directory of workflow YAML files and re-apply on change",
		Long: "Intended for local development against a memory or sqlite backend: every\n" +
			"time a .yaml/.yml file under dir is created or written, it is parsed,\n" +
			"validated, and upserted into the configured store (existing definitions\n" +
			"with the same id are soft-deleted first). Runs until interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}
			logger := log.New(log.FromEnv())

			w, err := filewatch.New(args[0], logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx) }()

			for {
				select {
				case path, ok := <-w.Changed():
					if !ok {
						return <-errCh
					}
					def, err := applyDefinitionFile(ctx, st, path)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: applied definition %s (%s)\n", path, def.ID, def.Name)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func newDefinitionsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate a workflow definition YAML file against the graph rules of spec.md §6",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := definitions.ValidateYAML(data)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			if !res.OK() {
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
				}
				return fmt.Errorf("definition is invalid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "definition is valid")
			return nil
		},
	}
}

func newDefinitionsApplyCommand(configPath *string) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Parse, validate, and create a workflow definition in the configured store",
		Long: "Definitions are immutable once a run references them.\n" +
			"Applying a file whose id already exists fails unless --replace is given, in\n" +
			"which case the existing definition is soft-deleted and a new row created.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := definitions.ParseYAML(data)
			if err != nil {
				return err
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if existing, err := st.GetDefinition(ctx, def.ID); err == nil && existing != nil {
				if !replace {
					return fmt.Errorf("definition %s already exists; pass --replace to soft-delete it and create a new version", def.ID)
				}
			}
			def, err = applyDefinitionFile(ctx, st, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created definition %s (%s)\n", def.ID, def.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "soft-delete an existing definition with the same id first")
	return cmd
}

func newDefinitionsExportCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <definition-id>",
		Short: "Export a stored workflow definition back to its YAML authoring form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}
			def, err := st.GetDefinition(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := definitions.MarshalYAML(def)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
