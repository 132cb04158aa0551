// Drover — autonomous coding agent pipeline. The producer discovers
// triggered forge work items and enqueues them; the consumer drives each one
// through an LLM+MCP tool loop until done, paused, stopped, or failed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forgeworks/drover/pkg/api"
	"github.com/forgeworks/drover/pkg/cleanup"
	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/consumer"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/producer"
	"github.com/forgeworks/drover/pkg/queue"
	"github.com/forgeworks/drover/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		continuous bool
	)

	cmd := &cobra.Command{
		Use:          "drover",
		Short:        "Autonomous coding agent pipeline for forge work items",
		Version:      version.Full(),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, mode, continuous)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: CONFIG_FILE env, then ./config.yaml)")
	cmd.Flags().StringVar(&mode, "mode", "", "producer | consumer (omitted: one producer pass, then one consumer drain)")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "run the selected mode as a long-lived loop")
	return cmd
}

func run(configPath, mode string, continuous bool) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}
	slog.Info("Starting drover", "version", version.Full(), "mode", modeLabel(mode), "continuous", continuous)

	var store *contextstore.Manager
	if cfg.ContextStorage.Enabled {
		db, err := contextstore.OpenDB(filepath.Join(cfg.ContextStorage.BaseDir, "tasks.db"))
		if err != nil {
			slog.Error("Opening tasks.db failed", "error", err)
			return err
		}
		defer db.Close()
		store = contextstore.NewManager(cfg.ContextStorage, db)
		if err := store.EnsureLayout(); err != nil {
			slog.Error("Preparing context directories failed", "error", err)
			return err
		}
	}

	q, err := buildQueue(cfg)
	if err != nil {
		slog.Error("Queue setup failed", "error", err)
		return err
	}
	defer q.Close()

	forgeClient := newForgeClient(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "producer":
		return finish(runProducer(ctx, cfg, forgeClient, q, store, continuous))
	case "consumer":
		return finish(runConsumer(ctx, cfg, forgeClient, q, store, continuous))
	case "":
		if continuous {
			return fmt.Errorf("--continuous requires --mode producer or --mode consumer")
		}
		p := producer.New(cfg, forgeClient, q, store)
		if err := p.RunOnce(ctx); err != nil {
			return finish(err)
		}
		return finish(consumer.New(cfg, forgeClient, q, store).RunOnce(ctx))
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func runProducer(ctx context.Context, cfg *config.Config, fc forge.Client, q queue.TaskQueue, store *contextstore.Manager, continuous bool) error {
	p := producer.New(cfg, fc, q, store)
	if !continuous {
		return p.RunOnce(ctx)
	}
	return p.Run(ctx)
}

func runConsumer(ctx context.Context, cfg *config.Config, fc forge.Client, q queue.TaskQueue, store *contextstore.Manager, continuous bool) error {
	c := consumer.New(cfg, fc, q, store)
	if !continuous {
		return c.RunOnce(ctx)
	}

	// Continuous consumers additionally carry the status API and the
	// retention sweeper.
	if store != nil {
		if cfg.StatusAPI.Enabled {
			server := api.NewServer(cfg.StatusAPI, store.DB())
			server.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Status API shutdown failed", "error", err)
				}
			}()
		}
		retention := cleanup.NewService(cfg.ContextStorage, cfg.PauseResume, store).WithForge(fc, cfg.Forge())
		retention.Start(ctx)
		defer retention.Stop()
	}

	return c.Run(ctx)
}

// buildQueue selects the broker queue when use_rabbitmq is set, the
// in-process FIFO otherwise.
func buildQueue(cfg *config.Config) (queue.TaskQueue, error) {
	if cfg.RabbitMQ.UseRabbitMQ {
		return queue.NewRabbitQueue(cfg.RabbitMQ)
	}
	slog.Info("Using in-process queue (use_rabbitmq is off)")
	return queue.NewMemoryQueue(), nil
}

// newForgeClient returns the forge wrapper. The REST wrappers are
// deployment-specific and linked in their own builds; this build ships the
// in-memory forge, which serves dry runs and local development.
func newForgeClient(cfg *config.Config) forge.Client {
	if cfg.Forge().Token != "" {
		slog.Warn("No REST forge wrapper linked in this build, using in-memory forge")
	}
	return forge.NewInMemoryClient()
}

func modeLabel(mode string) string {
	if mode == "" {
		return "producer+consumer"
	}
	return mode
}

// finish maps cooperative shutdown to a clean exit.
func finish(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		slog.Info("Shutdown complete")
		return nil
	}
	slog.Error("Exiting with error", "error", err)
	return err
}

// setupLogging configures slog: DEBUG selects the level, LOGS an optional
// log file destination.
func setupLogging() {
	level := logLevel(os.Getenv("DEBUG"))

	out := os.Stderr
	if path := os.Getenv("LOGS"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("Could not open log file, logging to stderr", "path", path, "error", err)
		} else {
			out = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

// logLevel maps the DEBUG environment value to a log level. DEBUG=false is
// not debug mode; unset or malformed values keep the default.
func logLevel(debug string) slog.Level {
	if v, err := strconv.ParseBool(debug); err == nil && v {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
