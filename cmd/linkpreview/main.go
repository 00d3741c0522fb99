package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/enzyme/linkpreview/internal/app"
	"github.com/enzyme/linkpreview/internal/config"
	"github.com/enzyme/linkpreview/internal/logging"
	"github.com/enzyme/linkpreview/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

const usage = `Usage: linkpreview [command] [flags]

Commands:
  serve               Run the HTTP service and scheduled jobs (default)
  resolve-shortlinks  Resolve one batch of short links and exit
  check-links         Run one link health pass and exit
  quota               Print the current month's API usage

Run "linkpreview <command> --help" for flags.
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "resolve-shortlinks":
		err = runResolveShortlinks(args)
	case "check-links":
		err = runCheckLinks(args)
	case "quota":
		err = runQuota(args)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

// bootstrap parses flags, loads configuration, and installs telemetry and
// logging. The returned shutdown flushes telemetry.
func bootstrap(flags *pflag.FlagSet, args []string) (*config.Config, telemetry.ShutdownFunc, error) {
	if err := flags.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parsing flags: %w", err)
	}

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	shutdown, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	logging.Setup(cfg.Log, cfg.Telemetry.Enabled)
	return cfg, shutdown, nil
}

func flushTelemetry(shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("error flushing telemetry", "error", err)
	}
}

func runServe(args []string) error {
	cfg, shutdownTelemetry, err := bootstrap(config.SetupFlags(), args)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTelemetry)

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
		}
	}()

	err = application.Start(ctx)
	cancel()
	<-stopped
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// oneShot builds the application, runs fn, and releases the database.
// Ctrl-C cancels the run; the job records what it finished.
func oneShot(cfg *config.Config, fn func(ctx context.Context, a *app.App) (any, error)) error {
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := fn(ctx, application)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runResolveShortlinks(args []string) error {
	flags := config.SetupFlags()
	flags.Int("batch-size", 0, "Records to process (default shortlink.batch_size)")

	cfg, shutdownTelemetry, err := bootstrap(flags, args)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTelemetry)

	batchSize, _ := flags.GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = cfg.Shortlink.BatchSize
	}
	return oneShot(cfg, func(ctx context.Context, a *app.App) (any, error) {
		return a.ResolveShortlinks(ctx, batchSize)
	})
}

func runCheckLinks(args []string) error {
	flags := config.SetupFlags()
	flags.Bool("broken", false, "Recheck only links marked broken")
	flags.Int("batch-size", 0, "Records to process (default health.batch_size or health.broken_batch_size)")

	cfg, shutdownTelemetry, err := bootstrap(flags, args)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTelemetry)

	broken, _ := flags.GetBool("broken")
	batchSize, _ := flags.GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = cfg.Health.BatchSize
		if broken {
			batchSize = cfg.Health.BrokenBatchSize
		}
	}
	return oneShot(cfg, func(ctx context.Context, a *app.App) (any, error) {
		return a.CheckLinks(ctx, broken, batchSize)
	})
}

func runQuota(args []string) error {
	cfg, shutdownTelemetry, err := bootstrap(config.SetupFlags(), args)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTelemetry)

	return oneShot(cfg, func(ctx context.Context, a *app.App) (any, error) {
		return a.Quota.Current(ctx)
	})
}
