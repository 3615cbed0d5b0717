// ABOUTME: Entry point for the feedd daemon
// ABOUTME: CLI surface, working-directory validation, and composition root

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/candlewick/feedd/internal/config"
	"github.com/candlewick/feedd/internal/daemon"
	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/feed"
	"github.com/candlewick/feedd/internal/fetch"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/protect"
	"github.com/candlewick/feedd/internal/server"
	"github.com/candlewick/feedd/internal/storage"
	"github.com/candlewick/feedd/internal/tag"
)

// Version is set at build time.
var version = "dev"

var (
	workDir   string
	verbosity int
)

func main() {
	root := &cobra.Command{
		Use:           "feedd",
		Short:         "Syndicated feed aggregation daemon",
		Long:          "feedd aggregates syndicated feeds and serves local reader clients\nover a unix socket, pushing change notifications as feeds update.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&workDir, "dir", "D", "~/.feedd", "working directory")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "raise log verbosity (repeatable)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (the default command)",
		RunE:  runServe,
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		// Startup failures land on stderr; once serving, errors go to
		// the daemon log instead.
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := expandDir(workDir)
	if err != nil {
		return err
	}
	if err := ensurePaths(dir); err != nil {
		return err
	}

	pidfile, err := lockPid(filepath.Join(dir, "pid"))
	if err != nil {
		return err
	}
	defer unlockPid(pidfile)

	// Everything after this logs to daemon-log, not stderr.
	logFile, err := os.Create(filepath.Join(dir, "daemon-log"))
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: logLevel(verbosity),
	}))
	slog.SetDefault(logger)

	logger.Info("feedd started", "version", version, "dir", dir, "verbosity", verbosity)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, dir, logger)
}

// serve builds the daemon's object graph and runs the dispatch loop
// until shutdown.
func serve(ctx context.Context, dir string, logger *slog.Logger) error {
	bus := event.NewBus(logger)
	feedLock := &guard.RWLock{}
	tagLock := &guard.RWLock{}

	shelf, err := storage.Open(filepath.Join(dir, "feeds"), bus)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := shelf.Close(); err != nil {
			logger.Warn("closing shelf failed", "error", err)
		}
	}()

	conf := config.New(filepath.Join(dir, "conf"), logger)
	tags := tag.NewRegistry(tagLock, bus, logger)
	feeds := feed.NewRegistry(shelf, logger)
	pins := protect.NewRegistry()

	engine := fetch.NewEngine(
		fetch.NewHTTPSource(30*time.Second),
		feeds, tags, feedLock, pins.Protected, logger)

	srv, err := server.Listen(filepath.Join(dir, "socket"), bus, logger)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	defer srv.Close()

	d := daemon.New(daemon.Options{
		Conf:      conf,
		Shelf:     shelf,
		Tags:      tags,
		Feeds:     feeds,
		Pins:      pins,
		Fetcher:   engine,
		Transport: srv,
		Bus:       bus,
		FeedLock:  feedLock,
		Logger:    logger,
	})

	if err := d.Bootstrap(ctx); err != nil {
		return err
	}

	engine.Start(4)
	defer engine.Stop()

	err = d.Run(ctx)
	if err != nil {
		logger.Error("exiting on error", "error", err)
		return err
	}
	logger.Info("exiting cleanly")
	return nil
}

func logLevel(verbosity int) slog.Level {
	switch {
	case verbosity >= 2:
		return slog.LevelDebug
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}
