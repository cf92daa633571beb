// Command batond is the Baton broker daemon. It serves the HTTP API and event
// streams over a SQLite database and runs the lease reaper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/config"
	"github.com/GoCodeAlone/baton/internal/version"
	"github.com/GoCodeAlone/baton/knowledge"
	"github.com/GoCodeAlone/baton/reaper"
	"github.com/GoCodeAlone/baton/server"
	"github.com/GoCodeAlone/baton/storage"
)

var configPath = flag.String("config", "baton.yaml", "path to config file (.yaml or .toml)")

func main() {
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "batond: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when it does not exist.
// The second result reports whether the file is there to be watched.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg = config.DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func settingsFrom(cfg *config.Config) broker.Settings {
	return broker.Settings{
		Lease:           cfg.Broker.Lease.Duration,
		HandoffMaxReads: cfg.Broker.HandoffMaxReads,
	}
}

func run(path string) error {
	cfg, watchable, err := loadConfig(path)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	level.Set(lvl)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting batond",
		"version", version.Version,
		"commit", version.Commit,
		"db", cfg.DBPath(),
	)
	if !watchable {
		logger.Warn("config file not found, using defaults", "path", path)
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	hub := comms.NewHub(comms.WithLogger(logger))
	b, err := broker.New(db, hub, broker.WithLogger(logger), broker.WithSettings(settingsFrom(cfg)))
	if err != nil {
		return err
	}
	catalog, err := knowledge.NewCatalog(db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reap := b.NewReaper(
		reaper.WithInterval(cfg.Broker.ReaperInterval.Duration),
		reaper.WithSessionTimeout(cfg.Broker.SessionTimeout.Duration),
	)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reap.Run(ctx)
	}()

	listenerDone := knowledge.NewListener(hub, catalog, knowledge.WithLogger(logger)).Start(ctx)
	harvestDone := knowledge.NewHarvester(hub, knowledge.FailureListFunc(b.ListFailures), catalog, logger).Start(ctx)

	srv := server.New(*cfg, b, version.Version, logger)

	if watchable {
		w, err := config.NewWatcher(path, logger, func(next *config.Config) {
			if l, err := config.ParseLevel(next.LogLevel); err == nil {
				level.Set(l)
			}
			b.ApplySettings(settingsFrom(next))
			reap.SetInterval(next.Broker.ReaperInterval.Duration)
			reap.SetSessionTimeout(next.Broker.SessionTimeout.Duration)
			srv.UpdateAuth(next.Auth)
			if next.Server.Addr != cfg.Server.Addr || next.DataDir != cfg.DataDir {
				logger.Warn("server.addr and data_dir changes need a restart")
			}
			logger.Info("config reloaded", "path", path)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "err", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil {
		logger.Error("server stop", "err", serr)
	}
	<-reaperDone
	<-listenerDone
	<-harvestDone
	logger.Info("shutdown complete")
	return err
}
