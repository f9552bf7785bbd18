package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/jobdrain/internal/api"
	"github.com/seantiz/jobdrain/internal/clock"
	"github.com/seantiz/jobdrain/internal/config"
	"github.com/seantiz/jobdrain/internal/executor"
	"github.com/seantiz/jobdrain/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("jobdrain: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"db_path", cfg.DBPath,
		"deployment", cfg.Deployment,
	)

	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)

	clk := clock.System{}
	exec := executor.New(db, reg, clk, logger.With("component", "executor"), executor.Config{
		AcquireInterval: cfg.AcquireInterval,
		LockDuration:    cfg.LockDuration,
		RetryDelay:      cfg.RetryDelay,
		BatchSize:       cfg.BatchSize,
		JobTimeout:      cfg.JobTimeout,
	})
	if err := exec.Start(context.Background()); err != nil {
		log.Fatalf("failed to start executor: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, cfg.Deployment, db, exec, clk, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openStore opens the configured backend. An empty DB path keeps all state in
// memory.
func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreBadger:
		return store.NewBadgerStore(cfg.DBPath)
	default:
		path := cfg.DBPath
		if path == "" {
			path = ":memory:"
		}
		return store.NewSQLiteStore(path)
	}
}
