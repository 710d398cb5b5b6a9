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

// Command nofxd is the orchestrator daemon: it wires together the
// configured Store backend, the in-process Queue, the built-in step
// handlers, and a Worker, then blocks until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nofx-run/orchestrator/internal/config"
	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/handler/builtin"
	"github.com/nofx-run/orchestrator/internal/handler/manual"
	"github.com/nofx-run/orchestrator/internal/handler/shell"
	"github.com/nofx-run/orchestrator/internal/handler/vcs"
	"github.com/nofx-run/orchestrator/internal/log"
	"github.com/nofx-run/orchestrator/internal/queue"
	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/fsstore"
	"github.com/nofx-run/orchestrator/internal/store/postgres"
	"github.com/nofx-run/orchestrator/internal/store/sqlite"
	"github.com/nofx-run/orchestrator/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		settingsPath = flag.String("settings", "settings.yaml", "path to the optional YAML settings file")
		fsDir        = flag.String("fs-dir", "local_data", "root directory for the fs Store backend")
		showVersion  = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nofxd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())

	file, err := config.LoadFile(*settingsPath)
	if err != nil {
		logger.Error("failed to load settings file", "error", err, "path", *settingsPath)
		os.Exit(1)
	}
	cfg := config.Load(file)

	be, closeStore, err := openStore(cfg, *fsDir, logger)
	if err != nil {
		logger.Error("failed to open store backend", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	q := queue.New(cfg.WorkerConcurrency, logger)
	rec := events.New(be, logger)

	registry := handler.NewRegistry()
	registry.Register(builtin.Echo{})
	registry.Register(builtin.Fail{})
	registry.Register(shell.Handler{WorkingDir: "."})
	registry.Register(manual.Handler{})
	registry.Register(vcs.Handler{Dir: "."})

	w := &worker.Worker{
		Store:    be,
		Queue:    q,
		Events:   rec,
		Registry: registry,
		Logger:   logger,
	}
	w.Start()

	logger.Info("nofxd started",
		"data_driver", cfg.DataDriver,
		"worker_concurrency", cfg.WorkerConcurrency,
		"serverless", cfg.Serverless,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("nofxd shutting down")
}

func openStore(cfg config.Config, fsDir string, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.DataDriver {
	case config.DataDriverFS:
		be, err := fsstore.New(fsDir)
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	case config.DataDriverDB:
		if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			be, err := postgres.New(postgres.Config{
				ConnectionString: cfg.DatabaseURL,
				MaxOpenConns:     cfg.PoolSize,
				Logger:           logger,
				LogAll:           cfg.LogAllSQL,
			})
			if err != nil {
				return nil, nil, err
			}
			return be, func() { be.Close() }, nil
		}
		be, err := sqlite.New(sqlite.Config{Path: cfg.DatabaseURL, Logger: logger, LogAll: cfg.LogAllSQL})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DATA_DRIVER %q", cfg.DataDriver)
	}
}
