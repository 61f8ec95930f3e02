package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/volcompute/orchestrator/internal/config"
	"github.com/volcompute/orchestrator/internal/domain/aimode"
	"github.com/volcompute/orchestrator/internal/httpapi"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/sandbox"
	"github.com/volcompute/orchestrator/internal/scheduler/policy"
	"github.com/volcompute/orchestrator/internal/scheduler/verifier"
	"github.com/volcompute/orchestrator/internal/storage"
	"github.com/volcompute/orchestrator/internal/storage/memory"
	"github.com/volcompute/orchestrator/internal/storage/postgres"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

// The Validator is deployed as its own process (spec §1, §6): it re-executes submitted results
// server-side and carries the /v1/validate and /v1/recheck endpoints separately from the
// scheduler's own HTTP surface, even though both processes share the same storage and the same
// Verifier implementation.
func main() {
	config.LoadDotEnv("")
	cfg := config.LoadSchedulerConfig()

	addr := flag.String("addr", config.GetEnv("VALIDATOR_ADDR", ":8081"), "HTTP listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL; in-memory storage when empty)")
	objectRoot := flag.String("object-root", config.GetEnv("OBJECT_STORE_ROOT", "./data/objects"), "object storage base directory")
	flag.Parse()

	dsnVal := *dsn
	if dsnVal == "" {
		dsnVal = cfg.DatabaseURL
	}

	logger := logging.NewFromEnv("validator")

	var (
		projects storage.ProjectStore
		tasks    storage.TaskStore
		agentsDB storage.AgentStore
		flags    storage.FlagStore
		db       *sql.DB
	)

	if strings.TrimSpace(dsnVal) != "" {
		var err error
		db, err = sql.Open("postgres", dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		store := postgres.New(db)
		projects, tasks, agentsDB, flags = store, store, store, store
	} else {
		store := memory.New()
		projects, tasks, agentsDB, flags = store, store, store, store
		logger.Info("validator using in-memory storage (no DATABASE_URL set) — intended for local smoke testing only")
	}
	if db != nil {
		defer db.Close()
	}

	objects, err := objectstore.New(*objectRoot)
	if err != nil {
		log.Fatalf("initialise object store: %v", err)
	}

	modes := aimode.NewStore(aimode.Record{
		Mode: cfg.AIMode,
		Limits: aimode.Limits{
			MaxConcurrentTasks: cfg.PolicyMaxConcurrent,
			MaxDailyBudget:     cfg.PolicyMaxDailyBudget,
			RecheckThreshold:   cfg.PolicyRecheckThreshold,
		},
	})
	policyEngine := policy.New(modes, logger)

	sandboxExec, err := sandbox.New(objects, config.GetEnv("SANDBOX_WORKSPACE_ROOT", "./data/sandbox"), logger)
	if err != nil {
		log.Fatalf("initialise sandbox executor: %v", err)
	}

	v := verifier.New(projects, tasks, agentsDB, flags, sandboxExec, policyEngine, logger)

	server := &httpapi.ValidatorServer{Tasks: tasks, Verifier: v, Logger: logger}
	router := httpapi.NewValidatorRouter(server)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", *addr).Info("validator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("validator http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
