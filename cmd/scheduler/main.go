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
	"github.com/volcompute/orchestrator/internal/scheduler/agents"
	"github.com/volcompute/orchestrator/internal/scheduler/assignment"
	"github.com/volcompute/orchestrator/internal/scheduler/broadcaster"
	"github.com/volcompute/orchestrator/internal/scheduler/policy"
	"github.com/volcompute/orchestrator/internal/scheduler/project"
	"github.com/volcompute/orchestrator/internal/scheduler/taskstore"
	"github.com/volcompute/orchestrator/internal/scheduler/verifier"
	"github.com/volcompute/orchestrator/internal/storage"
	"github.com/volcompute/orchestrator/internal/storage/memory"
	"github.com/volcompute/orchestrator/internal/storage/postgres"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

func main() {
	config.LoadDotEnv("")
	cfg := config.LoadSchedulerConfig()

	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL; in-memory storage when empty)")
	objectRoot := flag.String("object-root", config.GetEnv("OBJECT_STORE_ROOT", "./data/objects"), "object storage base directory")
	flag.Parse()

	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	dsnVal := *dsn
	if dsnVal == "" {
		dsnVal = cfg.DatabaseURL
	}

	logger := logging.NewFromEnv("scheduler")

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
		logger.WithField("dsn_set", true).Info("scheduler using postgres storage")
	} else {
		store := memory.New()
		projects, tasks, agentsDB, flags = store, store, store, store
		logger.Info("scheduler using in-memory storage (no DATABASE_URL set)")
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
	stopSweep, err := v.StartRecheckSweep(context.Background(), cfg.RecheckSweepCron, cfg.PolicyRecheckThreshold)
	if err != nil {
		log.Fatalf("start recheck sweep: %v", err)
	}
	defer stopSweep()

	assignmentEngine := assignment.New(projects, tasks, agentsDB, flags, policyEngine, logger)
	agentsRegistry := agents.New(agentsDB, logger)
	projectRegistry := project.New(projects, tasks, objects, logger)
	taskService := taskstore.New(tasks, agentsDB, v)

	bc := broadcaster.New(250 * time.Millisecond)

	server := &httpapi.Server{
		Projects:    projectRegistry,
		Agents:      agentsRegistry,
		Tasks:       taskService,
		Assignment:  assignmentEngine,
		Verifier:    v,
		Broadcaster: bc,
		AIModes:     modes,
		Objects:     objects,
		Logger:      logger,
	}
	taskService.Notify = server.NotifyBroadcaster

	router := httpapi.NewSchedulerRouter(server)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("scheduler listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("scheduler http server: %v", err)
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
