package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/volcompute/orchestrator/internal/agentruntime"
	"github.com/volcompute/orchestrator/internal/config"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/sandbox"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

func main() {
	config.LoadDotEnv("")
	cfg := config.LoadAgentConfig()

	acceptEULA := flag.Bool("accept-eula", false, "persist EULA acceptance and exit")
	agentUID := flag.String("agent-uid", cfg.AgentUID, "stable identifier for this agent (overrides AGENT_UID)")
	schedulerURL := flag.String("scheduler-url", cfg.SchedulerURL, "scheduler base URL (overrides SCHEDULER_URL)")
	objectRoot := flag.String("object-root", config.GetEnv("AGENT_OBJECT_CACHE", "./data/agent-objects"), "local cache directory for fetched scripts")
	workspaceRoot := flag.String("workspace-root", config.GetEnv("AGENT_WORKSPACE_ROOT", "./data/agent-workspace"), "scratch directory for sandboxed script execution")
	flag.Parse()

	logger := logging.NewFromEnv("agent")
	gate := agentruntime.NewEULAGate(cfg.EULAAcceptedPath)

	if *acceptEULA {
		if err := gate.Accept(); err != nil {
			log.Fatalf("persist EULA acceptance: %v", err)
		}
		log.Println("EULA acceptance recorded; the agent may now be started normally")
		return
	}

	if *agentUID == "" {
		log.Fatal("agent-uid (or AGENT_UID) is required")
	}

	// The object store here is a local directory that the sandbox executor verifies and reads
	// scripts from, the same way the scheduler's server-side verifier reads shared object storage
	// (spec §4.5 verify step). Nothing in the agent writes to it: scripts must already be present
	// under their object keys, and envelopes from the wire carry no storage prefix.
	objects, err := objectstore.New(*objectRoot)
	if err != nil {
		log.Fatalf("initialise local object cache: %v", err)
	}
	exec, err := sandbox.New(objects, *workspaceRoot, logger)
	if err != nil {
		log.Fatalf("initialise sandbox executor: %v", err)
	}

	client := agentruntime.NewClient(*schedulerURL, 15*time.Second, time.Second)

	runner := &agentruntime.Runner{
		AgentUID:     *agentUID,
		Client:       client,
		Executor:     exec,
		Gate:         gate,
		Logger:       logger,
		QueueDepth:   4,
		PollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		Heartbeat:    time.Duration(cfg.HeartbeatIntervalSecs) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, cancelling agent runtime")
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("agent runtime: %v", err)
	}
}
