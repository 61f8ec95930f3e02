package agentruntime

import (
	"context"
	"time"

	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/sandbox"
)

// defaultQueueDepth is the agent's small bounded local queue (spec §5: "each agent executes tasks
// serially by default with a small local queue (bounded, N ≈ 4)").
const defaultQueueDepth = 4

// Runner drives one agent process: poll for work, run it serially through the Sandbox executor,
// report results, and heartbeat on a separate cadence. Grounded on the teacher's
// internal/marble worker-dispatch loop (poll → claim → execute → report), generalized from a
// single-shot dispatch to a persistent poll loop with its own local queue.
type Runner struct {
	AgentUID     string
	Client       *Client
	Executor     *sandbox.Executor
	Gate         *EULAGate
	Logger       *logging.Logger
	QueueDepth   int
	PollInterval time.Duration
	Heartbeat    time.Duration
	Capabilities []string
}

// Run blocks until ctx is cancelled, polling for and executing task batches and heartbeating on
// the side. On ctx cancellation (e.g. SIGTERM) it returns once the current poll cycle ends. The
// same ctx is handed to the sandbox, so a script still executing is interrupted, and submitting
// its result fails on the cancelled ctx; no grace period is applied.
func (r *Runner) Run(ctx context.Context) error {
	if !r.Gate.Accepted() {
		return ErrEULANotAccepted
	}
	if r.QueueDepth <= 0 {
		r.QueueDepth = defaultQueueDepth
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 5 * time.Second
	}
	if r.Heartbeat <= 0 {
		r.Heartbeat = 30 * time.Second
	}

	hw := CollectHardware()
	if _, err := r.Client.Register(ctx, r.AgentUID, hw, r.AgentUID); err != nil {
		return err
	}

	go r.heartbeatLoop(ctx)

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollAndExecute(ctx)
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := SampleMetrics()
			m.SampledAt = time.Now().UTC()
			if err := r.Client.Metrics(ctx, r.AgentUID, m); err != nil && r.Logger != nil {
				r.Logger.WithContext(ctx).WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

// pollAndExecute requests up to QueueDepth tasks and executes them serially, one at a time, per
// spec §5's "single host process, serial execution" model.
func (r *Runner) pollAndExecute(ctx context.Context) {
	envelopes, err := r.Client.RequestBatch(ctx, r.AgentUID, r.QueueDepth, r.Capabilities)
	if err != nil {
		if r.Logger != nil {
			r.Logger.WithContext(ctx).WithError(err).Warn("request_batch failed")
		}
		return
	}
	for _, env := range envelopes {
		if ctx.Err() != nil {
			return
		}
		result := r.Executor.Run(ctx, r.AgentUID, env)
		if err := r.Client.Submit(ctx, result); err != nil && r.Logger != nil {
			r.Logger.WithContext(ctx).WithField("task_id", env.TaskID).WithError(err).Warn("submit failed")
		}
	}
}
