// Package verifier implements the Verifier (C6): server-side re-execution and classification of
// submitted results, heuristic risk checks, group aggregation, and the bounded recheck sweep
// (spec §4.6). The periodic recheck sweep is driven by robfig/cron/v3, grounded on the teacher's
// internal/reference/automation ticker-driven background-worker shape but using a cron schedule
// expression instead of a bare ticker since spec §9 calls this out as a periodic-but-configurable
// cadence rather than a fixed interval.
package verifier

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"github.com/volcompute/orchestrator/internal/domain/agent"
	"github.com/volcompute/orchestrator/internal/domain/flag"
	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/metrics"
	"github.com/volcompute/orchestrator/internal/sandbox"
	"github.com/volcompute/orchestrator/internal/scheduler/policy"
	"github.com/volcompute/orchestrator/internal/storage"
)

// Classification is the verifier's verdict for one submitted result (spec §4.6 classify).
type Classification string

const (
	ClassOK           Classification = "ok"
	ClassMismatch     Classification = "mismatch"
	ClassNeedsRecheck Classification = "needs_recheck"
	ClassSuspicious   Classification = "suspicious"
)

// Aggregator projects a set of terminal child StructuredResults into one aggregate. It MUST be
// commutative and associative (DESIGN.md Open Question decision #2): a registration that has not
// declared Commutative true is rejected outright.
type Aggregator struct {
	Commutative bool
	Project     func(children []task.StructuredResult) map[string]interface{}
}

// RecheckThreshold is the default max recheck attempts before a task is marked failed
// (spec §4.6 "Recheck is bounded (max R attempts, default 3)").
const RecheckThreshold = 3

// Verifier re-executes submissions server-side and classifies them.
type Verifier struct {
	projects storage.ProjectStore
	tasks    storage.TaskStore
	agents   storage.AgentStore
	flags    storage.FlagStore
	sandbox  *sandbox.Executor
	policy   *policy.Engine
	logger   *logging.Logger

	aggregators map[string]Aggregator
	cron        *cron.Cron
}

// New creates a Verifier wired to its dependent stores, the server-side sandbox executor, and the
// policy engine. Classify applies the stricter server-side caps itself, on the re-execution
// envelope's Limits (60 s timeout, 256 KiB output, 16 MiB workspace; spec §4.6).
func New(projects storage.ProjectStore, tasks storage.TaskStore, agents storage.AgentStore,
	flags storage.FlagStore, exec *sandbox.Executor, pol *policy.Engine, logger *logging.Logger) *Verifier {
	v := &Verifier{
		projects: projects, tasks: tasks, agents: agents, flags: flags,
		sandbox: exec, policy: pol, logger: logger,
		aggregators: map[string]Aggregator{
			"default": {Commutative: true, Project: sumCounters},
		},
	}
	return v
}

// RegisterAggregator adds a per-task-type aggregation projection. Per DESIGN.md's Open Question
// decision, a non-commutative registration is rejected since aggregation order across concurrently
// completing children is not guaranteed (spec §4.6 aggregate).
func (v *Verifier) RegisterAggregator(taskType string, agg Aggregator) error {
	if !agg.Commutative {
		return errors.InvalidInput("aggregator", "must be declared commutative and associative")
	}
	v.aggregators[taskType] = agg
	return nil
}

// Classify re-executes the same script server-side and compares the result against the agent's
// submission, applying spec §4.6's classification rules and reputation deltas. deviceID
// identifies the submitting agent's device for the reputation update.
func (v *Verifier) Classify(ctx context.Context, t *task.Task, submitted task.StructuredResult, deviceID string) (Classification, error) {
	p, err := v.projects.GetProject(ctx, t.ProjectID)
	if err != nil {
		return "", err
	}
	tt, err := v.projects.GetTaskType(ctx, t.ProjectID, t.TaskType)
	if err != nil {
		return "", err
	}

	env := task.Envelope{
		TaskID:               t.ID,
		ProjectGUID:          p.GUID,
		ProjectStoragePrefix: p.StoragePrefix,
		TaskType:             t.TaskType,
		Payload:              t.Payload,
		ScriptObjectKey:      tt.ScriptObjectKey,
		ScriptSHA256:         tt.ScriptSHA256,
		Limits: task.Limits{
			TimeoutMS:      60_000,
			OutputBytes:    256 << 10,
			WorkspaceBytes: 16 << 20,
		},
	}

	serverResult := v.sandbox.Run(ctx, "verifier", env)

	class := v.classify(ctx, serverResult, submitted, t, deviceID)
	metrics.Global().RecordVerification(p.GUID, string(class))
	return class, nil
}

func (v *Verifier) classify(ctx context.Context, serverResult task.ResultEnvelope, submitted task.StructuredResult, t *task.Task, deviceID string) Classification {
	if serverResult.Status != task.ResultOK {
		v.recordOutcome(ctx, t, ClassNeedsRecheck, flag.ReasonSandboxError, agent.DeltaNeedsRecheck, deviceID)
		return ClassNeedsRecheck
	}

	if serverResult.Result.StdoutSHA256 != submitted.StdoutSHA256 || serverResult.Result.ExitCode != submitted.ExitCode {
		v.recordOutcome(ctx, t, ClassMismatch, flag.ReasonMismatch, agent.DeltaMismatch, deviceID)
		return ClassMismatch
	}

	if _, suspicious := v.heuristics(submitted); suspicious {
		v.recordOutcome(ctx, t, ClassSuspicious, flag.ReasonSuspiciousResult, agent.DeltaSuspicious, deviceID)
		return ClassSuspicious
	}

	v.recordOutcome(ctx, t, ClassOK, "", agent.DeltaOK, deviceID)
	return ClassOK
}

// heuristics runs cheap checks on the submitted result (spec §4.6): workspace size over 8 MiB,
// duration over 10 minutes, a truthy "banned" field or a banned substring in "message", and a
// structured result whose JSON is more than a quarter non-ASCII bytes. The task payload is not
// inspected. Library: tidwall/gjson for cheap
// structured-field probes without a full unmarshal.
func (v *Verifier) heuristics(result task.StructuredResult) (string, bool) {
	const maxReasonableOutputBytes = 8 << 20
	if result.WorkspaceBytes > maxReasonableOutputBytes {
		return "oversize_workspace", true
	}
	if result.DurationMS > 10*60*1000 {
		return "excessive_duration", true
	}
	if result.Structured != nil {
		raw, err := json.Marshal(result.Structured)
		if err == nil {
			if gjson.GetBytes(raw, "banned").Bool() {
				return "banned_pattern", true
			}
			for _, pattern := range bannedMessagePatterns {
				if gjson.GetBytes(raw, "message").Str != "" && containsFold(gjson.GetBytes(raw, "message").Str, pattern) {
					return "banned_pattern", true
				}
			}
			if containsNonASCIIAnomaly(raw) {
				return "non_ascii_anomaly", true
			}
		}
	}
	return "", false
}

// bannedMessagePatterns are explicit banned substrings checked against a result's free-text
// "message" field (spec §4.6 heuristics: "explicit banned patterns").
var bannedMessagePatterns = []string{"rm -rf /", "disable_sandbox", "bypass_verification"}

func containsFold(haystack, needle string) bool {
	return len(needle) > 0 && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsNonASCIIAnomaly(raw []byte) bool {
	nonASCII := 0
	for _, b := range raw {
		if b > 127 {
			nonASCII++
		}
	}
	return len(raw) > 0 && nonASCII*4 > len(raw)
}

// recordOutcome applies the reputation delta and, when appropriate, records a flag.
func (v *Verifier) recordOutcome(ctx context.Context, t *task.Task, class Classification, reason flag.Reason, delta int, deviceID string) {
	if deviceID != "" {
		rep, crossed, err := v.agents.UpdateReputation(ctx, deviceID, delta, time.Now().UTC())
		if err == nil && crossed {
			taskID := t.ID
			_ = v.flags.Append(ctx, &flag.Flag{
				TaskRef: &taskID,
				Reason:  flag.ReasonLowReputation,
				Details: map[string]interface{}{"score": rep.Score},
			})
		}
	}
	if reason != "" {
		taskID := t.ID
		_ = v.flags.Append(ctx, &flag.Flag{TaskRef: &taskID, Reason: reason})
	}
	if v.logger != nil {
		v.logger.LogVerification(ctx, strconv.FormatInt(t.ID, 10), string(class), delta)
	}
}

// Aggregate collects every child of groupID and, once all are terminal, projects them through the
// registered aggregator for their common task type (spec §4.6 aggregate). While any child is
// still non-terminal it returns false without writing an aggregate.
func (v *Verifier) Aggregate(ctx context.Context, parentTaskID, groupID int64) (bool, error) {
	children, err := v.tasks.ListChildren(ctx, groupID)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, c := range children {
		if !c.Status.IsTerminal() {
			return false, nil
		}
	}

	taskType := "default"
	if len(children) > 0 {
		taskType = children[0].TaskType
	}
	agg, ok := v.aggregators[taskType]
	if !ok {
		agg = v.aggregators["default"]
	}

	var results []task.StructuredResult
	for _, c := range children {
		rs, err := v.tasks.ListResults(ctx, c.ID)
		if err != nil {
			return false, err
		}
		if len(rs) > 0 {
			results = append(results, rs[len(rs)-1].Result)
		}
	}

	aggregate := agg.Project(results)
	if err := v.tasks.SetAggregate(ctx, parentTaskID, aggregate); err != nil {
		return false, err
	}
	return true, nil
}

// sumCounters is the default aggregator (DESIGN.md Open Question decision #2): sums every
// numeric field present in each child's Structured map, keyed by field name. Commutative and
// associative by construction.
func sumCounters(children []task.StructuredResult) map[string]interface{} {
	sums := make(map[string]float64)
	for _, c := range children {
		for k, v := range c.Structured {
			if n, ok := toFloat(v); ok {
				sums[k] += n
			}
		}
	}
	out := make(map[string]interface{}, len(sums))
	for k, v := range sums {
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// RunRecheckSweep scans tasks needing recheck or marked suspicious and either re-enqueues them
// (under the recheck threshold, subject to policy approval) or marks them failed and flags them
// (spec §4.6: "Rechecks are first-class... beyond R the task is marked failed and flagged").
func (v *Verifier) RunRecheckSweep(ctx context.Context, threshold int) error {
	if threshold <= 0 {
		threshold = RecheckThreshold
	}
	candidates, err := v.tasks.ListNeedingRecheck(ctx, 100)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range candidates {
		attempts, err := v.tasks.CountRecheckAttempts(ctx, t.ID)
		if err != nil {
			continue
		}

		verdict := v.policy.Evaluate(ctx, policy.Proposal{
			Kind: policy.KindRecheck, Origin: policy.OriginDeterministic, RecheckAttempt: attempts,
		})
		if verdict.Decision == policy.DecisionDeny || attempts >= threshold {
			_ = v.tasks.MarkFailed(ctx, t.ID, now)
			taskID := t.ID
			_ = v.flags.Append(ctx, &flag.Flag{
				TaskRef: &taskID, Reason: flag.ReasonSandboxError,
				Details: map[string]interface{}{"detail": "recheck_budget_exhausted", "attempts": attempts},
			})
			continue
		}

		_ = v.tasks.Requeue(ctx, t.ID, now)
	}
	return nil
}

// StartRecheckSweep schedules RunRecheckSweep on the given cron expression (default
// "@every 30s" per internal/config.SchedulerConfig.RecheckSweepCron) and returns a stop function.
func (v *Verifier) StartRecheckSweep(ctx context.Context, cronExpr string, threshold int) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		if err := v.RunRecheckSweep(ctx, threshold); err != nil && v.logger != nil {
			v.logger.LogErrorWithStack(ctx, err, "recheck sweep failed", nil)
		}
	})
	if err != nil {
		return nil, errors.Internal("schedule recheck sweep", err)
	}
	v.cron = c
	c.Start()
	return func() { c.Stop() }, nil
}
