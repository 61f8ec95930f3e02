// Package policy implements the Policy Engine (C7): deterministic allow/limit/deny decisions
// over proposals from the Assignment Engine and Verifier, gated by the current AI mode and hard
// resource limits (spec §4.7). Grounded on the teacher's internal/app/core/service rule-composition
// style (small, named, composable checks run in sequence) rather than any single teacher file,
// since the teacher has no policy-engine analogue of its own.
package policy

import (
	"context"

	"github.com/volcompute/orchestrator/internal/domain/aimode"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/metrics"
)

// Kind enumerates proposal kinds (spec §4.7).
type Kind string

const (
	KindAssign     Kind = "assign"
	KindRecheck    Kind = "recheck"
	KindAggregate  Kind = "aggregate"
	KindModeChange Kind = "mode_change"
)

// Origin distinguishes deterministic proposals from AI-originated ones.
type Origin string

const (
	OriginDeterministic Origin = "deterministic"
	OriginAI            Origin = "ai"
)

// Risk classifies a proposal for AI_ASSISTED gating (spec §4.7: "gate high-risk... behind
// deterministic rules").
type Risk string

const (
	RiskLow  Risk = "low"
	RiskHigh Risk = "high"
)

// Decision is the engine's verdict.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionLimit Decision = "limit"
	DecisionDeny  Decision = "deny"
)

// Proposal is one request for the engine to evaluate.
type Proposal struct {
	Kind       Kind
	Origin     Origin
	Risk       Risk
	Reputation int
	// RequestedMax is the batch size or recheck-attempt count being proposed, when applicable.
	RequestedMax int
	// RecheckAttempt is the 1-based attempt number for KindRecheck proposals.
	RecheckAttempt int
}

// Verdict is the engine's output: allow, limit(clamped), or deny(reasons) (spec §4.7).
type Verdict struct {
	Decision     Decision
	ClampedMax   int
	Reasons      []string
}

// Engine evaluates proposals against the current AI mode and hard limits.
type Engine struct {
	modes  *aimode.Store
	logger *logging.Logger
}

// New creates a policy Engine reading its mode/limits from modes.
func New(modes *aimode.Store, logger *logging.Logger) *Engine {
	return &Engine{modes: modes, logger: logger}
}

// Evaluate applies the deterministic rule table from spec §4.7 and always emits an audit record
// (spec §4.7: "Every evaluation emits an audit record with proposal metadata, decision, and
// applied limits").
func (e *Engine) Evaluate(ctx context.Context, p Proposal) Verdict {
	record := e.modes.Get()
	verdict := e.evaluate(record, p)

	if e.logger != nil {
		e.logger.LogPolicyDecision(ctx, string(p.Kind), string(verdict.Decision), verdict.Reasons)
	}
	metrics.Global().RecordPolicyDecision(string(p.Kind), string(verdict.Decision))
	return verdict
}

func (e *Engine) evaluate(record aimode.Record, p Proposal) Verdict {
	mode := record.Mode
	limits := record.Limits

	// AI_OFF: deny any AI-originated proposal outright; deterministic proposals still pass
	// through the hard-limit checks below.
	if mode == aimode.Off && p.Origin == OriginAI {
		return Verdict{Decision: DecisionDeny, Reasons: []string{"ai_mode_off"}}
	}

	// AI_ADVISORY: an AI proposal is allowed only when the deterministic rules would also agree
	// (intersection) — modeled here as "apply the same hard limits as a deterministic proposal,
	// with no additional AI-specific leniency."
	if mode == aimode.Advisory && p.Origin == OriginAI {
		if v := e.checkHardLimits(p, limits); v.Decision != DecisionAllow {
			return v
		}
	}

	// AI_ASSISTED: low-risk AI proposals pass; high-risk ones (recheck loops beyond the first
	// attempt, mode changes, reputation recovery) are gated behind the deterministic hard limits.
	if mode == aimode.Assisted && p.Origin == OriginAI {
		highRisk := p.Risk == RiskHigh || p.Kind == KindModeChange || (p.Kind == KindRecheck && p.RecheckAttempt > 1)
		if highRisk {
			if v := e.checkHardLimits(p, limits); v.Decision != DecisionAllow {
				return v
			}
		}
	}

	// AI_FULL allows everything up to this point; fall through to the hard limits every mode
	// enforces regardless of origin (spec §4.7: "still enforce hard limits").
	return e.checkHardLimits(p, limits)
}

// checkHardLimits applies the hard limits irrespective of AI mode or origin (spec §4.7's floor
// under every mode): an assign proposal's RequestedMax is clamped to MaxConcurrentTasks, and a
// recheck proposal whose RecheckAttempt exceeds RecheckThreshold is denied. MaxDailyBudget is not
// checked, and no recheck ratio is tracked.
func (e *Engine) checkHardLimits(p Proposal, limits aimode.Limits) Verdict {
	switch p.Kind {
	case KindAssign:
		if limits.MaxConcurrentTasks > 0 && p.RequestedMax > limits.MaxConcurrentTasks {
			return Verdict{Decision: DecisionLimit, ClampedMax: limits.MaxConcurrentTasks,
				Reasons: []string{"max_concurrent_tasks_exceeded"}}
		}
	case KindRecheck:
		if limits.RecheckThreshold > 0 && p.RecheckAttempt > limits.RecheckThreshold {
			return Verdict{Decision: DecisionDeny, Reasons: []string{"recheck_threshold_exceeded"}}
		}
	}
	return Verdict{Decision: DecisionAllow, ClampedMax: p.RequestedMax}
}
