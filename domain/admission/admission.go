// Package admission implements the bounded-parallelism admission
// controller (spec §4.J): a semaphore in front of the evaluation entry
// point that sheds load by returning a degraded decision instead of
// queuing unboundedly, and never touches Redis or the outbox on shed.
package admission

import (
	"context"

	"github.com/cardrisk/monitor/domain/evaluator"
	"github.com/cardrisk/monitor/domain/rule"
	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
)

// Controller bounds the number of evaluations in flight with a
// buffered channel used as a counting semaphore, the same pattern this
// codebase's worker pool used for bounded concurrency.
type Controller struct {
	slots     chan struct{}
	unbounded bool
}

// New builds a Controller that admits at most maxConcurrent evaluations
// at a time. maxConcurrent == 0 means a zero-capacity semaphore: every
// request is shed, per spec §8 scenario 4 ("With max_concurrent=0 …
// X-Load-Shed: true"). maxConcurrent < 0 disables shedding entirely
// (an unbounded controller) — a test-only affordance, never configured
// in production.
func New(maxConcurrent int) *Controller {
	if maxConcurrent < 0 {
		return &Controller{unbounded: true}
	}
	return &Controller{slots: make(chan struct{}, maxConcurrent)}
}

// Shed describes a request that was rejected under load rather than
// evaluated. Run does not return a Shed value; it reports a shed through
// its boolean result alongside a Degrade-built decision.
type Shed struct {
	// Decision preserves the caller-supplied decision verbatim; when
	// it could not even be determined this falls back to APPROVE per
	// spec §4.J.
	Decision evaluator.Decision
}

// Run attempts to acquire a slot and, on success, runs fn and returns
// its result. On shed it returns (Degrade(...), true, nil) without ever
// invoking fn, so a shed request never reaches velocity or outbox.
// transactionID and rulesetKey populate the degraded response so a
// shed caller still gets a decision shaped like any other.
func (c *Controller) Run(ctx context.Context, transactionID string, fallbackDecision evaluator.Decision, rulesetKey string, fn func(ctx context.Context) (*evaluator.EvalDecision, error)) (result *evaluator.EvalDecision, shed bool, err error) {
	if c.unbounded {
		result, err = fn(ctx)
		return result, false, err
	}

	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	default:
		return Degrade(transactionID, fallbackDecision, rulesetKey), true, nil
	}

	result, err = fn(ctx)
	return result, false, err
}

// Degrade composes the degraded-response body returned on shed: the
// caller's decision is preserved (or APPROVE if unknown), engine_mode
// is DEGRADED, and engine_error_code is LOAD_SHEDDING. Matched rules
// are empty — the request was never evaluated.
func Degrade(transactionID string, decision evaluator.Decision, rulesetKey string) *evaluator.EvalDecision {
	if decision == "" {
		decision = evaluator.DecisionApprove
	}
	return &evaluator.EvalDecision{
		TransactionID:   transactionID,
		EvaluationType:  rule.EvaluationMonitoring,
		Decision:        decision,
		RulesetKey:      rulesetKey,
		EngineMode:      evaluator.ModeDegraded,
		EngineErrorCode: string(svcerrors.ErrCodeLoadShedding),
		MatchedRules:    []evaluator.MatchedRule{},
	}
}

// InUse reports how many slots are currently occupied, for metrics.
func (c *Controller) InUse() int {
	if c.unbounded {
		return 0
	}
	return len(c.slots)
}

// Capacity reports the configured concurrency bound. -1 means unbounded
// (shedding disabled); 0 means every request is shed.
func (c *Controller) Capacity() int {
	if c.unbounded {
		return -1
	}
	return cap(c.slots)
}
