// Package evaluation glues the ruleset registry, the rule evaluator,
// and the decision publisher into the single "select ruleset, evaluate,
// publish" sequence shared by both the HTTP evaluation entry point
// (component 4.K) and the outbox consumer's derived-evaluation path
// (component 4.I).
package evaluation

import (
	"context"
	"time"

	"github.com/cardrisk/monitor/domain/evaluator"
	"github.com/cardrisk/monitor/domain/outbox"
	"github.com/cardrisk/monitor/domain/registry"
	"github.com/cardrisk/monitor/domain/transaction"
	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
	"github.com/cardrisk/monitor/pkg/logger"
)

const asyncPublishTimeout = 2 * time.Second

// Engine resolves a ruleset, runs the evaluator, and publishes the
// resulting decision. It holds no per-request state and is safe for
// concurrent use across every request goroutine.
type Engine struct {
	Registry  *registry.Registry
	Evaluator *evaluator.Evaluator
	Publisher outbox.DecisionPublisher
	Log       *logger.Logger
}

// New builds an Engine.
func New(reg *registry.Registry, eval *evaluator.Evaluator, pub outbox.DecisionPublisher, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("evaluation")
	}
	return &Engine{Registry: reg, Evaluator: eval, Publisher: pub, Log: log}
}

// Evaluate resolves the (country, rulesetKey) ruleset, runs the
// evaluator against body, and publishes the result asynchronously
// (fire-and-forget: a publish failure is logged but never turns a
// request into a 5xx or changes the returned decision). Used by the
// HTTP entry point, where publish failures have no redelivery path.
// A panic during evaluation is recovered and answered with a DEGRADED
// decision carrying INTERNAL_ERROR, published like any other result.
func (e *Engine) Evaluate(ctx context.Context, transactionID string, decision evaluator.Decision, countryCode, rulesetKey string, body map[string]any) (result *evaluator.EvalDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			e.Log.WithField("transaction_id", transactionID).WithField("panic", rec).Error("evaluation panicked, answering degraded")
			result = evaluator.NewDegraded(transactionID, decision, rulesetKey, svcerrors.ErrCodeInternal)
			e.publishAsync(result)
		}
	}()
	result = e.evaluate(ctx, transactionID, decision, countryCode, rulesetKey, body)
	e.publishAsync(result)
	return result
}

// EvaluateAndPublishSync behaves like Evaluate but publishes
// synchronously and reports a publish failure to the caller. Used by
// the outbox consumer, where a failed publish must leave the inbound
// entry unacked for redelivery per spec §4.I/§7 (PUBLISH_FAILED).
func (e *Engine) EvaluateAndPublishSync(ctx context.Context, transactionID string, decision evaluator.Decision, countryCode, rulesetKey string, body map[string]any) (*evaluator.EvalDecision, error) {
	result := e.evaluate(ctx, transactionID, decision, countryCode, rulesetKey, body)
	if e.Publisher == nil {
		return result, nil
	}
	if _, err := e.Publisher.Publish(ctx, result); err != nil {
		return result, svcerrors.PublishFailed(err)
	}
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, transactionID string, decision evaluator.Decision, countryCode, rulesetKey string, body map[string]any) *evaluator.EvalDecision {
	fieldRegistry := transaction.Live()
	rec := transaction.FromMap(fieldRegistry, body)

	entryAt := time.Now()
	rs := e.Registry.GetWithFallback(countryCode, rulesetKey)
	resolvedAt := time.Now()

	if rs == nil {
		e.Log.WithField("ruleset_key", rulesetKey).WithField("country", countryCode).Warn("no ruleset resolved for evaluation")
		return evaluator.NewDegraded(transactionID, decision, rulesetKey, svcerrors.ErrCodeInternal)
	}

	return e.Evaluator.Evaluate(ctx, evaluator.Input{
		TransactionID:     transactionID,
		Decision:          decision,
		Registry:          fieldRegistry,
		Record:            rec,
		Ruleset:           rs,
		EntryAt:           entryAt,
		RulesetResolvedAt: resolvedAt,
	})
}

func (e *Engine) publishAsync(d *evaluator.EvalDecision) {
	if e.Publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
		defer cancel()
		if _, err := e.Publisher.Publish(ctx, d); err != nil {
			e.Log.WithField("transaction_id", d.TransactionID).WithError(err).Warn("decision publish failed")
		}
	}()
}

// RulesetKeyPolicy resolves the ruleset key for a transaction type via a
// small configurable policy, defaulting per spec §4.C.
type RulesetKeyPolicy struct {
	Default   string
	ByTxnType map[string]string
}

// Resolve returns the configured key for txnType, or the default.
func (p RulesetKeyPolicy) Resolve(txnType string) string {
	if txnType != "" {
		if key, ok := p.ByTxnType[txnType]; ok {
			return key
		}
	}
	if p.Default != "" {
		return p.Default
	}
	return "CARD_MONITORING"
}
