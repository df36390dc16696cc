package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/cardrisk/monitor/domain/rule"
	"github.com/cardrisk/monitor/domain/transaction"
	"github.com/cardrisk/monitor/domain/velocity"
)

// VelocityChecker is the subset of the velocity counter the evaluator
// depends on, narrowed for testability.
type VelocityChecker interface {
	Check(ctx context.Context, cfg velocity.Config, dimensionValue string) velocity.Result
}

// DebugConfig controls per-condition capture. When Enabled is false
// the evaluator takes zero extra allocations or branches beyond a
// single boolean check on the matched path, per spec §4.D.
type DebugConfig struct {
	Enabled                 bool
	SampleRate              int // 0-100
	MaxConditionEvaluations int
	IncludeFieldValues      bool
}

// shouldCapture decides, for one evaluation, whether debug capture is
// active: the static flag must be on, and the cheap bounded-random
// sample check must pass.
func (d DebugConfig) shouldCapture(sample func() int) bool {
	if !d.Enabled {
		return false
	}
	if d.SampleRate >= 100 {
		return true
	}
	if d.SampleRate <= 0 {
		return false
	}
	return sample() < d.SampleRate
}

func (d DebugConfig) maxEvaluations() int {
	if d.MaxConditionEvaluations <= 0 {
		return 100
	}
	return d.MaxConditionEvaluations
}

// Evaluator runs the MONITORING all-match evaluation contract (spec
// §4.D). It is stateless beyond its velocity dependency and is safe
// for concurrent use by every request goroutine.
type Evaluator struct {
	velocity VelocityChecker
	debug    DebugConfig
	sample   func() int
}

// New builds an Evaluator. velocityChecker may be nil, in which case
// every velocity-bearing rule records VELOCITY_UNAVAILABLE rather than
// panicking.
func New(velocityChecker VelocityChecker, debug DebugConfig, sample func() int) *Evaluator {
	if sample == nil {
		sample = func() int { return 0 }
	}
	return &Evaluator{velocity: velocityChecker, debug: debug, sample: sample}
}

// Input bundles everything one evaluation needs. EntryAt and
// RulesetResolvedAt are supplied by the caller (the entry point),
// which performs the registry lookup outside the evaluator so the
// "ruleset lookup" timing bucket is measured at the right layer.
type Input struct {
	TransactionID     string
	Decision          Decision
	Registry          *transaction.FieldRegistry
	Record            *transaction.Record
	Ruleset           *rule.Ruleset
	EntryAt           time.Time
	RulesetResolvedAt time.Time
}

// Evaluate implements the all-match MONITORING contract: every
// applicable enabled rule is checked (no short-circuit across rules —
// short-circuit applies only within a rule's AND-composed predicate),
// every match is recorded, and the final decision is always the
// caller-supplied one. Matched-rule actions are informational only.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) *EvalDecision {
	applicable := in.Ruleset.ApplicableRules(in.Registry, in.Record)

	matched := make([]MatchedRule, 0, len(applicable))
	var captured []DebugCondition
	capture := e.debug.shouldCapture(e.sample)
	maxCapture := e.debug.maxEvaluations()

	for _, r := range applicable {
		if !r.Enabled {
			continue
		}
		if !r.Predicate.Eval(in.Record) {
			continue
		}
		matched = append(matched, MatchedRule{
			ID:            r.ID,
			Name:          r.Name,
			Action:        r.Action,
			Priority:      r.Priority,
			ConditionsMet: r.Predicate.Describe,
		})

		if capture && len(captured) < maxCapture {
			captured = appendDebug(captured, maxCapture, r, in.Record, e.debug.IncludeFieldValues)
		}
	}

	evaluatedAt := time.Now()

	velocityResults := make(map[string]VelocityResult, len(matched))
	for _, r := range matched {
		compiled, ok := findRule(applicable, r.ID)
		if !ok || compiled.Velocity == nil {
			continue
		}
		velocityResults[r.Name] = e.checkVelocity(ctx, in.Registry, in.Record, compiled.Velocity)
	}

	velocityDoneAt := time.Now()

	timing := TimingBreakdown{
		RulesetLookupMs:  msBetween(in.EntryAt, in.RulesetResolvedAt),
		RuleEvaluationMs: msBetween(in.RulesetResolvedAt, evaluatedAt),
		VelocityMs:       msBetween(evaluatedAt, velocityDoneAt),
	}
	timing.TotalMs = msBetween(in.EntryAt, velocityDoneAt)

	return &EvalDecision{
		TransactionID:   in.TransactionID,
		EvaluationType:  rule.EvaluationMonitoring,
		Decision:        in.Decision,
		RulesetKey:      in.Ruleset.Key,
		RulesetVersion:  in.Ruleset.Version,
		EngineMode:      ModeNormal,
		MatchedRules:    matched,
		VelocityResults: velocityResults,
		Timing:          timing,
		DebugInfo:       captured,
	}
}

func findRule(rules []rule.Rule, id int) (rule.Rule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return rule.Rule{}, false
}

// checkVelocity resolves the dimension value from the record and
// delegates to the velocity checker. A velocity-check failure never
// fails the evaluation: it is recorded with exceeded=false and an
// error code, per spec §4.D.
func (e *Evaluator) checkVelocity(ctx context.Context, registry *transaction.FieldRegistry, rec *transaction.Record, cfg *rule.VelocityConfig) VelocityResult {
	if e.velocity == nil {
		return VelocityResult{Error: "VELOCITY_UNAVAILABLE"}
	}

	field, ok := registry.ByID(cfg.DimensionFieldID)
	if !ok {
		return VelocityResult{Error: "VELOCITY_UNAVAILABLE"}
	}

	dimValue := dimensionValueString(rec.Get(cfg.DimensionFieldID))
	if dimValue == "" {
		return VelocityResult{Error: "VELOCITY_UNAVAILABLE"}
	}

	result := e.velocity.Check(ctx, velocity.Config{
		DimensionFieldKey: field.Key,
		WindowSeconds:     cfg.WindowSeconds,
		Threshold:         cfg.Threshold,
	}, dimValue)

	return VelocityResult{Count: result.Count, Exceeded: result.Exceeded, Error: result.Error}
}

func dimensionValueString(v transaction.Value) string {
	if v.Absent {
		return ""
	}
	switch {
	case v.Str != "":
		return v.Str
	case !v.Num.IsZero():
		return v.Num.String()
	default:
		return v.Str
	}
}

func msBetween(start, end time.Time) float64 {
	if end.Before(start) {
		return 0
	}
	return float64(end.Sub(start).Nanoseconds()) / 1e6
}

func appendDebug(captured []DebugCondition, max int, r rule.Rule, rec *transaction.Record, includeValues bool) []DebugCondition {
	for _, p := range r.Conditions {
		if len(captured) >= max {
			break
		}
		start := time.Now()
		matched := p.Eval(rec)
		nanos := time.Since(start).Nanoseconds()

		actual := ""
		if includeValues {
			actual = fieldValueString(rec, p.Field)
		}

		captured = append(captured, DebugCondition{
			RuleID:   r.ID,
			Field:    p.Field,
			Operator: string(p.Op),
			Expected: p.Describe,
			Actual:   actual,
			Matched:  matched,
			Nanos:    nanos,
		})
	}
	return captured
}

func fieldValueString(rec *transaction.Record, fieldKey string) string {
	v, ok := rec.GetByKey(fieldKey)
	if !ok || v.Absent {
		return ""
	}
	if v.Str != "" {
		return v.Str
	}
	return fmt.Sprintf("%v", v)
}
