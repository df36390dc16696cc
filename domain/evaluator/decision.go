// Package evaluator implements the MONITORING rule evaluator: all-match
// evaluation over a compiled ruleset, per-rule velocity checks, and the
// Decision the entry point publishes and returns.
package evaluator

import (
	"strings"

	"github.com/cardrisk/monitor/domain/rule"
	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
)

// Decision is the caller-supplied decision, normalized to one of these
// two values. MONITORING never derives this from matched rules.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDecline Decision = "DECLINE"
)

// NormalizeDecision maps the caller's raw decision string to a
// canonical Decision. Unrecognized input is rejected with
// INVALID_REQUEST before any side effect occurs.
func NormalizeDecision(raw string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE", "APPROVED", "ALLOW":
		return DecisionApprove, nil
	case "DECLINE", "DECLINED", "BLOCK":
		return DecisionDecline, nil
	default:
		return "", svcerrors.InvalidRequest("decision must be APPROVE or DECLINE")
	}
}

// EngineMode reports how trustworthy a Decision's evaluation was.
type EngineMode string

const (
	ModeNormal   EngineMode = "NORMAL"
	ModeDegraded EngineMode = "DEGRADED"
	ModeFailOpen EngineMode = "FAIL_OPEN"
)

// MatchedRule is one rule that matched during evaluation.
type MatchedRule struct {
	ID             int         `json:"id"`
	Name           string      `json:"name"`
	Action         rule.Action `json:"action"`
	Priority       int         `json:"priority"`
	ConditionsMet  string      `json:"conditions_met"`
}

// VelocityResult is the outcome of one per-rule velocity check.
type VelocityResult struct {
	Count    int64  `json:"count"`
	Exceeded bool   `json:"exceeded"`
	Error    string `json:"error,omitempty"`
}

// TimingBreakdown captures monotonic stage durations in milliseconds.
type TimingBreakdown struct {
	RulesetLookupMs  float64 `json:"ruleset_lookup_ms"`
	RuleEvaluationMs float64 `json:"rule_evaluation_ms"`
	VelocityMs       float64 `json:"velocity_ms"`
	TotalMs          float64 `json:"total_ms"`
}

// DebugCondition is one captured per-condition evaluation, populated
// only when debug capture is active for a given evaluation.
type DebugCondition struct {
	RuleID   int    `json:"rule_id"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Matched  bool   `json:"matched"`
	Nanos    int64  `json:"nanos"`
}

// Decision is the immutable output of one evaluation.
type EvalDecision struct {
	TransactionID          string                    `json:"transaction_id"`
	EvaluationType         rule.EvaluationType        `json:"evaluation_type"`
	Decision               Decision                  `json:"decision"`
	RulesetKey             string                    `json:"ruleset_key"`
	RulesetVersion         int                       `json:"ruleset_version"`
	EngineMode             EngineMode                `json:"engine_mode"`
	EngineErrorCode        string                    `json:"engine_error_code,omitempty"`
	MatchedRules           []MatchedRule             `json:"matched_rules"`
	VelocityResults        map[string]VelocityResult `json:"velocity_results,omitempty"`
	Timing                 TimingBreakdown           `json:"timing_breakdown"`
	TransactionContext     map[string]any            `json:"transaction_context_snapshot,omitempty"`
	DebugInfo              []DebugCondition          `json:"debug_info,omitempty"`
}

// NewDegraded composes a Decision for an evaluation that could not run
// at all (no ruleset resolved for the country/key pair, or an
// unexpected fault before rule evaluation started). The caller's
// decision is preserved verbatim per the fail-open principle; per spec
// §4.D/§4.K this is reported as engine_mode=DEGRADED, not FAIL_OPEN —
// the latter is reserved in the enum but no transition in this spec
// ever produces it.
func NewDegraded(transactionID string, decision Decision, rulesetKey string, errCode svcerrors.ErrorCode) *EvalDecision {
	return &EvalDecision{
		TransactionID:   transactionID,
		EvaluationType:  rule.EvaluationMonitoring,
		Decision:        decision,
		RulesetKey:      rulesetKey,
		EngineMode:      ModeDegraded,
		EngineErrorCode: string(errCode),
		MatchedRules:    []MatchedRule{},
	}
}
