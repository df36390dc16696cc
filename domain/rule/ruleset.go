package rule

import (
	"sort"
	"strings"

	"github.com/cardrisk/monitor/domain/transaction"
)

// Action is the action a rule or velocity config carries when it fires.
// For MONITORING evaluation this is informational only — see Evaluator.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDecline Action = "DECLINE"
	ActionReview  Action = "REVIEW"
)

// VelocityConfig describes a per-rule rate-counter check. Zero or
// negative Window/Threshold are replaced by process defaults at
// evaluation time, never at compile time, so a process-wide default
// change takes effect without recompiling rulesets.
type VelocityConfig struct {
	DimensionFieldID int
	WindowSeconds    int
	Threshold        int
	Action           Action
}

// Rule is one compiled, immutable rule. Rules never reference their
// owning ruleset; diagnostics that need that relationship reconstruct
// it at serialization time (see spec's cyclic-reference note).
type Rule struct {
	ID         int
	Name       string
	Action     Action
	Priority   int
	Enabled    bool
	Predicate  Predicate
	Conditions []Predicate // individual conditions, for debug capture only
	Velocity   *VelocityConfig
	ScopeKey   ScopeKey
}

// ScopeKey buckets rules by a subset of card-scope field values (card
// network + BIN prefix). The zero value is the global bucket: rules
// with no scope restriction, applicable to every record.
type ScopeKey struct {
	Network string
	BIN     string
}

// Global is the scope bucket holding rules with no scope restriction.
var Global = ScopeKey{}

// byPriorityThenID orders rules by (priority desc, id asc), the single
// ordering used throughout: scope buckets, rules_by_priority, and
// matched_rules in a Decision.
func byPriorityThenID(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// EvaluationType distinguishes the two evaluation modes. Only
// MONITORING is evaluated by this service; AUTH is carried in the
// model for ruleset-artifact fidelity but has no evaluator here.
type EvaluationType string

const (
	EvaluationAuth       EvaluationType = "AUTH"
	EvaluationMonitoring EvaluationType = "MONITORING"
)

// Ruleset is a compiled, immutable set of rules plus its scope index.
// A Ruleset is never mutated after Compile returns; a reload builds a
// brand new instance and the registry swaps the pointer atomically.
type Ruleset struct {
	Key                  string
	Version              int
	EvaluationType       EvaluationType
	FieldRegistryVersion *int
	CreatedAt            string

	rulesByPriority []Rule
	scopeIndex      map[ScopeKey][]Rule
}

// Compile builds a Ruleset from an ordered rule list, partitioning
// rules into scope buckets. Rules with a zero ScopeKey land in the
// global bucket; every other rule also lands in its own bucket (the
// global bucket is unioned in at lookup time, not duplicated here).
func Compile(key string, version int, evalType EvaluationType, fieldRegistryVersion *int, createdAt string, rules []Rule) *Ruleset {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	byPriorityThenID(sorted)

	index := make(map[ScopeKey][]Rule)
	for _, r := range sorted {
		index[r.ScopeKey] = append(index[r.ScopeKey], r)
	}

	return &Ruleset{
		Key:                  key,
		Version:              version,
		EvaluationType:       evalType,
		FieldRegistryVersion: fieldRegistryVersion,
		CreatedAt:            createdAt,
		rulesByPriority:      sorted,
		scopeIndex:           index,
	}
}

// RulesByPriority returns the cached, fully-ordered rule list. The
// slice is shared and must never be mutated by callers.
func (rs *Ruleset) RulesByPriority() []Rule {
	return rs.rulesByPriority
}

// scopeKeyForRecord derives a record's scope key from its card network
// and BIN fields. Either component missing yields an empty string for
// that component — a record can partially match a scope bucket only
// if the ruleset bucketed rules on the same partial key.
func scopeKeyForRecord(registry *transaction.FieldRegistry, rec *transaction.Record) ScopeKey {
	network, _ := rec.GetByKey("card_network")
	bin, _ := rec.GetByKey("card_bin")
	return ScopeKey{
		Network: valueOrEmpty(network),
		BIN:     valueOrEmpty(bin),
	}
}

func valueOrEmpty(v transaction.Value) string {
	if v.Absent {
		return ""
	}
	return strings.ToUpper(v.Str)
}

// ApplicableRules returns the rules that apply to rec: the bucket keyed
// by rec's scope values, plus the global bucket, deduplicated, in
// (priority desc, id asc) order. The registry parameter is accepted for
// symmetry with the compiler but is not currently consulted beyond
// GetByKey, which rec already carries a bound registry for.
func (rs *Ruleset) ApplicableRules(registry *transaction.FieldRegistry, rec *transaction.Record) []Rule {
	key := scopeKeyForRecord(registry, rec)
	if key == Global {
		return rs.scopeIndex[Global]
	}

	scoped := rs.scopeIndex[key]
	global := rs.scopeIndex[Global]
	if len(scoped) == 0 {
		return global
	}
	if len(global) == 0 {
		return scoped
	}

	seen := make(map[int]bool, len(scoped)+len(global))
	merged := make([]Rule, 0, len(scoped)+len(global))
	for _, r := range scoped {
		if !seen[r.ID] {
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}
	for _, r := range global {
		if !seen[r.ID] {
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}
	byPriorityThenID(merged)
	return merged
}
