// Package rule implements the condition compiler, compiled predicates,
// and the rule/ruleset model with its scope index.
package rule

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
	"github.com/cardrisk/monitor/domain/transaction"
)

// Condition is the declarative input to the compiler: a tuple of
// (field, op, value(s)) as received from a ruleset artifact.
type Condition struct {
	Field  string
	Op     transaction.Operator
	Value  any   // scalar value for EQ/NE/GT/...
	Values []any // list value for IN/NOT_IN
	Low    any   // low bound for BETWEEN
	High   any   // high bound for BETWEEN
}

// Predicate is a closed function from a transaction record to a
// boolean match plus a human-readable explanation. Predicates compose
// as an AND-list at the rule level (see CompileAll). Field and Op are
// carried alongside Describe purely for debug capture (spec §4.D) —
// evaluation never branches on them.
type Predicate struct {
	Describe string
	Field    string
	Op       transaction.Operator
	Eval     func(rec *transaction.Record) bool
}

// Compile resolves one declarative Condition into a closed Predicate
// against the given field registry, per spec §4.B:
//  1. resolve field -> field_id (UNKNOWN_FIELD if absent)
//  2. validate operator against the field's datatype (INVALID_OPERATOR)
//  3. coerce literal values to the datatype (INVALID_VALUE)
//  4. emit a predicate specialized per (op, datatype)
func Compile(registry *transaction.FieldRegistry, c Condition) (Predicate, error) {
	field, ok := registry.ByKey(c.Field)
	if !ok {
		return Predicate{}, svcerrors.UnknownField(c.Field)
	}

	allowed := transaction.AllowedOperators(field.DataType)
	if !allowed[c.Op] {
		return Predicate{}, svcerrors.InvalidOperator(string(c.Op), string(field.DataType))
	}

	var (
		pred Predicate
		err  error
	)
	switch field.DataType {
	case transaction.DataTypeString:
		pred, err = compileString(field, c)
	case transaction.DataTypeNumber:
		pred, err = compileNumber(field, c)
	case transaction.DataTypeBoolean:
		pred, err = compileBoolean(field, c)
	default:
		return Predicate{}, svcerrors.InvalidValue(c.Field, "unsupported datatype")
	}
	if err != nil {
		return Predicate{}, err
	}
	pred.Field = field.Key
	pred.Op = c.Op
	return pred, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStringList(vs []any) ([]string, bool) {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		s, ok := asString(v)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func compileString(field transaction.FieldDef, c Condition) (Predicate, error) {
	describe := func(verb string) string { return fmt.Sprintf("%s %s %v", field.Key, verb, c.Value) }

	switch c.Op {
	case transaction.OpIsNull:
		return Predicate{Describe: field.Key + " IS NULL", Eval: func(r *transaction.Record) bool {
			return r.Get(field.ID).Absent
		}}, nil
	case transaction.OpIsNotNull:
		return Predicate{Describe: field.Key + " IS NOT NULL", Eval: func(r *transaction.Record) bool {
			return !r.Get(field.ID).Absent
		}}, nil
	case transaction.OpEQ, transaction.OpNE, transaction.OpContains, transaction.OpStartsWith, transaction.OpEndsWith:
		want, ok := asString(c.Value)
		if !ok {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "expected a string value")
		}
		op := c.Op
		return Predicate{Describe: describe(string(op)), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			switch op {
			case transaction.OpEQ:
				return v.Str == want
			case transaction.OpNE:
				return v.Str != want
			case transaction.OpContains:
				return strings.Contains(v.Str, want)
			case transaction.OpStartsWith:
				return strings.HasPrefix(v.Str, want)
			case transaction.OpEndsWith:
				return strings.HasSuffix(v.Str, want)
			default:
				return false
			}
		}}, nil
	case transaction.OpIN, transaction.OpNotIN:
		list, ok := asStringList(c.Values)
		if !ok {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "expected a list of strings")
		}
		set := make(map[string]struct{}, len(list))
		for _, s := range list {
			set[s] = struct{}{}
		}
		negate := c.Op == transaction.OpNotIN
		return Predicate{Describe: fmt.Sprintf("%s %s %v", field.Key, c.Op, list), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			_, in := set[v.Str]
			if negate {
				return !in
			}
			return in
		}}, nil
	default:
		return Predicate{}, svcerrors.InvalidOperator(string(c.Op), string(field.DataType))
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), true
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case decimal.Decimal:
		return x, true
	default:
		return decimal.Decimal{}, false
	}
}

func compileNumber(field transaction.FieldDef, c Condition) (Predicate, error) {
	switch c.Op {
	case transaction.OpIsNull:
		return Predicate{Describe: field.Key + " IS NULL", Eval: func(r *transaction.Record) bool {
			return r.Get(field.ID).Absent
		}}, nil
	case transaction.OpIsNotNull:
		return Predicate{Describe: field.Key + " IS NOT NULL", Eval: func(r *transaction.Record) bool {
			return !r.Get(field.ID).Absent
		}}, nil
	case transaction.OpBetween:
		low, ok1 := asDecimal(c.Low)
		high, ok2 := asDecimal(c.High)
		if !ok1 || !ok2 {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "BETWEEN requires a 2-tuple of numbers")
		}
		return Predicate{Describe: fmt.Sprintf("%s BETWEEN %s AND %s", field.Key, low, high), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			return v.Num.GreaterThanOrEqual(low) && v.Num.LessThanOrEqual(high)
		}}, nil
	case transaction.OpIN, transaction.OpNotIN:
		if c.Values == nil {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "IN/NOT_IN requires a list")
		}
		want := make([]decimal.Decimal, 0, len(c.Values))
		for _, raw := range c.Values {
			d, ok := asDecimal(raw)
			if !ok {
				return Predicate{}, svcerrors.InvalidValue(c.Field, "IN/NOT_IN list must be numbers")
			}
			want = append(want, d)
		}
		negate := c.Op == transaction.OpNotIN
		return Predicate{Describe: fmt.Sprintf("%s %s %v", field.Key, c.Op, want), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			found := false
			for _, d := range want {
				if v.Num.Equal(d) {
					found = true
					break
				}
			}
			if negate {
				return !found
			}
			return found
		}}, nil
	case transaction.OpEQ, transaction.OpNE, transaction.OpGT, transaction.OpGTE, transaction.OpLT, transaction.OpLTE:
		want, ok := asDecimal(c.Value)
		if !ok {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "expected a number")
		}
		op := c.Op
		return Predicate{Describe: fmt.Sprintf("%s %s %s", field.Key, op, want), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			switch op {
			case transaction.OpEQ:
				return v.Num.Equal(want)
			case transaction.OpNE:
				return !v.Num.Equal(want)
			case transaction.OpGT:
				return v.Num.GreaterThan(want)
			case transaction.OpGTE:
				return v.Num.GreaterThanOrEqual(want)
			case transaction.OpLT:
				return v.Num.LessThan(want)
			case transaction.OpLTE:
				return v.Num.LessThanOrEqual(want)
			default:
				return false
			}
		}}, nil
	default:
		return Predicate{}, svcerrors.InvalidOperator(string(c.Op), string(field.DataType))
	}
}

func compileBoolean(field transaction.FieldDef, c Condition) (Predicate, error) {
	switch c.Op {
	case transaction.OpIsNull:
		return Predicate{Describe: field.Key + " IS NULL", Eval: func(r *transaction.Record) bool {
			return r.Get(field.ID).Absent
		}}, nil
	case transaction.OpIsNotNull:
		return Predicate{Describe: field.Key + " IS NOT NULL", Eval: func(r *transaction.Record) bool {
			return !r.Get(field.ID).Absent
		}}, nil
	case transaction.OpEQ, transaction.OpNE:
		want, ok := c.Value.(bool)
		if !ok {
			return Predicate{}, svcerrors.InvalidValue(c.Field, "expected a boolean")
		}
		negate := c.Op == transaction.OpNE
		return Predicate{Describe: fmt.Sprintf("%s %s %v", field.Key, c.Op, want), Eval: func(r *transaction.Record) bool {
			v := r.Get(field.ID)
			if v.Absent {
				return false
			}
			match := v.Bool == want
			if negate {
				return !match
			}
			return match
		}}, nil
	default:
		return Predicate{}, svcerrors.InvalidOperator(string(c.Op), string(field.DataType))
	}
}

// CompileAll compiles a list of conditions into a single AND-composed
// predicate, evaluated left-to-right with short-circuit, plus the
// individual per-condition predicates for debug capture (the combined
// predicate alone can't tell a debugger which condition short-circuited).
func CompileAll(registry *transaction.FieldRegistry, conditions []Condition) (Predicate, []Predicate, error) {
	preds := make([]Predicate, 0, len(conditions))
	descs := make([]string, 0, len(conditions))
	for _, c := range conditions {
		p, err := Compile(registry, c)
		if err != nil {
			return Predicate{}, nil, err
		}
		preds = append(preds, p)
		descs = append(descs, p.Describe)
	}
	combined := Predicate{
		Describe: strings.Join(descs, " AND "),
		Eval: func(r *transaction.Record) bool {
			for _, p := range preds {
				if !p.Eval(r) {
					return false
				}
			}
			return true
		},
	}
	return combined, preds, nil
}
