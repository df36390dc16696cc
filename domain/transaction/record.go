package transaction

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Value is a typed slot value. Exactly one of the typed fields is
// meaningful, selected by the owning FieldDef's DataType; Absent marks
// a field that was never set on the record.
type Value struct {
	Absent  bool
	Str     string
	Num     decimal.Decimal
	Bool    bool
}

// StringValue builds a present STRING slot.
func StringValue(s string) Value { return Value{Str: s} }

// NumberValue builds a present NUMBER slot.
func NumberValue(d decimal.Decimal) Value { return Value{Num: d} }

// BooleanValue builds a present BOOLEAN slot.
func BooleanValue(b bool) Value { return Value{Bool: b} }

// AbsentValue is the distinguished missing-field value. Null and
// missing are semantically equivalent for predicate purposes.
func AbsentValue() Value { return Value{Absent: true} }

// Record is a fixed-arity, field-id-indexed transaction. It is cheap to
// allocate per request and discarded at response time; it never
// escapes onto a background goroutine without a deep copy.
type Record struct {
	registry *FieldRegistry
	slots    map[int]Value
}

// NewRecord builds an empty record bound to a field registry snapshot.
// Binding to a snapshot (not the live pointer) means a record's field
// ids stay meaningful even if a hot-swap happens mid-evaluation.
func NewRecord(registry *FieldRegistry) *Record {
	return &Record{registry: registry, slots: make(map[int]Value)}
}

// Registry returns the field registry this record was built against.
func (r *Record) Registry() *FieldRegistry { return r.registry }

// Set assigns a typed value to a field by key, normalizing STRING keys
// with a "_name" or "_key" convention is out of scope here — plain
// string fields are not lower-cased; card/key-like fields are
// normalized by the caller (see FromMap) per spec §4.B.
func (r *Record) Set(fieldID int, v Value) {
	r.slots[fieldID] = v
}

// Get returns the value stored for a field id, or the absent value if
// the field was never set on this record.
func (r *Record) Get(fieldID int) Value {
	if v, ok := r.slots[fieldID]; ok {
		return v
	}
	return AbsentValue()
}

// GetByKey is a convenience wrapper for Get that resolves the field id
// via the bound registry. It returns (AbsentValue, false) if the key
// does not exist in the registry at all.
func (r *Record) GetByKey(key string) (Value, bool) {
	f, ok := r.registry.ByKey(key)
	if !ok {
		return AbsentValue(), false
	}
	return r.Get(f.ID), true
}

// lowercasedKeys are normalized to lowercase at construction time per
// spec §4.B ("key/name fields are normalized to lowercase").
var lowercasedKeys = map[string]bool{
	"card_hash": true, "merchant_id": true, "merchant_name": true,
	"merchant_category": true, "mcc": true, "entry_mode": true,
	"transaction_type": true, "country_code": true, "card_network": true,
	"card_bin": true, "card_logo": true, "currency": true,
}

// FromMap builds a Record from a generic key→value map (e.g. decoded
// JSON), coercing each value to the datatype declared by the registry
// for that key. Unknown keys are ignored — the transaction envelope may
// carry fields the current registry doesn't index. Values typed
// inconsistently with the registry's datatype are coerced best-effort
// (numbers parsed from strings, booleans from "true"/"false"), falling
// back to Absent on failure.
func FromMap(registry *FieldRegistry, in map[string]any) *Record {
	rec := NewRecord(registry)
	for key, raw := range in {
		f, ok := registry.ByKey(key)
		if !ok {
			continue
		}
		rec.Set(f.ID, coerce(f, raw, lowercasedKeys[strings.ToLower(f.Key)]))
	}
	return rec
}

func coerce(f FieldDef, raw any, lower bool) Value {
	if raw == nil {
		return AbsentValue()
	}
	switch f.DataType {
	case DataTypeString:
		s, ok := raw.(string)
		if !ok {
			return AbsentValue()
		}
		if lower {
			s = strings.ToLower(s)
		}
		return StringValue(s)
	case DataTypeNumber:
		switch v := raw.(type) {
		case float64:
			return NumberValue(decimal.NewFromFloat(v))
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return AbsentValue()
			}
			return NumberValue(d)
		case decimal.Decimal:
			return NumberValue(v)
		default:
			return AbsentValue()
		}
	case DataTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return BooleanValue(v)
		case string:
			return BooleanValue(strings.EqualFold(v, "true"))
		default:
			return AbsentValue()
		}
	default:
		return AbsentValue()
	}
}

// ToMap renders the record as a key→value map for serialization/debug
// purposes only; this must never be called on the evaluation hot path.
func (r *Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.slots))
	for id, v := range r.slots {
		f, ok := r.registry.ByID(id)
		if !ok {
			continue
		}
		if v.Absent {
			continue
		}
		switch f.DataType {
		case DataTypeString:
			out[f.Key] = v.Str
		case DataTypeNumber:
			out[f.Key] = v.Num.String()
		case DataTypeBoolean:
			out[f.Key] = v.Bool
		}
	}
	return out
}
