// Package transaction implements the field-indexed transaction record and
// the versioned field registry it is checked against.
package transaction

import (
	"strings"
	"sync/atomic"
)

// DataType is the declared type of a field, constraining which operators
// a condition may use against it.
type DataType string

const (
	DataTypeString  DataType = "STRING"
	DataTypeNumber  DataType = "NUMBER"
	DataTypeBoolean DataType = "BOOLEAN"
)

// Operator is a condition operator. Applicability against a DataType is
// enforced by the registry at compile time, not here.
type Operator string

const (
	OpEQ         Operator = "EQ"
	OpNE         Operator = "NE"
	OpGT         Operator = "GT"
	OpGTE        Operator = "GTE"
	OpLT         Operator = "LT"
	OpLTE        Operator = "LTE"
	OpIN         Operator = "IN"
	OpNotIN      Operator = "NOT_IN"
	OpBetween    Operator = "BETWEEN"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpIsNull     Operator = "IS_NULL"
	OpIsNotNull  Operator = "IS_NOT_NULL"
)

var stringOps = map[Operator]bool{
	OpEQ: true, OpNE: true, OpIN: true, OpNotIN: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
	OpIsNull: true, OpIsNotNull: true,
}

var numberOps = map[Operator]bool{
	OpEQ: true, OpNE: true, OpGT: true, OpGTE: true, OpLT: true, OpLTE: true,
	OpIN: true, OpNotIN: true, OpBetween: true,
	OpIsNull: true, OpIsNotNull: true,
}

var booleanOps = map[Operator]bool{
	OpEQ: true, OpNE: true, OpIsNull: true, OpIsNotNull: true,
}

// AllowedOperators returns the operator set permitted for a datatype.
func AllowedOperators(dt DataType) map[Operator]bool {
	switch dt {
	case DataTypeString:
		return stringOps
	case DataTypeNumber:
		return numberOps
	case DataTypeBoolean:
		return booleanOps
	default:
		return nil
	}
}

// FieldDef describes one addressable field of a transaction record.
type FieldDef struct {
	ID             int
	Key            string
	DisplayName    string
	DataType       DataType
	PII            bool
	IndexForScope  bool
}

// FieldRegistry is a versioned, bidirectional set of field definitions.
// It is immutable once built; the hot-reload coordinator replaces the
// live instance wholesale rather than mutating one in place.
type FieldRegistry struct {
	Version int
	byID    map[int]FieldDef
	byKey   map[string]FieldDef
}

// NewFieldRegistry builds a registry from a field list. Keys are
// lower-cased so lookups are case-insensitive.
func NewFieldRegistry(version int, fields []FieldDef) *FieldRegistry {
	byID := make(map[int]FieldDef, len(fields))
	byKey := make(map[string]FieldDef, len(fields))
	for _, f := range fields {
		f.Key = strings.ToLower(f.Key)
		byID[f.ID] = f
		byKey[f.Key] = f
	}
	return &FieldRegistry{Version: version, byID: byID, byKey: byKey}
}

// ByKey resolves a field by its (case-insensitive) key.
func (r *FieldRegistry) ByKey(key string) (FieldDef, bool) {
	f, ok := r.byKey[strings.ToLower(key)]
	return f, ok
}

// ByID resolves a field by its stable integer id.
func (r *FieldRegistry) ByID(id int) (FieldDef, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// Size returns the number of fields in the registry.
func (r *FieldRegistry) Size() int {
	return len(r.byID)
}

// builtinFields is the bootstrap 26-field schema. Field IDs are stable
// for the lifetime of this registry version and must never be reused
// with a different meaning.
var builtinFields = []FieldDef{
	{ID: 1, Key: "transaction_id", DisplayName: "Transaction ID", DataType: DataTypeString},
	{ID: 2, Key: "card_hash", DisplayName: "Card Hash", DataType: DataTypeString, PII: true, IndexForScope: true},
	{ID: 3, Key: "amount", DisplayName: "Amount", DataType: DataTypeNumber},
	{ID: 4, Key: "currency", DisplayName: "Currency", DataType: DataTypeString},
	{ID: 5, Key: "merchant_id", DisplayName: "Merchant ID", DataType: DataTypeString},
	{ID: 6, Key: "merchant_name", DisplayName: "Merchant Name", DataType: DataTypeString},
	{ID: 7, Key: "merchant_category", DisplayName: "Merchant Category", DataType: DataTypeString},
	{ID: 8, Key: "mcc", DisplayName: "Merchant Category Code", DataType: DataTypeString},
	{ID: 9, Key: "card_present", DisplayName: "Card Present", DataType: DataTypeBoolean},
	{ID: 10, Key: "entry_mode", DisplayName: "Entry Mode", DataType: DataTypeString},
	{ID: 11, Key: "transaction_type", DisplayName: "Transaction Type", DataType: DataTypeString},
	{ID: 12, Key: "country_code", DisplayName: "Country Code", DataType: DataTypeString, IndexForScope: true},
	{ID: 13, Key: "ip_address", DisplayName: "IP Address", DataType: DataTypeString, PII: true},
	{ID: 14, Key: "device_id", DisplayName: "Device ID", DataType: DataTypeString, PII: true},
	{ID: 15, Key: "email", DisplayName: "Email", DataType: DataTypeString, PII: true},
	{ID: 16, Key: "phone", DisplayName: "Phone", DataType: DataTypeString, PII: true},
	{ID: 17, Key: "timestamp", DisplayName: "Timestamp", DataType: DataTypeString},
	{ID: 18, Key: "billing_address_line1", DisplayName: "Billing Address Line 1", DataType: DataTypeString, PII: true},
	{ID: 19, Key: "billing_city", DisplayName: "Billing City", DataType: DataTypeString, PII: true},
	{ID: 20, Key: "billing_postal_code", DisplayName: "Billing Postal Code", DataType: DataTypeString, PII: true},
	{ID: 21, Key: "shipping_address_line1", DisplayName: "Shipping Address Line 1", DataType: DataTypeString, PII: true},
	{ID: 22, Key: "shipping_city", DisplayName: "Shipping City", DataType: DataTypeString, PII: true},
	{ID: 23, Key: "shipping_postal_code", DisplayName: "Shipping Postal Code", DataType: DataTypeString, PII: true},
	{ID: 24, Key: "card_network", DisplayName: "Card Network", DataType: DataTypeString, IndexForScope: true},
	{ID: 25, Key: "card_bin", DisplayName: "Card BIN", DataType: DataTypeString, IndexForScope: true},
	{ID: 26, Key: "card_logo", DisplayName: "Card Logo", DataType: DataTypeString},
}

// Builtin returns the bootstrap field registry, version 1. It never
// fails and is used both as a hard fallback and to validate a freshly
// fetched remote registry against a known-good baseline in tests.
func Builtin() *FieldRegistry {
	return NewFieldRegistry(1, builtinFields)
}

var live atomic.Pointer[FieldRegistry]

func init() {
	live.Store(Builtin())
}

// Live returns the process-wide field registry currently in effect.
// The hot-reload coordinator is the sole writer; reads are wait-free
// and never observe a partially-updated registry.
func Live() *FieldRegistry {
	return live.Load()
}

// SetLive atomically installs a new field registry as the live one.
func SetLive(r *FieldRegistry) {
	live.Store(r)
}
