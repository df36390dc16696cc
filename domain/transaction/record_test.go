package transaction

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRecord_SetGet_RoundTrip(t *testing.T) {
	reg := Builtin()
	rec := NewRecord(reg)

	f, _ := reg.ByKey("amount")
	rec.Set(f.ID, NumberValue(decimal.NewFromInt(100)))

	v := rec.Get(f.ID)
	if v.Absent {
		t.Fatal("Get() returned Absent for a field that was Set")
	}
	if !v.Num.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Get().Num = %v, want 100", v.Num)
	}
}

func TestRecord_Get_UnsetFieldIsAbsent(t *testing.T) {
	reg := Builtin()
	rec := NewRecord(reg)

	f, _ := reg.ByKey("amount")
	v := rec.Get(f.ID)
	if !v.Absent {
		t.Error("Get() on an unset field should be Absent")
	}
}

func TestRecord_GetByKey_UnknownKey(t *testing.T) {
	reg := Builtin()
	rec := NewRecord(reg)

	v, ok := rec.GetByKey("not_a_field")
	if ok {
		t.Error("GetByKey(unknown) ok = true, want false")
	}
	if !v.Absent {
		t.Error("GetByKey(unknown) should return AbsentValue")
	}
}

func TestFromMap_CoercesDeclaredTypes(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{
		"amount":       250.50,
		"currency":     "USD",
		"card_present": true,
	})

	amount, ok := rec.GetByKey("amount")
	if !ok || amount.Absent {
		t.Fatal("amount should be present")
	}
	if !amount.Num.Equal(decimal.NewFromFloat(250.50)) {
		t.Errorf("amount = %v, want 250.50", amount.Num)
	}

	present, _ := rec.GetByKey("card_present")
	if present.Absent || !present.Bool {
		t.Error("card_present should be present and true")
	}
}

func TestFromMap_IgnoresUnknownKeys(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{
		"totally_unknown_key": "value",
	})
	if len(rec.slots) != 0 {
		t.Errorf("FromMap set %d slots for an unknown key, want 0", len(rec.slots))
	}
}

func TestFromMap_LowercasesKeyLikeFields(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{
		"card_network": "VISA",
		"merchant_id":  "MERCH-001",
	})

	network, _ := rec.GetByKey("card_network")
	if network.Str != "visa" {
		t.Errorf("card_network = %q, want lowercased visa", network.Str)
	}
	merchant, _ := rec.GetByKey("merchant_id")
	if merchant.Str != "merch-001" {
		t.Errorf("merchant_id = %q, want lowercased merch-001", merchant.Str)
	}
}

func TestFromMap_StringFieldNotLowercased(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{
		"billing_city": "San Francisco",
	})

	city, _ := rec.GetByKey("billing_city")
	if city.Str != "San Francisco" {
		t.Errorf("billing_city = %q, want unchanged San Francisco", city.Str)
	}
}

func TestFromMap_NumberFromString(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"amount": "42.5"})

	v, _ := rec.GetByKey("amount")
	if v.Absent {
		t.Fatal("amount should coerce from a numeric string")
	}
	if !v.Num.Equal(decimal.NewFromFloat(42.5)) {
		t.Errorf("amount = %v, want 42.5", v.Num)
	}
}

func TestFromMap_BadNumberBecomesAbsent(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"amount": "not-a-number"})

	v, _ := rec.GetByKey("amount")
	if !v.Absent {
		t.Error("unparseable number should coerce to Absent")
	}
}

func TestFromMap_NullValueIsAbsent(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"amount": nil})

	v, _ := rec.GetByKey("amount")
	if !v.Absent {
		t.Error("nil value should coerce to Absent")
	}
}

func TestFromMap_TypeMismatchBecomesAbsent(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"currency": 123})

	v, _ := rec.GetByKey("currency")
	if !v.Absent {
		t.Error("a number supplied for a STRING field should coerce to Absent")
	}
}

func TestFromMap_BooleanFromString(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"card_present": "true"})

	v, _ := rec.GetByKey("card_present")
	if v.Absent || !v.Bool {
		t.Error("card_present should coerce from the string \"true\"")
	}
}

func TestToMap_SkipsAbsentFields(t *testing.T) {
	reg := Builtin()
	rec := FromMap(reg, map[string]any{"amount": 10.0})

	out := rec.ToMap()
	if len(out) != 1 {
		t.Fatalf("ToMap() returned %d keys, want 1", len(out))
	}
	if _, ok := out["amount"]; !ok {
		t.Error("ToMap() missing amount")
	}
}
