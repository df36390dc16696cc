package transaction

import "testing"

func TestBuiltin_Size(t *testing.T) {
	reg := Builtin()
	if reg.Size() != 26 {
		t.Errorf("Size() = %d, want 26", reg.Size())
	}
	if reg.Version != 1 {
		t.Errorf("Version = %d, want 1", reg.Version)
	}
}

func TestFieldRegistry_ByKey_CaseInsensitive(t *testing.T) {
	reg := Builtin()

	tests := []string{"amount", "AMOUNT", "Amount", "aMoUnT"}
	for _, key := range tests {
		f, ok := reg.ByKey(key)
		if !ok {
			t.Fatalf("ByKey(%q) not found", key)
		}
		if f.Key != "amount" {
			t.Errorf("ByKey(%q).Key = %q, want amount", key, f.Key)
		}
		if f.DataType != DataTypeNumber {
			t.Errorf("ByKey(%q).DataType = %v, want NUMBER", key, f.DataType)
		}
	}
}

func TestFieldRegistry_ByKey_Unknown(t *testing.T) {
	reg := Builtin()
	if _, ok := reg.ByKey("not_a_real_field"); ok {
		t.Error("ByKey(unknown) = true, want false")
	}
}

func TestFieldRegistry_ByID(t *testing.T) {
	reg := Builtin()

	f, ok := reg.ByID(3)
	if !ok {
		t.Fatal("ByID(3) not found")
	}
	if f.Key != "amount" {
		t.Errorf("ByID(3).Key = %q, want amount", f.Key)
	}

	if _, ok := reg.ByID(9999); ok {
		t.Error("ByID(9999) = true, want false")
	}
}

func TestNewFieldRegistry_LowercasesKeys(t *testing.T) {
	reg := NewFieldRegistry(2, []FieldDef{
		{ID: 1, Key: "MixedCase", DataType: DataTypeString},
	})

	f, ok := reg.ByKey("mixedcase")
	if !ok {
		t.Fatal("ByKey(mixedcase) not found")
	}
	if f.Key != "mixedcase" {
		t.Errorf("stored key = %q, want lowercased mixedcase", f.Key)
	}
}

func TestAllowedOperators(t *testing.T) {
	tests := []struct {
		dt  DataType
		op  Operator
		want bool
	}{
		{DataTypeString, OpContains, true},
		{DataTypeString, OpGT, false},
		{DataTypeNumber, OpGT, true},
		{DataTypeNumber, OpContains, false},
		{DataTypeNumber, OpBetween, true},
		{DataTypeBoolean, OpEQ, true},
		{DataTypeBoolean, OpGT, false},
		{DataTypeBoolean, OpContains, false},
	}

	for _, tt := range tests {
		allowed := AllowedOperators(tt.dt)
		if got := allowed[tt.op]; got != tt.want {
			t.Errorf("AllowedOperators(%v)[%v] = %v, want %v", tt.dt, tt.op, got, tt.want)
		}
	}

	if AllowedOperators(DataType("BOGUS")) != nil {
		t.Error("AllowedOperators(unknown datatype) should be nil")
	}
}

func TestLiveRegistry_DefaultsToBuiltin(t *testing.T) {
	if Live().Size() != Builtin().Size() {
		t.Errorf("Live().Size() = %d, want %d", Live().Size(), Builtin().Size())
	}
}

func TestSetLive_SwapsAtomically(t *testing.T) {
	original := Live()
	defer SetLive(original)

	replacement := NewFieldRegistry(2, []FieldDef{{ID: 1, Key: "only_field", DataType: DataTypeString}})
	SetLive(replacement)

	if Live().Version != 2 {
		t.Errorf("Live().Version = %d, want 2", Live().Version)
	}
	if _, ok := Live().ByKey("amount"); ok {
		t.Error("Live() still has builtin fields after SetLive replaced it")
	}
}
