package feature

import "testing"

func TestEventTimeConstructors(t *testing.T) {
	imm := NeedsImmediate()
	if !imm.Immediate || imm.None {
		t.Fatalf("NeedsImmediate: unexpected shape %+v", imm)
	}

	none := NoEvent()
	if !none.None || none.Immediate {
		t.Fatalf("NoEvent: unexpected shape %+v", none)
	}
}

func TestResultConstructors(t *testing.T) {
	if OK().Kind != ResultOK {
		t.Fatal("OK() should carry ResultOK")
	}
	if Skipped().Kind != ResultSkipped {
		t.Fatal("Skipped() should carry ResultSkipped")
	}
	r := Failed(errBoom)
	if r.Kind != ResultFailed || r.Err != errBoom {
		t.Fatalf("Failed() should carry ResultFailed and the error, got %+v", r)
	}
}

var errBoom = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

func TestRegistryEnabledPreservesOrderAndFilters(t *testing.T) {
	a := Descriptor{Name: "a"}
	b := Descriptor{Name: "b"}
	c := Descriptor{Name: "c"}
	r := NewRegistry(a, b, c)

	enabled := r.Enabled(map[string]bool{"c": true, "a": true})
	if len(enabled) != 2 || enabled[0].Name != "a" || enabled[1].Name != "c" {
		t.Fatalf("expected [a, c] in fixed order, got %+v", enabled)
	}

	if len(r.All()) != 3 {
		t.Fatalf("expected All() to return every descriptor regardless of enabled set, got %+v", r.All())
	}
}
