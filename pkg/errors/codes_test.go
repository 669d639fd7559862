package errors

import "testing"

func TestListIsSortedAndComplete(t *testing.T) {
	codes := List()
	if len(codes) == 0 {
		t.Fatalf("List() returned no codes")
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("List() not sorted at index %d: %s >= %s", i, codes[i-1], codes[i])
		}
	}
	for _, c := range codes {
		if !Known(c) {
			t.Fatalf("List() returned unknown code %s", c)
		}
	}
}

func TestMetaUnknownCode(t *testing.T) {
	if _, ok := Meta(Code("not.a.real.code")); ok {
		t.Fatalf("Meta() should report false for an unregistered code")
	}
}

func TestNewEnvelopeUnknownCodeFallsBackToInternal(t *testing.T) {
	env := NewEnvelope(Code("bogus"), "oops", "req-1", "trace-1", nil)
	if env.Error.Code != Internal {
		t.Fatalf("expected fallback to Internal, got %s", env.Error.Code)
	}
}

func TestNewEnvelopeDetailsAreSortedAndBounded(t *testing.T) {
	details := map[string]any{"b": 2, "a": 1, "c": "three"}
	env := NewEnvelope(InvalidEnvelope, "bad", "", "", details)
	if len(env.Error.Details) != 3 {
		t.Fatalf("expected 3 details, got %d", len(env.Error.Details))
	}
	for i := 1; i < len(env.Error.Details); i++ {
		if env.Error.Details[i-1].K >= env.Error.Details[i].K {
			t.Fatalf("details not sorted by key")
		}
	}
}

func TestHTTPStatusForUnknown(t *testing.T) {
	if got := HTTPStatusFor(Code("bogus")); got != 500 {
		t.Fatalf("expected 500 for unknown code, got %d", got)
	}
}
