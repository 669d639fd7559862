package topic

import "testing"

func TestBuildParseRoundTrip(t *testing.T) {
	c := Components{Tenant: "wesign", Project: "core", Domain: "cmo", Entity: "decisions"}
	built, err := Build(c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
	}
}

func TestMatchesIsReflexive(t *testing.T) {
	topics := []string{
		"qa.wesign.core.cmo.decisions",
		"qa.wesign.core.specialist.sel.invoke",
	}
	for _, tp := range topics {
		if !Matches(tp, tp) {
			t.Fatalf("Matches(%q, %q) should be true", tp, tp)
		}
	}
}

func TestMatchesWildcardSingleSegment(t *testing.T) {
	pattern := "qa.wesign.*.cmo.decisions"
	if !Matches(pattern, "qa.wesign.projA.cmo.decisions") {
		t.Fatalf("expected wildcard to match projA")
	}
	if !Matches(pattern, "qa.wesign.projB.cmo.decisions") {
		t.Fatalf("expected wildcard to match projB")
	}
	if Matches(pattern, "qa.other.projA.cmo.decisions") {
		t.Fatalf("expected tenant mismatch to fail")
	}
}

func TestMatchesMonotoneUnderAddedWildcards(t *testing.T) {
	exact := "qa.wesign.projA.cmo.decisions"
	oneWild := "qa.wesign.*.cmo.decisions"
	twoWild := "qa.*.*.cmo.decisions"
	target := "qa.wesign.projA.cmo.decisions"

	if Matches(exact, target) && !Matches(oneWild, target) {
		t.Fatalf("adding a wildcard should not remove a match")
	}
	if Matches(oneWild, target) && !Matches(twoWild, target) {
		t.Fatalf("adding a second wildcard should not remove a match")
	}
}

func TestMatchesRequiresEqualSegmentCount(t *testing.T) {
	if Matches("qa.wesign.*.cmo", "qa.wesign.projA.cmo.decisions") {
		t.Fatalf("segment count mismatch must not match")
	}
}

func TestPartitionKeyWithAndWithoutTrace(t *testing.T) {
	if got := PartitionKey("wesign", "core", ""); got != "wesign:core" {
		t.Fatalf("got %q", got)
	}
	if got := PartitionKey("wesign", "core", "T1"); got != "wesign:core:T1" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildRejectsBadTenantCharset(t *testing.T) {
	_, err := Build(Components{Tenant: "Wesign!", Project: "core", Domain: "cmo"})
	if err == nil {
		t.Fatalf("expected error for bad tenant charset")
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	_, err := Parse("xx.wesign.core.cmo")
	if err == nil {
		t.Fatalf("expected error for wrong prefix")
	}
}

func TestDLQAppendsSuffix(t *testing.T) {
	if got := DLQ("qa.wesign.core.cmo.decisions"); got != "qa.wesign.core.cmo.decisions.dlq" {
		t.Fatalf("got %q", got)
	}
}

func TestWellKnownBuildersProduceExpectedShape(t *testing.T) {
	got, err := SpecialistInvoke("wesign", "core", "healer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "qa.wesign.core.specialist.healer.invoke" {
		t.Fatalf("got %q", got)
	}
}
