package telemetry

import (
	"testing"
	"time"
)

func TestAggregateEmptyIsHealthy(t *testing.T) {
	s := NewHealthSnapshot("cmo", nil, time.Time{})
	if s.Overall != StatusHealthy {
		t.Fatalf("expected healthy, got %s", s.Overall)
	}
}

func TestAggregateUnhealthyDominates(t *testing.T) {
	comps := []ComponentStatus{
		{Name: "transport", Status: StatusDegraded},
		{Name: "registry", Status: StatusUnhealthy},
		{Name: "checkpointer", Status: StatusHealthy},
	}
	s := NewHealthSnapshot("cmo", comps, time.Time{})
	if s.Overall != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", s.Overall)
	}
}

func TestAggregateDegradedWithoutUnhealthy(t *testing.T) {
	comps := []ComponentStatus{
		{Name: "transport", Status: StatusDegraded},
		{Name: "registry", Status: StatusHealthy},
	}
	s := NewHealthSnapshot("cmo", comps, time.Time{})
	if s.Overall != StatusDegraded {
		t.Fatalf("expected degraded, got %s", s.Overall)
	}
}

func TestComponentsAreSortedByName(t *testing.T) {
	comps := []ComponentStatus{
		{Name: "zeta", Status: StatusHealthy},
		{Name: "alpha", Status: StatusHealthy},
	}
	s := NewHealthSnapshot("cmo", comps, time.Time{})
	if s.Components[0].Name != "alpha" || s.Components[1].Name != "zeta" {
		t.Fatalf("components not sorted: %+v", s.Components)
	}
}

func TestUnknownStatusNormalizesToUnhealthy(t *testing.T) {
	comps := []ComponentStatus{{Name: "x", Status: Status("bogus")}}
	s := NewHealthSnapshot("cmo", comps, time.Time{})
	if s.Components[0].Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy normalization, got %s", s.Components[0].Status)
	}
}
