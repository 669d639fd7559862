package decision

import (
	"context"
	"testing"

	"github.com/wesign-qa/cmo/internal/qscore"
	"github.com/wesign-qa/cmo/internal/registry"
)

type fakeDiscoverer struct {
	agents []registry.Agent
}

func (f fakeDiscoverer) Discover(ctx context.Context, filter registry.DiscoverFilter) ([]registry.Agent, error) {
	return f.agents, nil
}

func TestDecideAcceptsAboveThreshold(t *testing.T) {
	in := Input{QScore: qscore.Result{Calibrated: 0.8}, RetryDepth: 0}
	d, err := Decide(context.Background(), in, Thresholds{}, nil, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Accept {
		t.Fatalf("expected ACCEPT, got %v", d.Outcome)
	}
}

func TestDecideAcceptsAtFloorWhenRetriesExhausted(t *testing.T) {
	in := Input{QScore: qscore.Result{Calibrated: 0.65}, RetryDepth: 2}
	d, err := Decide(context.Background(), in, Thresholds{}, nil, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Accept {
		t.Fatalf("expected ACCEPT at floor with exhausted retries, got %v", d.Outcome)
	}
}

func TestDecideRetriesWithEligibleTarget(t *testing.T) {
	disc := fakeDiscoverer{agents: []registry.Agent{
		{AgentID: "healer-1"}, {AgentID: "healer-2"},
	}}
	in := Input{QScore: qscore.Result{Calibrated: 0.5}, RetryDepth: 0, FailedSpecialistID: "healer-1"}
	d, err := Decide(context.Background(), in, Thresholds{}, disc, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Retry {
		t.Fatalf("expected RETRY, got %v", d.Outcome)
	}
	if d.RetryTargetSpecialist != "healer-2" {
		t.Fatalf("expected healer-2 as retry target, got %q", d.RetryTargetSpecialist)
	}
}

func TestDecideEscalatesWhenNoEligibleRetryTarget(t *testing.T) {
	disc := fakeDiscoverer{agents: []registry.Agent{{AgentID: "healer-1"}}}
	in := Input{QScore: qscore.Result{Calibrated: 0.5}, RetryDepth: 0, FailedSpecialistID: "healer-1"}
	d, err := Decide(context.Background(), in, Thresholds{}, disc, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("expected ESCALATE with no eligible target, got %v", d.Outcome)
	}
}

func TestDecideEscalatesWhenRetryBudgetExhaustedBelowFloor(t *testing.T) {
	in := Input{QScore: qscore.Result{Calibrated: 0.3}, RetryDepth: 2}
	d, err := Decide(context.Background(), in, Thresholds{}, nil, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("expected ESCALATE, got %v", d.Outcome)
	}
}

func TestDecideEscalatesWhenPolicyFailurePersistsAfterRetry(t *testing.T) {
	in := Input{QScore: qscore.Result{Calibrated: 0.9}, RetryDepth: 1, PersistedPolicyOK0: true}
	d, err := Decide(context.Background(), in, Thresholds{}, nil, "acme", "proj", "heal")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("expected ESCALATE when policy_ok=0 persists after a retry, got %v", d.Outcome)
	}
}

func TestMemoryGradingStoreReturnsExistingOnDuplicate(t *testing.T) {
	s := NewMemoryGradingStore()
	ev := GradingEvent{MessageID: "m1", IdempotencyKey: "k1", Decision: Accept}
	if _, err := s.Insert(context.Background(), ev); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := GradingEvent{MessageID: "m2", IdempotencyKey: "k1", Decision: Escalate}
	got, err := s.Insert(context.Background(), dup)
	if err != ErrDuplicateGradingEvent {
		t.Fatalf("expected ErrDuplicateGradingEvent, got %v", err)
	}
	if got.MessageID != "m1" {
		t.Fatalf("expected existing event m1 returned, got %+v", got)
	}
}
