// Package decision implements the three-way decision engine:
// ACCEPT/RETRY/ESCALATE dispatch from a QScore result and retry depth,
// idempotent grading-event persistence, and retry-target selection from the
// registry.
package decision

import (
	"context"
	"fmt"

	"github.com/wesign-qa/cmo/internal/qscore"
	"github.com/wesign-qa/cmo/internal/registry"
)

// Outcome is the engine's three-way dispatch.
type Outcome string

const (
	Accept   Outcome = "ACCEPT"
	Retry    Outcome = "RETRY"
	Escalate Outcome = "ESCALATE"
)

// Thresholds configures the engine; zero values fall back to the
// documented defaults via WithDefaults.
type Thresholds struct {
	AcceptThreshold float64 // default 0.75
	RetryFloor      float64 // default 0.60 (the "accept anyway at max retries" floor)
	MaxRetries      int     // default 2
}

// WithDefaults fills any zero field with its documented default.
func (t Thresholds) WithDefaults() Thresholds {
	if t.AcceptThreshold <= 0 {
		t.AcceptThreshold = 0.75
	}
	if t.RetryFloor <= 0 {
		t.RetryFloor = 0.60
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 2
	}
	return t
}

// Input is everything the engine needs to decide one TaskResult.
type Input struct {
	QScore             qscore.Result
	RetryDepth         int
	FailedSpecialistID string
	PersistedPolicyOK0 bool // policy_ok=0 persisted through a prior retry
	PersistedSchemaOK0 bool // schema_ok=0 persisted through a prior retry
}

// Decision is the engine's output: the outcome and, for RETRY, the chosen
// target specialist.
type Decision struct {
	Outcome              Outcome
	Reasons              []string
	RetryTargetSpecialist string
}

// CapabilityDiscoverer is the subset of *registry.Registry the engine needs
// to pick a retry target, narrowed to ease testing.
type CapabilityDiscoverer interface {
	Discover(ctx context.Context, f registry.DiscoverFilter) ([]registry.Agent, error)
}

// Decide maps a scored attempt to its outcome. When the outcome is RETRY,
// it also selects a retry_target_specialist from disc with the required
// capability, excluding in.FailedSpecialistID; if none is available, it
// falls through to ESCALATE.
func Decide(ctx context.Context, in Input, th Thresholds, disc CapabilityDiscoverer, tenant, project, capability string) (Decision, error) {
	th = th.WithDefaults()
	calibrated := in.QScore.Calibrated

	if in.PersistedPolicyOK0 || in.PersistedSchemaOK0 {
		if in.RetryDepth >= 1 {
			return Decision{Outcome: Escalate, Reasons: []string{"policy_ok or schema_ok remained 0 after a retry"}}, nil
		}
	}

	if calibrated >= th.AcceptThreshold || (calibrated >= th.RetryFloor && in.RetryDepth >= th.MaxRetries) {
		return Decision{Outcome: Accept, Reasons: []string{fmt.Sprintf("calibrated score %.3f meets acceptance bar", calibrated)}}, nil
	}

	if calibrated < th.AcceptThreshold && in.RetryDepth < th.MaxRetries {
		target, err := selectRetryTarget(ctx, disc, tenant, project, capability, in.FailedSpecialistID)
		if err != nil {
			return Decision{}, err
		}
		if target == "" {
			return Decision{Outcome: Escalate, Reasons: []string{"no eligible retry target specialist available"}}, nil
		}
		return Decision{
			Outcome:               Retry,
			Reasons:               []string{fmt.Sprintf("calibrated score %.3f below accept threshold %.3f", calibrated, th.AcceptThreshold)},
			RetryTargetSpecialist: target,
		}, nil
	}

	return Decision{Outcome: Escalate, Reasons: []string{"retry budget exhausted below acceptance bar"}}, nil
}

func selectRetryTarget(ctx context.Context, disc CapabilityDiscoverer, tenant, project, capability, exclude string) (string, error) {
	if disc == nil {
		return "", nil
	}
	agents, err := disc.Discover(ctx, registry.DiscoverFilter{Tenant: tenant, Project: project, Capability: capability})
	if err != nil {
		return "", fmt.Errorf("decision: discover retry target: %w", err)
	}
	for _, a := range agents {
		if a.AgentID != exclude {
			return a.AgentID, nil
		}
	}
	return "", nil
}
