// Package registry implements the agent registry: registration,
// lease-based liveness, heartbeat, capability discovery, topic subscription
// index, and an expiry reaper. Status transitions are driven by explicit
// calls and a background sweep, never by implicit timers racing the caller.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
)

func (s Status) Known() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusDegraded, StatusUnavailable:
		return true
	default:
		return false
	}
}

// Role is a topic-subscription role.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleBoth       Role = "both"
)

// Agent is the registry's durable record for one specialist.
type Agent struct {
	AgentID      string
	Version      string
	Tenant       string
	Project      string
	Capabilities []string
	Status       Status
	LastHeartbeat time.Time
	LeaseUntil    time.Time
	Metadata      map[string]string
}

// Subscription is one (agent, topic, role) tuple, unique per tuple.
type Subscription struct {
	AgentID string
	Topic   string
	Role    Role
}

// DiscoverFilter narrows Discover's result set. A nil/empty Status list
// defaults to {HEALTHY, DEGRADED}.
type DiscoverFilter struct {
	Tenant     string
	Project    string
	Capability string
	Status     []Status
}

// defaultDiscoverStatuses is the default discover status filter.
func defaultDiscoverStatuses() []Status { return []Status{StatusHealthy, StatusDegraded} }

// Store is the durable persistence boundary the Registry operates over:
// production code runs against the relational implementation and tests run
// against the in-memory one.
type Store interface {
	Upsert(ctx context.Context, a Agent) error
	Get(ctx context.Context, agentID string) (Agent, bool, error)
	Discover(ctx context.Context, f DiscoverFilter) ([]Agent, error)
	SetStatus(ctx context.Context, agentID string, status Status) error
	// ExtendLease sets leaseUntil and status, and records now as
	// LastHeartbeat. The two times stay separate: one is "when we last
	// heard from it", the other "until when its lease is valid".
	ExtendLease(ctx context.Context, agentID string, now, leaseUntil time.Time, status Status) error
	MarkExpired(ctx context.Context, now time.Time) (int, error)
	DeleteInactive(ctx context.Context, olderThan time.Time) (int, error)

	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, agentID, topic string) error
	Subscribers(ctx context.Context, topic string) ([]Subscription, error)
}

// Registry is a thin, validating layer over Store.
type Registry struct {
	store Store
	clock func() time.Time
}

// New builds a Registry over store. clock defaults to time.Now; tests
// override it for deterministic lease math.
func New(store Store, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{store: store, clock: clock}
}

// Register upserts agent with status STARTING and a lease leaseSeconds
// from now (default 60).
func (r *Registry) Register(ctx context.Context, a Agent, leaseSeconds int) (Agent, error) {
	if a.AgentID == "" {
		return Agent{}, fmt.Errorf("registry: agent_id is required")
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	now := r.clock()
	a.Status = StatusStarting
	a.LastHeartbeat = now
	a.LeaseUntil = now.Add(time.Duration(leaseSeconds) * time.Second)
	if err := r.store.Upsert(ctx, a); err != nil {
		return Agent{}, fmt.Errorf("registry: register %s: %w", a.AgentID, err)
	}
	return a, nil
}

// Heartbeat extends agentID's lease to now+leaseSeconds and applies status.
// Fails if the agent was never registered. Lease extension is monotone: a
// heartbeat computing an earlier lease_until than the current one never
// shortens it.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status Status, leaseSeconds int) error {
	if !status.Known() {
		return fmt.Errorf("registry: unknown status %q", status)
	}
	existing, ok, err := r.store.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("registry: heartbeat lookup %s: %w", agentID, err)
	}
	if !ok {
		return fmt.Errorf("registry: heartbeat: agent %s was never registered", agentID)
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	now := r.clock()
	next := now.Add(time.Duration(leaseSeconds) * time.Second)
	if next.Before(existing.LeaseUntil) {
		next = existing.LeaseUntil
	}
	// First successful heartbeat transitions STARTING -> HEALTHY.
	if existing.Status == StatusStarting && status == StatusStarting {
		status = StatusHealthy
	}
	return r.store.ExtendLease(ctx, agentID, now, next, status)
}

// Discover lists agents with a live lease matching f. A discover call never
// returns agents whose lease has already expired, regardless of their
// recorded status.
func (r *Registry) Discover(ctx context.Context, f DiscoverFilter) ([]Agent, error) {
	if len(f.Status) == 0 {
		f.Status = defaultDiscoverStatuses()
	}
	agents, err := r.store.Discover(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("registry: discover: %w", err)
	}
	now := r.clock()
	live := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if a.LeaseUntil.After(now) {
			live = append(live, a)
		}
	}
	return live, nil
}

// MarkUnavailable force-transitions agentID to UNAVAILABLE (e.g. on an
// operator-reported fatal error), bypassing the lease check.
func (r *Registry) MarkUnavailable(ctx context.Context, agentID string) error {
	return r.store.SetStatus(ctx, agentID, StatusUnavailable)
}

// MarkExpiredAgents is the reaper sweep: every agent with lease_until < now
// and status != UNAVAILABLE is set UNAVAILABLE. Returns the count changed.
func (r *Registry) MarkExpiredAgents(ctx context.Context) (int, error) {
	n, err := r.store.MarkExpired(ctx, r.clock())
	if err != nil {
		return 0, fmt.Errorf("registry: mark expired: %w", err)
	}
	return n, nil
}

// CleanupInactiveAgents deletes UNAVAILABLE agents not updated in the last
// days days.
func (r *Registry) CleanupInactiveAgents(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("registry: retention days must be positive")
	}
	cutoff := r.clock().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := r.store.DeleteInactive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: cleanup inactive: %w", err)
	}
	return n, nil
}

func (r *Registry) Subscribe(ctx context.Context, agentID, topic string, role Role) error {
	switch role {
	case RolePublisher, RoleSubscriber, RoleBoth:
	default:
		return fmt.Errorf("registry: unknown role %q", role)
	}
	return r.store.Subscribe(ctx, Subscription{AgentID: agentID, Topic: topic, Role: role})
}

func (r *Registry) Unsubscribe(ctx context.Context, agentID, topic string) error {
	return r.store.Unsubscribe(ctx, agentID, topic)
}

func (r *Registry) Subscribers(ctx context.Context, topic string) ([]Subscription, error) {
	return r.store.Subscribers(ctx, topic)
}

// HeartbeatEnvelope builds the MemoryEvent-typed Heartbeat envelope the
// heartbeat publisher task sends to the registry heartbeats topic for
// observability. It does not sign or publish; callers wire that through
// pkg/security and internal/transport.
func HeartbeatEnvelope(from envelope.AgentID, tenant, project, messageID, ts string, payload []byte) envelope.Envelope {
	return envelope.Envelope{
		Meta: envelope.Meta{
			A2AVersion: envelope.CurrentVersion,
			MessageID:  messageID,
			TraceID:    messageID,
			TS:         ts,
			From:       from,
			To:         []envelope.AgentID{{ID: "registry", Type: envelope.KindService}},
			Tenant:     tenant,
			Project:    project,
			Type:       envelope.Heartbeat,
		},
		Payload: payload,
	}
}
