package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wesign-qa/cmo/internal/middleware"
	"github.com/wesign-qa/cmo/internal/publish"
	"github.com/wesign-qa/cmo/internal/registry"
	"github.com/wesign-qa/cmo/internal/transport"
	"github.com/wesign-qa/cmo/pkg/envelope"
	"github.com/wesign-qa/cmo/pkg/security"
	"github.com/wesign-qa/cmo/pkg/telemetry"
)

type fakeTransport struct {
	acked    []string
	nacked   []string
	rejected []string
	reasons  []string
}

func (f *fakeTransport) Connect(ctx context.Context) error    { return nil }
func (f *fakeTransport) Disconnect(ctx context.Context) error { return nil }
func (f *fakeTransport) Publish(ctx context.Context, topic string, env envelope.Envelope) (string, error) {
	return "1-0", nil
}
func (f *fakeTransport) Subscribe(ctx context.Context, topic string, opts transport.SubscribeOptions) (<-chan transport.Delivery, error) {
	return nil, nil
}
func (f *fakeTransport) Ack(ctx context.Context, topic, group, id string) error {
	f.acked = append(f.acked, id)
	return nil
}
func (f *fakeTransport) Nack(ctx context.Context, topic, group, id string) error {
	f.nacked = append(f.nacked, id)
	return nil
}
func (f *fakeTransport) Reject(ctx context.Context, topic, group, id, reason string) error {
	f.rejected = append(f.rejected, id)
	f.reasons = append(f.reasons, reason)
	return nil
}
func (f *fakeTransport) Request(ctx context.Context, topic string, req envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	return envelope.Envelope{}, nil
}
func (f *fakeTransport) CreateTopic(ctx context.Context, topic string) error { return nil }
func (f *fakeTransport) DeleteTopic(ctx context.Context, topic string) error { return nil }
func (f *fakeTransport) PurgeTopic(ctx context.Context, topic string) error  { return nil }
func (f *fakeTransport) Stats(ctx context.Context, topic string) (transport.TopicStats, error) {
	return transport.TopicStats{}, nil
}
func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }

func newTestApp(ft *fakeTransport, disp *publish.Dispatcher, idem middleware.IdempotencyStore, pol middleware.Policy) *App {
	return New(Dependencies{
		Logger:      telemetry.Nop,
		Transport:   ft,
		Dispatcher:  disp,
		Idempotency: idem,
		Policy:      pol,
		RetryPolicy: transport.DefaultRetryPolicy(),
	})
}

func TestHandleDeliveryDispatchesAndAcks(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		return ack()
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)

	d := transport.Delivery{ID: "1-0", Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult}}}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if len(ft.acked) != 1 || ft.acked[0] != "1-0" {
		t.Fatalf("expected ack, got acked=%v rejected=%v", ft.acked, ft.rejected)
	}
}

func TestHandleDeliveryRejectsUnverifiedSignature(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		t.Fatalf("handler should not run when verification fails")
		return nil
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)
	a.deps.VerifyKey = []byte("secret")

	env := envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult, TS: time.Now().UTC().Format(time.RFC3339)}}
	d := transport.Delivery{ID: "1-0", Envelope: env}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if len(ft.rejected) != 1 || ft.reasons[0] != "signature_failed" {
		t.Fatalf("expected signature_failed reject, got rejected=%v reasons=%v", ft.rejected, ft.reasons)
	}
}

func TestHandleDeliveryRejectsStaleTimestampWithSpecificReason(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		t.Fatalf("handler should not run for a stale envelope")
		return nil
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)
	a.deps.VerifyKey = []byte("secret")

	env := envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult, TS: time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)}}
	signed, err := security.SignEnvelope(env, a.deps.VerifyKey)
	if err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}
	d := transport.Delivery{ID: "1-0", Envelope: signed}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if len(ft.rejected) != 1 || ft.reasons[0] != "timestamp_stale" {
		t.Fatalf("expected timestamp_stale reject, got rejected=%v reasons=%v", ft.rejected, ft.reasons)
	}
}

func TestHandleDeliveryAcceptsVerifiedSignature(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	dispatched := false
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		dispatched = true
		return ack()
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)
	a.deps.VerifyKey = []byte("secret")

	env := envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult, TS: time.Now().UTC().Format(time.RFC3339)}}
	signed, err := security.SignEnvelope(env, a.deps.VerifyKey)
	if err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}
	d := transport.Delivery{ID: "1-0", Envelope: signed}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if !dispatched {
		t.Fatalf("expected handler to run for a correctly signed, fresh envelope")
	}
	if len(ft.acked) != 1 {
		t.Fatalf("expected ack, got rejected=%v", ft.rejected)
	}
}

func TestHandleDeliveryDedupesOnIdempotencyKey(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	called := 0
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		called++
		return ack()
	})
	now := time.Now()
	idem := middleware.NewInMemoryIdempotencyStore(func() time.Time { return now })
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, idem, pol)

	d := transport.Delivery{ID: "1-0", Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult, IdempotencyKey: "k1"}}}
	ct := ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}
	a.handleDelivery(context.Background(), ct, d)
	a.handleDelivery(context.Background(), ct, d)

	if called != 1 {
		t.Fatalf("expected handler invoked once, got %d", called)
	}
	if len(ft.acked) != 2 {
		t.Fatalf("expected both deliveries acked (first dispatched, second deduped), got %d", len(ft.acked))
	}
}

func TestHandleDeliveryLeavesIdempotencyKeyUnsetOnDispatchFailure(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	attempts := 0
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("transient failure")
		}
		return ack()
	})
	idem := middleware.NewInMemoryIdempotencyStore(time.Now)
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, idem, pol)

	d := transport.Delivery{ID: "1-0", Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult, IdempotencyKey: "k1"}}}
	ct := ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}

	a.handleDelivery(context.Background(), ct, d)
	if attempts != 1 {
		t.Fatalf("expected one dispatch attempt, got %d", attempts)
	}
	if len(ft.nacked) != 1 {
		t.Fatalf("expected the failed dispatch to be nacked for redelivery, got acked=%v rejected=%v nacked=%v", ft.acked, ft.rejected, ft.nacked)
	}

	seen, err := idem.Check(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if seen {
		t.Fatalf("expected idempotency key to remain unset after a failed dispatch")
	}

	// Redelivery of the same envelope must reach the handler again, not be
	// silently dropped as a false duplicate.
	a.handleDelivery(context.Background(), ct, d)
	if attempts != 2 {
		t.Fatalf("expected redelivery to reach the handler a second time, got %d attempts", attempts)
	}
	if len(ft.acked) != 1 {
		t.Fatalf("expected the successful redelivery to be acked, got %v", ft.acked)
	}
}

func TestHandleDeliveryRejectsOnPolicyDeny(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		t.Fatalf("handler should not run when policy denies")
		return nil
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictDeny}}}
	a := newTestApp(ft, disp, nil, pol)

	d := transport.Delivery{ID: "1-0", Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult}}}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if len(ft.rejected) != 1 || ft.reasons[0] != "policy_denied" {
		t.Fatalf("expected policy_denied reject, got rejected=%v reasons=%v", ft.rejected, ft.reasons)
	}
}

func TestHandleDeliveryRejectsUnknownType(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)

	d := transport.Delivery{ID: "1-0", Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.Type("bogus")}}}
	a.handleDelivery(context.Background(), ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}, d)

	if len(ft.rejected) != 1 || ft.reasons[0] != "unknown_type" {
		t.Fatalf("expected unknown_type reject, got rejected=%v reasons=%v", ft.rejected, ft.reasons)
	}
}

func TestHandleDeliveryRetriesThenRejects(t *testing.T) {
	ft := &fakeTransport{}
	disp := publish.NewDispatcher()
	disp.Register(envelope.TaskResult, func(ctx context.Context, env envelope.Envelope, ack func() error) error {
		return context.DeadlineExceeded
	})
	pol := middleware.Policy{Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}}}
	a := newTestApp(ft, disp, nil, pol)
	ct := ConsumeTopic{Topic: "qa.t.p.cmo.decisions", ConsumerGroup: "g"}

	d1 := transport.Delivery{ID: "1-0", DeliveryCount: 1, Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult}}}
	a.handleDelivery(context.Background(), ct, d1)
	if len(ft.nacked) != 1 {
		t.Fatalf("expected first failure to nack for retry, got nacked=%v rejected=%v", ft.nacked, ft.rejected)
	}

	d2 := transport.Delivery{ID: "1-0", DeliveryCount: 2, Envelope: envelope.Envelope{Meta: envelope.Meta{Type: envelope.TaskResult}}}
	a.handleDelivery(context.Background(), ct, d2)
	if len(ft.rejected) != 1 || ft.reasons[0] != "handler_error" {
		t.Fatalf("expected second failure at MaxAttempts to reject, got rejected=%v reasons=%v", ft.rejected, ft.reasons)
	}
}

func TestHandleHealthAggregatesComponentChecks(t *testing.T) {
	a := New(Dependencies{
		Logger: telemetry.Nop,
		HealthChecks: []HealthCheck{
			{Name: "transport", Check: func(ctx context.Context) error { return nil }},
			{Name: "storage", Check: func(ctx context.Context) error { return context.DeadlineExceeded }},
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a component is unhealthy, got %d", rec.Code)
	}
	var snap telemetry.HealthSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if snap.Overall != telemetry.StatusUnhealthy {
		t.Fatalf("expected overall unhealthy, got %s", snap.Overall)
	}
	if len(snap.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(snap.Components))
	}
}

func TestHandleAgentsListsDiscoveredAgents(t *testing.T) {
	store := registry.NewMemoryStore()
	reg := registry.New(store, nil)
	if _, err := reg.Register(context.Background(), registry.Agent{
		AgentID: "spec-1", Tenant: "acme", Project: "proj", Capabilities: []string{"summarize"},
	}, 60); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Heartbeat(context.Background(), "spec-1", registry.StatusHealthy, 60); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	a := New(Dependencies{Logger: telemetry.Nop, Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/agents?tenant=acme&project=proj", nil)
	rec := httptest.NewRecorder()
	a.handleAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var agents []registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents response: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "spec-1" {
		t.Fatalf("expected one agent spec-1, got %+v", agents)
	}
}

func TestWithAuthAllowsHealthAndMetricsWithoutKey(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	h := withAuth(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("expected /health to bypass auth")
	}
}
