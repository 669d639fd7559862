// Package app wires the orchestrator's components into one running
// process: startup ordering, the background reaper and self-heartbeat
// tasks, the inbound consume-and-dispatch loops, the admin HTTP surface,
// and graceful shutdown.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesign-qa/cmo/internal/checkpoint"
	"github.com/wesign-qa/cmo/internal/middleware"
	"github.com/wesign-qa/cmo/internal/publish"
	"github.com/wesign-qa/cmo/internal/registry"
	"github.com/wesign-qa/cmo/internal/transport"
	"github.com/wesign-qa/cmo/pkg/config"
	"github.com/wesign-qa/cmo/pkg/envelope"
	"github.com/wesign-qa/cmo/pkg/security"
	"github.com/wesign-qa/cmo/pkg/telemetry"
	"github.com/wesign-qa/cmo/pkg/topic"
)

// HealthCheck is one named liveness probe the health endpoint runs on
// demand (e.g. a Postgres ping, a Redis ping). Component construction
// happens in cmd/cmo, which knows the concrete client types; this package
// only knows how to run and aggregate them.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ConsumeTopic configures one inbound consumer-group subscription the app
// drains into Dispatcher.
type ConsumeTopic struct {
	Topic         string
	ConsumerGroup string
	ConsumerName  string
	MaxPending    int64
}

// Dependencies are the already-constructed components app.New wires
// together. cmd/cmo builds each of these in storage -> checkpointer ->
// registry -> transport -> middleware order; App only sequences their
// runtime lifecycle.
type Dependencies struct {
	Env          config.Env
	Logger       *telemetry.Logger
	PromRegistry *prometheus.Registry
	Metrics      *telemetry.Metrics

	Transport    transport.Transport
	Registry     *registry.Registry
	Checkpointer *checkpoint.Checkpointer
	Idempotency  middleware.IdempotencyStore
	Policy       middleware.Policy
	Publisher    *publish.Publisher
	Dispatcher   *publish.Dispatcher
	RetryPolicy  transport.RetryPolicy

	// VerifyKey, when non-empty, turns on the verification gate ahead of
	// idempotency/policy: every inbound envelope's HMAC signature and
	// meta.ts freshness are checked via pkg/security before it is allowed
	// any further. Left empty, the gate is skipped, matching test wiring
	// that never signs envelopes.
	VerifyKey     []byte
	ReplayOptions security.ReplayOptions

	ConsumeTopics []ConsumeTopic
	HealthChecks  []HealthCheck

	// SelfAgent, when non-empty, is the (tenant, project) scope this CMO
	// instance heartbeats itself into the registry under. A process
	// serving multiple tenants runs one App per tenant scope, consistent
	// with topics being single-tenant-scoped paths (pkg/topic).
	SelfAgent SelfAgent

	Clock func() time.Time
}

// SelfAgent names the agent identity CMO registers as so operators can see
// the orchestrator itself in discover() results.
type SelfAgent struct {
	AgentID string
	Tenant  string
	Project string
}

// App owns the running process: the admin HTTP server, the reaper and
// self-heartbeat background tasks, and one consume goroutine per configured
// topic.
type App struct {
	deps   Dependencies
	clock  func() time.Time
	server *http.Server

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New builds an App. It does not start anything; call Run.
func New(deps Dependencies) *App {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.Nop
	}
	return &App{deps: deps, clock: deps.Clock, stop: make(chan struct{})}
}

// Run starts every background task and the admin HTTP server, then blocks
// until ctx is canceled, at which point it shuts down in reverse order:
// stop reaper (and heartbeat/consume loops), drain handlers, disconnect
// transport. Checkpointer/registry store closing is the caller's
// responsibility since cmd/cmo owns the underlying *sql.DB.
func (a *App) Run(ctx context.Context) error {
	addr := ":8090"
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.deps.Logger.Info(ctx, "admin_http_listening", map[string]any{"addr": addr})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.deps.Logger.Error(ctx, "admin_http_failed", map[string]any{"err": err.Error()})
		}
	}()

	if a.deps.SelfAgent.AgentID != "" {
		a.wg.Add(1)
		go a.runHeartbeatPublisher(ctx)
	}
	if a.deps.Registry != nil {
		a.wg.Add(1)
		go a.runReaper(ctx)
	}
	for _, ct := range a.deps.ConsumeTopics {
		ct := ct
		a.wg.Add(1)
		go a.runConsumer(ctx, ct)
	}

	<-ctx.Done()
	return a.Shutdown()
}

// Shutdown stops background tasks and the HTTP server. Safe to call more
// than once.
func (a *App) Shutdown() error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		close(a.stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if a.server != nil {
			shutdownErr = a.server.Shutdown(shutdownCtx)
		}
		a.wg.Wait()
		if a.deps.Transport != nil {
			if err := a.deps.Transport.Disconnect(shutdownCtx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	a.wg.Wait()
	return shutdownErr
}

func (a *App) runReaper(ctx context.Context) {
	defer a.wg.Done()
	interval := a.deps.Env.ReaperInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			n, err := a.deps.Registry.MarkExpiredAgents(ctx)
			if a.deps.Metrics != nil {
				a.deps.Metrics.ReaperSweeps.Inc()
				a.deps.Metrics.ReaperExpired.Add(float64(n))
			}
			if err != nil {
				a.deps.Logger.Warn(ctx, "reaper_sweep_failed", map[string]any{"err": err.Error()})
				continue
			}
			if n > 0 {
				a.deps.Logger.Info(ctx, "reaper_sweep", map[string]any{"expired": n})
			}
		}
	}
}

func (a *App) runHeartbeatPublisher(ctx context.Context) {
	defer a.wg.Done()
	interval := a.deps.Env.HeartbeatInterval()
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.heartbeatOnce(ctx)
		}
	}
}

func (a *App) heartbeatOnce(ctx context.Context) {
	sa := a.deps.SelfAgent
	if a.deps.Registry != nil {
		if err := a.deps.Registry.Heartbeat(ctx, sa.AgentID, registry.StatusHealthy, a.deps.Env.LeaseDurationSeconds); err != nil {
			_, err = a.deps.Registry.Register(ctx, registry.Agent{
				AgentID:      sa.AgentID,
				Tenant:       sa.Tenant,
				Project:      sa.Project,
				Capabilities: []string{"orchestration"},
			}, a.deps.Env.LeaseDurationSeconds)
			if err != nil {
				a.deps.Logger.Warn(ctx, "self_register_failed", map[string]any{"err": err.Error()})
				return
			}
		}
	}
	if a.deps.Publisher == nil {
		return
	}
	hbTopic, err := topic.RegistryHeartbeats(sa.Tenant, sa.Project)
	if err != nil {
		return
	}
	id, err := publish.RandomMessageID()
	if err != nil {
		return
	}
	env := registry.HeartbeatEnvelope(
		envelope.AgentID{ID: sa.AgentID, Type: envelope.KindService},
		sa.Tenant, sa.Project, id, a.clock().UTC().Format(time.RFC3339), []byte(`{}`),
	)
	if res := envelope.Validate(env); !res.Valid {
		a.deps.Logger.Warn(ctx, "self_heartbeat_invalid", map[string]any{"errors": res.Errors})
		return
	}
	if len(a.deps.VerifyKey) > 0 {
		signed, err := security.SignEnvelope(env, a.deps.VerifyKey)
		if err != nil {
			a.deps.Logger.Warn(ctx, "self_heartbeat_sign_failed", map[string]any{"err": err.Error()})
			return
		}
		env = signed
	}
	if _, err := a.deps.Transport.Publish(ctx, hbTopic, env); err != nil {
		a.deps.Logger.Warn(ctx, "self_heartbeat_publish_failed", map[string]any{"err": err.Error()})
	}
}

func (a *App) runConsumer(ctx context.Context, ct ConsumeTopic) {
	defer a.wg.Done()
	deliveries, err := a.deps.Transport.Subscribe(ctx, ct.Topic, transport.SubscribeOptions{
		ConsumerGroup: ct.ConsumerGroup,
		ConsumerName:  ct.ConsumerName,
		MaxPending:    ct.MaxPending,
	})
	if err != nil {
		a.deps.Logger.Error(ctx, "subscribe_failed", map[string]any{"topic": ct.Topic, "err": err.Error()})
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			a.handleDelivery(ctx, ct, d)
		}
	}
}

// handleDelivery runs the cross-cutting gates ahead of dispatch:
// signature/freshness verification, then idempotency, then policy. An
// unverifiable envelope is rejected to DLQ without ever reaching
// idempotency or policy; a duplicate delivery (same idempotency_key
// already recorded) is acked and dropped silently; a policy-denied
// delivery is rejected to DLQ without ever reaching a handler. The
// idempotency key is only checked (not recorded) ahead of dispatch, and
// recorded with a TTL after Dispatch returns nil, so a failed dispatch
// leaves the key unset and the same envelope is free to redeliver and
// retry instead of being silently dropped.
func (a *App) handleDelivery(ctx context.Context, ct ConsumeTopic, d transport.Delivery) {
	ack := func() error { return a.deps.Transport.Ack(ctx, ct.Topic, ct.ConsumerGroup, d.ID) }

	if len(a.deps.VerifyKey) > 0 {
		opts := a.deps.ReplayOptions
		opts.VerifyKey = a.deps.VerifyKey
		if err := security.CheckReplayProtection(d.Envelope, a.clock(), opts); err != nil {
			reason := rejectReason(err)
			if a.deps.Metrics != nil {
				a.deps.Metrics.DLQTotal.WithLabelValues(ct.Topic, reason).Inc()
			}
			a.deps.Logger.Warn(ctx, "envelope_verification_failed", map[string]any{"err": err.Error(), "reason": reason})
			_ = a.deps.Transport.Reject(ctx, ct.Topic, ct.ConsumerGroup, d.ID, reason)
			return
		}
	}

	idemKey := d.Envelope.Meta.IdempotencyKey
	checkIdempotency := a.deps.Idempotency != nil && idemKey != ""
	if checkIdempotency {
		seen, err := a.deps.Idempotency.Check(ctx, idemKey)
		if err == nil && seen {
			if a.deps.Metrics != nil {
				a.deps.Metrics.IdempotencyHits.WithLabelValues("duplicate").Inc()
			}
			_ = ack()
			return
		}
		if a.deps.Metrics != nil {
			a.deps.Metrics.IdempotencyHits.WithLabelValues("new").Inc()
		}
	}

	switch decision := a.deps.Policy.Evaluate(string(d.Envelope.Meta.Type), "consume"); decision.Verdict {
	case middleware.VerdictDeny:
		if a.deps.Metrics != nil {
			a.deps.Metrics.DLQTotal.WithLabelValues(ct.Topic, "policy_denied").Inc()
		}
		_ = a.deps.Transport.Reject(ctx, ct.Topic, ct.ConsumerGroup, d.ID, "policy_denied")
		return
	case middleware.VerdictAllowWithCaveat:
		ctx = middleware.WithConstraints(ctx, decision.Constraints)
	}

	err := a.deps.Dispatcher.Dispatch(ctx, d.Envelope, ack)
	if err == nil {
		if checkIdempotency {
			if rerr := a.deps.Idempotency.Record(ctx, idemKey, a.deps.Env.ReplayFreshness()); rerr != nil {
				a.deps.Logger.Warn(ctx, "idempotency_record_failed", map[string]any{"err": rerr.Error()})
			}
		}
		return
	}
	if errors.Is(err, publish.ErrUnknownType) {
		if a.deps.Metrics != nil {
			a.deps.Metrics.DLQTotal.WithLabelValues(ct.Topic, "unknown_type").Inc()
		}
		_ = a.deps.Transport.Reject(ctx, ct.Topic, ct.ConsumerGroup, d.ID, "unknown_type")
		return
	}
	// decision.Delay is not passed to Nack: Nack's signature carries no
	// per-call timing, and RedisTransport redelivers nacked messages via a
	// periodic idle-threshold sweep rather than a scheduled wakeup. Only
	// ShouldRetry drives this call.
	decision := a.deps.RetryPolicy.Decide(ct.Topic, d.ID, int(d.DeliveryCount))
	if decision.ShouldRetry {
		_ = a.deps.Transport.Nack(ctx, ct.Topic, ct.ConsumerGroup, d.ID)
		return
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.DLQTotal.WithLabelValues(ct.Topic, "handler_error").Inc()
	}
	_ = a.deps.Transport.Reject(ctx, ct.Topic, ct.ConsumerGroup, d.ID, "handler_error")
}

// rejectReason maps a verification failure to the DLQ reason carried on
// the dead-lettered entry: the bare taxonomy code (e.g. "timestamp_stale"),
// or "verification_failed" when the error carries no code.
func rejectReason(err error) string {
	var ve *security.VerifyError
	if errors.As(err, &ve) {
		code := string(ve.Code)
		if i := strings.LastIndex(code, "."); i >= 0 {
			code = code[i+1:]
		}
		if code != "" {
			return code
		}
	}
	return "verification_failed"
}

// routes builds the admin HTTP surface: health, Prometheus metrics, and a
// read-only agent listing, wrapped in the
// requestLoggingMiddleware(withCORS(withAuth(r))) chain.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/metrics", a.handleMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/agents", a.handleAgents).Methods(http.MethodGet, http.MethodOptions)
	return requestLoggingMiddleware(a.deps.Logger, withCORS(withAuth(r)))
}
