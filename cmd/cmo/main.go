// Command cmo runs the Core Message Orchestrator as one process: it wires
// storage, the checkpoint/registry/grading stores, the Redis transport, the
// cross-cutting middleware gates, and the scoring/decision pipeline, then
// hands everything to internal/app.App.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wesign-qa/cmo/internal/app"
	"github.com/wesign-qa/cmo/internal/checkpoint"
	"github.com/wesign-qa/cmo/internal/decision"
	"github.com/wesign-qa/cmo/internal/middleware"
	"github.com/wesign-qa/cmo/internal/orchestrate"
	"github.com/wesign-qa/cmo/internal/publish"
	"github.com/wesign-qa/cmo/internal/qscore"
	"github.com/wesign-qa/cmo/internal/registry"
	"github.com/wesign-qa/cmo/internal/transport"
	"github.com/wesign-qa/cmo/pkg/config"
	"github.com/wesign-qa/cmo/pkg/envelope"
	"github.com/wesign-qa/cmo/pkg/security"
	"github.com/wesign-qa/cmo/pkg/telemetry"
	"github.com/wesign-qa/cmo/pkg/topic"
)

func main() {
	logger := telemetry.NewDefaultLogger(os.Stdout, "cmo")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env, err := config.FromEnviron()
	if err != nil {
		logger.Error(ctx, "config_invalid", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	db, regStore, cpStore, gradingStore, healthChecks, err := openStorage(env)
	if err != nil {
		logger.Error(ctx, "storage_open_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	blobs := openBlobStore(env)
	cp := checkpoint.New(cpStore, blobs, env.BlobMaxInlineBytes, nil)
	if err := cp.RegisterGraph(ctx, orchestrate.DefaultGraphID, orchestrate.DefaultGraphVersion,
		[]byte(`{"nodes":["score","decide"],"edges":[["score","decide"]]}`)); err != nil {
		logger.Warn(ctx, "graph_register_failed", map[string]any{"err": err.Error()})
	}
	reg := registry.New(regStore, nil)

	tr, redisClient, err := openTransport(env)
	if err != nil {
		logger.Error(ctx, "transport_open_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if err := tr.Connect(ctx); err != nil {
		logger.Error(ctx, "transport_connect_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	healthChecks = append(healthChecks, app.HealthCheck{Name: "transport", Check: tr.HealthCheck})

	idem := openIdempotencyStore(redisClient)
	policy := loadPolicy(env, logger, ctx)
	calibration := loadCalibration(env, logger, ctx)

	var verifyKey []byte
	if env.EnvelopeSigningKey != "" {
		verifyKey = []byte(env.EnvelopeSigningKey)
	}

	pub := publish.New(tr, verifyKey, time.Now, publish.RandomMessageID).
		WithBlobStore(blobs, env.BlobMaxInlineBytes)
	disp := publish.NewDispatcher()

	orchestrator := &orchestrate.Handler{
		Checkpointer: cp,
		Grading:      gradingStore,
		Discoverer:   reg,
		Publisher:    pub,
		Weights:      qscore.DefaultWeights(),
		Calibration:  calibration,
		Thresholds: decision.Thresholds{
			AcceptThreshold: env.QScoreAcceptThreshold,
			MaxRetries:      env.MaxRetries,
		}.WithDefaults(),
		Topics: orchestrate.Topics{
			Decisions:        topic.CMODecisions,
			Escalations:      topic.CMOEscalations,
			SpecialistInvoke: topic.SpecialistInvoke,
		},
		Self:    envelope.AgentID{ID: env.AgentID, Type: envelope.KindService},
		Metrics: metrics,
	}
	disp.Register(envelope.TaskResult, orchestrator.Handle)
	disp.Register(envelope.Heartbeat, heartbeatHandler(reg, env))

	consumeTopics, err := resultConsumeTopics(ctx, reg, env)
	if err != nil {
		logger.Warn(ctx, "result_topic_discovery_failed", map[string]any{"err": err.Error()})
	}
	hbTopic, err := topic.RegistryHeartbeats(env.Tenant, env.Project)
	if err == nil {
		consumeTopics = append(consumeTopics, app.ConsumeTopic{
			Topic:         hbTopic,
			ConsumerGroup: env.RedisConsumerGroupPrefix + "-registry",
			ConsumerName:  env.AgentID,
		})
	}

	a := app.New(app.Dependencies{
		Env:           env,
		Logger:        logger,
		PromRegistry:  promReg,
		Metrics:       metrics,
		Transport:     tr,
		Registry:      reg,
		Checkpointer:  cp,
		Idempotency:   idem,
		Policy:        policy,
		Publisher:     pub,
		Dispatcher:    disp,
		RetryPolicy:   transport.DefaultRetryPolicy(),
		ConsumeTopics: consumeTopics,
		HealthChecks:  healthChecks,
		VerifyKey:     verifyKey,
		ReplayOptions: securityReplayOptions(env),
		SelfAgent: app.SelfAgent{
			AgentID: env.AgentID,
			Tenant:  env.Tenant,
			Project: env.Project,
		},
	})

	logger.Info(ctx, "cmo_starting", map[string]any{
		"tenant": env.Tenant, "project": env.Project, "agent_id": env.AgentID,
	})
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "cmo_exited", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
}

// openStorage picks Postgres when PG_URL is configured, in-memory stores
// otherwise (local/dev, and every package's own test suite).
func openStorage(env config.Env) (*sql.DB, registry.Store, checkpoint.Store, decision.GradingStore, []app.HealthCheck, error) {
	if env.PGURL == "" {
		return nil, registry.NewMemoryStore(), checkpoint.NewMemoryStore(), decision.NewMemoryGradingStore(), nil, nil
	}
	db, err := sql.Open("postgres", env.PGURL)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(env.PGMaxConnections)
	healthChecks := []app.HealthCheck{{Name: "postgres", Check: func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, env.PGConnTimeout)
		defer cancel()
		return db.PingContext(ctx)
	}}}
	return db,
		registry.NewPostgresStore(db, registry.PostgresOptions{}),
		checkpoint.NewPostgresStore(db),
		decision.NewPostgresGradingStore(db),
		healthChecks,
		nil
}

// openTransport dials Redis when REDIS_URL is set; otherwise it returns the
// NATS placeholder, whose every method reports ErrNotImplemented until a
// real JetStream variant lands (internal/transport/nats_stub.go).
func openTransport(env config.Env) (transport.Transport, *redis.Client, error) {
	if env.RedisURL == "" {
		return transport.NewNATSTransport(""), nil, nil
	}
	opts, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return transport.NewRedisTransport(client, env.RedisConsumerGroupPrefix), client, nil
}

// openBlobStore externalizes oversized checkpoint activity payloads to an
// HTTP blob store when BLOB_STORE_URL is configured; otherwise to an
// in-process memory blob store (local/dev), whose contents do not survive a
// restart.
func openBlobStore(env config.Env) checkpoint.BlobStore {
	if env.BlobStoreURL == "" {
		return checkpoint.NewMemoryBlobStore()
	}
	return checkpoint.NewHTTPBlobStore(env.BlobStoreURL, "", env.PGQueryTimeout)
}

func openIdempotencyStore(redisClient *redis.Client) middleware.IdempotencyStore {
	if redisClient == nil {
		return middleware.NewInMemoryIdempotencyStore(time.Now)
	}
	return middleware.NewRedisIdempotencyStore(redisClient, "cmo:idem")
}

// loadPolicy reads config/policy.yaml (layered by env/tenant). An absent
// bundle yields an empty Policy, which would deny everything under the
// closed-by-default rule, so a missing file falls back to an explicit
// allow-all rule rather than silently wedging a fresh deployment.
func loadPolicy(env config.Env, logger *telemetry.Logger, ctx context.Context) middleware.Policy {
	bundle, err := config.LoadBundle(config.LoaderOptions{
		Root: env.ConfigRoot, Name: "policy", Env: env.EnvName, Tenant: env.Tenant,
	})
	if err != nil {
		logger.Warn(ctx, "policy_bundle_load_failed", map[string]any{"err": err.Error()})
		return defaultAllowPolicy()
	}
	var pol middleware.Policy
	if err := bundle.Decode(&pol); err != nil {
		logger.Warn(ctx, "policy_bundle_decode_failed", map[string]any{"err": err.Error()})
		return defaultAllowPolicy()
	}
	if len(pol.Rules) == 0 {
		return defaultAllowPolicy()
	}
	return pol
}

func securityReplayOptions(env config.Env) security.ReplayOptions {
	return security.ReplayOptions{
		Freshness:          env.ReplayFreshness(),
		ClockSkewTolerance: env.ClockSkewTolerance(),
	}
}

func defaultAllowPolicy() middleware.Policy {
	return middleware.Policy{
		Name:  "default-allow",
		Rules: []middleware.Rule{{Resource: "*", Action: "*", Verdict: middleware.VerdictAllow}},
	}
}

// loadCalibration reads config/calibration.yaml. An absent or empty bundle
// leaves the table with no bins, which qscore.CalibrationTable.Lookup
// treats as "return the raw score uncalibrated" rather than an error.
func loadCalibration(env config.Env, logger *telemetry.Logger, ctx context.Context) qscore.CalibrationTable {
	bundle, err := config.LoadBundle(config.LoaderOptions{
		Root: env.ConfigRoot, Name: "calibration", Env: env.EnvName, Tenant: env.Tenant,
	})
	if err != nil {
		logger.Warn(ctx, "calibration_bundle_load_failed", map[string]any{"err": err.Error()})
		return qscore.CalibrationTable{}
	}
	var table qscore.CalibrationTable
	if err := bundle.Decode(&table); err != nil {
		logger.Warn(ctx, "calibration_bundle_decode_failed", map[string]any{"err": err.Error()})
		return qscore.CalibrationTable{}
	}
	if err := table.Validate(); err != nil {
		logger.Warn(ctx, "calibration_bundle_invalid", map[string]any{"err": err.Error()})
		return qscore.CalibrationTable{}
	}
	return table
}

// resultConsumeTopics subscribes one ConsumeTopic per specialist currently
// known to the registry, on the orchestrator's own consumer group. A
// specialist that registers after startup is picked up the next time the
// process restarts; the registry heartbeat stream (subscribed
// unconditionally) keeps the registry itself current regardless.
func resultConsumeTopics(ctx context.Context, reg *registry.Registry, env config.Env) ([]app.ConsumeTopic, error) {
	agents, err := reg.Discover(ctx, registry.DiscoverFilter{Tenant: env.Tenant, Project: env.Project})
	if err != nil {
		return nil, err
	}
	group := env.RedisConsumerGroupPrefix + "-orchestrate"
	cts := make([]app.ConsumeTopic, 0, len(agents))
	for _, a := range agents {
		t, err := topic.SpecialistResult(env.Tenant, env.Project, a.AgentID)
		if err != nil {
			continue
		}
		cts = append(cts, app.ConsumeTopic{Topic: t, ConsumerGroup: group, ConsumerName: env.AgentID})
	}
	return cts, nil
}

// heartbeatHandler ingests a specialist's Heartbeat envelope into the
// registry. An agent not yet known is registered on first contact and the
// heartbeat is then applied, so that first heartbeat already moves it from
// STARTING to HEALTHY.
func heartbeatHandler(reg *registry.Registry, env config.Env) publish.Handler {
	return func(ctx context.Context, e envelope.Envelope, ack func() error) error {
		if err := reg.Heartbeat(ctx, e.Meta.From.ID, registry.StatusHealthy, env.LeaseDurationSeconds); err != nil {
			if _, regErr := reg.Register(ctx, registry.Agent{
				AgentID: e.Meta.From.ID, Tenant: e.Meta.Tenant, Project: e.Meta.Project,
			}, env.LeaseDurationSeconds); regErr != nil {
				return fmt.Errorf("heartbeat register: %w", regErr)
			}
			if hbErr := reg.Heartbeat(ctx, e.Meta.From.ID, registry.StatusHealthy, env.LeaseDurationSeconds); hbErr != nil {
				return fmt.Errorf("heartbeat after register: %w", hbErr)
			}
		}
		return ack()
	}
}
