package main

import (
	"context"
	"testing"

	"github.com/wesign-qa/cmo/internal/middleware"
	"github.com/wesign-qa/cmo/internal/registry"
	"github.com/wesign-qa/cmo/pkg/config"
	"github.com/wesign-qa/cmo/pkg/envelope"
)

func TestOpenStorageDefaultsToMemoryWithoutPGURL(t *testing.T) {
	db, regStore, cpStore, gradingStore, healthChecks, err := openStorage(config.Env{})
	if err != nil {
		t.Fatalf("openStorage: %v", err)
	}
	if db != nil {
		t.Fatalf("expected no *sql.DB without PG_URL")
	}
	if regStore == nil || cpStore == nil || gradingStore == nil {
		t.Fatalf("expected in-memory stores, got nil")
	}
	if len(healthChecks) != 0 {
		t.Fatalf("expected no postgres health check without PG_URL")
	}
}

func TestOpenTransportDefaultsToNATSStubWithoutRedisURL(t *testing.T) {
	tr, client, err := openTransport(config.Env{})
	if err != nil {
		t.Fatalf("openTransport: %v", err)
	}
	if client != nil {
		t.Fatalf("expected no redis client without REDIS_URL")
	}
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatalf("expected the NATS placeholder to report not-implemented")
	}
}

func TestOpenIdempotencyStoreDefaultsToInMemory(t *testing.T) {
	store := openIdempotencyStore(nil)
	seen, err := store.Check(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if seen {
		t.Fatalf("expected first observation to be new")
	}
	if err := store.Record(context.Background(), "k1", 0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	seen, err = store.Check(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !seen {
		t.Fatalf("expected key to be seen after Record")
	}
}

func TestDefaultAllowPolicyAllowsEverything(t *testing.T) {
	dec := defaultAllowPolicy().Evaluate("TaskResult", "consume")
	if dec.Verdict != middleware.VerdictAllow {
		t.Fatalf("expected allow, got %s", dec.Verdict)
	}
}

func TestHeartbeatHandlerRegistersUnknownAgent(t *testing.T) {
	reg := registry.New(registry.NewMemoryStore(), nil)
	env := config.Env{LeaseDurationSeconds: 60}
	h := heartbeatHandler(reg, env)

	e := envelope.Envelope{Meta: envelope.Meta{
		From: envelope.AgentID{ID: "specialist-1", Type: envelope.KindAgent},
		Tenant: "acme", Project: "proj",
	}}
	acked := false
	if err := h(context.Background(), e, func() error { acked = true; return nil }); err != nil {
		t.Fatalf("heartbeatHandler: %v", err)
	}
	if !acked {
		t.Fatalf("expected ack")
	}

	agents, err := reg.Discover(context.Background(), registry.DiscoverFilter{Tenant: "acme", Project: "proj"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "specialist-1" {
		t.Fatalf("expected specialist-1 registered via heartbeat, got %+v", agents)
	}
}

func TestResultConsumeTopicsBuildsOnePerKnownSpecialist(t *testing.T) {
	reg := registry.New(registry.NewMemoryStore(), nil)
	if _, err := reg.Register(context.Background(), registry.Agent{
		AgentID: "specialist-1", Tenant: "acme", Project: "proj",
	}, 60); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Heartbeat(context.Background(), "specialist-1", registry.StatusHealthy, 60); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	env := config.Env{Tenant: "acme", Project: "proj", RedisConsumerGroupPrefix: "cmo"}
	cts, err := resultConsumeTopics(context.Background(), reg, env)
	if err != nil {
		t.Fatalf("resultConsumeTopics: %v", err)
	}
	if len(cts) != 1 {
		t.Fatalf("expected one consume topic, got %d", len(cts))
	}
	if cts[0].Topic != "qa.acme.proj.specialist.specialist-1.result" {
		t.Fatalf("unexpected topic: %s", cts[0].Topic)
	}
	if cts[0].ConsumerGroup != "cmo-orchestrate" {
		t.Fatalf("unexpected consumer group: %s", cts[0].ConsumerGroup)
	}
}
