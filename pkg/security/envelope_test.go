package security

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

func sampleEnvelope() envelope.Envelope {
	return envelope.Envelope{
		Meta: envelope.Meta{
			A2AVersion: envelope.CurrentVersion,
			MessageID:  "0123456789abcdef0123456789abcdef",
			TraceID:    "trace-1",
			TS:         time.Now().UTC().Format(time.RFC3339),
			From:       envelope.AgentID{ID: "planner", Type: envelope.KindAgent},
			To:         []envelope.AgentID{{ID: "specialist-sel", Type: envelope.KindAgent}},
			Tenant:     "wesign",
			Project:    "qa",
			Type:       envelope.TaskInvoke,
		},
		Payload: json.RawMessage(`{"summary_hint":"x"}`),
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := []byte("super-secret")
	signed, err := SignEnvelope(sampleEnvelope(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Meta.Signature == "" {
		t.Fatalf("expected non-empty signature")
	}
	if err := VerifyEnvelopeSignature(signed, key); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsBitFlippedPayload(t *testing.T) {
	key := []byte("super-secret")
	signed, err := SignEnvelope(sampleEnvelope(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Payload = json.RawMessage(`{"summary_hint":"y"}`)
	if err := VerifyEnvelopeSignature(signed, key); err == nil {
		t.Fatalf("expected verification failure after payload perturbation")
	}
}

func TestVerifyRejectsBitFlippedMeta(t *testing.T) {
	key := []byte("super-secret")
	signed, err := SignEnvelope(sampleEnvelope(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Meta.TraceID = "trace-2"
	if err := VerifyEnvelopeSignature(signed, key); err == nil {
		t.Fatalf("expected verification failure after meta perturbation")
	}
}

func TestIdempotencyKeyIsPureFunctionOfComponents(t *testing.T) {
	k1 := DeriveIdempotencyKey("trace-1", "msg-1", "2026-07-31T00:00:00Z", "planner")
	k2 := DeriveIdempotencyKey("trace-1", "msg-1", "2026-07-31T00:00:00Z", "planner")
	if k1 != k2 {
		t.Fatalf("expected deterministic key, got %q and %q", k1, k2)
	}
	k3 := DeriveIdempotencyKey("trace-2", "msg-1", "2026-07-31T00:00:00Z", "planner")
	if k1 == k3 {
		t.Fatalf("expected differing trace_id to change the key")
	}
}

func TestCheckReplayProtectionRejectsStaleTimestamp(t *testing.T) {
	env := sampleEnvelope()
	env.Meta.TS = time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	err := CheckReplayProtection(env, time.Now().UTC(), ReplayOptions{})
	if err == nil {
		t.Fatalf("expected stale timestamp rejection")
	}
	ve, ok := err.(*VerifyError)
	if !ok || ve.Code != cmoerrors.TimestampStale {
		t.Fatalf("expected TimestampStale, got %v", err)
	}
}

func TestCheckReplayProtectionRejectsFutureTimestampBeyondSkew(t *testing.T) {
	env := sampleEnvelope()
	env.Meta.TS = time.Now().UTC().Add(31 * time.Second).Format(time.RFC3339)
	err := CheckReplayProtection(env, time.Now().UTC(), ReplayOptions{})
	ve, ok := err.(*VerifyError)
	if !ok || ve.Code != cmoerrors.TimestampFuture {
		t.Fatalf("expected TimestampFuture, got %v", err)
	}
}

func TestCheckReplayProtectionRejectsMissingTimestamp(t *testing.T) {
	env := sampleEnvelope()
	env.Meta.TS = ""
	err := CheckReplayProtection(env, time.Now().UTC(), ReplayOptions{})
	ve, ok := err.(*VerifyError)
	if !ok || ve.Code != cmoerrors.TimestampMissing {
		t.Fatalf("expected TimestampMissing, got %v", err)
	}
}

func TestCheckReplayProtectionAcceptsFreshSignedEnvelope(t *testing.T) {
	key := []byte("super-secret")
	signed, err := SignEnvelope(sampleEnvelope(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = CheckReplayProtection(signed, time.Now().UTC(), ReplayOptions{VerifyKey: key})
	if err != nil {
		t.Fatalf("expected fresh signed envelope to pass, got %v", err)
	}
}

func TestCheckReplayProtectionReportsReplaySignatureFailed(t *testing.T) {
	key := []byte("super-secret")
	signed, err := SignEnvelope(sampleEnvelope(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Meta.TraceID = "tampered"
	err = CheckReplayProtection(signed, time.Now().UTC(), ReplayOptions{VerifyKey: key})
	ve, ok := err.(*VerifyError)
	if !ok || ve.Code != cmoerrors.ReplaySignatureFailed {
		t.Fatalf("expected ReplaySignatureFailed, got %v", err)
	}
}
