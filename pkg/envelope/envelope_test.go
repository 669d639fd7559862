package envelope

import (
	"encoding/json"
	"testing"
)

func validEnvelope() Envelope {
	return Envelope{
		Meta: Meta{
			A2AVersion: CurrentVersion,
			MessageID:  "0123456789abcdef0123456789abcdef",
			TraceID:    "trace-1",
			TS:         "2026-07-30T12:00:00.000Z",
			From:       AgentID{ID: "planner", Type: KindAgent},
			To:         []AgentID{{ID: "specialist-sel", Type: KindAgent}},
			Tenant:     "wesign",
			Project:    "qa",
			Type:       TaskInvoke,
		},
		Payload: json.RawMessage(`{"summary_hint":"x"}`),
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	res := Validate(validEnvelope())
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %+v", res.Errors)
	}
}

func TestValidateRejectsEmptyTo(t *testing.T) {
	env := validEnvelope()
	env.Meta.To = nil
	res := Validate(env)
	if res.Valid {
		t.Fatalf("expected invalid for empty to")
	}
	found := false
	for _, e := range res.Errors {
		if e.Field == "meta.to" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected meta.to error, got %+v", res.Errors)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	env := validEnvelope()
	env.Meta.Type = Type("NotAThing")
	res := Validate(env)
	if res.Valid {
		t.Fatalf("expected invalid for unknown type")
	}
}

func TestValidateRejectsBadTenantCharset(t *testing.T) {
	env := validEnvelope()
	env.Meta.Tenant = "Wesign!"
	res := Validate(env)
	if res.Valid {
		t.Fatalf("expected invalid tenant charset")
	}
}

func TestHeartbeatAllowsEmptyPayload(t *testing.T) {
	env := validEnvelope()
	env.Meta.Type = Heartbeat
	env.Payload = nil
	res := Validate(env)
	if !res.Valid {
		t.Fatalf("expected heartbeat without payload to validate, got %+v", res.Errors)
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	env := validEnvelope()
	b1, err := Canonicalize(env)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b2, err := Canonicalize(env)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonicalize is not deterministic:\n%s\n%s", b1, b2)
	}
}

func TestCanonicalizeExcludesSignature(t *testing.T) {
	env := validEnvelope()
	withSig := env
	withSig.Meta.Signature = "deadbeef"

	b1, err := Canonicalize(env)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b2, err := Canonicalize(withSig)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("signature field leaked into canonical bytes")
	}
}

func TestCanonicalizeSortsKeysRegardlessOfFieldOrder(t *testing.T) {
	env := validEnvelope()
	env.Payload = json.RawMessage(`{"b":1,"a":2}`)
	reordered := env
	reordered.Payload = json.RawMessage(`{"a":2,"b":1}`)

	b1, err := Canonicalize(env)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b2, err := Canonicalize(reordered)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonicalize did not normalize key order:\n%s\n%s", b1, b2)
	}
}

func TestStableEnvelopeHashChangesOnBitFlip(t *testing.T) {
	env := validEnvelope()
	h1, err := StableEnvelopeHash(env)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	env.Meta.TraceID = "trace-2"
	h2, err := StableEnvelopeHash(env)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("hash did not change after perturbing meta")
	}
}
