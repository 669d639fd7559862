package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

// DefaultReplayFreshness is the fallback REPLAY_FRESHNESS_SECONDS.
const DefaultReplayFreshness = 300 * time.Second

// DefaultClockSkewTolerance is the fallback CLOCK_SKEW_TOLERANCE_SECONDS.
const DefaultClockSkewTolerance = 30 * time.Second

// SignEnvelope computes the hex HMAC-SHA256 over env's canonical bytes
// (meta.signature excluded, per pkg/envelope.Canonicalize) and returns env
// with meta.signature set. The input env is not mutated.
func SignEnvelope(env envelope.Envelope, key []byte) (envelope.Envelope, error) {
	canon, err := envelope.Canonicalize(env)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("security: canonicalize for signing: %w", err)
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(canon)
	env.Meta.Signature = hex.EncodeToString(m.Sum(nil))
	return env, nil
}

// VerifyEnvelopeSignature recomputes the HMAC over env's canonical bytes
// (with the carried signature stripped, matching how it was computed at
// sign time) and compares it to meta.signature using a constant-time
// comparison. A missing signature is always invalid.
func VerifyEnvelopeSignature(env envelope.Envelope, key []byte) error {
	if env.Meta.Signature == "" {
		return verifyErr(cmoerrors.InvalidSignature, "meta.signature is empty")
	}
	want, err := hex.DecodeString(env.Meta.Signature)
	if err != nil {
		return verifyErr(cmoerrors.Malformed, "meta.signature is not valid hex")
	}
	canon, err := envelope.Canonicalize(env)
	if err != nil {
		return verifyErr(cmoerrors.Malformed, "canonicalize for verification: "+err.Error())
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(canon)
	got := m.Sum(nil)
	if !hmac.Equal(got, want) {
		return verifyErr(cmoerrors.InvalidSignature, "hmac mismatch")
	}
	return nil
}

// DeriveIdempotencyKey computes SHA-256(trace_id:message_id:ts:from_id) as a
// lowercase hex string. It is a pure function of its four arguments: equal
// inputs always yield equal keys, and any difference in one component
// changes the key.
func DeriveIdempotencyKey(traceID, messageID, ts, fromID string) string {
	h := sha256.New()
	h.Write([]byte(traceID))
	h.Write([]byte(":"))
	h.Write([]byte(messageID))
	h.Write([]byte(":"))
	h.Write([]byte(ts))
	h.Write([]byte(":"))
	h.Write([]byte(fromID))
	return hex.EncodeToString(h.Sum(nil))
}

// EnvelopeIdempotencyKey derives the idempotency key from an envelope's own
// meta fields.
func EnvelopeIdempotencyKey(env envelope.Envelope) string {
	return DeriveIdempotencyKey(env.Meta.TraceID, env.Meta.MessageID, env.Meta.TS, env.Meta.From.ID)
}

// ReplayOptions configures CheckReplayProtection.
type ReplayOptions struct {
	Freshness          time.Duration // default DefaultReplayFreshness when zero
	ClockSkewTolerance time.Duration // default DefaultClockSkewTolerance when zero
	VerifyKey          []byte        // when non-nil, signature is checked as part of this call
}

// CheckReplayProtection enforces the envelope freshness window:
// meta.ts must parse as RFC 3339, must not be older than
// Freshness, and must not be more than ClockSkewTolerance in the future.
// When opts.VerifyKey is set, the envelope's signature is also verified and
// a failure is reported as ReplaySignatureFailed rather than
// InvalidSignature, since it occurred inside the replay check.
func CheckReplayProtection(env envelope.Envelope, now time.Time, opts ReplayOptions) error {
	freshness := opts.Freshness
	if freshness <= 0 {
		freshness = DefaultReplayFreshness
	}
	skew := opts.ClockSkewTolerance
	if skew <= 0 {
		skew = DefaultClockSkewTolerance
	}

	if env.Meta.TS == "" {
		return verifyErr(cmoerrors.TimestampMissing, "meta.ts is empty")
	}
	ts, err := time.Parse(time.RFC3339, env.Meta.TS)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, env.Meta.TS)
		if err != nil {
			return verifyErr(cmoerrors.TimestampMissing, "meta.ts is not RFC 3339")
		}
	}

	if ts.Before(now.Add(-freshness)) {
		return verifyErr(cmoerrors.TimestampStale, "timestamp outside freshness window")
	}
	if ts.After(now.Add(skew)) {
		return verifyErr(cmoerrors.TimestampFuture, "timestamp beyond clock-skew tolerance")
	}

	if opts.VerifyKey != nil {
		if err := VerifyEnvelopeSignature(env, opts.VerifyKey); err != nil {
			return verifyErr(cmoerrors.ReplaySignatureFailed, err.Error())
		}
	}
	return nil
}
