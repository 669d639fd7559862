// Package publish holds the typed publish helpers that compose envelope
// meta + payload, validate and sign via pkg/envelope and pkg/security, and
// publish via internal/transport, plus the type-keyed inbound dispatch
// registry.
package publish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesign-qa/cmo/internal/transport"
	"github.com/wesign-qa/cmo/pkg/envelope"
	"github.com/wesign-qa/cmo/pkg/security"
)

// Clock and IDGen are overridable for deterministic tests; production
// wiring uses time.Now and a random 128-bit hex message_id.
type Clock func() time.Time
type IDGen func() (string, error)

// tsLayout renders meta.ts as RFC 3339 UTC with millisecond precision.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

func RandomMessageID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("publish: generate message_id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// BlobStore is the object-store half the publisher needs to externalize an
// oversized payload. The checkpoint blob stores satisfy it.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
}

// BlobRef replaces an externalized payload on the wire: consumers fetch the
// body from the object store by ref.
type BlobRef struct {
	BlobRef string `json:"blob_ref"`
	Bytes   int64  `json:"blob_bytes"`
}

// Publisher composes, signs, and publishes typed envelopes.
type Publisher struct {
	transport transport.Transport
	signKey   []byte
	clock     Clock
	idGen     IDGen

	blobs          BlobStore
	maxInlineBytes int64
}

// New builds a Publisher. clock/idGen default to time.Now/RandomMessageID
// when nil.
func New(t transport.Transport, signKey []byte, clock Clock, idGen IDGen) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	if idGen == nil {
		idGen = RandomMessageID
	}
	return &Publisher{transport: t, signKey: signKey, clock: clock, idGen: idGen}
}

// Request carries everything needed to build and publish one envelope.
type Request struct {
	Topic         string
	Type          envelope.Type
	From          envelope.AgentID
	To            []envelope.AgentID
	Tenant        string
	Project       string
	TraceID       string
	CorrelationID string
	Payload       any
}

// WithBlobStore enables payload externalization: a payload larger than
// maxInlineBytes (default 1 MiB when <= 0) is written to blobs and the
// envelope carries only a BlobRef. Returns p for chaining at wiring time.
func (p *Publisher) WithBlobStore(blobs BlobStore, maxInlineBytes int64) *Publisher {
	if maxInlineBytes <= 0 {
		maxInlineBytes = 1_048_576
	}
	p.blobs = blobs
	p.maxInlineBytes = maxInlineBytes
	return p
}

// Publish builds, signs, and publishes req, returning the broker-assigned
// handle. Oversized payloads are externalized first when a blob store is
// configured, so the signature covers the reference that actually travels.
func (p *Publisher) Publish(ctx context.Context, req Request) (string, error) {
	if p.blobs != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return "", fmt.Errorf("publish: marshal payload: %w", err)
		}
		if int64(len(raw)) > p.maxInlineBytes {
			ref, err := p.blobs.Put(ctx, raw)
			if err != nil {
				return "", fmt.Errorf("publish: externalize payload: %w", err)
			}
			req.Payload = BlobRef{BlobRef: ref, Bytes: int64(len(raw))}
		}
	}
	env, err := p.build(req)
	if err != nil {
		return "", err
	}
	return p.transport.Publish(ctx, req.Topic, env)
}

func (p *Publisher) build(req Request) (envelope.Envelope, error) {
	id, err := p.idGen()
	if err != nil {
		return envelope.Envelope{}, err
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = id
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("publish: marshal payload: %w", err)
	}
	env := envelope.Envelope{
		Meta: envelope.Meta{
			A2AVersion:    envelope.CurrentVersion,
			MessageID:     id,
			TraceID:       traceID,
			CorrelationID: req.CorrelationID,
			TS:            p.clock().UTC().Format(tsLayout),
			From:          req.From,
			To:            req.To,
			Tenant:        req.Tenant,
			Project:       req.Project,
			Type:          req.Type,
		},
		Payload: payload,
	}
	env.Meta.IdempotencyKey = security.EnvelopeIdempotencyKey(env)
	if res := envelope.Validate(env); !res.Valid {
		return envelope.Envelope{}, fmt.Errorf("publish: invalid envelope: %v", res.Errors)
	}
	if p.signKey != nil {
		signed, err := security.SignEnvelope(env, p.signKey)
		if err != nil {
			return envelope.Envelope{}, err
		}
		env = signed
	}
	return env, nil
}

// DecisionNotice is the payload shape published back to a trace's
// originator once its result has been graded.
type DecisionNotice struct {
	TraceID               string   `json:"trace_id"`
	Decision              string   `json:"decision"`
	QScore                float64  `json:"qscore"`
	Reasons               []string `json:"reasons"`
	RetryTargetSpecialist string   `json:"retry_target_specialist,omitempty"`
}

// PublishDecisionNotice publishes a DecisionNotice envelope for traceID.
func (p *Publisher) PublishDecisionNotice(ctx context.Context, topic string, from envelope.AgentID, to []envelope.AgentID, tenant, project, traceID string, notice DecisionNotice) (string, error) {
	return p.Publish(ctx, Request{
		Topic:   topic,
		Type:    envelope.DecisionNotice,
		From:    from,
		To:      to,
		Tenant:  tenant,
		Project: project,
		TraceID: traceID,
		Payload: notice,
	})
}
