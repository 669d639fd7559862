// Package envelope implements the typed wire format shared by every
// producer and consumer in the fabric: the envelope itself, its
// canonicalization for signing/hashing, and structural validation.
package envelope

import "encoding/json"

// Type enumerates the recognized envelope variants. Unknown values are
// rejected at validation with errors.UnknownType.
type Type string

const (
	TaskInvoke     Type = "TaskInvoke"
	TaskResult     Type = "TaskResult"
	DecisionNotice Type = "DecisionNotice"
	MemoryEvent    Type = "MemoryEvent"
	ContextRequest Type = "ContextRequest"
	ContextResult  Type = "ContextResult"
	Heartbeat      Type = "Heartbeat"
	Error          Type = "Error"
)

func (t Type) Known() bool {
	switch t {
	case TaskInvoke, TaskResult, DecisionNotice, MemoryEvent, ContextRequest, ContextResult, Heartbeat, Error:
		return true
	default:
		return false
	}
}

// AgentKind is the kind half of an AgentID.
type AgentKind string

const (
	KindAgent   AgentKind = "agent"
	KindTopic   AgentKind = "topic"
	KindService AgentKind = "service"
)

func (k AgentKind) Known() bool {
	switch k {
	case KindAgent, KindTopic, KindService:
		return true
	default:
		return false
	}
}

// AgentID identifies a party to an envelope: a specialist agent, a topic
// acting as a recipient, or a platform service.
type AgentID struct {
	ID   string    `json:"id"`
	Type AgentKind `json:"type"`
}

// Meta carries routing, identity, and security metadata for an envelope.
// Every field the wire format requires per the fabric's envelope contract
// is represented here; payload is carried separately on Envelope.
type Meta struct {
	A2AVersion string `json:"a2a_version"`
	MessageID  string `json:"message_id"`
	TraceID    string `json:"trace_id"`

	CorrelationID string `json:"correlation_id,omitempty"`

	TS string `json:"ts"`

	From AgentID   `json:"from"`
	To   []AgentID `json:"to"`

	Tenant  string `json:"tenant"`
	Project string `json:"project"`

	Type Type `json:"type"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// Envelope is the full wire unit: metadata plus a type-dependent payload.
type Envelope struct {
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CurrentVersion is the a2a_version stamped by this implementation.
const CurrentVersion = "1.0"
