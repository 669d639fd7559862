// Package errors defines the stable error-code registry shared across the
// orchestrator's packages and services.
package errors

import (
	"encoding/json"
	"sort"
)

// Code is a stable error code. Once published, a code is treated as
// API-stable: renaming one is a breaking change for every caller that
// branches on it.
type Code string

// CodeMeta carries metadata useful for HTTP mapping, retry decisions, and
// documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|security|dependency
	Description string `json:"description"`
}

// ---- VALIDATION ----
const (
	InvalidEnvelope Code = "validation.invalid_envelope"
	UnknownType     Code = "validation.unknown_type"
	InvalidClaims   Code = "validation.invalid_claims"
)

// ---- SECURITY ----
const (
	InvalidSignature         Code = "security.invalid_signature"
	Expired                  Code = "security.expired"
	NotBefore                Code = "security.not_before"
	InvalidIssuer            Code = "security.invalid_issuer"
	InvalidAudience          Code = "security.invalid_audience"
	Malformed                Code = "security.malformed"
	InsufficientCapabilities Code = "security.insufficient_capabilities"
	ResourceNotScoped        Code = "security.resource_not_scoped"
)

// ---- REPLAY ----
const (
	TimestampStale         Code = "replay.timestamp_stale"
	TimestampFuture        Code = "replay.timestamp_future"
	TimestampMissing       Code = "replay.timestamp_missing"
	ReplaySignatureFailed  Code = "replay.signature_failed"
)

// ---- POLICY ----
const (
	PolicyDeny           Code = "policy.deny"
	PolicyAllowWithCaveat Code = "policy.allow_with_caveat"
)

// ---- TRANSPORT ----
const (
	NotConnected    Code = "transport.not_connected"
	PublishFailed   Code = "transport.publish_failed"
	SubscribeFailed Code = "transport.subscribe_failed"
	TransportTimeout Code = "transport.timeout"
	Backpressure    Code = "transport.backpressure"
)

// ---- REGISTRY ----
const (
	AgentNotFound      Code = "registry.agent_not_found"
	LeaseExpired       Code = "registry.lease_expired"
	DuplicateTopicSub  Code = "registry.duplicate_topic_sub"
)

// ---- CHECKPOINT ----
const (
	IdempotencyViolation Code = "checkpoint.idempotency_violation"
	StepHashMismatch     Code = "checkpoint.step_hash_mismatch"
	BlobMissing          Code = "checkpoint.blob_missing"
)

// ---- DECISION ----
const (
	NoRetryTarget    Code = "decision.no_retry_target"
	QScoreOutOfRange Code = "decision.qscore_out_of_range"
)

// ---- INTERNAL ----
const (
	Internal        Code = "internal"
	InternalTimeout Code = "internal.timeout"
	DependencyDown  Code = "dependency.down"
)

// registry is intentionally unexported; use Meta/Known/List/ExportJSON.
var registry = map[Code]CodeMeta{
	InvalidEnvelope: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "envelope failed structural validation"},
	UnknownType:     {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "meta.type is not a recognized variant"},
	InvalidClaims:   {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "required claims missing or malformed"},

	InvalidSignature: {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "signature verification failed"},
	Expired:          {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "token expired"},
	NotBefore:        {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "token not yet valid"},
	InvalidIssuer:    {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "unexpected issuer"},
	InvalidAudience:  {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "unexpected audience"},
	Malformed:        {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "token is not well-formed"},
	InsufficientCapabilities: {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "capability grant does not cover the requested scope"},
	ResourceNotScoped:        {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "capability token is resource-scoped to a different resource"},

	TimestampStale:        {HTTPStatus: 400, Retryable: false, Kind: "security", Description: "envelope timestamp outside the freshness window"},
	TimestampFuture:       {HTTPStatus: 400, Retryable: false, Kind: "security", Description: "envelope timestamp beyond clock-skew tolerance"},
	TimestampMissing:      {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "envelope timestamp missing or malformed"},
	ReplaySignatureFailed: {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "signature check failed during replay protection"},

	PolicyDeny:            {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "policy gate denied the envelope"},
	PolicyAllowWithCaveat: {HTTPStatus: 200, Retryable: false, Kind: "client", Description: "policy gate allowed with an attached constraint"},

	NotConnected:     {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "transport not connected"},
	PublishFailed:    {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "publish to broker failed"},
	SubscribeFailed:  {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "subscribe to broker failed"},
	TransportTimeout: {HTTPStatus: 504, Retryable: true, Kind: "dependency", Description: "request/response timed out"},
	Backpressure:     {HTTPStatus: 429, Retryable: true, Kind: "dependency", Description: "consumer pending cap exceeded"},

	AgentNotFound:     {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "agent was never registered"},
	LeaseExpired:      {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "agent lease has expired"},
	DuplicateTopicSub: {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "subscription already exists for that role"},

	IdempotencyViolation: {HTTPStatus: 409, Retryable: false, Kind: "dependency", Description: "duplicate key under a unique constraint"},
	StepHashMismatch:     {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "replay produced a different state hash"},
	BlobMissing:          {HTTPStatus: 404, Retryable: false, Kind: "dependency", Description: "externalized payload blob not found"},

	NoRetryTarget:    {HTTPStatus: 200, Retryable: false, Kind: "client", Description: "no eligible retry specialist in the registry"},
	QScoreOutOfRange: {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "computed QScore fell outside [0,1]"},

	Internal:        {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
	InternalTimeout: {HTTPStatus: 504, Retryable: true, Kind: "server", Description: "internal timeout"},
	DependencyDown:  {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "dependency unavailable"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

// Known reports whether code is registered.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes and their metadata.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return b
}
