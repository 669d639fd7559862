// Package checkpoint implements the durable run/step/activity log backing
// crash recovery and deterministic replay. Every state transition and every
// non-deterministic input of a run is recorded so an interrupted trace can
// be re-driven to an identical state.
package checkpoint

import (
	"context"
	"time"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunAborted   RunStatus = "aborted"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunAborted:
		return true
	default:
		return false
	}
}

// Run is one checkpoint run record.
type Run struct {
	TraceID      string
	GraphID      string
	GraphVersion string
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Error        string
	Metadata     map[string]string
}

// Step is one recorded graph step, unique on (TraceID, StepIndex).
type Step struct {
	TraceID     string
	StepIndex   int
	NodeID      string
	StateHash   string
	InputHash   string
	OutputHash  string
	NextEdge    string
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  int64
	Error       string
}

// ActivityType enumerates the recognized non-deterministic-input
// categories.
type ActivityType string

const (
	ActivityA2A          ActivityType = "a2a"
	ActivityMCP          ActivityType = "mcp"
	ActivityArtifactRead ActivityType = "artifact-read"
	ActivityArtifactWrite ActivityType = "artifact-write"
	ActivityTime         ActivityType = "time"
	ActivityRandom       ActivityType = "random"
	ActivityHTTP         ActivityType = "http"
	ActivityDatabase     ActivityType = "database"
)

// Activity is one recorded I/O event within a step, unique on (TraceID,
// StepIndex, Type, RequestHash). Response is either inline (ResponseData)
// or externalized (ResponseBlobRef) when larger than the configured inline
// threshold, never both.
type Activity struct {
	TraceID         string
	StepIndex       int
	Type            ActivityType
	RequestHash     string
	RequestData     []byte
	ResponseData    []byte
	ResponseBlobRef string
	Timestamp       time.Time
	DurationMS      int64
	Error           string
}

// Graph is a versioned graph definition referenced by runs. Definitions
// are opaque at this layer; the graph runtime owns their semantics.
type Graph struct {
	GraphID    string
	Version    string
	Definition []byte
	CreatedAt  time.Time
}

// Store is the persistence boundary: PostgresStore or SQLiteStore in
// production, MemoryStore in tests.
type Store interface {
	// PutGraph upserts a graph definition keyed on (GraphID, Version).
	PutGraph(ctx context.Context, g Graph) error
	GetGraph(ctx context.Context, graphID, version string) (Graph, bool, error)

	// BeginRun inserts the run if absent; an existing run is left
	// untouched so re-begins never clobber recorded history.
	BeginRun(ctx context.Context, run Run) error
	CompleteRun(ctx context.Context, traceID string, status RunStatus, errMsg string, completedAt time.Time) error

	// RecordStep upserts idempotently on (TraceID, StepIndex).
	RecordStep(ctx context.Context, step Step) error

	// RecordActivity silently deduplicates identical requests within a
	// step: a second call with the same (TraceID, StepIndex, Type,
	// RequestHash) is a no-op, not an error.
	RecordActivity(ctx context.Context, act Activity) error

	// Replay returns steps with their activities in step order, suitable
	// for deterministically re-driving a graph runtime.
	Replay(ctx context.Context, traceID string) ([]StepWithActivities, error)

	CleanupOldExecutions(ctx context.Context, retentionDays int, now time.Time) (int, error)
}

// StepWithActivities pairs a step with its activities in deterministic
// (timestamp, then request hash) order.
type StepWithActivities struct {
	Step       Step
	Activities []Activity
}

// Checkpointer is a thin layer over Store that stamps timestamps from its
// clock and externalizes oversized activity responses to the blob store;
// it does no validation of its own.
type Checkpointer struct {
	store          Store
	blobs          BlobStore
	maxInlineBytes int64
	clock          func() time.Time
}

// New builds a Checkpointer. maxInlineBytes defaults to 1 MiB when zero.
func New(store Store, blobs BlobStore, maxInlineBytes int64, clock func() time.Time) *Checkpointer {
	if maxInlineBytes <= 0 {
		maxInlineBytes = 1_048_576
	}
	if clock == nil {
		clock = time.Now
	}
	return &Checkpointer{store: store, blobs: blobs, maxInlineBytes: maxInlineBytes, clock: clock}
}

// RegisterGraph records a graph definition so runs referencing
// (graphID, version) can be replayed against the exact definition they ran
// under.
func (c *Checkpointer) RegisterGraph(ctx context.Context, graphID, version string, definition []byte) error {
	return c.store.PutGraph(ctx, Graph{
		GraphID:    graphID,
		Version:    version,
		Definition: definition,
		CreatedAt:  c.clock(),
	})
}

func (c *Checkpointer) Graph(ctx context.Context, graphID, version string) (Graph, bool, error) {
	return c.store.GetGraph(ctx, graphID, version)
}

func (c *Checkpointer) BeginRun(ctx context.Context, traceID, graphID, graphVersion string, metadata map[string]string) error {
	return c.store.BeginRun(ctx, Run{
		TraceID:      traceID,
		GraphID:      graphID,
		GraphVersion: graphVersion,
		Status:       RunRunning,
		StartedAt:    c.clock(),
		Metadata:     metadata,
	})
}

func (c *Checkpointer) CompleteRun(ctx context.Context, traceID string, status RunStatus, errMsg string) error {
	return c.store.CompleteRun(ctx, traceID, status, errMsg, c.clock())
}

func (c *Checkpointer) RecordStep(ctx context.Context, step Step) error {
	return c.store.RecordStep(ctx, step)
}

// RecordActivity externalizes act.ResponseData to the blob store when it
// exceeds maxInlineBytes, replacing it with ResponseBlobRef, before
// delegating to the Store.
func (c *Checkpointer) RecordActivity(ctx context.Context, act Activity) error {
	if int64(len(act.ResponseData)) > c.maxInlineBytes && c.blobs != nil {
		ref, err := c.blobs.Put(ctx, act.ResponseData)
		if err != nil {
			return err
		}
		act.ResponseBlobRef = ref
		act.ResponseData = nil
	}
	return c.store.RecordActivity(ctx, act)
}

// ResolveActivityResponse returns act's response bytes, fetching from the
// blob store when the activity carries only a reference.
func (c *Checkpointer) ResolveActivityResponse(ctx context.Context, act Activity) ([]byte, error) {
	if act.ResponseBlobRef != "" {
		if c.blobs == nil {
			return nil, ErrBlobNotFound
		}
		return c.blobs.Get(ctx, act.ResponseBlobRef)
	}
	return act.ResponseData, nil
}

func (c *Checkpointer) Replay(ctx context.Context, traceID string) ([]StepWithActivities, error) {
	return c.store.Replay(ctx, traceID)
}

func (c *Checkpointer) CleanupOldExecutions(ctx context.Context, retentionDays int) (int, error) {
	return c.store.CleanupOldExecutions(ctx, retentionDays, c.clock())
}
