package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// GradingEvent is the durable record of one decision: at most one per
// IdempotencyKey.
type GradingEvent struct {
	MessageID             string
	TraceID               string
	AttemptNo             int
	Decision              Outcome
	QScore                float64
	Reasons               []string
	IdempotencyKey        string
	SpecialistID          string
	RetryTargetSpecialist string
	CreatedAt             time.Time
}

// ErrDuplicateGradingEvent signals the caller should use the returned
// existing event instead of treating this as a new grading.
var ErrDuplicateGradingEvent = errors.New("decision: grading event already recorded for idempotency key")

// GradingStore persists grading events with an idempotency_key uniqueness
// guarantee: attempt insert; on duplicate, return the existing decision
// unchanged.
type GradingStore interface {
	// Insert attempts to persist ev. If an event already exists for
	// ev.IdempotencyKey, it returns that existing event and
	// ErrDuplicateGradingEvent (not a bare error) so callers can recover the
	// prior decision.
	Insert(ctx context.Context, ev GradingEvent) (GradingEvent, error)
}

// MemoryGradingStore is the in-memory test double.
type MemoryGradingStore struct {
	mu     sync.Mutex
	byKey  map[string]GradingEvent
}

func NewMemoryGradingStore() *MemoryGradingStore {
	return &MemoryGradingStore{byKey: map[string]GradingEvent{}}
}

func (s *MemoryGradingStore) Insert(ctx context.Context, ev GradingEvent) (GradingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[ev.IdempotencyKey]; ok {
		return existing, ErrDuplicateGradingEvent
	}
	s.byKey[ev.IdempotencyKey] = ev
	return ev, nil
}

// PostgresGradingStore is the durable implementation: a plain insert with
// the unique violation mapped to ErrDuplicateGradingEvent.
type PostgresGradingStore struct {
	db *sql.DB
}

func NewPostgresGradingStore(db *sql.DB) *PostgresGradingStore {
	return &PostgresGradingStore{db: db}
}

func (s *PostgresGradingStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS grading_events (
		message_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		attempt_no INT NOT NULL,
		decision TEXT NOT NULL,
		qscore DOUBLE PRECISION NOT NULL,
		reasons JSONB NOT NULL DEFAULT '[]',
		idempotency_key TEXT NOT NULL UNIQUE,
		specialist_id TEXT NOT NULL,
		retry_target_specialist TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("decision: ensure grading schema: %w", err)
	}
	return nil
}

func (s *PostgresGradingStore) Insert(ctx context.Context, ev GradingEvent) (GradingEvent, error) {
	reasons := marshalReasons(ev.Reasons)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grading_events
			(message_id, trace_id, attempt_no, decision, qscore, reasons, idempotency_key, specialist_id, retry_target_specialist, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ev.MessageID, ev.TraceID, ev.AttemptNo, string(ev.Decision), ev.QScore, reasons, ev.IdempotencyKey, ev.SpecialistID, nullableString(ev.RetryTargetSpecialist), ev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getByIdempotencyKey(ctx, ev.IdempotencyKey)
			if getErr != nil {
				return GradingEvent{}, fmt.Errorf("decision: load existing grading event: %w", getErr)
			}
			return existing, ErrDuplicateGradingEvent
		}
		return GradingEvent{}, fmt.Errorf("decision: insert grading event: %w", err)
	}
	return ev, nil
}

func (s *PostgresGradingStore) getByIdempotencyKey(ctx context.Context, key string) (GradingEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, trace_id, attempt_no, decision, qscore, reasons, idempotency_key, specialist_id, COALESCE(retry_target_specialist, ''), created_at
		FROM grading_events WHERE idempotency_key = $1
	`, key)
	var ev GradingEvent
	var decision string
	var reasons []byte
	if err := row.Scan(&ev.MessageID, &ev.TraceID, &ev.AttemptNo, &decision, &ev.QScore, &reasons, &ev.IdempotencyKey, &ev.SpecialistID, &ev.RetryTargetSpecialist, &ev.CreatedAt); err != nil {
		return GradingEvent{}, err
	}
	ev.Decision = Outcome(decision)
	ev.Reasons = unmarshalReasons(reasons)
	return ev, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// unique_violation per https://www.postgresql.org/docs/current/errcodes-appendix.html
const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

func marshalReasons(reasons []string) []byte {
	sorted := append([]string(nil), reasons...)
	sort.Strings(sorted)
	b, _ := json.Marshal(sorted)
	return b
}

func unmarshalReasons(b []byte) []string {
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}
