package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable Store: database/sql over lib/pq, schema
// managed in-process with CREATE TABLE IF NOT EXISTS.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cmo_runs (
			trace_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			error TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS cmo_steps (
			trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
			step_index INT NOT NULL,
			node_id TEXT NOT NULL,
			state_hash TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			next_edge TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL,
			error TEXT,
			PRIMARY KEY (trace_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS cmo_graphs (
			graph_id TEXT NOT NULL,
			version TEXT NOT NULL,
			definition BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (graph_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS cmo_activities (
			trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
			step_index INT NOT NULL,
			activity_type TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			request_data BYTEA,
			response_data BYTEA,
			response_blob_ref TEXT,
			ts TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			error TEXT,
			PRIMARY KEY (trace_id, step_index, activity_type, request_hash)
		)`,
		`CREATE OR REPLACE VIEW cmo_execution_summary AS
			SELECT r.trace_id,
			       r.graph_id,
			       r.status,
			       r.started_at,
			       r.completed_at,
			       COUNT(DISTINCT s.step_index) AS step_count,
			       COUNT(a.request_hash) AS activity_count,
			       COALESCE(SUM(DISTINCT s.duration_ms), 0) AS total_step_ms
			FROM cmo_runs r
			LEFT JOIN cmo_steps s ON s.trace_id = r.trace_id
			LEFT JOIN cmo_activities a ON a.trace_id = r.trace_id
			GROUP BY r.trace_id, r.graph_id, r.status, r.started_at, r.completed_at`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PutGraph(ctx context.Context, g Graph) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cmo_graphs (graph_id, version, definition, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (graph_id, version) DO UPDATE SET definition = EXCLUDED.definition
	`, g.GraphID, g.Version, g.Definition, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: put graph %s@%s: %w", g.GraphID, g.Version, err)
	}
	return nil
}

func (s *PostgresStore) GetGraph(ctx context.Context, graphID, version string) (Graph, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT graph_id, version, definition, created_at FROM cmo_graphs
		WHERE graph_id = $1 AND version = $2
	`, graphID, version)
	var g Graph
	if err := row.Scan(&g.GraphID, &g.Version, &g.Definition, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Graph{}, false, nil
		}
		return Graph{}, false, fmt.Errorf("checkpoint: get graph %s@%s: %w", graphID, version, err)
	}
	return g, true, nil
}

func (s *PostgresStore) BeginRun(ctx context.Context, run Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal run metadata: %w", err)
	}
	// First write wins: re-beginning an existing run (crash recovery, a
	// redelivered first attempt) must not clobber its recorded history.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cmo_runs (trace_id, graph_id, graph_version, status, started_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (trace_id) DO NOTHING
	`, run.TraceID, run.GraphID, run.GraphVersion, string(run.Status), run.StartedAt, meta)
	if err != nil {
		return fmt.Errorf("checkpoint: begin run %s: %w", run.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, traceID string, status RunStatus, errMsg string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cmo_runs SET status = $1, error = $2, completed_at = $3 WHERE trace_id = $4
	`, string(status), nullableString(errMsg), completedAt, traceID)
	if err != nil {
		return fmt.Errorf("checkpoint: complete run %s: %w", traceID, err)
	}
	return nil
}

func (s *PostgresStore) RecordStep(ctx context.Context, step Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cmo_steps (trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, completed_at, duration_ms, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (trace_id, step_index) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			state_hash = EXCLUDED.state_hash,
			input_hash = EXCLUDED.input_hash,
			output_hash = EXCLUDED.output_hash,
			next_edge = EXCLUDED.next_edge,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error
	`, step.TraceID, step.StepIndex, step.NodeID, step.StateHash, step.InputHash, step.OutputHash,
		nullableString(step.NextEdge), step.StartedAt, step.CompletedAt, step.DurationMS, nullableString(step.Error))
	if err != nil {
		return fmt.Errorf("checkpoint: record step %s/%d: %w", step.TraceID, step.StepIndex, err)
	}
	return nil
}

func (s *PostgresStore) RecordActivity(ctx context.Context, act Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cmo_activities (trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, ts, duration_ms, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (trace_id, step_index, activity_type, request_hash) DO NOTHING
	`, act.TraceID, act.StepIndex, string(act.Type), act.RequestHash, act.RequestData, act.ResponseData,
		nullableString(act.ResponseBlobRef), act.Timestamp, act.DurationMS, nullableString(act.Error))
	if err != nil {
		return fmt.Errorf("checkpoint: record activity %s/%d/%s: %w", act.TraceID, act.StepIndex, act.Type, err)
	}
	return nil
}

func (s *PostgresStore) Replay(ctx context.Context, traceID string) ([]StepWithActivities, error) {
	stepRows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash, input_hash, output_hash, COALESCE(next_edge,''), started_at, completed_at, duration_ms, COALESCE(error,'')
		FROM cmo_steps WHERE trace_id = $1 ORDER BY step_index
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: replay steps: %w", err)
	}
	defer stepRows.Close()

	var out []StepWithActivities
	for stepRows.Next() {
		var st Step
		if err := stepRows.Scan(&st.TraceID, &st.StepIndex, &st.NodeID, &st.StateHash, &st.InputHash, &st.OutputHash,
			&st.NextEdge, &st.StartedAt, &st.CompletedAt, &st.DurationMS, &st.Error); err != nil {
			return nil, fmt.Errorf("checkpoint: replay scan step: %w", err)
		}
		acts, err := s.activitiesForStep(ctx, traceID, st.StepIndex)
		if err != nil {
			return nil, err
		}
		out = append(out, StepWithActivities{Step: st, Activities: acts})
	}
	return out, stepRows.Err()
}

func (s *PostgresStore) activitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, request_data, response_data, COALESCE(response_blob_ref,''), ts, duration_ms, COALESCE(error,'')
		FROM cmo_activities WHERE trace_id = $1 AND step_index = $2 ORDER BY ts, request_hash
	`, traceID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: replay activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var act Activity
		var actType string
		if err := rows.Scan(&act.TraceID, &act.StepIndex, &actType, &act.RequestHash, &act.RequestData,
			&act.ResponseData, &act.ResponseBlobRef, &act.Timestamp, &act.DurationMS, &act.Error); err != nil {
			return nil, fmt.Errorf("checkpoint: replay scan activity: %w", err)
		}
		act.Type = ActivityType(actType)
		out = append(out, act)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CleanupOldExecutions(ctx context.Context, retentionDays int, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cmo_runs
		WHERE status IN ($1,$2,$3,$4) AND completed_at IS NOT NULL AND completed_at < $5
	`, string(RunCompleted), string(RunFailed), string(RunTimeout), string(RunAborted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: cleanup old executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
