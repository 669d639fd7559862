package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable Store implementation. It imports the pq
// driver only for its side-effecting registration; every query goes through
// database/sql, so the same code would run unmodified against another
// database/sql driver.
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// PostgresOptions carries a table name override for multi-tenant schema
// isolation; nothing else is configurable at this layer.
type PostgresOptions struct {
	TableName string
}

// NewPostgresStore wraps an already-opened *sql.DB. The caller owns the
// DB's lifecycle (open/close, connection pool limits from pkg/config).
func NewPostgresStore(db *sql.DB, opts PostgresOptions) *PostgresStore {
	table := opts.TableName
	if table == "" {
		table = "agents"
	}
	return &PostgresStore{db: db, tableName: table}
}

// EnsureSchema creates the registry tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			agent_id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			tenant TEXT NOT NULL,
			project TEXT NOT NULL,
			capabilities JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			lease_until TIMESTAMPTZ NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, s.tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tenant_project_idx ON %s (tenant, project)`, s.tableName, s.tableName),
		`CREATE TABLE IF NOT EXISTS agent_topics (
			agent_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (agent_id, topic)
		)`,
		fmt.Sprintf(`CREATE OR REPLACE VIEW agents_active AS
			SELECT a.agent_id,
			       a.tenant,
			       a.project,
			       a.status,
			       a.last_heartbeat,
			       a.lease_until,
			       GREATEST(0, EXTRACT(EPOCH FROM (a.lease_until - NOW()))::BIGINT) AS lease_remaining_seconds,
			       COUNT(t.topic) AS topic_count
			FROM %s a
			LEFT JOIN agent_topics t ON t.agent_id = a.agent_id
			WHERE a.lease_until > NOW() AND a.status IN ('HEALTHY','DEGRADED','STARTING')
			GROUP BY a.agent_id, a.tenant, a.project, a.status, a.last_heartbeat, a.lease_until`, s.tableName),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, a Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (agent_id, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			version = EXCLUDED.version,
			tenant = EXCLUDED.tenant,
			project = EXCLUDED.project,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			lease_until = EXCLUDED.lease_until,
			metadata = EXCLUDED.metadata
	`, s.tableName)
	_, err = s.db.ExecContext(ctx, query,
		a.AgentID, a.Version, a.Tenant, a.Project, caps, string(a.Status), a.LastHeartbeat, a.LeaseUntil, meta)
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, agentID string) (Agent, bool, error) {
	query := fmt.Sprintf(`SELECT agent_id, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata
		FROM %s WHERE agent_id = $1`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, fmt.Errorf("registry: get %s: %w", agentID, err)
	}
	return a, true, nil
}

func (s *PostgresStore) Discover(ctx context.Context, f DiscoverFilter) ([]Agent, error) {
	clauses := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Tenant != "" {
		clauses = append(clauses, "tenant = "+arg(f.Tenant))
	}
	if f.Project != "" {
		clauses = append(clauses, "project = "+arg(f.Project))
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = arg(string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.Capability != "" {
		clauses = append(clauses, "capabilities @> "+arg(fmt.Sprintf(`["%s"]`, f.Capability)))
	}

	query := fmt.Sprintf(`SELECT agent_id, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata
		FROM %s WHERE %s ORDER BY agent_id`, s.tableName, strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: discover: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: discover scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var a Agent
	var caps, meta []byte
	var status string
	if err := row.Scan(&a.AgentID, &a.Version, &a.Tenant, &a.Project, &caps, &status, &a.LastHeartbeat, &a.LeaseUntil, &meta); err != nil {
		return Agent{}, err
	}
	a.Status = Status(status)
	if len(caps) > 0 {
		_ = json.Unmarshal(caps, &a.Capabilities)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return a, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, agentID string, status Status) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE agent_id = $2`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, string(status), agentID)
	return err
}

func (s *PostgresStore) ExtendLease(ctx context.Context, agentID string, now, leaseUntil time.Time, status Status) error {
	query := fmt.Sprintf(`UPDATE %s SET lease_until = $1, status = $2, last_heartbeat = $3 WHERE agent_id = $4`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, leaseUntil, string(status), now, agentID)
	return err
}

func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE lease_until < $2 AND status != $1`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, string(StatusUnavailable), now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) DeleteInactive(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1 AND last_heartbeat < $2`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, string(StatusUnavailable), olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Subscribe(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_topics (agent_id, topic, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, topic) DO UPDATE SET role = EXCLUDED.role
	`, sub.AgentID, sub.Topic, string(sub.Role))
	return err
}

func (s *PostgresStore) Unsubscribe(ctx context.Context, agentID, topic string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_topics WHERE agent_id = $1 AND topic = $2`, agentID, topic)
	return err
}

func (s *PostgresStore) Subscribers(ctx context.Context, topic string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, topic, role FROM agent_topics WHERE topic = $1 ORDER BY agent_id`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var role string
		if err := rows.Scan(&sub.AgentID, &sub.Topic, &role); err != nil {
			return nil, err
		}
		sub.Role = Role(role)
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
