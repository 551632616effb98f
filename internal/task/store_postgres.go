package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"muxcore/internal/observability"
)

// NewPostgresStore returns a Postgres-backed RegistryStore, mirroring the
// on-disk Store's Load/Save shape so Service is indifferent to which one it
// was built with (internal/persistence/databases's memory-vs-postgres chat
// store split).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// PostgresStore persists the workspace registry and completed-report
// history in Postgres instead of workspaces.json, for installs that want
// durable, queryable task history across muxd restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Init creates the schema if it doesn't already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres task store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS task_workspaces (
    id TEXT PRIMARY KEY,
    parent_workspace_id TEXT,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS task_workspaces_parent_idx ON task_workspaces(parent_workspace_id);

CREATE TABLE IF NOT EXISTS task_reports (
    task_id TEXT PRIMARY KEY,
    report JSONB NOT NULL,
    ancestor_workspace_ids TEXT[] NOT NULL DEFAULT '{}',
    delivered_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS task_reports_ancestors_idx ON task_reports USING GIN(ancestor_workspace_ids);
`)
	return err
}

// Load returns every persisted workspace entry.
func (s *PostgresStore) Load() (map[string]*Workspace, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT data FROM task_workspaces`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*Workspace)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ws Workspace
		if err := json.Unmarshal(raw, &ws); err != nil {
			return nil, err
		}
		w := ws
		out[w.ID] = &w
	}
	return out, rows.Err()
}

// Save replaces the entire registry with entries, transactionally.
func (s *PostgresStore) Save(entries map[string]*Workspace) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := observability.LoggerWithTrace(ctx)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM task_workspaces`); err != nil {
		return err
	}
	for id, w := range entries {
		raw, err := json.Marshal(w)
		if err != nil {
			return err
		}
		var parent any
		if w.ParentWorkspaceID != "" {
			parent = w.ParentWorkspaceID
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO task_workspaces (id, parent_workspace_id, data, updated_at)
VALUES ($1, $2, $3, NOW())`, id, parent, raw); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Debug().Int("workspace_count", len(entries)).Msg("task_registry_saved")
	return nil
}

// PutReport records a completed report durably, the Postgres analogue of
// ReportCache.Put.
func (s *PostgresStore) PutReport(ctx context.Context, taskID string, report Report, ancestorWorkspaceIDs []string, ttl time.Duration) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO task_reports (task_id, report, ancestor_workspace_ids, delivered_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id) DO UPDATE
SET report = EXCLUDED.report,
    ancestor_workspace_ids = EXCLUDED.ancestor_workspace_ids,
    delivered_at = EXCLUDED.delivered_at,
    expires_at = EXCLUDED.expires_at`,
		taskID, raw, ancestorWorkspaceIDs, report.DeliveredAt, time.Now().Add(ttl))
	return err
}

// GetReport returns a durably-stored report if present and unexpired.
func (s *PostgresStore) GetReport(ctx context.Context, taskID string) (Report, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT report FROM task_reports WHERE task_id = $1 AND expires_at > NOW()`, taskID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, false, nil
		}
		return Report{}, false, err
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, false, err
	}
	return report, true, nil
}

// IsDescendantAgentTask reports whether taskId's durably-stored ancestor
// chain includes workspaceID (mirrors ReportCache.IsDescendantAgentTask).
func (s *PostgresStore) IsDescendantAgentTask(ctx context.Context, taskID, workspaceID string) (bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT EXISTS(
    SELECT 1 FROM task_reports
    WHERE task_id = $1 AND expires_at > NOW() AND $2 = ANY(ancestor_workspace_ids)
)`, taskID, workspaceID)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// PruneExpiredReports deletes durably-stored reports past their TTL.
// Callers run this periodically; unlike ReportCache's capacity eviction,
// Postgres has no fixed entry cap.
func (s *PostgresStore) PruneExpiredReports(ctx context.Context) (int64, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM task_reports WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
