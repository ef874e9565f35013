// Package sqlmirror provides an optional queryable SQL mirror of activity
// and tracking state. The JSON snapshot in internal/store remains
// authoritative; this mirror exists purely so an operator can run ad-hoc
// SQL against delivery history without parsing activity.json.
package sqlmirror

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/db"
	"github.com/crewly/crewlyd/internal/db/dialect"
	"github.com/crewly/crewlyd/internal/model"
)

// Mirror writes activity and tracking mutations to a SQL table alongside
// the authoritative JSON store.
type Mirror struct {
	dialect string
	db      *sql.DB
}

// Open connects the configured driver and creates the mirror tables if
// they don't already exist.
func Open(cfg config.SQLMirrorConfig) (*Mirror, error) {
	var conn *sql.DB
	var dialectName string

	switch cfg.Driver {
	case "postgres":
		var err error
		conn, err = db.OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		dialectName = dialect.PGX
	case "sqlite", "":
		var err error
		conn, err = db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite mirror: %w", err)
		}
		dialectName = dialect.SQLite3
	default:
		return nil, fmt.Errorf("unsupported sqlMirror driver: %s", cfg.Driver)
	}

	m := &Mirror{dialect: dialectName, db: conn}
	if err := m.ensureSchema(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			recorded_at TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			scheduled_message_id TEXT,
			target_team TEXT,
			target_project TEXT,
			success BOOLEAN,
			error TEXT,
			attempts INTEGER,
			duration_millis BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_recorded_at ON activity_log(recorded_at)`,
		`CREATE TABLE IF NOT EXISTS in_progress_tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			task_file_path TEXT NOT NULL,
			session_name TEXT NOT NULL,
			assigned_at TIMESTAMP NOT NULL,
			last_heartbeat_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_in_progress_tasks_session ON in_progress_tasks(session_name)`,
	}
	for _, stmt := range statements {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create mirror schema: %w", err)
		}
	}
	return nil
}

// RecordDelivery mirrors one delivery log entry.
func (m *Mirror) RecordDelivery(ctx context.Context, entryID string, log model.DeliveryLog) error {
	_, err := m.db.ExecContext(ctx, rebind(m.dialect, `INSERT INTO activity_log
		(id, recorded_at, kind, scheduled_message_id, target_team, target_project, success, error, attempts, duration_millis)
		VALUES (?, ?, 'delivery', ?, ?, ?, ?, ?, ?, ?)`),
		entryID, log.SentAt, log.ScheduledMessageID, log.TargetTeam, log.TargetProject,
		log.Success, log.Error, log.Attempts, log.DurationMillis)
	return err
}

// UpsertTracking mirrors a tracking-entry mutation.
func (m *Mirror) UpsertTracking(ctx context.Context, e model.InProgressTaskEntry) error {
	_, err := m.db.ExecContext(ctx, rebind(m.dialect, `INSERT INTO in_progress_tasks
		(id, project_id, team_id, task_file_path, session_name, assigned_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_heartbeat_at = excluded.last_heartbeat_at`),
		e.ID, e.ProjectID, e.TeamID, e.TaskFilePath, e.SessionName, e.AssignedAt, e.LastHeartbeatAt)
	return err
}

// DeleteTracking mirrors a tracking-entry deletion.
func (m *Mirror) DeleteTracking(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, rebind(m.dialect, `DELETE FROM in_progress_tasks WHERE id = ?`), id)
	return err
}

func rebind(dialectName, query string) string {
	if dialectName == dialect.PGX {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// Close closes the underlying connection. PRAGMA optimize runs first for
// SQLite, matching the teacher's persistence provider shutdown sequence.
func (m *Mirror) Close() error {
	if m.dialect == dialect.SQLite3 {
		_, _ = m.db.Exec("PRAGMA optimize")
	}
	return m.db.Close()
}
