package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Journal using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			close_reason TEXT NOT NULL DEFAULT '',
			received BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session_id ON audit_events(session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SessionStarted(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, started_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.RemoteAddr, rec.StartedAt,
	)
	return err
}

func (s *PostgresStore) SessionClosed(ctx context.Context, id, reason string, received, sent int64, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = $1, close_reason = $2, received = $3, sent = $4 WHERE id = $5`,
		closedAt, reason, received, sent, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, remote_addr, started_at, closed_at, close_reason, received, sent
		 FROM sessions WHERE id = $1`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_addr, started_at, closed_at, close_reason, received, sent
		 FROM sessions ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *PostgresStore) LogEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, session_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.SessionID, event.Action, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := `SELECT id, session_id, action, detail, created_at FROM audit_events WHERE TRUE`
	var args []any
	argN := 1
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argN)
		args = append(args, filter.SessionID)
		argN++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argN)
		args = append(args, filter.Action+"%")
		argN++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argN)
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < $1`, before); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
