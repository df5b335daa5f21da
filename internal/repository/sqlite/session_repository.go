package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/repository"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	current_file_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_current_file ON sessions(current_file_path);
`

const sessionColumns = `id, source_url, source_id, current_file_path, status, error_message, created_at, updated_at`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) repository.SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = domain.SessionStatusEmpty
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.SourceURL,
		session.SourceID,
		session.CurrentFilePath,
		string(session.Status),
		session.ErrorMessage,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE id=?`, id)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) List(ctx context.Context) ([]domain.Session, error) {
	return r.query(ctx, `
SELECT `+sessionColumns+`
FROM sessions
ORDER BY created_at DESC`)
}

func (r *SessionRepository) ListIdle(ctx context.Context, before time.Time) ([]domain.Session, error) {
	return r.query(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE updated_at < ? AND status <> ?
ORDER BY updated_at ASC`, before.UTC(), string(domain.SessionStatusDownloading))
}

func (r *SessionRepository) FindByCurrentFile(ctx context.Context, path string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE current_file_path=? AND status=?
LIMIT 1`, path, string(domain.SessionStatusReady))

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session for %s: %w", path, domain.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update session status", `
UPDATE sessions
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status),
		msg,
		time.Now().UTC(),
		id,
	)
}

func (r *SessionRepository) SetSource(ctx context.Context, id, sourceURL, sourceID string) error {
	return r.exec(ctx, "set session source", `
UPDATE sessions
SET source_url=?, source_id=?, updated_at=?
WHERE id=?`,
		sourceURL,
		sourceID,
		time.Now().UTC(),
		id,
	)
}

// SetCurrentFile points the session at path and marks it ready.
func (r *SessionRepository) SetCurrentFile(ctx context.Context, id, path string) error {
	return r.exec(ctx, "set current file", `
UPDATE sessions
SET current_file_path=?, status=?, error_message='', updated_at=?
WHERE id=?`,
		path,
		string(domain.SessionStatusReady),
		time.Now().UTC(),
		id,
	)
}

func (r *SessionRepository) Reset(ctx context.Context, id string) error {
	return r.exec(ctx, "reset session", `
UPDATE sessions
SET source_url='', source_id='', current_file_path='', status=?, error_message='', updated_at=?
WHERE id=?`,
		string(domain.SessionStatusEmpty),
		time.Now().UTC(),
		id,
	)
}

func (r *SessionRepository) ResetAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET source_url='', source_id='', current_file_path='', status=?, error_message='', updated_at=?`,
		string(domain.SessionStatusEmpty),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

// Delete removes the session row; its working_files rows cascade.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, "delete session", `DELETE FROM sessions WHERE id=?`, id)
}

func (r *SessionRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: session %w", op, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepository) query(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*domain.Session, error) {
	var (
		session   domain.Session
		status    string
		createdAt time.Time
		updatedAt time.Time
	)

	if err := scanner.Scan(
		&session.ID,
		&session.SourceURL,
		&session.SourceID,
		&session.CurrentFilePath,
		&status,
		&session.ErrorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = createdAt.Local()
	session.UpdatedAt = updatedAt.Local()
	return &session, nil
}
