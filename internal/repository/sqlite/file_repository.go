package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/repository"
)

const createWorkingFilesTable = `
CREATE TABLE IF NOT EXISTS working_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	superseded INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_working_files_session_id ON working_files(session_id);
CREATE INDEX IF NOT EXISTS idx_working_files_path ON working_files(path);
`

type WorkingFileRepository struct {
	db *sql.DB
}

func NewWorkingFileRepository(db *sql.DB) repository.WorkingFileRepository {
	return &WorkingFileRepository{db: db}
}

func (r *WorkingFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createWorkingFilesTable); err != nil {
		return fmt.Errorf("create working_files table: %w", err)
	}
	return nil
}

func (r *WorkingFileRepository) Create(ctx context.Context, file *domain.WorkingFile) error {
	file.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO working_files (session_id, path, kind, superseded, size_bytes, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		file.SessionID,
		file.Path,
		string(file.Kind),
		file.Superseded,
		file.SizeBytes,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert working file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	file.ID = id
	return nil
}

func (r *WorkingFileRepository) MarkSuperseded(ctx context.Context, sessionID, path string) error {
	if _, err := r.db.ExecContext(ctx, `
UPDATE working_files
SET superseded=1
WHERE session_id=? AND path=?`, sessionID, path); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

func (r *WorkingFileRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.WorkingFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, path, kind, superseded, size_bytes, created_at
FROM working_files
WHERE session_id=?
ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query working files: %w", err)
	}
	defer rows.Close()

	var files []domain.WorkingFile
	for rows.Next() {
		var (
			file      domain.WorkingFile
			kind      string
			createdAt time.Time
		)
		if err := rows.Scan(&file.ID, &file.SessionID, &file.Path, &kind, &file.Superseded, &file.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan working file: %w", err)
		}
		file.Kind = domain.FileKind(kind)
		file.CreatedAt = createdAt.Local()
		files = append(files, file)
	}
	return files, rows.Err()
}

func (r *WorkingFileRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM working_files WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("delete working files: %w", err)
	}
	return nil
}

func (r *WorkingFileRepository) DeleteByPath(ctx context.Context, path string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM working_files WHERE path=?`, path); err != nil {
		return fmt.Errorf("delete working file: %w", err)
	}
	return nil
}

func (r *WorkingFileRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM working_files`); err != nil {
		return fmt.Errorf("truncate working files: %w", err)
	}
	return nil
}
