package repository

import (
	"context"
	"time"

	"yt-clipper/internal/domain"
)

// SessionRepository exposes persistence operations for Session aggregates.
type SessionRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage *string) error
	SetSource(ctx context.Context, id, sourceURL, sourceID string) error
	SetCurrentFile(ctx context.Context, id, path string) error
	Reset(ctx context.Context, id string) error
	ResetAll(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ListIdle(ctx context.Context, before time.Time) ([]domain.Session, error)
	FindByCurrentFile(ctx context.Context, path string) (*domain.Session, error)
}

// WorkingFileRepository manages the working files produced for sessions.
type WorkingFileRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, file *domain.WorkingFile) error
	MarkSuperseded(ctx context.Context, sessionID, path string) error
	ListBySession(ctx context.Context, sessionID string) ([]domain.WorkingFile, error)
	DeleteBySession(ctx context.Context, sessionID string) error
	DeleteByPath(ctx context.Context, path string) error
	DeleteAll(ctx context.Context) error
}
