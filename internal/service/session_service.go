package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/repository"
)

// SessionService coordinates session records backed by repositories.
type SessionService interface {
	Create(ctx context.Context) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	ListIdle(ctx context.Context, idleFor time.Duration) ([]domain.Session, error)
	MarkDownloading(ctx context.Context, id, sourceURL, sourceID string) error
	MarkFailed(ctx context.Context, id, message string) error
	Reset(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

type sessionService struct {
	sessions repository.SessionRepository
	now      func() time.Time
}

func NewSessionService(sessions repository.SessionRepository) SessionService {
	return &sessionService{sessions: sessions, now: time.Now}
}

func (s *sessionService) Create(ctx context.Context) (*domain.Session, error) {
	session := &domain.Session{
		ID:     uuid.NewString(),
		Status: domain.SessionStatusEmpty,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

func (s *sessionService) List(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.List(ctx)
}

func (s *sessionService) ListIdle(ctx context.Context, idleFor time.Duration) ([]domain.Session, error) {
	return s.sessions.ListIdle(ctx, s.now().Add(-idleFor))
}

func (s *sessionService) MarkDownloading(ctx context.Context, id, sourceURL, sourceID string) error {
	if err := s.sessions.SetSource(ctx, id, sourceURL, sourceID); err != nil {
		return err
	}
	return s.sessions.UpdateStatus(ctx, id, domain.SessionStatusDownloading, nil)
}

func (s *sessionService) MarkFailed(ctx context.Context, id, message string) error {
	return s.sessions.UpdateStatus(ctx, id, domain.SessionStatusFailed, &message)
}

func (s *sessionService) Reset(ctx context.Context, id string) error {
	return s.sessions.Reset(ctx, id)
}

func (s *sessionService) Delete(ctx context.Context, id string) error {
	return s.sessions.Delete(ctx, id)
}
