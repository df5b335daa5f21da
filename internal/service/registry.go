package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/repository"
)

// FileRegistry maps sessions to the working files they own.
type FileRegistry interface {
	// Resolve returns the session's current file; ok is false when nothing is downloaded.
	Resolve(ctx context.Context, sessionID string) (path string, ok bool, err error)
	Register(ctx context.Context, sessionID, path string, kind domain.FileKind) (*domain.WorkingFile, error)
	// Supersede records newPath and makes it current. oldPath stays on disk.
	// An empty oldPath makes newPath the session's first file.
	Supersede(ctx context.Context, sessionID, oldPath, newPath string, kind domain.FileKind) error
	Files(ctx context.Context, sessionID string) ([]domain.WorkingFile, error)
	Purge(ctx context.Context, sessionID string) (int, error)
	Forget(ctx context.Context, path string) error
	IsLive(ctx context.Context, path string) (bool, error)
	Reset(ctx context.Context) error
	Dir() string
}

type fileRegistry struct {
	dir      string
	sessions repository.SessionRepository
	files    repository.WorkingFileRepository
	logger   *logrus.Logger
}

func NewFileRegistry(dir string, sessions repository.SessionRepository, files repository.WorkingFileRepository, logger *logrus.Logger) FileRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &fileRegistry{
		dir:      filepath.Clean(dir),
		sessions: sessions,
		files:    files,
		logger:   logger,
	}
}

func (r *fileRegistry) Dir() string {
	return r.dir
}

func (r *fileRegistry) Resolve(ctx context.Context, sessionID string) (string, bool, error) {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if !session.HasFile() {
		return "", false, nil
	}
	return session.CurrentFilePath, true, nil
}

func (r *fileRegistry) Register(ctx context.Context, sessionID, path string, kind domain.FileKind) (*domain.WorkingFile, error) {
	file := &domain.WorkingFile{
		SessionID: sessionID,
		Path:      filepath.Clean(path),
		Kind:      kind,
	}
	if info, err := os.Stat(file.Path); err == nil {
		file.SizeBytes = info.Size()
	}
	if err := r.files.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("register %s: %w", kind, err)
	}
	return file, nil
}

func (r *fileRegistry) Supersede(ctx context.Context, sessionID, oldPath, newPath string, kind domain.FileKind) error {
	if _, err := r.Register(ctx, sessionID, newPath, kind); err != nil {
		return err
	}
	if oldPath != "" {
		if err := r.files.MarkSuperseded(ctx, sessionID, filepath.Clean(oldPath)); err != nil {
			return err
		}
	}
	if err := r.sessions.SetCurrentFile(ctx, sessionID, filepath.Clean(newPath)); err != nil {
		return err
	}
	return nil
}

func (r *fileRegistry) Files(ctx context.Context, sessionID string) ([]domain.WorkingFile, error) {
	return r.files.ListBySession(ctx, sessionID)
}

// Purge deletes every file registered to the session, plus anything in the
// working directory carrying the session's name prefix (yt-dlp leaves .part
// and fragment files behind when it fails). It returns how many entries were
// removed from disk.
func (r *fileRegistry) Purge(ctx context.Context, sessionID string) (int, error) {
	files, err := r.files.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("remove %s: %w", f.Path, err))
			continue
		}
		removed++
	}

	strays, err := r.removePrefixed(sessionID + "-")
	removed += strays
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return removed, err
	}

	if err := r.files.DeleteBySession(ctx, sessionID); err != nil {
		return removed, err
	}
	r.logger.WithField("session_id", sessionID).WithField("removed", removed).Debug("purged working files")
	return removed, nil
}

// removePrefixed deletes unregistered entries of the working dir named prefix*.
func (r *fileRegistry) removePrefixed(prefix string) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list videos dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (r *fileRegistry) Forget(ctx context.Context, path string) error {
	return r.files.DeleteByPath(ctx, filepath.Clean(path))
}

func (r *fileRegistry) IsLive(ctx context.Context, path string) (bool, error) {
	_, err := r.sessions.FindByCurrentFile(ctx, filepath.Clean(path))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Reset empties the working directory and returns every session to empty.
func (r *fileRegistry) Reset(ctx context.Context) error {
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("remove videos dir: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create videos dir: %w", err)
	}
	if err := r.files.DeleteAll(ctx); err != nil {
		return err
	}
	return r.sessions.ResetAll(ctx)
}
