package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/downloader"
	"yt-clipper/internal/metrics"
	"yt-clipper/internal/service"
	"yt-clipper/internal/storage"
	"yt-clipper/internal/transcoder"
)

// ErrStorageDisabled is returned by Export when no bucket is configured.
var ErrStorageDisabled = fmt.Errorf("%w: storage export is not configured", domain.ErrValidation)

// Manager drives a session's video through download, compression, slicing
// and cleanup.
type Manager interface {
	Create(ctx context.Context) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Upload(ctx context.Context, id, url string) (*domain.Session, error)
	Compress(ctx context.Context, id string) (string, error)
	Slice(ctx context.Context, id string, in, out float64) (string, error)
	Frame(ctx context.Context, id string, at float64) (string, error)
	FrameRate(ctx context.Context, id string) (int, error)
	Open(ctx context.Context, id string) (string, error)
	Export(ctx context.Context, id string) (*Export, error)
	Exports(ctx context.Context, id string) ([]storage.ObjectInfo, error)
	Clear(ctx context.Context, id string) (int, error)
	ClearIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

// Export describes a clip copied to object storage.
type Export struct {
	Location string
	Key      string
	URL      string
}

type ExportConfig struct {
	Bucket     string
	KeyPrefix  string
	PresignTTL time.Duration
}

type Config struct {
	Compress transcoder.Options
	Export   ExportConfig
	// Lifetime bounds tool runs; a client going away does not stop them.
	Lifetime context.Context
	Logger   *logrus.Logger
}

type manager struct {
	cfg        Config
	sessions   service.SessionService
	registry   service.FileRegistry
	downloader downloader.Downloader
	transcoder transcoder.Transcoder
	storage    storage.Service
	locks      *lockTable
}

// NewManager wires the session state machine. store may be nil when export is disabled.
func NewManager(cfg Config, sessions service.SessionService, registry service.FileRegistry, dl downloader.Downloader, tc transcoder.Transcoder, store storage.Service) Manager {
	if cfg.Lifetime == nil {
		cfg.Lifetime = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Compress.Codec == "" {
		cfg.Compress = transcoder.DefaultOptions()
	}
	return &manager{
		cfg:        cfg,
		sessions:   sessions,
		registry:   registry,
		downloader: dl,
		transcoder: tc,
		storage:    store,
		locks:      newLockTable(),
	}
}

func (m *manager) Create(ctx context.Context) (*domain.Session, error) {
	s, err := m.sessions.Create(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.SessionStatusEmpty)).Inc()
	return s, nil
}

func (m *manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	return m.sessions.Get(ctx, id)
}

func (m *manager) Upload(ctx context.Context, id, url string) (*domain.Session, error) {
	sourceID, err := downloader.ParseWatchURL(url)
	if err != nil {
		return nil, err
	}

	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.op.Lock()
	defer l.op.Unlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionStatusEmpty {
		return nil, fmt.Errorf("%w: upload needs an empty session, this one is %s", domain.ErrInvalidState, s.Status)
	}

	if err := m.sessions.MarkDownloading(ctx, id, url, sourceID); err != nil {
		return nil, err
	}
	m.transition(id, domain.SessionStatusDownloading)

	log := m.log(id).WithField("source_id", sourceID)
	path, err := m.downloader.DownloadSource(ctx, url, m.registry.Dir(), id)
	if err != nil {
		m.fail(ctx, id, err)
		return nil, fmt.Errorf("upload %s: %w", sourceID, err)
	}

	l.file.Lock()
	err = m.registry.Supersede(ctx, id, "", path, domain.FileKindSource)
	l.file.Unlock()
	if err != nil {
		m.fail(ctx, id, err)
		return nil, err
	}
	m.transition(id, domain.SessionStatusReady)
	log.WithField("path", path).Info("video downloaded")

	return m.sessions.Get(ctx, id)
}

func (m *manager) Compress(ctx context.Context, id string) (string, error) {
	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.op.Lock()
	defer l.op.Unlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	// op excludes Clear and Upload, so the current path cannot change underneath
	current, err := m.current(ctx, id)
	if err != nil {
		return "", err
	}

	out, err := m.transcoder.Transcode(ctx, current, m.cfg.Compress)
	if err != nil {
		m.log(id).WithError(err).Warn("compress failed, keeping previous file")
		return "", err
	}

	l.file.Lock()
	defer l.file.Unlock()
	if err := m.registry.Supersede(ctx, id, current, out, domain.FileKindCompressed); err != nil {
		return "", err
	}
	m.log(id).WithField("path", out).Info("video compressed")
	return out, nil
}

func (m *manager) Slice(ctx context.Context, id string, in, out float64) (string, error) {
	return m.derive(ctx, id, domain.FileKindSlice, func(ctx context.Context, current string) (string, error) {
		return m.transcoder.ExtractSlice(ctx, current, in, out)
	})
}

func (m *manager) Frame(ctx context.Context, id string, at float64) (string, error) {
	return m.derive(ctx, id, domain.FileKindFrame, func(ctx context.Context, current string) (string, error) {
		return m.transcoder.ExtractFrame(ctx, current, at)
	})
}

// derive produces a registered artifact from the current file without
// moving the session's pointer.
func (m *manager) derive(ctx context.Context, id string, kind domain.FileKind, produce func(context.Context, string) (string, error)) (string, error) {
	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.file.RLock()
	defer l.file.RUnlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	current, err := m.current(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := produce(ctx, current)
	if err != nil {
		return "", err
	}
	if _, err := m.registry.Register(ctx, id, out, kind); err != nil {
		return "", err
	}
	m.log(id).WithField("path", out).WithField("kind", kind).Info("artifact created")
	return out, nil
}

func (m *manager) FrameRate(ctx context.Context, id string) (int, error) {
	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.file.RLock()
	defer l.file.RUnlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	current, err := m.current(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.transcoder.ProbeFrameRate(ctx, current)
}

func (m *manager) Open(ctx context.Context, id string) (string, error) {
	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.file.RLock()
	defer l.file.RUnlock()

	return m.current(ctx, id)
}

func (m *manager) Export(ctx context.Context, id string) (*Export, error) {
	if m.storage == nil || m.cfg.Export.Bucket == "" {
		return nil, ErrStorageDisabled
	}

	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.file.RLock()
	defer l.file.RUnlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	current, err := m.current(ctx, id)
	if err != nil {
		return nil, err
	}

	log := m.log(id).WithField("path", current)
	key, err := m.storage.UploadFile(ctx, current, storage.UploadOptions{
		Bucket:    m.cfg.Export.Bucket,
		KeyPrefix: storage.ObjectKey(m.cfg.Export.KeyPrefix, id),
		ProgressCallback: func(done, total int64) {
			log.WithField("done", done).WithField("total", total).Debug("export progress")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	url, err := m.storage.GetObjectURL(ctx, m.cfg.Export.Bucket, key, m.cfg.Export.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	log.WithField("key", key).Info("clip exported")
	return &Export{
		Location: fmt.Sprintf("s3://%s/%s", m.cfg.Export.Bucket, key),
		Key:      key,
		URL:      url,
	}, nil
}

// Exports lists the objects previously exported for the session.
func (m *manager) Exports(ctx context.Context, id string) ([]storage.ObjectInfo, error) {
	if m.storage == nil || m.cfg.Export.Bucket == "" {
		return nil, ErrStorageDisabled
	}
	if _, err := m.sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.storage.ListObjects(ctx, m.cfg.Export.Bucket, storage.ObjectKey(m.cfg.Export.KeyPrefix, id)+"/")
}

// Clear deletes every working file of the session and returns it to empty.
// It is accepted from any state.
func (m *manager) Clear(ctx context.Context, id string) (int, error) {
	l := m.locks.acquire(id)
	defer m.locks.release(id, l)
	l.op.Lock()
	defer l.op.Unlock()
	l.file.Lock()
	defer l.file.Unlock()

	ctx, cancel := m.detach(ctx)
	defer cancel()

	if _, err := m.sessions.Get(ctx, id); err != nil {
		return 0, err
	}

	removed, err := m.purge(ctx, id)
	if err != nil {
		return removed, err
	}
	if err := m.sessions.Reset(ctx, id); err != nil {
		return removed, err
	}
	m.transition(id, domain.SessionStatusEmpty)

	m.log(id).WithField("removed", removed).Info("session cleared")
	return removed, nil
}

// ClearIdle removes sessions that have not changed for idleFor, along with
// their files. Sessions that are still downloading are left alone.
func (m *manager) ClearIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	idle, err := m.sessions.ListIdle(ctx, idleFor)
	if err != nil {
		return 0, err
	}

	cleared := 0
	var errs []error
	for _, s := range idle {
		ok, err := m.dropIdle(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", s.ID, err))
			continue
		}
		if ok {
			cleared++
		}
	}
	return cleared, errors.Join(errs...)
}

// dropIdle deletes the session unless it was touched after it was listed.
func (m *manager) dropIdle(ctx context.Context, listed domain.Session) (bool, error) {
	l := m.locks.acquire(listed.ID)
	defer m.locks.release(listed.ID, l)
	l.op.Lock()
	defer l.op.Unlock()
	l.file.Lock()
	defer l.file.Unlock()

	s, err := m.sessions.Get(ctx, listed.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !s.UpdatedAt.Equal(listed.UpdatedAt) {
		return false, nil
	}

	removed, err := m.purge(ctx, s.ID)
	if err != nil {
		return false, err
	}
	if err := m.sessions.Delete(ctx, s.ID); err != nil {
		return false, err
	}
	m.log(s.ID).WithField("status", s.Status).WithField("removed", removed).Info("idle session removed")
	return true, nil
}

// purge removes the session's working files and exported clips. Callers hold
// both session locks.
func (m *manager) purge(ctx context.Context, id string) (int, error) {
	removed, err := m.registry.Purge(ctx, id)
	if err != nil {
		return removed, fmt.Errorf("clear session: %w", err)
	}

	if m.storage != nil && m.cfg.Export.Bucket != "" {
		prefix := storage.ObjectKey(m.cfg.Export.KeyPrefix, id) + "/"
		if err := m.storage.DeletePrefix(ctx, m.cfg.Export.Bucket, prefix); err != nil {
			m.log(id).WithError(err).Warn("remove exported clips")
		}
	}
	return removed, nil
}

// current returns the session's live file, checking it still exists on disk.
func (m *manager) current(ctx context.Context, id string) (string, error) {
	path, ok, err := m.registry.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrNotUploaded
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: current file %s is gone", domain.ErrNotFound, path)
		}
		return "", fmt.Errorf("stat current file: %w", err)
	}
	return path, nil
}

// detach keeps ctx values but follows the server lifetime instead of the request.
func (m *manager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(m.cfg.Lifetime, cancel)
	return detached, func() {
		stop()
		cancel()
	}
}

func (m *manager) fail(ctx context.Context, id string, cause error) {
	m.log(id).WithError(cause).Error("upload failed")
	if err := m.sessions.MarkFailed(ctx, id, cause.Error()); err != nil {
		m.log(id).WithError(err).Error("failed to update session status")
		return
	}
	m.transition(id, domain.SessionStatusFailed)
}

func (m *manager) transition(id string, status domain.SessionStatus) {
	metrics.SessionTransitionsTotal.WithLabelValues(string(status)).Inc()
	m.log(id).WithField("status", status).Debug("session transition")
}

func (m *manager) log(id string) *logrus.Entry {
	return m.cfg.Logger.WithField("session_id", id)
}
