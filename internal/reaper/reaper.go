// Package reaper removes stale working files on a fixed schedule.
package reaper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"yt-clipper/internal/metrics"
)

// Registry is the part of the file registry the reaper consults.
type Registry interface {
	Dir() string
	IsLive(ctx context.Context, path string) (bool, error)
	Forget(ctx context.Context, path string) error
}

// IdleClearer resets sessions nobody has touched for a while.
type IdleClearer interface {
	ClearIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	// ProtectLive skips files that are a ready session's current file.
	ProtectLive bool
	// SessionIdle clears sessions idle this long; zero disables it.
	SessionIdle time.Duration
	Logger      *logrus.Logger
}

// Result summarises one sweep.
type Result struct {
	Deleted         int           `json:"deleted"`
	LiveDeleted     int           `json:"liveDeleted"`
	SkippedLive     int           `json:"skippedLive"`
	SessionsCleared int           `json:"sessionsCleared"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

type Reaper struct {
	cfg      Config
	registry Registry
	sessions IdleClearer
	log      *logrus.Entry
	now      func() time.Time

	mu sync.Mutex // one sweep at a time
}

// New builds a reaper. sessions may be nil to disable idle session clearing.
func New(cfg Config, registry Registry, sessions IdleClearer) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Reaper{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		log:      cfg.Logger.WithField("component", "reaper"),
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.WithField("interval", r.cfg.Interval).WithField("retention", r.cfg.Retention).Info("reaper started")
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls are serialised.
func (r *Reaper) RunOnce(ctx context.Context) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &Result{}

	r.sweepFiles(ctx, result)

	if r.sessions != nil && r.cfg.SessionIdle > 0 {
		cleared, err := r.sessions.ClearIdle(ctx, r.cfg.SessionIdle)
		result.SessionsCleared = cleared
		if err != nil {
			result.Errors++
			r.log.WithError(err).Error("clear idle sessions")
		}
	}

	result.Duration = time.Since(start)

	metrics.ReaperRunsTotal.Inc()
	metrics.ReaperFilesDeletedTotal.Add(float64(result.Deleted))
	metrics.ReaperLiveFilesDeletedTotal.Add(float64(result.LiveDeleted))
	metrics.ReaperSessionsClearedTotal.Add(float64(result.SessionsCleared))
	metrics.ReaperDuration.Observe(result.Duration.Seconds())

	r.log.WithFields(logrus.Fields{
		"deleted":          result.Deleted,
		"live_deleted":     result.LiveDeleted,
		"skipped_live":     result.SkippedLive,
		"sessions_cleared": result.SessionsCleared,
		"errors":           result.Errors,
		"duration":         result.Duration,
	}).Info("sweep finished")

	return result
}

func (r *Reaper) sweepFiles(ctx context.Context, result *Result) {
	dir := r.registry.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			result.Errors++
			r.log.WithError(err).Error("read videos dir")
		}
		return
	}

	cutoff := r.now().Add(-r.cfg.Retention)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		log := r.log.WithField("path", path).WithField("mtime", info.ModTime())

		live, err := r.registry.IsLive(ctx, path)
		if err != nil {
			result.Errors++
			log.WithError(err).Error("check live file")
			continue
		}
		if live && r.cfg.ProtectLive {
			result.SkippedLive++
			log.Debug("skipping current session file")
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Errors++
			log.WithError(err).Error("remove stale file")
			continue
		}
		if err := r.registry.Forget(ctx, path); err != nil {
			result.Errors++
			log.WithError(err).Error("forget stale file")
		}

		result.Deleted++
		if live {
			result.LiveDeleted++
			log.Warn("deleted a ready session's current file")
		} else {
			log.Debug("deleted stale file")
		}
	}
}
