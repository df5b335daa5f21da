package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/downloader"
	"yt-clipper/internal/repository/sqlite"
	"yt-clipper/internal/service"
	"yt-clipper/internal/storage"
	"yt-clipper/internal/toolexec"
	"yt-clipper/internal/toolexec/toolexectest"
	"yt-clipper/internal/transcoder"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const watchURL = "https://www.youtube.com/watch?v=abc123"

// tools emulates yt-dlp, ffmpeg and ffprobe on the local filesystem.
type tools struct {
	failDownload  atomic.Bool
	failTranscode atomic.Bool
	ffmpegCalls   atomic.Int32
	downloadBody  string
}

func (tl *tools) handle(ctx context.Context, name string, args []string) (toolexec.Result, error) {
	switch name {
	case "yt-dlp":
		var template string
		for i, a := range args {
			if a == "-o" {
				template = args[i+1]
			}
		}
		path := strings.NewReplacer("%(id)s", "abc123", "%(ext)s", "mp4").Replace(template)
		if tl.failDownload.Load() {
			// yt-dlp leaves its partial download behind
			if err := os.WriteFile(path+".part", []byte("partial"), 0o644); err != nil {
				return toolexec.Result{}, err
			}
			return toolexec.Result{Stderr: []byte("ERROR: unavailable")}, errors.New("exit status 1")
		}
		if err := os.WriteFile(path, []byte(tl.downloadBody), 0o644); err != nil {
			return toolexec.Result{}, err
		}
		return toolexec.Result{Stdout: []byte(path + "\n")}, nil
	case "ffmpeg":
		tl.ffmpegCalls.Add(1)
		if tl.failTranscode.Load() {
			return toolexec.Result{Stderr: []byte("Conversion failed!")}, errors.New("exit status 1")
		}
		out := args[len(args)-1]
		return toolexec.Result{}, os.WriteFile(out, []byte("encoded:"+filepath.Base(out)), 0o644)
	case "ffprobe":
		return toolexec.Result{Stdout: []byte("30000/1001\n")}, nil
	}
	return toolexec.Result{}, errors.New("unknown tool " + name)
}

type harness struct {
	mgr      Manager
	tools    *tools
	fake     *toolexectest.Fake
	registry service.FileRegistry
	dir      string
}

func newHarness(t *testing.T, store storage.Service, export ExportConfig) *harness {
	t.Helper()
	root := t.TempDir()
	db, err := sqlite.Open(filepath.Join(root, "clipper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessionRepo := sqlite.NewSessionRepository(db)
	fileRepo := sqlite.NewWorkingFileRepository(db)
	require.NoError(t, sqlite.InitAll(context.Background(), sessionRepo, fileRepo))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := filepath.Join(root, "videos")
	registry := service.NewFileRegistry(dir, sessionRepo, fileRepo, logger)
	require.NoError(t, registry.Reset(context.Background()))

	tl := &tools{downloadBody: "source-bytes"}
	fake := &toolexectest.Fake{Handler: tl.handle}
	tc, err := transcoder.NewFFmpeg(transcoder.Config{Logger: logger}, fake)
	require.NoError(t, err)

	mgr := NewManager(Config{Logger: logger, Export: export},
		service.NewSessionService(sessionRepo),
		registry,
		downloader.NewYtDlp(downloader.Config{Logger: logger}, fake),
		tc,
		store,
	)
	return &harness{mgr: mgr, tools: tl, fake: fake, registry: registry, dir: dir}
}

func (h *harness) uploaded(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.mgr.Create(ctx)
	require.NoError(t, err)
	s, err = h.mgr.Upload(ctx, s.ID, watchURL)
	require.NoError(t, err)
	return s
}

func TestUploadThenOpenReturnsDownloadedBytes(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	assert.Equal(t, domain.SessionStatusReady, s.Status)
	assert.Equal(t, "abc123", s.SourceID)
	assert.Equal(t, filepath.Join(h.dir, s.ID+"-abc123.mp4"), s.CurrentFilePath)

	path, err := h.mgr.Open(context.Background(), s.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "source-bytes", string(data))
}

func TestUploadRejectsBadURLBeforeSpawning(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s, err := h.mgr.Create(context.Background())
	require.NoError(t, err)

	_, err = h.mgr.Upload(context.Background(), s.ID, "https://vimeo.com/123")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, h.fake.Calls())
}

func TestUploadOnlyFromEmpty(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	_, err := h.mgr.Upload(context.Background(), s.ID, watchURL)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUploadFailureMarksFailedUntilCleared(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s, err := h.mgr.Create(ctx)
	require.NoError(t, err)

	h.tools.failDownload.Store(true)
	_, err = h.mgr.Upload(ctx, s.ID, watchURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDownload)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unavailable")

	h.tools.failDownload.Store(false)
	_, err = h.mgr.Upload(ctx, s.ID, watchURL)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.mgr.Clear(ctx, s.ID)
	require.NoError(t, err)
	got, err = h.mgr.Upload(ctx, s.ID, watchURL)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusReady, got.Status)
}

func TestOperationsBeforeUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s, err := h.mgr.Create(ctx)
	require.NoError(t, err)

	_, err = h.mgr.Compress(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)
	_, err = h.mgr.Slice(ctx, s.ID, 0, 1)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)
	_, err = h.mgr.Frame(ctx, s.ID, 0)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)
	_, err = h.mgr.FrameRate(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)
	_, err = h.mgr.Open(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)
	assert.Empty(t, h.fake.Calls())
}

func TestCompressTwiceKeepsSupersededFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	first, err := h.mgr.Compress(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.CurrentFilePath, first)

	second, err := h.mgr.Compress(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got.CurrentFilePath)
	assert.Equal(t, domain.SessionStatusReady, got.Status)

	assert.FileExists(t, s.CurrentFilePath)
	assert.FileExists(t, first)
	assert.FileExists(t, second)

	files, err := h.registry.Files(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.True(t, files[0].Superseded)
	assert.True(t, files[1].Superseded)
	assert.False(t, files[2].Superseded)
}

func TestCompressFailureKeepsPreviousFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	h.tools.failTranscode.Store(true)
	_, err := h.mgr.Compress(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTranscode)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusReady, got.Status)
	assert.Equal(t, s.CurrentFilePath, got.CurrentFilePath)

	path, err := h.mgr.Open(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.CurrentFilePath, path)
}

func TestSliceAndFrameLeaveCurrentFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	slice, err := h.mgr.Slice(ctx, s.ID, 1, 3.5)
	require.NoError(t, err)
	assert.FileExists(t, slice)
	assert.Contains(t, slice, "-sliced-")

	frame, err := h.mgr.Frame(ctx, s.ID, 2)
	require.NoError(t, err)
	assert.FileExists(t, frame)
	assert.True(t, strings.HasSuffix(frame, ".png"))

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.CurrentFilePath, got.CurrentFilePath)

	files, err := h.registry.Files(ctx, s.ID)
	require.NoError(t, err)
	kinds := make([]domain.FileKind, 0, len(files))
	for _, f := range files {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []domain.FileKind{domain.FileKindSource, domain.FileKindSlice, domain.FileKindFrame}, kinds)
}

func TestSliceInvalidRangeSpawnsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	_, err := h.mgr.Slice(ctx, s.ID, 5, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
	_, err = h.mgr.Frame(ctx, s.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
	assert.Zero(t, h.tools.ffmpegCalls.Load())
}

func TestFrameRate(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	rate, err := h.mgr.FrameRate(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, rate)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)
	compressed, err := h.mgr.Compress(ctx, s.ID)
	require.NoError(t, err)
	slice, err := h.mgr.Slice(ctx, s.ID, 0, 1)
	require.NoError(t, err)

	removed, err := h.mgr.Clear(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	for _, p := range []string{s.CurrentFilePath, compressed, slice} {
		assert.NoFileExists(t, p)
	}

	_, err = h.mgr.Open(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotUploaded)

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEmpty, got.Status)
}

func TestClearOnlyTouchesOwnSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	a := h.uploaded(t)
	b := h.uploaded(t)

	_, err := h.mgr.Clear(ctx, a.ID)
	require.NoError(t, err)

	path, err := h.mgr.Open(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.CurrentFilePath, path)
}

func TestMissingCurrentFileIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)
	require.NoError(t, os.Remove(s.CurrentFilePath))

	_, err := h.mgr.Open(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.mgr.Compress(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.mgr.FrameRate(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestToolsOutliveCancelledRequest(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s, err := h.mgr.Create(context.Background())
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawCancelled atomic.Bool
	inner := h.fake.Handler
	h.fake.Handler = func(ctx context.Context, name string, args []string) (toolexec.Result, error) {
		if ctx.Err() != nil {
			sawCancelled.Store(true)
		}
		return inner(ctx, name, args)
	}

	got, err := h.mgr.Upload(reqCtx, s.ID, watchURL)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusReady, got.Status)
	assert.False(t, sawCancelled.Load())
}

func TestLifetimeCancelStopsTools(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	lifetime, stop := context.WithCancel(context.Background())
	h.mgr.(*manager).cfg.Lifetime = lifetime

	s := h.uploaded(t)
	inner := h.fake.Handler
	h.fake.Handler = func(ctx context.Context, name string, args []string) (toolexec.Result, error) {
		if name == "ffmpeg" {
			stop()
			<-ctx.Done()
			return toolexec.Result{}, ctx.Err()
		}
		return inner(ctx, name, args)
	}

	_, err := h.mgr.Compress(context.Background(), s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentReadsAndCompress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				_, err := h.mgr.Compress(ctx, s.ID)
				assert.NoError(t, err)
				return
			}
			_, err := h.mgr.Slice(ctx, s.ID, 0, 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := h.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusReady, got.Status)
	assert.FileExists(t, got.CurrentFilePath)
	assert.Zero(t, h.mgr.(*manager).locks.size())
}

func TestClearRemovesFailedDownloadLeftovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s, err := h.mgr.Create(ctx)
	require.NoError(t, err)

	h.tools.failDownload.Store(true)
	_, err = h.mgr.Upload(ctx, s.ID, watchURL)
	require.ErrorIs(t, err, domain.ErrDownload)

	leftovers, err := filepath.Glob(filepath.Join(h.dir, s.ID+"*"))
	require.NoError(t, err)
	require.Len(t, leftovers, 1)

	removed, err := h.mgr.Clear(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	leftovers, err = filepath.Glob(filepath.Join(h.dir, s.ID+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestClearIgnoresCancelledRequest(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.mgr.Clear(ctx, s.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, s.CurrentFilePath)

	got, err := h.mgr.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEmpty, got.Status)
}

func TestClearIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)
	empty, err := h.mgr.Create(ctx)
	require.NoError(t, err)

	cleared, err := h.mgr.ClearIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, cleared)

	cleared, err = h.mgr.ClearIdle(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
	assert.NoFileExists(t, s.CurrentFilePath)

	for _, id := range []string{s.ID, empty.ID} {
		_, err := h.mgr.Get(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	files, err := h.registry.Files(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClearIdleDropsAbandonedSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, ExportConfig{})
	for range 50 {
		_, err := h.mgr.Create(ctx)
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)
	fresh, err := h.mgr.Create(ctx)
	require.NoError(t, err)

	cleared, err := h.mgr.ClearIdle(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 50, cleared)

	_, err = h.mgr.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

type fakeStore struct {
	mu       sync.Mutex
	uploaded []string
	deleted  []string
}

func (f *fakeStore) UploadFile(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storage.ObjectKey(opts.KeyPrefix, filepath.Base(localPath))
	f.uploaded = append(f.uploaded, key)
	return key, nil
}

func (f *fakeStore) ListObjects(_ context.Context, _ string, prefix string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ObjectInfo
	for _, key := range f.uploaded {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key})
		}
	}
	return out, nil
}

func (f *fakeStore) DeletePrefix(_ context.Context, _ string, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, prefix)
	return nil
}

func (f *fakeStore) GetObjectURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key + "?sig=1", nil
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	h := newHarness(t, store, ExportConfig{Bucket: "clips", KeyPrefix: "exports", PresignTTL: time.Minute})
	s := h.uploaded(t)

	exp, err := h.mgr.Export(ctx, s.ID)
	require.NoError(t, err)
	wantKey := "exports/" + s.ID + "/" + filepath.Base(s.CurrentFilePath)
	assert.Equal(t, wantKey, exp.Key)
	assert.Equal(t, "s3://clips/"+wantKey, exp.Location)
	assert.Contains(t, exp.URL, wantKey)

	objects, err := h.mgr.Exports(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, wantKey, objects[0].Key)

	_, err = h.mgr.Clear(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"exports/" + s.ID + "/"}, store.deleted)
}

func TestExportDisabled(t *testing.T) {
	h := newHarness(t, nil, ExportConfig{})
	s := h.uploaded(t)

	_, err := h.mgr.Export(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrStorageDisabled)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
