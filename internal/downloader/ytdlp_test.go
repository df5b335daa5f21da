package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/toolexec"
	"yt-clipper/internal/toolexec/toolexectest"
)

func TestParseWatchURL(t *testing.T) {
	id, err := ParseWatchURL("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", id)

	id, err = ParseWatchURL("https://www.youtube.com/watch?v=a-b_c&t=10s")
	require.NoError(t, err)
	assert.Equal(t, "a-b_c", id)

	for _, bad := range []string{
		"",
		"not a url",
		"https://youtu.be/dQw4w9WgXcQ",
		"http://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://www.youtube.com/playlist?list=PL123",
		"https://evil.test/?u=https://www.youtube.com/watch?v=x",
	} {
		_, err := ParseWatchURL(bad)
		assert.ErrorIs(t, err, domain.ErrValidation, bad)
	}
}

func TestDownloadSource_ReturnsPrintedPath(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "s1-abc.mp4")

	fake := &toolexectest.Fake{Handler: func(_ context.Context, _ string, args []string) (toolexec.Result, error) {
		require.NoError(t, os.WriteFile(want, []byte("video"), 0o644))
		return toolexec.Result{Stdout: []byte("[info] noise\n" + want + "\n")}, nil
	}}

	d := NewYtDlp(Config{}, fake)
	got, err := d.DownloadSource(context.Background(), "https://www.youtube.com/watch?v=abc", dir, "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "yt-dlp", calls[0].Name)
	assert.Contains(t, calls[0].Args, "--no-playlist")
	assert.Contains(t, calls[0].Args, filepath.Join(dir, "s1-%(id)s.%(ext)s"))
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", calls[0].Args[len(calls[0].Args)-1])
}

func TestDownloadSource_ToolFailure(t *testing.T) {
	fake := &toolexectest.Fake{Handler: func(context.Context, string, []string) (toolexec.Result, error) {
		return toolexec.Result{Stderr: []byte("ERROR: Video unavailable")}, errors.New("exit status 1")
	}}

	_, err := NewYtDlp(Config{}, fake).DownloadSource(context.Background(), "https://www.youtube.com/watch?v=gone", t.TempDir(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDownload)

	var toolErr *domain.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Stderr, "Video unavailable")
}

func TestDownloadSource_MissingOutput(t *testing.T) {
	dir := t.TempDir()
	fake := &toolexectest.Fake{Handler: func(context.Context, string, []string) (toolexec.Result, error) {
		return toolexec.Result{Stdout: []byte(filepath.Join(dir, "never-written.mp4"))}, nil
	}}

	_, err := NewYtDlp(Config{}, fake).DownloadSource(context.Background(), "https://www.youtube.com/watch?v=abc", dir, "s1")
	assert.ErrorIs(t, err, domain.ErrDownload)
}

func TestDownloadSource_EmptyOutput(t *testing.T) {
	fake := &toolexectest.Fake{}

	_, err := NewYtDlp(Config{}, fake).DownloadSource(context.Background(), "https://www.youtube.com/watch?v=abc", t.TempDir(), "s1")
	assert.ErrorIs(t, err, domain.ErrDownload)
}
