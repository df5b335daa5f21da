package downloader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/toolexec"
)

// only watch URLs are accepted, playlists and shorts links are rejected
var watchURL = regexp.MustCompile(`^https://www\.youtube\.com/watch\?v=([\w-]+)`)

// ParseWatchURL validates a YouTube watch URL and returns the video id.
func ParseWatchURL(raw string) (string, error) {
	m := watchURL.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", fmt.Errorf("%w: %q is not a youtube watch url", domain.ErrValidation, raw)
	}
	return m[1], nil
}

// Downloader fetches a source video into the working directory.
type Downloader interface {
	DownloadSource(ctx context.Context, url, dir, prefix string) (string, error)
}

type Config struct {
	Binary string
	// Format is the yt-dlp format selector; mp4 is preferred so ffmpeg can copy audio.
	Format string
	Logger *logrus.Logger
}

type ytdlp struct {
	cfg    Config
	runner toolexec.Runner
}

func NewYtDlp(cfg Config, runner toolexec.Runner) Downloader {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/bv*+ba/b"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &ytdlp{cfg: cfg, runner: runner}
}

func (d *ytdlp) DownloadSource(ctx context.Context, url, dir, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create videos dir: %w", err)
	}

	template := filepath.Join(dir, prefix+"-%(id)s.%(ext)s")
	args := []string{
		"--no-playlist",
		"-f", d.cfg.Format,
		"--merge-output-format", "mp4",
		"-o", template,
		"--print", "after_move:filepath",
		"--no-warnings",
		"--no-progress",
		url,
	}

	log := d.cfg.Logger.WithField("component", "yt-dlp").WithField("url", url)
	log.Debug("starting download")

	res, err := d.runner.Run(ctx, d.cfg.Binary, args...)
	if err != nil {
		return "", domain.NewToolError(d.cfg.Binary, domain.ErrDownload, err, string(res.Stderr))
	}

	path := lastLine(res.Stdout)
	if path == "" {
		return "", domain.NewToolError(d.cfg.Binary, domain.ErrDownload, fmt.Errorf("no output path reported"), string(res.Stderr))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", domain.NewToolError(d.cfg.Binary, domain.ErrDownload, fmt.Errorf("reported file missing: %w", err), string(res.Stderr))
	}
	if info.IsDir() {
		return "", domain.NewToolError(d.cfg.Binary, domain.ErrDownload, fmt.Errorf("reported path %s is a directory", path), "")
	}

	log.WithField("path", path).WithField("bytes", info.Size()).Info("download finished")
	return path, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n")))), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
