package transcoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"yt-clipper/internal/domain"
	"yt-clipper/internal/metrics"
	"yt-clipper/internal/toolexec"
)

// Transcoder wraps the ffmpeg/ffprobe calls used on working files.
type Transcoder interface {
	Transcode(ctx context.Context, input string, opts Options) (string, error)
	ExtractSlice(ctx context.Context, input string, in, out float64) (string, error)
	ExtractFrame(ctx context.Context, input string, at float64) (string, error)
	ProbeFrameRate(ctx context.Context, input string) (int, error)
}

// Options controls a compression pass.
type Options struct {
	Codec  string
	CRF    int
	Preset string
}

// DefaultOptions mirrors the classic HEVC size-over-speed preset.
func DefaultOptions() Options {
	return Options{Codec: "libx265", CRF: 28, Preset: "slow"}
}

type Config struct {
	FFmpeg    string
	FFprobe   string
	CacheSize int
	Logger    *logrus.Logger
}

type ffmpeg struct {
	cfg    Config
	runner toolexec.Runner
	rates  *lru.Cache[string, int]
	probes singleflight.Group
	now    func() time.Time
}

func NewFFmpeg(cfg Config, runner toolexec.Runner) (Transcoder, error) {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = "ffprobe"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cache, err := lru.New[string, int](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create frame rate cache: %w", err)
	}
	return &ffmpeg{cfg: cfg, runner: runner, rates: cache, now: time.Now}, nil
}

func (f *ffmpeg) Transcode(ctx context.Context, input string, opts Options) (string, error) {
	def := DefaultOptions()
	if opts.Codec == "" {
		opts.Codec = def.Codec
	}
	if opts.Preset == "" {
		opts.Preset = def.Preset
	}

	output := basePath(input) + "-compressed.mp4"
	args := []string{
		"-y",
		"-i", input,
		"-vcodec", opts.Codec,
		"-crf", strconv.Itoa(opts.CRF),
		"-preset", opts.Preset,
		"-acodec", "copy",
		output,
	}
	if err := f.run(ctx, output, args...); err != nil {
		return "", err
	}
	return output, nil
}

func (f *ffmpeg) ExtractSlice(ctx context.Context, input string, in, out float64) (string, error) {
	if !validTime(in) || !validTime(out) || in >= out {
		return "", fmt.Errorf("%w: inpoint %v must be >= 0 and before outpoint %v", domain.ErrInvalidRange, in, out)
	}

	output := fmt.Sprintf("%s-sliced-%d-%s.mp4", basePath(input), f.now().Unix(), shortID())
	args := []string{
		"-y",
		"-ss", formatSeconds(in),
		"-i", input,
		"-t", formatSeconds(out - in),
		"-c:v", "libx264",
		"-c:a", "aac",
		output,
	}
	if err := f.run(ctx, output, args...); err != nil {
		return "", err
	}
	return output, nil
}

func (f *ffmpeg) ExtractFrame(ctx context.Context, input string, at float64) (string, error) {
	if !validTime(at) {
		return "", fmt.Errorf("%w: frame time %v must be >= 0", domain.ErrInvalidRange, at)
	}

	output := fmt.Sprintf("%s-frame-%s.png", basePath(input), shortID())
	args := []string{
		"-y",
		"-ss", formatSeconds(at),
		"-i", input,
		"-frames:v", "1",
		output,
	}
	if err := f.run(ctx, output, args...); err != nil {
		return "", err
	}
	return output, nil
}

// ProbeFrameRate returns the rounded frame rate of the first video stream.
// Working files are never modified so results are cached by path.
func (f *ffmpeg) ProbeFrameRate(ctx context.Context, input string) (int, error) {
	if rate, ok := f.rates.Get(input); ok {
		metrics.ProbeCacheHitsTotal.Inc()
		return rate, nil
	}

	v, err, _ := f.probes.Do(input, func() (any, error) {
		args := []string{
			"-v", "error",
			"-select_streams", "v:0",
			"-show_entries", "stream=r_frame_rate",
			"-of", "default=noprint_wrappers=1:nokey=1",
			input,
		}
		res, err := f.runner.Run(ctx, f.cfg.FFprobe, args...)
		if err != nil {
			return 0, domain.NewToolError(f.cfg.FFprobe, domain.ErrTranscode, err, string(res.Stderr))
		}
		rate, err := ParseFrameRate(string(res.Stdout))
		if err != nil {
			return 0, domain.NewToolError(f.cfg.FFprobe, domain.ErrTranscode, err, string(res.Stderr))
		}
		f.rates.Add(input, rate)
		return rate, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// ParseFrameRate turns ffprobe's "num/den" rational into a rounded integer.
func ParseFrameRate(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if raw == "" {
		return 0, errors.New("empty frame rate")
	}

	num, den := raw, "1"
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		num, den = raw[:i], raw[i+1:]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", raw, err)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", raw, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("frame rate %q has zero denominator", raw)
	}

	rate := int(math.Round(n / d))
	if rate <= 0 {
		return 0, fmt.Errorf("frame rate %q is not positive", raw)
	}
	return rate, nil
}

func (f *ffmpeg) run(ctx context.Context, output string, args ...string) error {
	log := f.cfg.Logger.WithField("component", "ffmpeg").WithField("output", filepath.Base(output))
	log.Debug("running ffmpeg")

	res, err := f.runner.Run(ctx, f.cfg.FFmpeg, args...)
	if err != nil {
		// never leave a half written file behind
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.WithError(rmErr).Warn("remove partial output")
		}
		return domain.NewToolError(f.cfg.FFmpeg, domain.ErrTranscode, err, string(res.Stderr))
	}
	if _, err := os.Stat(output); err != nil {
		return domain.NewToolError(f.cfg.FFmpeg, domain.ErrTranscode, fmt.Errorf("output missing: %w", err), string(res.Stderr))
	}
	return nil
}

func basePath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input))
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func validTime(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
