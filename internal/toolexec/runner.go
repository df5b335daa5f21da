// Package toolexec runs external command line tools such as yt-dlp and ffmpeg.
package toolexec

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"yt-clipper/internal/metrics"
)

const waitDelay = 2 * time.Second

// Result carries the captured output of a finished command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes a command and blocks until it exits.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	// Timeout bounds every command; zero means no limit beyond ctx.
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		if ctx.Err() != nil {
			err = ctx.Err()
			result = "cancelled"
		}
	}
	metrics.ToolRunsTotal.WithLabelValues(name, result).Inc()

	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}

var _ Runner = ExecRunner{}
