package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrDownload     = errors.New("download failed")
	ErrTranscode    = errors.New("transcode failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidRange = errors.New("invalid range")
	ErrNotUploaded  = errors.New("no video uploaded")
	ErrInvalidState = errors.New("invalid session state")
)

// ToolError describes a failed external tool invocation.
type ToolError struct {
	Tool   string
	Kind   error
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewToolError builds a ToolError keeping only the last maxTail bytes of stderr.
func NewToolError(tool string, kind, err error, stderr string) *ToolError {
	return &ToolError{Tool: tool, Kind: kind, Err: err, Stderr: Tail(stderr, maxTail)}
}

const maxTail = 2048

// Tail returns at most n trailing bytes of s.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
