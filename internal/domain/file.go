package domain

import "time"

type FileKind string

const (
	FileKindSource     FileKind = "source"
	FileKindCompressed FileKind = "compressed"
	FileKindSlice      FileKind = "slice"
	FileKindFrame      FileKind = "frame"
)

// WorkingFile is a file in the working directory produced for a session.
// Files are never edited in place; a new version gets a new record.
type WorkingFile struct {
	ID         int64
	SessionID  string
	Path       string
	Kind       FileKind
	Superseded bool
	SizeBytes  int64
	CreatedAt  time.Time
}
