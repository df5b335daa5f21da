package domain

import "time"

type SessionStatus string

const (
	SessionStatusEmpty       SessionStatus = "empty"
	SessionStatusDownloading SessionStatus = "downloading"
	SessionStatusReady       SessionStatus = "ready"
	SessionStatusFailed      SessionStatus = "failed"
)

// Session tracks one client's working video from download to cleanup.
type Session struct {
	ID              string
	SourceURL       string
	SourceID        string
	CurrentFilePath string
	Status          SessionStatus
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasFile reports whether the session points at a current working file.
func (s *Session) HasFile() bool {
	return s.Status == SessionStatusReady && s.CurrentFilePath != ""
}
