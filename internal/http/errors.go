package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"yt-clipper/internal/domain"
)

// statusFor maps domain failures onto the three statuses clients expect.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotUploaded),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	entry := h.logger.WithError(err).WithField("path", c.FullPath())
	if id, ok := c.Get(sessionKey); ok {
		entry = entry.WithField("session_id", id)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
		if h.opts.HideInternalErrors {
			msg = "internal error"
		}
	} else {
		entry.Debug("request rejected")
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}
