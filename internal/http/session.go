package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"yt-clipper/internal/domain"
)

const (
	sessionKey    = "session_id"
	sessionCookie = "clipper_session"
	tokenHeader   = "X-Session-Token"
)

func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie
	}
	return ""
}

// resolveSession returns the session named by the request token, or "" when
// the token is missing, invalid, or names a session that no longer exists.
func (h *Handler) resolveSession(c *gin.Context) (string, error) {
	token := tokenFrom(c)
	if token == "" {
		return "", nil
	}
	id, err := h.tokens.Parse(token)
	if err != nil {
		return "", nil
	}
	if _, err := h.manager.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// withSession attaches the caller's session, starting a fresh one when needed.
func (h *Handler) withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.resolveSession(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		if id == "" {
			s, err := h.manager.Create(c.Request.Context())
			if err != nil {
				h.fail(c, err)
				return
			}
			if _, err := h.issue(c, s.ID); err != nil {
				h.fail(c, err)
				return
			}
			id = s.ID
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

// requireSession rejects requests without a valid session token.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.resolveSession(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "no session"})
			return
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

func (h *Handler) issue(c *gin.Context, sessionID string) (string, error) {
	token, _, err := h.tokens.Issue(sessionID)
	if err != nil {
		return "", err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(h.tokens.TTL().Seconds()), "/", "", h.opts.SecureCookies, true)
	c.Header(tokenHeader, token)
	return token, nil
}

// requireAdmin guards maintenance endpoints with HTTP basic auth.
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || h.admin.Authenticate(user, pass) != nil {
			c.Header("WWW-Authenticate", `Basic realm="clipper-admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})
			return
		}
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
