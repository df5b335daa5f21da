package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"yt-clipper/internal/auth"
	"yt-clipper/internal/domain"
	"yt-clipper/internal/metrics"
	"yt-clipper/internal/reaper"
	"yt-clipper/internal/session"
	"yt-clipper/internal/storage"
)

// Sweeper runs an on-demand reaper pass.
type Sweeper interface {
	RunOnce(ctx context.Context) *reaper.Result
}

type Options struct {
	// HideInternalErrors replaces 500 messages with a generic one.
	HideInternalErrors bool
	SecureCookies      bool
}

// Handler wires HTTP routes to the session manager.
type Handler struct {
	manager session.Manager
	tokens  *auth.TokenIssuer
	admin   *auth.Admin
	sweeper Sweeper
	logger  *logrus.Logger
	opts    Options
}

func NewHandler(manager session.Manager, tokens *auth.TokenIssuer, admin *auth.Admin, sweeper Sweeper, logger *logrus.Logger, opts Options) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager: manager,
		tokens:  tokens,
		admin:   admin,
		sweeper: sweeper,
		logger:  logger,
		opts:    opts,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(metrics.Middleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pinged api successfully"})
		})
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/session", h.createSession)
		api.GET("/session", h.requireSession(), h.getSession)
		api.POST("/admin/sweep", h.requireAdmin(), h.sweep)
	}

	clips := api.Group("", h.withSession())
	{
		clips.POST("/upload", h.upload)
		clips.POST("/compress", h.compress)
		clips.POST("/download", h.download)
		clips.POST("/download/slice", h.downloadSlice)
		clips.POST("/download/frame", h.downloadFrame)
		clips.POST("/framerate", h.frameRate)
		clips.POST("/clearvideos", h.clearVideos)
		clips.POST("/export", h.export)
		clips.GET("/exports", h.listExports)
	}
}

type filePathRequest struct {
	FilePath string `json:"filePath"`
}

type uploadRequest struct {
	URL string `json:"url"`
}

type sliceRequest struct {
	FilePath string   `json:"filePath"`
	Inpoint  *float64 `json:"inpoint"`
	Outpoint *float64 `json:"outpoint"`
}

type frameRequest struct {
	FilePath    string   `json:"filePath"`
	CurrentTime *float64 `json:"currentTime"`
}

// SessionResponse is the client view of a session.
type SessionResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	YoutubeID string    `json:"youtubeId,omitempty"`
	FilePath  string    `json:"filePath,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StorageObjectResponse struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

func (h *Handler) createSession(c *gin.Context) {
	s, err := h.manager.Create(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	token, err := h.issue(c, s.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"sessionId": s.ID,
		"token":     token,
		"status":    s.Status,
	})
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sessionToResponse(*s)})
}

func (h *Handler) upload(c *gin.Context) {
	var req uploadRequest
	if !h.bind(c, &req) {
		return
	}
	s, err := h.manager.Upload(c.Request.Context(), sessionID(c), req.URL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"youtubeId": s.SourceID,
		"filePath":  publicPath(s.CurrentFilePath),
	})
}

func (h *Handler) compress(c *gin.Context) {
	var req filePathRequest
	if !h.bind(c, &req) || !h.checkPath(c, req.FilePath) {
		return
	}
	out, err := h.manager.Compress(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "filePath": publicPath(out)})
}

func (h *Handler) download(c *gin.Context) {
	var req filePathRequest
	if !h.bind(c, &req) || !h.checkPath(c, req.FilePath) {
		return
	}
	path, err := h.manager.Open(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	serveFile(c, path)
}

func (h *Handler) downloadSlice(c *gin.Context) {
	var req sliceRequest
	if !h.bind(c, &req) || !h.checkPath(c, req.FilePath) {
		return
	}
	if req.Inpoint == nil || req.Outpoint == nil {
		h.fail(c, fmt.Errorf("%w: inpoint and outpoint are required", domain.ErrValidation))
		return
	}
	out, err := h.manager.Slice(c.Request.Context(), sessionID(c), *req.Inpoint, *req.Outpoint)
	if err != nil {
		h.fail(c, err)
		return
	}
	serveFile(c, out)
}

func (h *Handler) downloadFrame(c *gin.Context) {
	var req frameRequest
	if !h.bind(c, &req) || !h.checkPath(c, req.FilePath) {
		return
	}
	if req.CurrentTime == nil {
		h.fail(c, fmt.Errorf("%w: currentTime is required", domain.ErrValidation))
		return
	}
	out, err := h.manager.Frame(c.Request.Context(), sessionID(c), *req.CurrentTime)
	if err != nil {
		h.fail(c, err)
		return
	}
	serveFile(c, out)
}

func (h *Handler) frameRate(c *gin.Context) {
	var req filePathRequest
	if !h.bind(c, &req) || !h.checkPath(c, req.FilePath) {
		return
	}
	rate, err := h.manager.FrameRate(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "frameRate": rate})
}

func (h *Handler) clearVideos(c *gin.Context) {
	var req filePathRequest
	if !h.bind(c, &req) {
		return
	}
	if _, err := h.manager.Clear(c.Request.Context(), sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) export(c *gin.Context) {
	exp, err := h.manager.Export(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "location": exp.Location, "url": exp.URL})
}

func (h *Handler) listExports(c *gin.Context) {
	objects, err := h.manager.Exports(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]StorageObjectResponse, 0, len(objects))
	for _, obj := range objects {
		resp = append(resp, objectToResponse(obj))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "objects": resp})
}

func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "reaper not running"})
		return
	}
	result := h.sweeper.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// bind decodes an optional JSON body; an empty body leaves req zeroed.
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return false
	}
	return true
}

// checkPath rejects a client that names a file other than the session's
// current one. Sessions without a file fall through to the manager.
func (h *Handler) checkPath(c *gin.Context, filePath string) bool {
	if filePath == "" {
		return true
	}
	s, err := h.manager.Get(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return false
	}
	if !s.HasFile() {
		return true
	}
	if filePath != s.CurrentFilePath && filePath != publicPath(s.CurrentFilePath) {
		h.fail(c, fmt.Errorf("%w: file %s is not the current file", domain.ErrValidation, filePath))
		return false
	}
	return true
}

func serveFile(c *gin.Context, path string) {
	c.Header("Content-Type", storage.ContentTypeFor(path))
	c.FileAttachment(path, filepath.Base(path))
}

// publicPath hides the server's directory layout from clients.
func publicPath(path string) string {
	if path == "" {
		return ""
	}
	return "videos/" + filepath.Base(path)
}

func sessionToResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		Status:    string(s.Status),
		SourceURL: s.SourceURL,
		YoutubeID: s.SourceID,
		FilePath:  publicPath(s.CurrentFilePath),
		Error:     s.ErrorMessage,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	return StorageObjectResponse{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: obj.LastModified,
	}
}
