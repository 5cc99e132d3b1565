// Package httpapi exposes a small token-authenticated admin API for external
// integrations (import pipelines, dashboards). It drives the same lifecycle
// manager as the chat commands.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"casebot/internal/notifier"
	"casebot/internal/storage"
	logx "casebot/pkg/logx"
)

// Manager is the slice of the lifecycle API the admin surface needs.
type Manager interface {
	Create(ctx context.Context, req notifier.CreateRequest) (*storage.Record, error)
	EditScheduledTime(ctx context.Context, id string, newTime time.Time) (notifier.EditResult, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
	CancelAllForCase(ctx context.Context, caseNumber, reason string) (int, error)
	ListPending(ctx context.Context, f storage.ListFilter) ([]storage.Record, error)
	Get(ctx context.Context, id string) (*storage.Record, error)
	Stats(ctx context.Context) (notifier.Stats, error)
}

// CaseUpserter maintains the enrichment directory.
type CaseUpserter interface {
	UpsertCase(ctx context.Context, info storage.CaseInfo) error
}

type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

type Server struct {
	cfg   Config
	mgr   Manager
	cases CaseUpserter
	log   logx.Logger
	srv   *http.Server
}

func New(cfg Config, mgr Manager, cases CaseUpserter, log logx.Logger) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("httpapi: manager is required")
	}
	if cfg.Enabled && strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("httpapi: token is required when enabled")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, mgr: mgr, cases: cases, log: log}, nil
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1", s.auth)
	api.GET("/stats", s.handleStats)
	api.GET("/notifications", s.handleList)
	api.GET("/notifications/:id", s.handleGet)
	api.POST("/notifications", s.handleCreate)
	api.PATCH("/notifications/:id/schedule", s.handleEdit)
	api.POST("/notifications/:id/cancel", s.handleCancel)
	api.POST("/cases/:caseNumber/cancel-all", s.handleCancelCase)
	api.PUT("/cases/:caseNumber", s.handleUpsertCase)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func (s *Server) Start(_ context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api server stopped", logx.Err(err))
		}
	}()
	s.log.Info("admin api listening", logx.String("addr", addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(c *gin.Context) {
	got := c.GetHeader("Authorization")
	want := "Bearer " + s.cfg.Token
	if s.cfg.Token == "" || got != want {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type createBody struct {
	CaseNumber    string          `json:"case_number"`
	DossierNumber string          `json:"dossier_number"`
	Kind          string          `json:"kind"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
	TimeOfDay     string          `json:"time_of_day"`
	ChatID        int64           `json:"chat_id"`
	ThreadID      int             `json:"thread_id"`
	Payload       storage.Payload `json:"payload"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := notifier.CreateRequest{
		CaseNumber:    body.CaseNumber,
		DossierNumber: body.DossierNumber,
		Kind:          storage.Kind(body.Kind),
		TimeOfDay:     body.TimeOfDay,
		ChatID:        body.ChatID,
		ThreadID:      body.ThreadID,
		Payload:       body.Payload,
	}
	if body.ScheduledAt != nil {
		req.ScheduledAt = *body.ScheduledAt
	}
	rec, err := s.mgr.Create(c.Request.Context(), req)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordView(rec))
}

type editBody struct {
	NewTime time.Time `json:"new_time"`
}

func (s *Server) handleEdit(c *gin.Context) {
	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.mgr.EditScheduledTime(c.Request.Context(), c.Param("id"), body.NewTime)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"success":      res.Success,
		"message":      res.Message,
		"strategy":     res.Strategy,
		"affected_ids": res.AffectedIDs,
	})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var body cancelBody
	_ = c.ShouldBindJSON(&body)
	ok, err := s.mgr.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleCancelCase(c *gin.Context) {
	var body cancelBody
	_ = c.ShouldBindJSON(&body)
	n, err := s.mgr.CancelAllForCase(c.Request.Context(), c.Param("caseNumber"), body.Reason)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) handleList(c *gin.Context) {
	f := storage.ListFilter{
		CaseNumber: c.Query("case_number"),
		Kind:       storage.Kind(c.Query("kind")),
	}
	recs, err := s.mgr.ListPending(c.Request.Context(), f)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	out := make([]gin.H, 0, len(recs))
	for i := range recs {
		out = append(out, recordView(&recs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, err := s.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, recordView(rec))
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.mgr.Stats(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleUpsertCase(c *gin.Context) {
	if s.cases == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "case directory disabled"})
		return
	}
	var info storage.CaseInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info.CaseNumber = c.Param("caseNumber")
	if err := s.cases.UpsertCase(c.Request.Context(), info); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notifier.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		s.log.Error("admin api request failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func recordView(rec *storage.Record) gin.H {
	return gin.H{
		"id":             rec.ID,
		"case_number":    rec.CaseNumber,
		"dossier_number": rec.DossierNumber,
		"kind":           rec.Kind,
		"scheduled_at":   rec.ScheduledAt,
		"status":         rec.Status,
		"chat_id":        rec.ChatID,
		"thread_id":      rec.ThreadID,
		"payload":        rec.Payload,
		"retry_count":    rec.RetryCount,
		"error":          rec.Error,
		"cancel_reason":  rec.CancelReason,
		"created_at":     rec.CreatedAt,
		"updated_at":     rec.UpdatedAt,
	}
}
