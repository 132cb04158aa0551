// Package api serves the read-only status API over tasks.db:
//
//	GET /health
//	GET /api/v1/tasks?status=&user=
//	GET /api/v1/tasks/:uuid
//
// The API never mutates anything; task control stays with the forge labels
// and the pause signal file.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/version"
)

// TaskResponse is one task row as exposed by the API.
type TaskResponse struct {
	UUID             string     `json:"uuid"`
	TaskKey          string     `json:"task_key"`
	User             string     `json:"user"`
	Status           string     `json:"status"`
	Provider         string     `json:"provider,omitempty"`
	Model            string     `json:"model,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LLMCallCount     int        `json:"llm_call_count"`
	ToolCallCount    int        `json:"tool_call_count"`
	TotalTokens      int        `json:"total_tokens"`
	CompressionCount int        `json:"compression_count"`
	ResumeCount      int        `json:"resume_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	cfg *config.StatusAPIConfig
	db  *contextstore.DB

	httpServer *http.Server
}

// NewServer creates a status server over an opened tasks.db.
func NewServer(cfg *config.StatusAPIConfig, db *contextstore.DB) *Server {
	return &Server{cfg: cfg, db: db}
}

// Router builds the gin engine. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	v1 := r.Group("/api/v1")
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:uuid", s.getTask)
	return r
}

// Start begins serving on the configured address. Non-blocking; errors after
// startup are logged.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Status API listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// tasks.db reachability is the only internal dependency worth checking;
	// forge and LLM outages must not make the process look unhealthy.
	if _, err := s.db.List(ctx, contextstore.StatusRunning, ""); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"version": version.Full(),
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
	})
}

func (s *Server) listTasks(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", contextstore.StatusRunning, contextstore.StatusPaused,
		contextstore.StatusCompleted, contextstore.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + status})
		return
	}

	rows, err := s.db.List(c.Request.Context(), status, c.Query("user"))
	if err != nil {
		slog.Error("Listing tasks failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing tasks failed"})
		return
	}

	tasks := make([]TaskResponse, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, toResponse(row))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	row, err := s.db.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		if errors.Is(err, contextstore.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such task"})
			return
		}
		slog.Error("Fetching task failed", "uuid", c.Param("uuid"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetching task failed"})
		return
	}
	c.JSON(http.StatusOK, toResponse(*row))
}

func toResponse(row contextstore.TaskRow) TaskResponse {
	return TaskResponse{
		UUID:             row.UUID,
		TaskKey:          row.TaskKey,
		User:             row.User,
		Status:           row.Status,
		Provider:         row.Provider,
		Model:            row.Model,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		CompletedAt:      row.CompletedAt,
		LLMCallCount:     row.LLMCallCount,
		ToolCallCount:    row.ToolCallCount,
		TotalTokens:      row.TotalTokens,
		CompressionCount: row.CompressionCount,
		ResumeCount:      row.ResumeCount,
		ErrorMessage:     row.ErrorMessage,
	}
}
