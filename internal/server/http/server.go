// Package http exposes the orchestration engine to clients: task creation
// and lifecycle operations, a paginated event poll, a websocket event
// stream, health and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forge/internal/orchestrator"
	sharederrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
	"forge/internal/task"
)

// Config configures the HTTP server.
type Config struct {
	Host        string
	Port        int
	EnableCORS  bool
	ProjectRoot string
}

// Server wires the gin engine to the orchestrator and task store.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	orch     *orchestrator.Orchestrator
	store    task.Store
	logger   logging.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg Config, orch *orchestrator.Orchestrator, store task.Store, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		orch:   orch,
		store:  store,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.POST("/tasks", s.handleCreateTask)
	api.GET("/tasks/:id/progress", s.handleProgress)
	api.POST("/tasks/:id/resume", s.handleResume)
	api.POST("/tasks/:id/cancel", s.handleCancel)
	api.POST("/tasks/:id/force-cancel", s.handleForceCancel)
	api.GET("/tasks/:id/events", s.handleEvents)
	api.GET("/tasks/:id/events/ws", s.handleEventsWS)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskRequest struct {
	Prompt     string `json:"prompt" binding:"required"`
	WorkflowID string `json:"workflow_id"`
}

// handleCreateTask creates the task (or finds a recent duplicate) and starts
// a worker unless the duplicate is already running.
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.store.Create(c.Request.Context(), task.CreateParams{
		Prompt:      req.Prompt,
		WorkflowID:  req.WorkflowID,
		ProjectRoot: s.cfg.ProjectRoot,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"task_id": result.TaskID, "duplicate": true})
		return
	}
	if err := s.orch.Start(result.TaskID); err != nil {
		if sharederrors.Is(err, sharederrors.CodeAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"task_id": result.TaskID, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"task_id": result.TaskID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": result.TaskID, "duplicate": false})
}

func (s *Server) handleProgress(c *gin.Context) {
	report, err := s.orch.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleResume(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.Resume(taskID); err != nil {
		if sharederrors.Is(err, sharederrors.CodeAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id")})
}

func (s *Server) handleForceCancel(c *gin.Context) {
	if err := s.orch.ForceCancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "status": string(task.StatusCancelled)})
}

// handleEvents returns buffered events after the given cursor.
func (s *Server) handleEvents(c *gin.Context) {
	after := uint64(0)
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid cursor %q", raw)})
			return
		}
		after = parsed
	}
	events := s.orch.Events().After(c.Param("id"), after)
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next": next})
}

// handleEventsWS streams buffered history then live events over a websocket.
func (s *Server) handleEventsWS(c *gin.Context) {
	taskID := c.Param("id")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	live, cancel := s.orch.Events().Subscribe(taskID)
	defer cancel()

	cursor := uint64(0)
	for _, ev := range s.orch.Events().After(taskID, 0) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		cursor = ev.Seq
	}

	// Reader goroutine notices client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= cursor {
				continue
			}
			cursor = ev.Seq
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
