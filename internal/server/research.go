package server

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/notify"
	"github.com/mohammad-safakhou/colossus/internal/orchestrator"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

// Researcher creates sessions and reads their state.
type Researcher interface {
	StartSession(ctx context.Context, prompt string, attachments []reasoning.Attachment) (store.Session, store.Plan, error)
	Snapshot(ctx context.Context, sessionID int64) (orchestrator.Snapshot, bool, error)
}

// BranchStore toggles branch pause state.
type BranchStore interface {
	ToggleBranchPause(ctx context.Context, id int64) (store.Branch, bool, error)
	GetSession(ctx context.Context, id int64) (store.Session, bool, error)
}

// Enqueuer hands sessions to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID int64) (string, error)
	Resume(ctx context.Context, sessionID int64) (string, error)
}

// ResearchHandler serves the /research API.
type ResearchHandler struct {
	research Researcher
	branches BranchStore
	queue    Enqueuer
	hub      *notify.Hub
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewResearchHandler(research Researcher, branches BranchStore, queue Enqueuer, hub *notify.Hub, cfg config.ServerConfig, logger *log.Logger) *ResearchHandler {
	cfg = cfg.Normalize()
	return &ResearchHandler{
		research: research,
		branches: branches,
		queue:    queue,
		hub:      hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg),
		},
	}
}

// Register mounts the research endpoints under g.
func (h *ResearchHandler) Register(g *echo.Group) {
	g.GET("/health", h.health)
	g.POST("/start", h.start)
	g.POST("/pause/:branch_id", h.pause)
	g.POST("/resume/:session_id", h.resume)
	g.GET("/ws/:session_id", h.stream)
	g.GET("/:session_id", h.snapshot)
}

type startRequest struct {
	Prompt      string                 `json:"prompt"`
	Attachments []reasoning.Attachment `json:"attachments"`
}

type startResponse struct {
	SessionID int64 `json:"session_id"`
}

type pauseResponse struct {
	BranchID int64  `json:"branch_id"`
	Status   string `json:"status"`
}

func (h *ResearchHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// start plans a new session and enqueues its loop.
func (h *ResearchHandler) start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	ctx := c.Request().Context()
	sess, _, err := h.research.StartSession(ctx, req.Prompt, req.Attachments)
	if err != nil {
		return planningError(err)
	}
	if _, err := h.queue.Enqueue(ctx, sess.ID); err != nil {
		h.logger.Printf("enqueue session %d failed: %v", sess.ID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "session planned but could not be queued").SetInternal(err)
	}
	return c.JSON(http.StatusOK, startResponse{SessionID: sess.ID})
}

// planningError maps a planning failure to a response status.
func planningError(err error) error {
	switch {
	case reasoning.IsQuota(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error()).SetInternal(err)
	case reasoning.IsMalformed(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "planning failed").SetInternal(err)
	}
}

func (h *ResearchHandler) snapshot(c echo.Context) error {
	id, err := pathID(c, "session_id")
	if err != nil {
		return err
	}
	snap, ok, err := h.research.Snapshot(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, snap)
}

// pause flips a branch between active and paused.
func (h *ResearchHandler) pause(c echo.Context) error {
	id, err := pathID(c, "branch_id")
	if err != nil {
		return err
	}
	br, ok, err := h.branches.ToggleBranchPause(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "branch not found")
	}
	return c.JSON(http.StatusOK, pauseResponse{BranchID: br.ID, Status: br.Status})
}

// resume re-enqueues a session that has not finished, for example after
// every worker holding it went away.
func (h *ResearchHandler) resume(c echo.Context) error {
	id, err := pathID(c, "session_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sess, ok, err := h.branches.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if store.IsTerminalSession(sess.Status) {
		return echo.NewHTTPError(http.StatusConflict, "session already "+sess.Status)
	}
	if _, err := h.queue.Resume(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not queue session").SetInternal(err)
	}
	return c.JSON(http.StatusAccepted, startResponse{SessionID: id})
}

// stream upgrades to a websocket, sends the current snapshot and then
// relays live events until the client goes away.
func (h *ResearchHandler) stream(c echo.Context) error {
	id, err := pathID(c, "session_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, ok, err := h.branches.GetSession(ctx, id); err != nil {
		return err
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Printf("warn: websocket upgrade for session %d: %v", id, err)
		return nil
	}
	// Subscribed before the snapshot is read so no event falls between them.
	sub, err := h.hub.Subscribe(id, conn, func() (any, error) {
		snap, _, err := h.research.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		return orchestrator.SnapshotEvent(snap), nil
	})
	if err != nil {
		h.logger.Printf("warn: websocket snapshot for session %d: %v", id, err)
		return nil
	}
	defer h.hub.Remove(sub)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	})
	// Clients do not send anything meaningful; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func originChecker(cfg config.ServerConfig) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if cfg.AllowAnyOrigin {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
