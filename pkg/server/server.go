package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pubwiki/wikidesigner/pkg/rendezvous"
	"github.com/pubwiki/wikidesigner/pkg/session"
	"github.com/pubwiki/wikidesigner/pkg/tools/builtin"
	"github.com/pubwiki/wikidesigner/pkg/wikifarm"
)

const (
	userIDRequired = "User ID is required"
	chatIDRequired = "chatId is required"
)

// Provisioner creates wikis. *wikifarm.Client implements it.
type Provisioner interface {
	CreateWiki(ctx context.Context, req wikifarm.CreateRequest, cookie string) (string, error)
	TaskEvents(ctx context.Context, taskID string) (io.ReadCloser, error)
}

type Server struct {
	e        *echo.Echo
	cm       *ChatManager
	registry *rendezvous.Registry
	farm     Provisioner
}

// New creates the HTTP API. farm may be nil, in which case the task routes
// answer 503.
func New(cm *ChatManager, registry *rendezvous.Registry, farm Provisioner) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())

	s := &Server{
		e:        e,
		cm:       cm,
		registry: registry,
		farm:     farm,
	}

	group := e.Group("/api")

	// Run a turn and stream its events
	group.POST("/chat", s.runChat)
	// Deliver the user's answer to an interactive tool
	group.POST("/ui/result", s.uiResult)

	group.GET("/chats", s.listChats)
	group.GET("/chats/:id", s.getChat)
	group.DELETE("/chats/:id", s.deleteChat)

	// Wiki provisioning
	group.POST("/task/create", s.createTask)
	group.GET("/task/:id/status", s.taskStatus)

	// Health check endpoint
	group.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Serve answers requests on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down server cleanly", "error", err)
		}
	}()

	slog.Info("Serving API", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to start server", "error", err)
		return err
	}
	return nil
}

func (s *Server) runChat(c echo.Context) error {
	var req ChatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	chatID, events, err := s.cm.RunChat(c.Request().Context(), req)
	switch {
	case errors.Is(err, ErrUserRequired):
		return echo.NewHTTPError(http.StatusBadRequest, userIDRequired)
	case errors.Is(err, ErrMessagesRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrOwnerMismatch):
		return echo.NewHTTPError(http.StatusForbidden, "chat belongs to another user")
	case err != nil:
		slog.Error("Failed to start chat", "chat_id", req.ChatID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start chat")
	}

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Chat-ID", chatID)
	res.WriteHeader(http.StatusOK)

	// The channel is always drained: the turn ends on its own once the
	// request context is cancelled.
	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("Failed to marshal event", "chat_id", chatID, "error", err)
			continue
		}
		fmt.Fprintf(res, "data: %s\n\n", data)
		res.Flush()
	}

	return nil
}

func (s *Server) uiResult(c echo.Context) error {
	var req UIResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.ChatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, chatIDRequired)
	}

	key := rendezvous.Key{ChatID: req.ChatID, Task: cmp.Or(req.TaskName, builtin.ToolNameEditPage)}
	slog.Debug("Received UI result", "key", key.String(), "confirm", req.Result["confirm"])
	s.registry.Deliver(key, req.Result)

	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

func (s *Server) listChats(c echo.Context) error {
	chats, err := s.cm.ListChats(c.Request().Context(), c.QueryParam("userId"))
	if errors.Is(err, ErrUserRequired) {
		return echo.NewHTTPError(http.StatusBadRequest, userIDRequired)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to list chats: %v", err))
	}

	out := make([]ChatSummary, len(chats))
	for i, sum := range chats {
		out[i] = ChatSummary{
			ID:        sum.ID,
			Title:     sum.Title,
			CreatedAt: sum.CreatedAt,
			UpdatedAt: sum.UpdatedAt,
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getChat(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, userIDRequired)
	}

	ch, err := s.cm.GetChat(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "chat not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to get chat: %v", err))
	}
	return c.JSON(http.StatusOK, ch)
}

func (s *Server) deleteChat(c echo.Context) error {
	err := s.cm.DeleteChat(c.Request().Context(), c.Param("id"), c.QueryParam("userId"))
	switch {
	case errors.Is(err, ErrUserRequired):
		return echo.NewHTTPError(http.StatusBadRequest, userIDRequired)
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "chat not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to delete chat: %v", err))
	}
	return c.JSON(http.StatusOK, OKResponse{OK: true})
}

func (s *Server) createTask(c echo.Context) error {
	if s.farm == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "wiki provisioning is not configured")
	}

	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	taskID, err := s.farm.CreateWiki(c.Request().Context(), wikifarm.CreateRequest{
		Slug:     req.Slug,
		Language: req.Language,
		Name:     req.Name,
	}, req.ReqCookie)
	if errors.Is(err, wikifarm.ErrMissingField) {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing slug, language or name")
	}
	if err != nil {
		slog.Error("Failed to create wiki", "slug", req.Slug, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, CreateTaskResponse{OK: true, TaskID: taskID})
}

// taskStatus relays the provisioning backend's event stream for a task.
func (s *Server) taskStatus(c echo.Context) error {
	if s.farm == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "wiki provisioning is not configured")
	}

	body, err := s.farm.TaskEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		slog.Warn("Failed to connect to task events", "task_id", c.Param("id"), "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "Failed to connect to backend SSE")
	}
	defer body.Close()

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return nil
			}
			res.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.Request().Context().Err() == nil {
				slog.Warn("Task event stream ended with an error", "task_id", c.Param("id"), "error", err)
			}
			return nil
		}
	}
}
