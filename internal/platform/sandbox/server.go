// Package sandbox runs an in-process emulation of the carelink gateway:
// the messaging REST surface, the assistant's event stream, and the realtime
// websocket endpoint. It exists so the client stack can be developed and
// integration-tested without a deployed backend; it is not a production
// server.
package sandbox

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/messaging"
)

// DefaultToken is the bearer token a fresh sandbox accepts.
const DefaultToken = "sandbox-token"

// Option configures a Server.
type Option func(*Server)

// WithToken sets the bearer token the sandbox accepts.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is the sandbox gateway. Create with New, then either Start it on an
// address or mount Handler() on a test server.
type Server struct {
	echo  *echo.Echo
	hub   *hub
	data  *state
	token string
	log   zerolog.Logger
}

// New builds a sandbox seeded with demo threads.
func New(opts ...Option) *Server {
	s := &Server{
		token: DefaultToken,
		log:   zerolog.Nop(),
		data:  newState(),
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = newHub(s.log)
	s.data.seed()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s.echo = e
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/v1", s.requireBearer)
	api.GET("/messaging/threads", s.listThreads)
	api.POST("/messaging/threads", s.startThread)
	api.GET("/messaging/threads/:id/messages", s.listMessages)
	api.POST("/messaging/threads/:id/messages", s.sendMessage)
	api.POST("/messaging/threads/:id/read", s.markThreadRead)
	api.POST("/messaging/attachments", s.uploadAttachment)
	api.POST("/assistant/chat", s.handleChat)

	s.echo.GET("/ws", s.handleWS, s.requireBearer)
}

// Handler exposes the sandbox as an http.Handler for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("sandbox gateway listening")
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requireBearer rejects requests that do not carry the sandbox token.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		if header != "Bearer "+s.token {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		return next(c)
	}
}

// ---------------------------------------------------------------------------
// Messaging REST surface
// ---------------------------------------------------------------------------

func (s *Server) listThreads(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 {
		pageSize = 20
	}
	return c.JSON(http.StatusOK, s.data.listThreads(c.QueryParam("search"), page, pageSize))
}

func (s *Server) listMessages(c echo.Context) error {
	threadID := c.Param("id")
	if s.data.thread(threadID) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = 20
	}
	return c.JSON(http.StatusOK, s.data.listMessages(threadID, c.QueryParam("before"), limit))
}

func (s *Server) sendMessage(c echo.Context) error {
	threadID := c.Param("id")
	t := s.data.thread(threadID)
	if t == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	if !t.CanSendMessage {
		return echo.NewHTTPError(http.StatusForbidden, "thread is read-only until the connection is approved")
	}

	var req messaging.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" && len(req.AttachmentIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "message needs content or attachments")
	}

	msg := &messaging.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   PatientID,
		SenderRole: messaging.RolePatient,
		Type:       req.Type,
		CreatedAt:  time.Now(),
	}
	if req.Content != "" {
		content := req.Content
		msg.Content = &content
	}
	for _, id := range req.AttachmentIDs {
		if a := s.data.attachment(id); a != nil {
			msg.Attachments = append(msg.Attachments, *a)
		}
	}

	s.data.append(msg)
	// The push races the REST response on purpose; clients must reconcile by
	// server id either way.
	s.hub.broadcast(threadID, messaging.FrameNewMessage, msg)
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) markThreadRead(c echo.Context) error {
	threadID := c.Param("id")
	if err := s.data.markRead(threadID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.hub.broadcast(threadID, messaging.FrameMessageRead, map[string]interface{}{
		"thread_id":   threadID,
		"reader_type": messaging.RolePatient,
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) uploadAttachment(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	a := &messaging.Attachment{
		ID:        uuid.New().String(),
		FileName:  file.Filename,
		URL:       "/v1/messaging/attachments/" + uuid.New().String(),
		MimeType:  file.Header.Get("Content-Type"),
		SizeBytes: file.Size,
	}
	s.data.saveAttachment(a)
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) startThread(c echo.Context) error {
	var req struct {
		CounterpartID string `json:"counterpart_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CounterpartID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "counterpart_id is required")
	}
	return c.JSON(http.StatusCreated, s.data.createThread(req.CounterpartID))
}

// ---------------------------------------------------------------------------
// Counterpart simulation
// ---------------------------------------------------------------------------

// PushCounterpartMessage injects a message from the thread's counterpart, as
// if the doctor had replied. It is stored and broadcast like any other
// message.
func (s *Server) PushCounterpartMessage(threadID, text string) (*messaging.Message, error) {
	t := s.data.thread(threadID)
	if t == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "thread not found")
	}
	msg := newTextMessage(threadID, t.CounterpartID, t.CounterpartRole, text, time.Now())
	s.data.append(msg)
	s.hub.broadcast(threadID, messaging.FrameNewMessage, msg)
	return msg, nil
}

// PushCounterpartRead injects a read receipt from the counterpart.
func (s *Server) PushCounterpartRead(threadID string) {
	s.hub.broadcast(threadID, messaging.FrameMessageRead, map[string]interface{}{
		"thread_id":   threadID,
		"reader_type": messaging.RoleDoctor,
	})
}

// ConnectedClients reports how many websocket clients are attached.
func (s *Server) ConnectedClients() int {
	return s.hub.clientCount()
}
