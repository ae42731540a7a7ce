// Package httpapi exposes registration, list snapshots and list streams over
// HTTP, next to health and Prometheus metrics.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/provider"
)

const (
	maxRequestBody  = 1 << 20
	registerTimeout = 30 * time.Second
	writeWait       = 10 * time.Second
	streamMailbox   = 16
)

// Searches is the part of the provider the HTTP surface needs.
type Searches interface {
	Unregister(ctx context.Context, handle string) (bool, error)
	Stats() provider.Stats
	ListName(handle string) string
}

// Options configures a Server.
type Options struct {
	Config   config.HTTPConfig
	RPCName  string
	Log      *slog.Logger
	Broker   *broker.Broker
	Searches Searches
}

// Server is the HTTP server.
type Server struct {
	cfg      config.HTTPConfig
	rpcName  string
	log      *slog.Logger
	broker   *broker.Broker
	searches Searches
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	done     chan struct{}
	doneOnce sync.Once
}

// New builds the server and its routes. Nothing listens until Start.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      opts.Config,
		rpcName:  opts.RPCName,
		log:      log.With("component", "http"),
		broker:   opts.Broker,
		searches: opts.Searches,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/search", rateLimit(opts.Config.RegisterRatePerMinute, opts.Config.RegisterBurst), s.register)
	v1.DELETE("/search/:handle", s.unregister)
	v1.GET("/lists/:handle", s.snapshot)
	v1.GET("/lists/:handle/events", s.listEvents)
	v1.GET("/lists/:handle/ws", s.listSocket)
	v1.GET("/topics", s.topics)
	v1.GET("/stats", s.stats)

	s.engine = router
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	s.addr = ln.Addr().String()
	s.log.Info("http server listening", "addr", s.addr)

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop ends open streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.log.Info("http server stopped")
	return err
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch searcherr.KindOf(err) {
	case searcherr.KindValidation:
		return http.StatusBadRequest
	case searcherr.KindCompile:
		return http.StatusUnprocessableEntity
	case searcherr.KindStore:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, broker.ErrNoProvider), errors.Is(err, broker.ErrOverloaded), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if k := searcherr.KindOf(err); k != searcherr.KindUnknown {
		body["kind"] = k.String()
	}
	c.AbortWithStatusJSON(statusFor(err), body)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activeSearches": s.searches.Stats().ActiveSearches})
}

// register forwards the body to the register RPC, the same path IPC clients
// take.
func (s *Server) register(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		s.fail(c, searcherr.Validation("http.register", provider.ErrInvalidRequest))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), registerTimeout)
	defer cancel()
	out, err := s.broker.Make(ctx, s.rpcName, body)
	if err != nil {
		s.fail(c, err)
		return
	}
	var handle string
	if err := json.Unmarshal(out, &handle); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle, "list": s.searches.ListName(handle)})
}

func (s *Server) unregister(c *gin.Context) {
	existed, err := s.searches.Unregister(c.Request.Context(), c.Param("handle"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"existed": existed})
}

func (s *Server) snapshot(c *gin.Context) {
	handle := c.Param("handle")
	data, ok := s.broker.Record(s.searches.ListName(handle))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "list not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle, "entries": json.RawMessage(data)})
}

func (s *Server) topics(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Topics())
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.searches.Stats())
}

// subscribe attaches a channel-backed subscriber to the list of handle. The
// returned cancel must be called exactly once.
func (s *Server) subscribe(handle string) (<-chan *broker.Message, func(), error) {
	msgs := make(chan *broker.Message, streamMailbox)
	stop := make(chan struct{})
	unsubscribe, err := s.broker.Subscribe(s.searches.ListName(handle), broker.SubscriberFunc(func(msg *broker.Message) {
		select {
		case msgs <- msg:
		case <-stop:
		}
	}))
	if err != nil {
		return nil, nil, err
	}
	return msgs, func() {
		close(stop)
		unsubscribe()
	}, nil
}

// listEvents streams the list of a handle as server-sent events: "list" events
// carry the full list, a "delete" event ends the stream.
func (s *Server) listEvents(c *gin.Context) {
	handle := c.Param("handle")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	msgs, cancel, err := s.subscribe(handle)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()
	s.log.Debug("sse stream opened", "handle", handle)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-msgs:
			if msg.Deleted() {
				_, _ = c.Writer.WriteString("event: delete\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if _, err := c.Writer.WriteString("event: list\ndata: " + string(msg.Payload) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamFrame is one websocket message.
type streamFrame struct {
	Type    string          `json:"type"` // list or delete
	Handle  string          `json:"handle"`
	Entries json.RawMessage `json:"entries,omitempty"`
}

func (s *Server) listSocket(c *gin.Context) {
	handle := c.Param("handle")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "handle", handle, "error", err)
		return
	}
	defer conn.Close()

	msgs, cancel, err := s.subscribe(handle)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		return
	}
	defer cancel()

	// Inbound messages are ignored; reading detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	closeWith := func(code int, text string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	}
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case msg := <-msgs:
			frame := streamFrame{Type: "list", Handle: handle, Entries: msg.Payload}
			if msg.Deleted() {
				frame = streamFrame{Type: "delete", Handle: handle}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				s.log.Debug("websocket write failed", "handle", handle, "error", err)
				return
			}
			if msg.Deleted() {
				closeWith(websocket.CloseNormalClosure, "list deleted")
				return
			}
		}
	}
}
