package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trade-desk/internal/config"
	"trade-desk/internal/ledger"
	"trade-desk/internal/logging"
	"trade-desk/internal/protocol"
	"trade-desk/internal/registry"
	"trade-desk/internal/store"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func OptionsFromConfig(c config.ServerConfig) Options {
	return Options{
		Listen:          c.Listen,
		ReadTimeout:     time.Duration(c.ReadTimeoutSec) * time.Second,
		PingInterval:    time.Duration(c.PingIntervalSec) * time.Second,
		WriteTimeout:    time.Duration(c.WriteTimeoutSec) * time.Second,
		MaxMessageBytes: c.MaxMessageBytes,
	}
}

func (o *Options) applyDefaults() {
	if o.Listen == "" {
		o.Listen = ":9002"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout / 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4096
	}
}

// HistoryReader is the journal view behind /orders/:id/history.
type HistoryReader interface {
	OrderHistory(ctx context.Context, orderID string) ([]store.OrderEvent, error)
}

// Server exposes the command channel on /ws plus read-only HTTP views of
// the ledger. It owns neither the ledger nor the registry.
type Server struct {
	opts     Options
	handler  *protocol.Handler
	registry *registry.Registry
	ledger   *ledger.Ledger
	history  HistoryReader
	upgrader websocket.Upgrader
	engine   *gin.Engine
	log      zerolog.Logger

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func New(opts Options, h *protocol.Handler, reg *registry.Registry, l *ledger.Ledger) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:     opts,
		handler:  h,
		registry: reg,
		ledger:   l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are terminals and scripts, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logging.Component("server"),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.engine.GET("/ws", s.serveWS)
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/orders", s.orders)
	s.engine.GET("/orders/:id/history", s.orderHistory)
	return s
}

// SetHistory enables the order history endpoint. Call before serving.
func (s *Server) SetHistory(h HistoryReader) {
	s.history = h
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then stops accepting, closes
// live websocket connections and waits for their loops to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("listen", ln.Addr().String()).Msg("server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Int("connections", s.registry.Len()).Msg("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeConnections()
	s.conns.Wait()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	s.log.Info().Msg("server stopped")
	return err
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.registry.Each(func(c registry.Conn) {
		if ws, ok := c.(*wsConn); ok {
			ws.shutdown("server shutting down")
		}
	})
}

// track registers a connection goroutine unless shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) serveWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	if !s.track() {
		_ = ws.Close()
		return
	}
	defer s.conns.Done()

	conn := newWSConn(ws, s.opts.WriteTimeout)
	defer ws.Close()
	s.run(c.Request.Context(), conn)
}

// run is the per-connection loop: one frame in, one reply out, in order.
func (s *Server) run(parent context.Context, conn *wsConn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	log := s.log.With().Str("conn_id", conn.ID()).Logger()

	ws := conn.ws
	ws.SetReadLimit(s.opts.MaxMessageBytes)
	extend := func() error { return ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)) }
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	_ = s.registry.Register(conn)
	defer s.registry.Unregister(conn)
	// Shutdown may have swept the registry between track and Register.
	if s.isClosing() {
		conn.shutdown("server shutting down")
		return
	}
	go conn.pingLoop(ctx, s.opts.PingInterval)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Msg("websocket read failed")
			} else {
				log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		_ = extend()
		if kind != websocket.TextMessage {
			log.Debug().Int("message_type", kind).Msg("ignoring non-text frame")
			continue
		}
		reply, ok := s.handler.Handle(ctx, string(data))
		if !ok {
			continue
		}
		if err := conn.Send(reply); err != nil {
			log.Warn().Err(err).Msg("reply send failed")
			return
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.registry.Len(),
		"orders":      s.ledger.Len(),
	})
}

func (s *Server) orders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.ledger.All()})
}

func (s *Server) orderHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order journal is disabled"})
		return
	}
	id := c.Param("id")
	events, err := s.history.OrderHistory(c.Request.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", id).Msg("order history read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order history unavailable"})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for order " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "events": events})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}
