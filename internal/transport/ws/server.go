// Package ws serves the relay over WebSocket text frames.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/wsrelay/internal/httpx"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/relay"
)

const (
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxMessagesPerSecond = 50
)

type Config struct {
	MaxMessageBytes int64
	// PingInterval between keepalive pings; 0 disables them.
	PingInterval time.Duration
	// IdleTimeout closes a connection that sent nothing, not even a pong; 0 disables it.
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessagesPerSecond int
	AllowedOrigins       []string
	TrustProxy           bool
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Server upgrades HTTP requests and feeds frames into a relay.Engine.
type Server struct {
	engine   *relay.Engine
	cfg      Config
	limiter  *ratelimit.ConnLimiter
	upgrader websocket.Upgrader

	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewServer returns a handler for the relay endpoint. limiter may be nil.
func NewServer(engine *relay.Engine, cfg Config, limiter *ratelimit.ConnLimiter) *Server {
	cfg = cfg.withDefaults()
	s := &Server{engine: engine, cfg: cfg, limiter: limiter}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return httpx.OriginAllowed(r, cfg.AllowedOrigins) },
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	remote := httpx.RemoteIP(r, s.cfg.TrustProxy)
	if s.limiter != nil && !s.limiter.Allow(remote) {
		obs.ErrorsTotal.WithLabelValues("conn_rate").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Debug("ws.upgrade", obs.Fields{"err": err.Error(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(context.WithoutCancel(r.Context()), newConn(wsConn, s.cfg.WriteTimeout), remote)
}

func (s *Server) serve(ctx context.Context, c *Conn, remote string) {
	defer c.ws.Close()
	s.engine.Open(c, remote)
	defer s.engine.Close(ctx, c)

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	c.extendRead(s.cfg.IdleTimeout)
	c.ws.SetPongHandler(func(string) error {
		c.extendRead(s.cfg.IdleTimeout)
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(s.cfg.PingInterval, stop)

	limiter := ratelimit.NewMessageLimiter(s.cfg.MaxMessagesPerSecond)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			s.readFailed(c, err)
			return
		}
		if c.isClosed() {
			continue
		}
		c.extendRead(s.cfg.IdleTimeout)
		if mt != websocket.TextMessage {
			s.engine.Reject(ctx, c, relay.CloseUnsupported, "expected text message")
			continue
		}
		if !limiter.Allow(time.Now()) {
			obs.ErrorsTotal.WithLabelValues("message_rate").Inc()
			s.engine.Reject(ctx, c, relay.ClosePolicyViolation, "rate limit exceeded")
			continue
		}
		s.engine.Handle(ctx, c, data)
	}
}

func (s *Server) readFailed(c *Conn, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009.
		obs.ClosesTotal.WithLabelValues(relay.CloseTooBig.String()).Inc()
		obs.Info("ws.message_too_large", obs.Fields{"endpoint": c.ID()})
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		obs.Debug("ws.closed", obs.Fields{"endpoint": c.ID()})
	case c.isClosed():
	default:
		obs.Debug("ws.read", obs.Fields{"endpoint": c.ID(), "err": err.Error()})
	}
}

// Shutdown refuses new connections, closes open ones with a going-away code
// and waits for their handlers to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.engine.Shutdown()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
