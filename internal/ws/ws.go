// Package ws serves the duplex voice endpoint at GET /ws.
//
// Each connection exchanges [wire.Envelope] JSON frames. The server greets
// with connection_established, answers ping with pong, sends a heartbeat
// every [DefaultHeartbeat] and runs each submit_turn on its own goroutine,
// pushing turn_status before every stage and turn_result at the end.
// Submissions go through the same validation as the HTTP API and share its
// turn admission semaphore.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/ellie/internal/api"
	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/observe"
)

const (
	// DefaultHeartbeat is the interval between heartbeat events.
	DefaultHeartbeat = 30 * time.Second

	// DefaultMaxConnections bounds concurrently open connections.
	DefaultMaxConnections = 256

	writeTimeout = 10 * time.Second

	// envelopeOverhead is added to the base64 audio size to get the frame
	// read limit.
	envelopeOverhead = 64 << 10
	defaultReadLimit = 16 << 20
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records open connections on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLimits bounds submitted audio.
func WithLimits(l api.Limits) Option {
	return func(s *Server) { s.limits = l }
}

// WithDefaults sets the source of request defaults. It is consulted on every
// submission so that reloaded defaults apply to open connections.
func WithDefaults(fn func() api.Defaults) Option {
	return func(s *Server) {
		if fn != nil {
			s.defaults = fn
		}
	}
}

// WithTurnAdmission shares a turn semaphore with the HTTP API.
func WithTurnAdmission(sem *semaphore.Weighted) Option {
	return func(s *Server) { s.turns = sem }
}

// WithMaxConnections sets the connection capacity.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithHeartbeat sets the heartbeat interval. A connection that sends nothing,
// not even a pong, for two intervals is closed.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Server upgrades and serves duplex connections.
type Server struct {
	runner    api.Runner
	log       *slog.Logger
	metrics   *observe.Metrics
	limits    api.Limits
	defaults  func() api.Defaults
	turns     *semaphore.Weighted
	maxConns  int
	conns     *semaphore.Weighted
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Server that runs turns on runner.
func New(runner api.Runner, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		log:       slog.Default(),
		defaults:  func() api.Defaults { return api.Defaults{} },
		maxConns:  DefaultMaxConnections,
		heartbeat: DefaultHeartbeat,
		upgrader: websocket.Upgrader{
			// Browser clients are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.conns = semaphore.NewWeighted(int64(s.maxConns))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register adds GET /ws to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// Close closes every open connection and waits for their in-flight turns to
// finish. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// track registers a connection with the shutdown group. It fails once Close
// has been called.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

var (
	errAtCapacity   = apierror.New(apierror.CodeServiceUnavailable, "at capacity")
	errShuttingDown = apierror.New(apierror.CodeServiceUnavailable, "server is shutting down")
)

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := observe.RequestID(r.Context())
	if !s.conns.TryAcquire(1) {
		s.log.Warn("ws: rejecting connection", "request_id", reqID, "max_connections", s.maxConns)
		apierror.Write(w, errAtCapacity, reqID, false)
		return
	}
	defer s.conns.Release(1)
	if !s.track() {
		apierror.Write(w, errShuttingDown, reqID, false)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("ws: upgrade failed", "request_id", reqID, "err", err)
		return
	}

	if s.metrics != nil {
		s.metrics.WSConnections.Add(s.ctx, 1)
		defer s.metrics.WSConnections.Add(context.WithoutCancel(s.ctx), -1)
	}

	c := newConn(s, ws, sessionIDFromQuery(r))
	c.serve()
}

func (s *Server) readLimit() int64 {
	if s.limits.MaxAudioBytes <= 0 {
		return defaultReadLimit
	}
	return s.limits.MaxAudioBytes*4/3 + envelopeOverhead
}

// isExpectedClose reports whether err is an ordinary end of a connection.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
