// Package server exposes the recommender engine to websocket peers.
//
// Every text message received from a peer is a change request. The server applies requests one at
// a time and broadcasts the resulting diff records to all connected peers, removals before
// additions within each collection. Malformed requests are answered with an error record to the
// sender only. Newly connected peers first receive a snapshot of the derived collections.
//
// With an authenticator configured, only peers presenting a valid token may connect and read-only
// peers may not submit requests.
//
// Besides the websocket endpoint at /ws the server serves a small front end at /, a health check
// at /healthz and Prometheus metrics.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l7mp/amnesia/pkg/auth"
	"github.com/l7mp/amnesia/pkg/dbsp"
	"github.com/l7mp/amnesia/pkg/metrics"
	"github.com/l7mp/amnesia/pkg/recommender"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultMetricsPath is the default path of the Prometheus endpoint.
	DefaultMetricsPath = "/metrics"
	// DefaultSendBuffer is the default number of records queued per peer.
	DefaultSendBuffer = 4096

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	shutdownTimeout = 5 * time.Second
)

var (
	// ErrBroadcast is reported when a diff record cannot be delivered to a peer. The peer is
	// disconnected, other peers are not affected.
	ErrBroadcast = errors.New("broadcast failed")

	//go:embed web
	webFS embed.FS
)

// Sink receives every update after it has been broadcast to the peers.
type Sink interface {
	Publish(ctx context.Context, u *recommender.Update) error
}

// Config is the server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
	// MetricsPath is the path of the Prometheus endpoint.
	MetricsPath string
	// Engine applies the change requests.
	Engine *recommender.Engine
	// Sinks receive every update, in order.
	Sinks []Sink
	// Metrics is updated on peer events.
	Metrics *metrics.Metrics
	// Gatherer is exported at MetricsPath. Defaults to the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// SendBuffer is the number of records queued per peer before the peer is dropped.
	SendBuffer int
	// Authenticator, if set, admits only peers presenting a valid token.
	Authenticator *auth.Authenticator
	Logger        logr.Logger
}

// Server is a websocket front end of the engine.
type Server struct {
	config   Config
	engine   *recommender.Engine
	router   *gin.Engine
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics

	// stepMu serializes applying a request with broadcasting its diffs, so that every peer sees
	// the updates in time order.
	stepMu sync.Mutex

	mu    sync.RWMutex
	peers map[string]*peer
	ctx   context.Context

	fatal chan error
	log   logr.Logger
}

type peer struct {
	id       string
	user     string
	readOnly bool
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// errorRecord is sent to a peer whose request was rejected.
type errorRecord struct {
	Error string `json:"error"`
}

func (p *peer) enqueue(msg []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

// New creates a server.
func New(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.MetricsPath == "" {
		config.MetricsPath = DefaultMetricsPath
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultSendBuffer
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New(nil)
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	s := &Server{
		config:  config,
		engine:  config.Engine,
		metrics: config.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: map[string]*peer{},
		ctx:   context.Background(),
		fatal: make(chan error, 1),
		log:   log.WithName("server"),
	}

	if err := s.buildRouter(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) buildRouter() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/ws", s.handleWebsocket)
	r.GET("/healthz", s.handleHealth)
	r.GET(s.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	for path, asset := range map[string]struct{ file, contentType string }{
		"/":           {"web/index.html", "text/html; charset=utf-8"},
		"/script.js":  {"web/script.js", "text/javascript; charset=utf-8"},
		"/style.css":  {"web/style.css", "text/css; charset=utf-8"},
		"/index.html": {"web/index.html", "text/html; charset=utf-8"},
	} {
		data, err := webFS.ReadFile(asset.file)
		if err != nil {
			return fmt.Errorf("failed to load asset %s: %w", asset.file, err)
		}
		contentType := asset.contentType
		r.GET(path, func(c *gin.Context) { c.Data(http.StatusOK, contentType, data) })
	}

	s.router = r
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.V(4).Info("HTTP request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "latency", time.Since(start))
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Fatal returns a channel that receives the error that failed the engine.
func (s *Server) Fatal() <-chan error { return s.fatal }

// NumPeers returns the number of connected peers.
func (s *Server) NumPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Start listens on the configured address and serves until the context is canceled or the
// engine fails. It blocks.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on the listener until the context is canceled or the engine fails. It blocks.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: writeWait}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("serving", "addr", ln.Addr().String(), "metrics", s.config.MetricsPath)

	var ret error
	select {
	case <-ctx.Done():
	case err := <-s.fatal:
		ret = fmt.Errorf("engine failed: %w", err)
	case err, ok := <-errCh:
		if ok {
			ret = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.closePeers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error(err, "failed to shutdown HTTP server")
	}

	s.log.Info("server stopped")
	return ret
}

func (s *Server) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.engine.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failed", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": uint64(s.engine.Time()), "peers": s.NumPeers()})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	var claims *auth.Claims
	if s.config.Authenticator != nil {
		var err error
		claims, err = s.config.Authenticator.AuthenticateRequest(c.Request)
		if err != nil {
			s.log.V(1).Info("peer rejected", "remote", c.Request.RemoteAddr, "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorRecord{Error: err.Error()})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	p, err := s.connect(conn, claims)
	if err != nil {
		s.log.Error(err, "failed to connect peer")
		conn.Close() //nolint:errcheck
		return
	}

	go s.writeLoop(p)
	s.readLoop(p)
}

// connect registers a peer and queues the snapshot of the collections for it. Holding the step
// lock guarantees that the snapshot and the subsequent diffs meet at the same time.
func (s *Server) connect(conn *websocket.Conn, claims *auth.Claims) (*peer, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	snapshot, err := s.engine.Snapshot()
	if err != nil {
		return nil, err
	}

	p := &peer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, s.config.SendBuffer+snapshot.Len()),
		done: make(chan struct{}),
	}
	if claims != nil {
		p.user, p.readOnly = claims.Username, claims.ReadOnly
	}
	for _, m := range snapshot.Messages {
		p.send <- m.Text
	}

	s.metrics.Peers.Inc()
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	s.log.V(1).Info("peer connected", "peer", p.id, "user", p.user, "read-only", p.readOnly, "remote", conn.RemoteAddr().String(),
		"time", snapshot.Time, "snapshot", snapshot.Len())

	return p, nil
}

// drop disconnects a peer. It is safe to call more than once.
func (s *Server) drop(p *peer, reason error) {
	p.once.Do(func() {
		s.metrics.Peers.Dec()
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()

		close(p.done)
		p.conn.Close() //nolint:errcheck

		if reason != nil {
			s.log.Error(reason, "peer dropped", "peer", p.id)
		} else {
			s.log.V(1).Info("peer disconnected", "peer", p.id)
		}
	})
}

func (s *Server) closePeers() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		s.drop(p, nil)
	}
}

func (s *Server) readLoop(p *peer) {
	defer s.drop(p, nil)

	p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.V(1).Info("websocket read failed", "peer", p.id, "error", err.Error())
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		s.handleRequest(p, data)
	}
}

func (s *Server) writeLoop(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.metrics.BroadcastFailures.Inc()
				s.drop(p, fmt.Errorf("%w: %w", ErrBroadcast, err))
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(p, nil)
				return
			}
		case <-p.done:
			return
		}
	}
}

// handleRequest applies a change request and broadcasts its diffs.
func (s *Server) handleRequest(p *peer, data []byte) {
	if p.readOnly {
		s.log.V(1).Info("request from read-only peer refused", "peer", p.id, "user", p.user)
		s.reply(p, auth.ErrReadOnly)
		return
	}

	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	ctx := s.context()
	u, err := s.engine.ApplyJSON(ctx, data)
	if err != nil {
		switch {
		case errors.Is(err, dbsp.ErrInvariant), errors.Is(err, recommender.ErrEngineFailed):
			s.fail(err)
		case errors.Is(err, recommender.ErrMalformedRequest):
			s.log.V(1).Info("malformed request", "peer", p.id, "error", err.Error())
		default:
			s.log.Error(err, "request rejected", "peer", p.id)
		}
		s.reply(p, err)
		return
	}

	s.broadcast(u)

	for _, sink := range s.config.Sinks {
		if err := sink.Publish(ctx, u); err != nil {
			s.log.Error(err, "failed to publish update", "time", u.Time)
		}
	}
}

func (s *Server) reply(p *peer, err error) {
	msg, merr := json.Marshal(errorRecord{Error: err.Error()})
	if merr != nil {
		s.log.Error(merr, "failed to encode error record")
		return
	}
	if !p.enqueue(msg) {
		s.metrics.BroadcastFailures.Inc()
		s.drop(p, fmt.Errorf("%w: send buffer full", ErrBroadcast))
	}
}

// broadcast queues the records of an update for every peer. A peer that cannot keep up is
// dropped.
func (s *Server) broadcast(u *recommender.Update) {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		for _, m := range u.Messages {
			if !p.enqueue(m.Text) {
				s.metrics.BroadcastFailures.Inc()
				s.drop(p, fmt.Errorf("%w: send buffer full at time %d", ErrBroadcast, u.Time))
				break
			}
		}
	}

	s.log.V(2).Info("update broadcast", "time", u.Time, "records", u.Len(), "peers", len(peers))
}

func (s *Server) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
