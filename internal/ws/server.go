// Package ws handles WebSocket connection management: upgrading HTTP
// connections, watching sockets for readable frames, and dispatching
// complete frames to application handlers on a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading one frame once data is ready
	WriteTimeout   time.Duration // timeout for writing one frame
	MaxFrameBytes  int64         // largest accepted data frame payload
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults. The
// frame limit leaves room for a 2 MiB image after base64 and JSON framing.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  4 << 20,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for read
// readiness, and hands ready connections to a bounded worker pool that reads
// one frame at a time.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after a connection is registered
	onDisconnect func(connID string)                 // called when a connection is removed
	onHeartbeat  func(conn *Connection)              // called after each successful heartbeat ping
	router       *chi.Mux
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. onMessage is called from a worker goroutine whenever a complete
// WebSocket text frame is received; frames from one connection are never
// handled concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		epoll:      epoll,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		router:     chi.NewRouter(),
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(chimw.Recoverer)

	s.router.Get("/ws", s.handleUpgrade)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	return s, nil
}

// Router exposes the HTTP router so callers can mount extra routes before
// the server starts.
func (s *Server) Router() chi.Router {
	return s.router
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed, whether by read error, close frame, heartbeat timeout or
// shutdown.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetOnHeartbeat registers a callback invoked for every connection that is
// still alive after a heartbeat round.
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) {
	s.onHeartbeat = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat and serves HTTP on ln. It
// blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().
		Str("module", "ws").
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Int64("max_frame_bytes", s.config.MaxFrameBytes).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Debug().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	fd := socketFD(conn)
	id := uuid.NewString()

	handle, err := s.epoll.Add(conn)
	if err != nil {
		log.Error().Str("module", "ws").Str("conn", id).Err(err).Msg("epoll add failed")
		_ = conn.Close()
		return
	}

	c := newConnection(id, handle, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Info().Str("module", "ws").Str("conn", id).Int("fd", fd).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, handing each ready connection to
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			log.Error().Str("module", "ws").Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled in place; a failed read, a close frame or an oversized
// or fragmented data frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		// Not registered yet, or already removed.
		s.epoll.Resume(netConn)
		return
	}

	// Level-triggered epoll can report the same socket again while a worker
	// is still reading it.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer c.processing.Store(0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness report was stale; the heartbeat
		// deals with connections that are really gone.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			_ = c.writePong(header, reader)
		default:
			_, _ = io.Copy(io.Discard, reader)
		}
		return
	}

	if !header.Fin || header.OpCode == ws.OpContinuation {
		c.writeClose(ws.StatusUnsupportedData, "fragmented messages are not supported")
		s.RemoveConnection(c)
		return
	}
	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Warn().Str("module", "ws").Str("conn", c.ID()).Int64("length", header.Length).Msg("frame too large")
		c.writeClose(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters a connection from epoll and the connection
// manager and closes it. Only the first call for a connection has any
// effect, so concurrent removals (read error and heartbeat) are safe.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.conn)

	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsActive.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID())
	}

	log.Info().Str("module", "ws").Str("conn", c.ID()).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting HTTP connections, stops the event loop and
// heartbeat, removes every live connection (running the disconnect
// callback for each), and closes the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "ws").Msg("shutting down server")

	s.stopOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		c.writeClose(ws.StatusGoingAway, "server shutting down")
		s.RemoveConnection(c)
	}

	_ = s.epoll.Close()

	log.Info().Str("module", "ws").Msg("server stopped, all connections closed")
	return err
}

// requestLogger logs each HTTP request with zerolog. Upgraded WebSocket
// requests are logged when the handshake completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log.Debug().
				Str("module", "http").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		}()

		next.ServeHTTP(ww, r)
	})
}
