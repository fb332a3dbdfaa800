// Package ws is the WebSocket transport. It upgrades HTTP connections with
// gobwas/ws, multiplexes reads through epoll and a bounded worker pool, and
// buffers writes per connection. It knows nothing about presence or
// matchmaking: decoded frames are handed to a Dispatcher and the engine talks
// back through Send and Close.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading one frame once readable
	WriteTimeout   time.Duration // timeout for writing one frame
	SendBuffer     int           // outbound frames buffered per connection
	MaxFrameSize   int64         // larger data frames close the connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxFrameSize:   64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handler receives transport callbacks. HandleMessage runs on a read worker;
// frames of one connection are never handled concurrently.
type Handler interface {
	HandleConnect(c *Connection) bool
	HandleMessage(c *Connection, data []byte)
	HandleDisconnect(connID string)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll.
type Server struct {
	config     ServerConfig
	poller     *poller
	conns      *ConnectionManager
	handler    Handler
	health     func(ctx context.Context) (interface{}, error)
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Call SetHandler before Start.
func NewServer(config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = def.MaxFrameSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetHandler registers the transport callbacks.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SetHealth registers a function whose result is embedded in /health.
func (s *Server) SetHealth(fn func(ctx context.Context) (interface{}, error)) {
	s.health = fn
}

// Start creates the poller, serves /ws, /health and /metrics, and blocks
// until the listener stops.
func (s *Server) Start() error {
	var err error
	s.poller, err = newPoller()
	if err != nil {
		return err
	}
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, send_buffer=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendBuffer)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.NewString(), netConn, clientIP(r), s.config.SendBuffer)
	if s.handler != nil && !s.handler.HandleConnect(c) {
		// The handler has already written its reason.
		_ = netConn.Close()
		return
	}

	s.conns.Add(c)
	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: %v", err)
		s.conns.Remove(c.ID)
		return
	}
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		log.Printf("ws: write failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
	})
	metrics.ConnectionsTotal.Inc()

	ready := protocol.MustServerMessage(protocol.TypeConnectionReady, protocol.ConnectionReadyMsg{ConnectionID: c.ID})
	if err := c.Enqueue(ready); err != nil {
		log.Printf("ws: send connection_ready conn=%s: %v", c.ID, err)
	}

	log.Printf("ws: new connection conn=%s ip=%s fd=%d (total=%d)", c.ID, c.RemoteIP, c.Fd, s.conns.Count())
}

// handleHealth reports liveness, uptime and whatever the health function
// returns. Load balancers poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string      `json:"status"`
		Connections int         `json:"connections"`
		Uptime      string      `json:"uptime"`
		Engine      interface{} `json:"engine,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		stats, err := s.health(ctx)
		if err != nil {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Engine = stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop waits for readable connections and hands each to a worker,
// bounded by the worker pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: poller wait: %v", err)
			}
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. Control frames are
// answered here; data frames go to the handler.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}
	// Level-triggered epoll may report the same descriptor twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat reaps dead
		// connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		// Control payloads are at most 125 bytes and must be consumed.
		payload, err := io.ReadAll(io.LimitReader(reader, 125))
		if err != nil || header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if header.OpCode == ws.OpPing {
			_ = c.writeFrame(ws.NewPongFrame(payload), s.config.WriteTimeout)
		}
		return
	}

	if header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame of %d bytes from conn=%s exceeds limit", header.Length, c.ID)
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
	if len(data) == 0 || s.handler == nil {
		return
	}
	s.handler.HandleMessage(c, data)
}

// RemoveConnection unregisters and closes c, then reports the disconnect to
// the handler. Concurrent removals of the same connection report once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	if s.handler != nil {
		s.handler.HandleDisconnect(c.ID)
	}
	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Send buffers data for connID. It never blocks: a connection whose buffer is
// full is closed as a slow consumer.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnNotFound
	}
	err := c.Enqueue(data)
	if err == ErrSlowConsumer {
		log.Printf("ws: conn=%s is not draining, closing", connID)
		go s.RemoveConnection(c)
	}
	return err
}

// Alive reports whether connID is still registered. RemoveConnection
// unregisters before it reports the disconnect.
func (s *Server) Alive(connID string) bool {
	return s.conns.Get(connID) != nil
}

// Close removes connID asynchronously. The removal reports a disconnect to
// the handler, which must not happen on the caller's goroutine.
func (s *Server) Close(connID string) {
	if c := s.conns.Get(connID); c != nil {
		go s.RemoveConnection(c)
	}
}

// Connections exposes the connection registry, e.g. to the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the read loop and closes every connection
// without reporting disconnects.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.poller != nil {
			_ = s.poller.Remove(c)
		}
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")), time.Second)
		s.conns.Remove(c.ID)
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}
	log.Printf("ws: server stopped, all connections closed")
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
