// ABOUTME: HTTP and websocket feed of registry snapshots
// ABOUTME: Broadcasts every reported snapshot to connected clients and serves the latest on demand
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/metrics"
	"github.com/Resonate-Protocol/mdns-watch/internal/protocol"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 16
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	helloTimeout  = 5 * time.Second
)

// LatestSource exposes the newest snapshot without consuming it.
// *discovery.SnapshotPublisher satisfies it.
type LatestSource interface {
	Latest() (discovery.Snapshot, bool)
}

// Config holds feed server configuration
type Config struct {
	Addr        string
	Name        string
	ServiceType string
	Logger      log.Logger
	Metrics     *metrics.Metrics
}

// Server serves the snapshot feed.
type Server struct {
	config   Config
	serverID string
	source   LatestSource
	logger   log.Logger

	upgrader websocket.Upgrader
	router   chi.Router

	clients   map[string]*client
	clientsMu sync.RWMutex

	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

type client struct {
	id       string
	name     string
	conn     *websocket.Conn
	sendChan chan protocol.Message

	// seqMu orders snapshot queueing; lastSeq is the newest one queued.
	seqMu   sync.Mutex
	lastSeq uint64
}

// New creates a feed server reading the latest snapshot from source.
func New(config Config, source LatestSource) *Server {
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		source:   source,
		logger:   log.With(config.Logger, "component", "feed"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// non-browser clients send no Origin
				return origin == "" || origin == "http://localhost" || origin == "http://127.0.0.1"
			},
		},
		clients: make(map[string]*client),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", config.Metrics.Handler())
	s.router = r

	return s
}

// Handler returns the HTTP handler; used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Name identifies the server as a reporter sink.
func (s *Server) Name() string { return "feed" }

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Report broadcasts snap to every client. A client whose buffer is full
// misses this snapshot; the next one supersedes it.
func (s *Server) Report(_ context.Context, snap discovery.Snapshot) error {
	msg := protocol.Message{
		Type:    protocol.TypeSnapshot,
		Payload: protocol.NewSnapshot(s.config.ServiceType, snap),
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	var dropped int
	for _, c := range s.clients {
		if err := s.sendSnapshot(c, snap.Seq, msg); err != nil {
			dropped++
			level.Warn(s.logger).Log("msg", "dropping snapshot for slow client", "client", c.name, "seq", snap.Seq)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%d of %d clients missed snapshot %d", dropped, len(s.clients), snap.Seq)
	}
	return nil
}

// ListenAndServe serves on config.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: s.router}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()
	level.Info(s.logger).Log("msg", "feed listening", "addr", ln.Addr().String())

	var serverErr error
	select {
	case <-ctx.Done():
	case serverErr = <-errChan:
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		level.Warn(s.logger).Log("msg", "feed shutdown error", "err", err)
	}
	s.closeClients()
	s.wg.Wait()

	if serverErr != nil {
		return fmt.Errorf("feed server failed: %w", serverErr)
	}
	return nil
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.source.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, protocol.ServerError{Error: "no_snapshot", Message: "nothing discovered yet"})
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewSnapshot(s.config.ServiceType, snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shut := s.isShutdown
	s.shutdownMu.RUnlock()
	if shut {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(s.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	level.Debug(s.logger).Log("msg", "new websocket connection", "remote", r.RemoteAddr)
	s.handleConnection(conn)
}

// handleConnection runs the handshake, then reads until the client goes away.
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		level.Warn(s.logger).Log("msg", "error reading hello", "err", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeClientHello {
		s.reject(conn, "bad_hello", "expected client/hello")
		return
	}

	var hello protocol.ClientHello
	if err := protocol.DecodePayload(msg, &hello); err != nil || hello.ClientID == "" {
		s.reject(conn, "bad_hello", "client/hello needs a client_id")
		return
	}

	c := &client{
		id:       hello.ClientID,
		name:     hello.Name,
		conn:     conn,
		sendChan: make(chan protocol.Message, sendBuffer),
	}

	s.clientsMu.Lock()
	if _, exists := s.clients[c.id]; exists {
		s.clientsMu.Unlock()
		s.reject(conn, "duplicate_client_id", "Client ID already connected")
		return
	}
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	level.Info(s.logger).Log("msg", "feed client connected", "client", c.name, "id", c.id)

	writerDone := make(chan struct{})
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		close(c.sendChan)
		s.clientsMu.Unlock()
		<-writerDone
		level.Info(s.logger).Log("msg", "feed client disconnected", "client", c.name)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(writerDone)
		s.clientWriter(c)
	}()

	s.sendMessage(c, protocol.Message{
		Type: protocol.TypeServerHello,
		Payload: protocol.ServerHello{
			ServerID:    s.serverID,
			Name:        s.config.Name,
			Version:     protocol.Version,
			ServiceType: s.config.ServiceType,
		},
	})
	if snap, ok := s.source.Latest(); ok {
		s.sendSnapshot(c, snap.Seq, protocol.Message{
			Type:    protocol.TypeSnapshot,
			Payload: protocol.NewSnapshot(s.config.ServiceType, snap),
		})
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				level.Warn(s.logger).Log("msg", "websocket error", "client", c.name, "err", err)
			}
			return
		}
	}
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	level.Warn(s.logger).Log("msg", "rejecting feed client", "reason", code)
	data, err := json.Marshal(protocol.Message{
		Type:    protocol.TypeServerError,
		Payload: protocol.ServerError{Error: code, Message: message},
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

// clientWriter sends messages to the client
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				level.Error(s.logger).Log("msg", "error marshaling message", "err", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				level.Debug(s.logger).Log("msg", "error writing message", "client", c.name, "err", err)
				c.conn.Close()
				drain(c.sendChan)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				c.conn.Close()
				drain(c.sendChan)
				return
			}
		}
	}
}

// drain consumes ch until it is closed so senders never block on a dead client.
func drain(ch <-chan protocol.Message) {
	for range ch {
	}
}

// sendSnapshot queues a snapshot message unless the client already has one
// at least as new. A snapshot dropped for a full buffer does not advance lastSeq.
func (s *Server) sendSnapshot(c *client, seq uint64, msg protocol.Message) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if seq <= c.lastSeq {
		level.Debug(s.logger).Log("msg", "skipping stale snapshot", "client", c.name, "seq", seq, "last_seq", c.lastSeq)
		return nil
	}
	if err := s.sendMessage(c, msg); err != nil {
		return err
	}
	c.lastSeq = seq
	return nil
}

// sendMessage queues msg without blocking; callers hold no lock that
// closes sendChan concurrently.
func (s *Server) sendMessage(c *client, msg protocol.Message) error {
	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}
