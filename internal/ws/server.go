package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
	"github.com/elemento-modular-cloud/rdpbridge/internal/journal"
)

// Options configures the HTTP surface.
type Options struct {
	AuthToken      string
	AllowedOrigins []string
	StaticDir      string
	// StaticHandler serves "/" when StaticDir is empty.
	StaticHandler  http.Handler
	InputRateLimit float64 // events per second per client, 0 = unlimited
	InputBurst     int
}

// Pipeline exposes the bridge internals reported by /api/status.
type Pipeline struct {
	Canvas    *bridge.Canvas
	Queue     *bridge.UpdateQueue
	Stats     *bridge.Stats
	Lifecycle *bridge.Lifecycle
}

type Server struct {
	opts           Options
	registry       *Registry
	broadcaster    *Broadcaster
	session        SessionWriter
	pipeline       Pipeline
	journal        *journal.Journal
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time

	inputForwarded   atomic.Uint64
	inputMalformed   atomic.Uint64
	inputLimited     atomic.Uint64
	inputWriteErrors atomic.Uint64

	// mu orders routers.Add against Shutdown.
	mu         sync.Mutex
	closing    bool
	routers    sync.WaitGroup
	httpServer *http.Server
}

func NewServer(opts Options, registry *Registry, broadcaster *Broadcaster, session SessionWriter, pipeline Pipeline) *Server {
	s := &Server{
		opts:           opts,
		registry:       registry,
		broadcaster:    broadcaster,
		session:        session,
		pipeline:       pipeline,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	s.httpServer = &http.Server{
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetJournal enables connection journaling. Must be called before Serve.
func (s *Server) SetJournal(j *journal.Journal) {
	s.journal = j
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/clients", s.handleClients)

	if s.opts.StaticDir != "" {
		log.Printf("Serving static files from %s", s.opts.StaticDir)
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	} else if s.opts.StaticHandler != nil {
		mux.Handle("/", s.opts.StaticHandler)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if lc := s.pipeline.Lifecycle; lc != nil && !lc.Running() {
		http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	if !s.trackRouter() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge is shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	c, err := s.registry.Add(conn, r.RemoteAddr)
	if err != nil {
		s.routers.Done()
		log.Printf("ws client rejected from %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: %s (%s), total %d", r.RemoteAddr, c.ID, s.registry.Count())

	if s.journal != nil {
		if err := s.journal.Connected(r.Context(), c.ID, c.RemoteAddr, c.ConnectedAt); err != nil {
			log.Printf("journal: %v", err)
		}
	}

	if s.broadcaster != nil {
		s.broadcaster.Welcome(c)
	}

	width, height := 0, 0
	if s.pipeline.Canvas != nil {
		width, height = s.pipeline.Canvas.Width(), s.pipeline.Canvas.Height()
	}
	router := NewInputRouter(conn, s.session, width, height,
		rate.Limit(s.opts.InputRateLimit), s.opts.InputBurst, c.ID)

	go func() {
		defer s.routers.Done()
		reason := "closed"
		if err := router.Run(c.Done()); err != nil {
			reason = err.Error()
			log.Printf("WebSocket error for client %s: %v", r.RemoteAddr, err)
		}
		s.registry.Remove(c)
		s.recordInput(router.Stats)
		log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)

		if s.journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.journal.Disconnected(ctx, c.ID, time.Now(), router.Stats.Forwarded, router.Stats.Malformed, reason); err != nil {
				log.Printf("journal: %v", err)
			}
		}
	}()
}

// trackRouter counts one more input router for Shutdown to wait on. It
// reports false once Shutdown has begun.
func (s *Server) trackRouter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.routers.Add(1)
	return true
}

func (s *Server) recordInput(st InputStats) {
	s.inputForwarded.Add(uint64(st.Forwarded))
	s.inputMalformed.Add(uint64(st.Malformed))
	s.inputLimited.Add(uint64(st.Limited))
	s.inputWriteErrors.Add(uint64(st.WriteErrors))
}

// Status assembles the /api/status document.
func (s *Server) Status() Status {
	st := Status{
		Running: true,
		Uptime:  formatUptime(s.started),
		Clients: s.registry.Count(),
		Input: InputStatus{
			Forwarded:   s.inputForwarded.Load(),
			Malformed:   s.inputMalformed.Load(),
			Limited:     s.inputLimited.Load(),
			WriteErrors: s.inputWriteErrors.Load(),
		},
		Process: processStatus(),
	}
	if lc := s.pipeline.Lifecycle; lc != nil {
		st.Running = lc.Running()
		st.StopReason = lc.Reason()
	}
	if c := s.pipeline.Canvas; c != nil {
		st.Canvas = CanvasStatus{Width: c.Width(), Height: c.Height(), Version: c.Version()}
	}
	if q := s.pipeline.Queue; q != nil {
		st.QueueDepth = q.Len()
	}
	if ps := s.pipeline.Stats; ps != nil {
		st.Pipeline = ps.Snapshot()
	}
	if s.broadcaster != nil {
		st.FramesSent = s.broadcaster.FramesSent()
		st.Ticks = s.broadcaster.Ticks()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

// ClientInfo describes a live client in /api/clients.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type clientsResponse struct {
	Live    []ClientInfo    `json:"live"`
	History []journal.Entry `json:"history,omitempty"`
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := clientsResponse{Live: []ClientInfo{}}
	for _, c := range s.registry.List() {
		resp.Live = append(resp.Live, ClientInfo{ID: c.ID, RemoteAddr: c.RemoteAddr, ConnectedAt: c.ConnectedAt})
	}
	if s.journal != nil {
		history, err := s.journal.Recent(r.Context(), 50)
		if err != nil {
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
		resp.History = history
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.opts.AuthToken {
		return true
	}

	if r.Header.Get("X-RDP-Bridge-Token") == s.opts.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.opts.AuthToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		// file:// pages (e.g. a desktop shell) carry no host.
		return parsed.Scheme == "file"
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// securityHeaders sets conservative response headers on every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Printf("WebSocket server listening on %s", ln.Addr())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, drops every client and waits for
// their input routers to finish journaling.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.routers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
