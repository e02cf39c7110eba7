package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
	"github.com/elemento-modular-cloud/rdpbridge/internal/journal"
	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func newTestServer(t *testing.T, opts Options, w SessionWriter) (*Server, *bridge.Lifecycle, *bridge.Canvas) {
	t.Helper()
	lc := bridge.NewLifecycle()
	canvas := newTestCanvas(t, 4, 3)
	registry := NewRegistry(0, 0)
	b := NewBroadcaster(canvas, registry, lc, time.Millisecond)
	s := NewServer(opts, registry, b, w, Pipeline{
		Canvas:    canvas,
		Queue:     bridge.NewUpdateQueue(),
		Stats:     &bridge.Stats{},
		Lifecycle: lc,
	})
	t.Cleanup(registry.CloseAll)
	return s, lc, canvas
}

func TestAuthorize(t *testing.T) {
	s, _, _ := newTestServer(t, Options{AuthToken: "secret"}, &fakeWriter{})

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   bool
	}{
		{name: "no token", target: "/ws", want: false},
		{name: "query token", target: "/ws?token=secret", want: true},
		{name: "wrong query token", target: "/ws?token=nope", want: false},
		{name: "bridge header", target: "/ws", header: map[string]string{"X-RDP-Bridge-Token": "secret"}, want: true},
		{name: "bearer", target: "/ws", header: map[string]string{"Authorization": "Bearer secret"}, want: true},
		{name: "basic is not bearer", target: "/ws", header: map[string]string{"Authorization": "Basic secret"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := s.authorize(req); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}

	open, _, _ := newTestServer(t, Options{}, &fakeWriter{})
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("server without a token rejected a request")
	}
}

func TestCheckOrigin(t *testing.T) {
	local, _, _ := newTestServer(t, Options{}, &fakeWriter{})
	pinned, _, _ := newTestServer(t, Options{AllowedOrigins: []string{"https://viewer.example.com", " "}}, &fakeWriter{})

	tests := []struct {
		name   string
		s      *Server
		origin string
		host   string
		want   bool
	}{
		{name: "no origin", s: local, want: true},
		{name: "localhost", s: local, origin: "http://localhost:5173", host: "127.0.0.1:9000", want: true},
		{name: "loopback v4", s: local, origin: "http://127.0.0.1:8080", host: "127.0.0.1:9000", want: true},
		{name: "loopback v6", s: local, origin: "http://[::1]:8080", host: "127.0.0.1:9000", want: true},
		{name: "same host", s: local, origin: "http://bridge.lan:9000", host: "bridge.lan:9000", want: true},
		{name: "file page", s: local, origin: "file://", host: "127.0.0.1:9000", want: true},
		{name: "foreign", s: local, origin: "https://evil.example.com", host: "127.0.0.1:9000", want: false},
		{name: "pinned match", s: pinned, origin: "https://viewer.example.com", host: "127.0.0.1:9000", want: true},
		{name: "pinned rejects localhost", s: pinned, origin: "http://localhost:5173", host: "127.0.0.1:9000", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	s, _, canvas := newTestServer(t, Options{AuthToken: "secret"}, &fakeWriter{})
	paint(t, canvas, 9)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing on /api/status")
	}

	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || st.Canvas.Width != 4 || st.Canvas.Height != 3 || st.Canvas.Version != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Process.PID == 0 {
		t.Error("process pid missing")
	}
}

func TestHandleWS_EndToEnd(t *testing.T) {
	w := &fakeWriter{}
	s, _, canvas := newTestServer(t, Options{}, w)
	paint(t, canvas, 0xAABBCCDD)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The welcome frame arrives without waiting for a tick.
	f := readFrame(t, conn)
	if f.Width != 4 || f.Height != 3 || f.Buffer[0] != 0xAABBCCDD {
		t.Errorf("welcome frame = %dx%d first=%#x", f.Width, f.Height, f.Buffer[0])
	}

	send(t, conn, `{"type":"mouse","x":100,"y":100,"button":2,"is_pressed":true}`)
	waitFor(t, "forwarded input", func() bool { return len(w.snapshot()) == 1 })
	if want := (rdp.PointerEvent{X: 3, Y: 2, Button: rdp.ButtonRight, Down: true}); w.snapshot()[0] != want {
		t.Errorf("input = %+v, want %+v", w.snapshot()[0], want)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitFor(t, "client removal", func() bool { return s.registry.Count() == 0 })
	waitFor(t, "input counters", func() bool { return s.Status().Input.Forwarded == 1 })
}

func TestHandleWS_RejectsWhenStopped(t *testing.T) {
	s, lc, _ := newTestServer(t, Options{}, &fakeWriter{})
	lc.Stop("test")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestShutdown_WaitsForRoutersAndRefusesLateClients(t *testing.T) {
	s, _, canvas := newTestServer(t, Options{}, &fakeWriter{})
	paint(t, canvas, 1)

	// The test server keeps accepting after Shutdown, like a handler that
	// passed the lifecycle check just before it.
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	early, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer early.Close()
	readFrame(t, early)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := s.registry.Count(); n != 0 {
		t.Fatalf("%d clients left after Shutdown", n)
	}

	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late client read = %v, want going-away close", err)
	}
	if n := s.registry.Count(); n != 0 {
		t.Errorf("late client registered: count %d", n)
	}
}

func TestHandleClients_WithJournal(t *testing.T) {
	s, _, _ := newTestServer(t, Options{}, &fakeWriter{})
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	s.SetJournal(j)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var resp clientsResponse
	waitFor(t, "journaled client", func() bool {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clients", nil))
		resp = clientsResponse{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Live) == 1 && len(resp.History) == 1
	})
	if resp.Live[0].ID != resp.History[0].ClientID {
		t.Errorf("live id %s not in history %s", resp.Live[0].ID, resp.History[0].ClientID)
	}
}
