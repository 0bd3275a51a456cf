package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		AdminListenAddr: "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func newTestServer(cfg config.Config) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"})
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig()))

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzReportsReadinessCheckError(t *testing.T) {
	srv := newTestServer(testConfig())
	srv.SetReadinessCheck(func() error { return errors.New("relay stopped") })
	baseURL := startTestServer(t, srv)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "relay stopped" {
		t.Fatalf("body=%v, want error=relay stopped", body)
	}

	srv.SetReadinessCheck(nil)
	resp2, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after clearing check, got %d", resp2.StatusCode)
	}
}

func TestWithOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://dash.example.com"}
	srv := newTestServer(cfg)
	srv.Mux().Handle("GET /peers", srv.WithOriginPolicy(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"count": 0})
	})))
	baseURL := startTestServer(t, srv)

	get := func(origin string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, baseURL+"/peers", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get(""); resp.StatusCode != http.StatusOK {
		t.Fatalf("no Origin: expected 200, got %d", resp.StatusCode)
	}
	if resp := get("https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross origin: expected 403, got %d", resp.StatusCode)
	}
	resp := get("https://dash.example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin: expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestWithOriginPolicyPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://dash.example.com"}
	srv := newTestServer(cfg)
	var called atomic.Int32
	h := srv.WithOriginPolicy(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		WriteJSON(w, http.StatusOK, map[string]any{"count": 0})
	}))
	srv.Mux().Handle("GET /peers", h)
	srv.Mux().Handle("OPTIONS /peers", h)
	baseURL := startTestServer(t, srv)

	options := func(origin string, preflight bool) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodOptions, baseURL+"/peers", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if preflight {
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			req.Header.Set("Access-Control-Request-Headers", "Authorization")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := options("https://dash.example.com", true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET,HEAD,OPTIONS" {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "Authorization" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("Access-Control-Max-Age=%q", got)
	}

	if resp := options("https://evil.example.com", true); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed preflight: expected 403, got %d", resp.StatusCode)
	}

	resp = options("", false)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("plain OPTIONS: expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "GET,HEAD,OPTIONS" {
		t.Fatalf("Allow=%q", got)
	}

	if n := called.Load(); n != 0 {
		t.Fatalf("handler ran %d times for OPTIONS requests", n)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig()))

	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}

	resp2, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); len(got) != 32 {
		t.Fatalf("generated X-Request-ID=%q, want 32 hex chars", got)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	srv := newTestServer(testConfig())
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte("hello"))
	})
	baseURL := startTestServer(t, srv)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("msg=%q, want hello", msg)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	srv := newTestServer(testConfig())
	srv.Mux().HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	baseURL := startTestServer(t, srv)

	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}
