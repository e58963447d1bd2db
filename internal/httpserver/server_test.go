package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, setup ...func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	for _, fn := range setup {
		fn(srv)
	}

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

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		if status := getJSON(t, baseURL+"/healthz", &body); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if status := getJSON(t, baseURL+"/version", &got); status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	var unhealthy atomic.Bool
	baseURL := startTestServer(t, testConfig(), func(s *Server) {
		s.AddReadinessCheck("store", func(context.Context) error {
			if !unhealthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		})
	})

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("status=%d, want 200 while healthy", status)
	}

	unhealthy.Store(true)
	var body struct {
		Ready  bool              `json:"ready"`
		Failed map[string]string `json:"failed"`
	}
	if status := getJSON(t, baseURL+"/readyz", &body); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
	if body.Ready || body.Failed["store"] != "connection refused" {
		t.Fatalf("body=%+v", body)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpointEmptyList(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	var payload map[string]json.RawMessage
	if status := getJSON(t, baseURL+"/webrtc/ice", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if string(payload["iceServers"]) != "[]" {
		t.Fatalf("iceServers=%s, want []", payload["iceServers"])
	}
}

type stubTURN struct{ subjects []string }

func (s *stubTURN) ICEServer(subject string) (webrtc.ICEServer, error) {
	if subject == "bad:subject" {
		return webrtc.ICEServer{}, errors.New("subject must not contain ':'")
	}
	s.subjects = append(s.subjects, subject)
	return webrtc.ICEServer{URLs: []string{"turn:turn.example.com"}, Username: "1:aero:" + subject, Credential: "c"}, nil
}

func TestICEEndpointMintsTURNCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}}
	turn := &stubTURN{}
	baseURL := startTestServer(t, cfg, func(s *Server) { s.SetTURNCredentials(turn) })

	resp, err := http.Get(baseURL + "/webrtc/ice?sessionId=s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	var payload struct {
		ICEServers []struct {
			URLs     []string `json:"urls"`
			Username string   `json:"username"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%+v, want 2 entries", payload.ICEServers)
	}
	if payload.ICEServers[1].Username != "1:aero:s1" {
		t.Fatalf("username=%q", payload.ICEServers[1].Username)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("static ICE servers were modified")
	}

	if status := getJSON(t, baseURL+"/webrtc/ice?sessionId=bad:subject", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad subject, got %d", status)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg)

	do := func(method, origin string, headers map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "https://evil.example.com", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross origin status=%d, want 403", resp.StatusCode)
	}

	resp := do(http.MethodGet, "https://app.example.com", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp = do(http.MethodOptions, "https://app.example.com", map[string]string{"Access-Control-Request-Method": "POST"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != corsAllowHeaders {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}

	if resp := do(http.MethodGet, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("no origin status=%d, want 200", resp.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	if status := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if status := getJSON(t, baseURL+"/webrtc/ice", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /webrtc/ice, got %d", status)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), func(s *Server) {
		s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})
	})

	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on response")
	}
}
