package ops

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "ircbot/pkg/logx"
)

func TestRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), func() any { return map[string]int{"servers": 2} })

	tests := []struct {
		name     string
		cfg      Config
		path     string
		header   string
		wantCode int
		wantBody string
	}{
		{name: "healthz", path: "/healthz", wantCode: 200, wantBody: "ok"},
		{name: "metrics", path: "/metrics", wantCode: 200, wantBody: "ircbot_scheduler_events_fired_total"},
		{name: "custom metrics path", cfg: Config{MetricsPath: "prom"}, path: "/prom", wantCode: 200},
		{name: "status", path: "/status", wantCode: 200, wantBody: `"servers": 2`},
		{name: "pprof off", path: "/debug/pprof/", wantCode: 404},
		{name: "pprof on", cfg: Config{Pprof: true}, path: "/debug/pprof/", wantCode: 200, wantBody: "goroutine"},
		{name: "pprof custom prefix", cfg: Config{Pprof: true, PprofPrefix: "/dbg"}, path: "/dbg/", wantCode: 200},
		{name: "token missing", cfg: Config{Token: "t"}, path: "/healthz", wantCode: 401},
		{name: "token query", cfg: Config{Token: "t"}, path: "/healthz?token=t", wantCode: 200},
		{name: "token header", cfg: Config{Token: "t"}, path: "/healthz", header: "Bearer t", wantCode: 200},
		{name: "token wrong", cfg: Config{Token: "t"}, path: "/healthz", header: "Bearer x", wantCode: 401},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.routes(tt.cfg).ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body missing %q", tt.wantBody)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9108": true,
		"[::1]:9108":     true,
		"localhost:1":    true,
		":9108":          false,
		"0.0.0.0:9108":   false,
		"10.0.0.1:9108":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Enabled() || s.Addr() != "" {
		t.Fatalf("server still running after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.serveOnce(ctx); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v", err)
	}
}
