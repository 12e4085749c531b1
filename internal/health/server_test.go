package health

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

type stubProvider struct {
	running bool
}

func (s *stubProvider) IsRunning() bool {
	return s.running
}

func (s *stubProvider) Stats() Stats {
	return Stats{
		LocalAddr: "127.0.0.1:41234",
		Commands:  []string{"udp:echo", "udp:ping"},
		Multicast: false,
	}
}

func startServer(t *testing.T, provider StatsProvider) *Server {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"

	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func get(t *testing.T, s *Server, path string) (*http.Response, []byte) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", s.Address(), path))
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t, &stubProvider{running: true})

	resp, body := get(t, s, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "OK\n" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestHealthzReportsStats(t *testing.T) {
	s := startServer(t, &stubProvider{running: true})

	resp, body := get(t, s, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", payload["status"])
	}
	if payload["local_addr"] != "127.0.0.1:41234" {
		t.Errorf("local_addr = %v", payload["local_addr"])
	}
}

func TestHealthzUnavailableWhenNotRunning(t *testing.T) {
	s := startServer(t, &stubProvider{running: false})

	resp, _ := get(t, s, "/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	resp, _ = get(t, s, "/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, &stubProvider{running: true})

	resp, _ := get(t, s, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := startServer(t, &stubProvider{running: true})

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
