package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lattice-mesh/fabric/internal/logging"
)

type stubStats struct {
	sessions, bound, channels int
	peers                     map[string]int
	closes                    map[int]uint64
	decodeFailures            uint64
	cycles                    uint64
	uptime                    time.Duration
	err                       error
}

func (s *stubStats) SnapshotCounts() (int, int, int)    { return s.sessions, s.bound, s.channels }
func (s *stubStats) ClusterPeerCounts() map[string]int  { return s.peers }
func (s *stubStats) CloseCodeCounts() map[int]uint64    { return s.closes }
func (s *stubStats) DecodeFailures() uint64             { return s.decodeFailures }
func (s *stubStats) SupervisorCycles() uint64           { return s.cycles }
func (s *stubStats) Uptime() time.Duration              { return s.uptime }
func (s *stubStats) StartupError() error                { return s.err }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerWarmingUp(t *testing.T) {
	stats := &stubStats{uptime: 5 * time.Second}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Stats: stats})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first supervisor cycle, got %d", rr.Code)
	}
}

func TestReadinessHandlerStartupError(t *testing.T) {
	stats := &stubStats{cycles: 3, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Stats: stats})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReadinessHandlerDetailRequiresAdminToken(t *testing.T) {
	stats := &stubStats{sessions: 4, bound: 2, channels: 1, cycles: 1, uptime: 90 * time.Second}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Stats:       stats,
		AdminToken:  "topsecret",
		RateLimiter: &stubLimiter{remaining: 1},
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	var payload struct {
		Sessions int `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Sessions != 0 {
		t.Fatalf("expected no detail without a token, got %+v", payload)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Sessions != 4 {
		t.Fatalf("expected detail with a valid token, got %+v", payload)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	stats := &stubStats{
		sessions: 4, bound: 2, channels: 3, cycles: 7, uptime: 90 * time.Second,
		peers:  map[string]int{"east": 2},
		closes: map[int]uint64{4002: 1},
	}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Stats: stats})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"fabric_sessions 4",
		"fabric_sessions_bound 2",
		"fabric_channels 3",
		"fabric_uptime_seconds 90",
		`fabric_cluster_peers{group="east"} 2`,
		`fabric_close_total{code="4002"} 1`,
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}
