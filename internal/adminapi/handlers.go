package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lattice-mesh/fabric/internal/logging"
)

// Stats exposes the counters the fabric's registries maintain, without
// letting adminapi reach into the registries themselves.
type Stats interface {
	SnapshotCounts() (sessions, bound, channels int)
	ClusterPeerCounts() map[string]int
	CloseCodeCounts() map[int]uint64
	DecodeFailures() uint64
	SupervisorCycles() uint64
	Uptime() time.Duration
	StartupError() error
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       Stats
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the fabric's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       Stats
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		stats:       opts.Stats,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness: whether the supervisor has completed
// at least one cycle. Passing a valid admin token (and clearing the rate
// limiter) additionally returns session/bound/channel counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string `json:"status"`
		Message        string `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Sessions       int    `json:"sessions,omitempty"`
		BoundSessions  int    `json:"bound_sessions,omitempty"`
		Channels       int    `json:"channels,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.stats == nil {
			writeJSON(w, http.StatusOK, response{Status: "ok"})
			return
		}

		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.stats.Uptime().Seconds()}
		if h.stats.SupervisorCycles() == 0 {
			status = http.StatusServiceUnavailable
			resp.Status = "warming up"
		}
		if err := h.stats.StartupError(); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = err.Error()
		}
		if h.authorised(r) {
			sessions, bound, channels := h.stats.SnapshotCounts()
			resp.Sessions = sessions
			resp.BoundSessions = bound
			resp.Channels = channels
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus-compatible text metrics describing the
// fabric's session, channel, and cluster registries.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.stats == nil {
			return
		}

		sessions, bound, channels := h.stats.SnapshotCounts()

		fmt.Fprintf(w, "# HELP fabric_uptime_seconds Process uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE fabric_uptime_seconds gauge\n")
		fmt.Fprintf(w, "fabric_uptime_seconds %.0f\n", h.stats.Uptime().Seconds())

		fmt.Fprintf(w, "# HELP fabric_sessions Current live sessions.\n")
		fmt.Fprintf(w, "# TYPE fabric_sessions gauge\n")
		fmt.Fprintf(w, "fabric_sessions %d\n", sessions)

		fmt.Fprintf(w, "# HELP fabric_sessions_bound Sessions currently bound to a UID.\n")
		fmt.Fprintf(w, "# TYPE fabric_sessions_bound gauge\n")
		fmt.Fprintf(w, "fabric_sessions_bound %d\n", bound)

		fmt.Fprintf(w, "# HELP fabric_channels Current channel count.\n")
		fmt.Fprintf(w, "# TYPE fabric_channels gauge\n")
		fmt.Fprintf(w, "fabric_channels %d\n", channels)

		fmt.Fprintf(w, "# HELP fabric_supervisor_cycles_total Supervisor cycles completed.\n")
		fmt.Fprintf(w, "# TYPE fabric_supervisor_cycles_total counter\n")
		fmt.Fprintf(w, "fabric_supervisor_cycles_total %d\n", h.stats.SupervisorCycles())

		if peers := h.stats.ClusterPeerCounts(); len(peers) > 0 {
			fmt.Fprintf(w, "# HELP fabric_cluster_peers Reachable peers per cluster group.\n")
			fmt.Fprintf(w, "# TYPE fabric_cluster_peers gauge\n")
			for group, count := range peers {
				fmt.Fprintf(w, "fabric_cluster_peers{group=%q} %d\n", group, count)
			}
		}

		if closes := h.stats.CloseCodeCounts(); len(closes) > 0 {
			fmt.Fprintf(w, "# HELP fabric_close_total Connections closed, by close code.\n")
			fmt.Fprintf(w, "# TYPE fabric_close_total counter\n")
			for code, count := range closes {
				fmt.Fprintf(w, "fabric_close_total{code=\"%d\"} %d\n", code, count)
			}
		}

		fmt.Fprintf(w, "# HELP fabric_codec_decode_failures_total Packet decode failures observed.\n")
		fmt.Fprintf(w, "# TYPE fabric_codec_decode_failures_total counter\n")
		fmt.Fprintf(w, "fabric_codec_decode_failures_total %d\n", h.stats.DecodeFailures())
	}
}

func (h *HandlerSet) authorised(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		return false
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		h.logger.Warn("admin detail request denied: rate limit exceeded", logging.String("remote_addr", r.RemoteAddr))
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
