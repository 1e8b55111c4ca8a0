// Package fabric implements the Message Server: the server-side registry
// of sockets, UID-bound sessions, and channels, plus the receive pipeline
// and lifecycle supervisor described in spec §4.4. Outbound cluster
// dispatch lives in internal/cluster; inbound inner-envelope traffic from
// peers arrives on this package's receive pipeline, which delivers it
// locally through the push primitives.
package fabric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/logging"
	"github.com/lattice-mesh/fabric/internal/session"
)

// Close codes reserved by the framework (spec §6). 4001-4100 are the
// server's own; 4101-4200 belong to the Bridge Client.
const (
	CloseParseError    = 4001
	CloseFormatError   = 4002
	CloseRepeatError   = 4003
	CloseSignError     = 4004
	CloseRemoteError   = 4005
	CloseRouteError    = 4006
	CloseSocketError   = 4007
	CloseTimeoutError  = 4008
	CloseNewBindError  = 4009
	CloseClientRetry   = 4101
	CloseClientClose   = 4102
	CloseClientError   = 4103
	CloseClientCall    = 4104
)

// RouteHandler is invoked for a user route or a cluster RMC route, as
// (server, session, packet).
type RouteHandler func(srv *Server, s *session.Session, pkt *codec.Packet)

// SupervisorFunc is invoked once per supervisor cycle with the current
// live and UID-bound session counts.
type SupervisorFunc func(live, bound int)

// CloserFunc is invoked on every session close.
type CloserFunc func(s *session.Session)

// Options configures a Server at construction time.
type Options struct {
	Password        string
	Binary          bool
	Secret          string
	Cycle           time.Duration
	SessionTimeout  time.Duration
	ReqIDCacheSize  int
	ForwardedHeader string
	Logger          *logging.Logger
	Clock           func() time.Time
}

// Server is the Message Server: it accepts WebSocket connections, owns the
// session/UID/channel registries, drives the lifecycle supervisor, and
// routes incoming packets by reserved or user route (spec §4.4).
type Server struct {
	opts  Options
	codec *codec.Codec
	log   *logging.Logger
	clock func() time.Time

	registries *registries

	mu           sync.RWMutex
	userRoutes   map[string]RouteHandler
	remoteRoutes map[string]RouteHandler
	onSupervisor SupervisorFunc
	onClose      CloserFunc

	nextSocketID uint64
	startedAt    time.Time
	startupErr   error

	supervisorCycles atomic.Uint64
	decodeFailures   atomic.Uint64
	closeCodeMu      sync.Mutex
	closeCodeCounts  map[int]uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	clusterPeerCounts func() map[string]int
}

// New constructs a Server. cycle and timeout must already satisfy the
// constraints config.Load validates (cycle >= 10s, timeout >= 30s and >=
// 3x cycle); New does not re-validate them.
func New(opts Options) *Server {
	if opts.Cycle <= 0 {
		opts.Cycle = 60 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 180 * time.Second
	}
	if opts.ReqIDCacheSize <= 0 {
		opts.ReqIDCacheSize = 32
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Server{
		opts:            opts,
		codec:           codec.New(opts.Password, opts.Binary),
		log:             logger,
		clock:           opts.Clock,
		registries:      newRegistries(),
		userRoutes:      make(map[string]RouteHandler),
		remoteRoutes:    make(map[string]RouteHandler),
		startedAt:       opts.Clock(),
		closeCodeCounts: make(map[int]uint64),
		stopCh:          make(chan struct{}),
	}
}

// SetRouter installs a user route handler.
func (srv *Server) SetRouter(route string, handler RouteHandler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.userRoutes[route] = handler
}

// SetRemote installs a cluster-RMC handler.
func (srv *Server) SetRemote(route string, handler RouteHandler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.remoteRoutes[route] = handler
}

// SetListeners installs the optional supervisor and close callbacks.
func (srv *Server) SetListeners(supervisor SupervisorFunc, closer CloserFunc) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onSupervisor = supervisor
	srv.onClose = closer
}

// SetClusterPeerCountsFunc wires in the cluster dispatcher's per-group peer
// counts, surfaced through the admin metrics endpoint.
func (srv *Server) SetClusterPeerCountsFunc(fn func() map[string]int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.clusterPeerCounts = fn
}

// Secret returns the cluster-signing secret that the receive pipeline
// verifies inbound inner envelopes against.
func (srv *Server) Secret() string { return srv.opts.Secret }

// Start begins the supervisor ticker. Accept is driven separately by the
// HTTP upgrade handler in internal/fabric/transport.go.
func (srv *Server) Start() {
	srv.wg.Add(1)
	go srv.supervisorLoop()
}

// Close stops the supervisor ticker and closes every live socket.
func (srv *Server) Close() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)
	})
	srv.wg.Wait()
	srv.registries.eachSocket(func(s *session.Session) {
		srv.closeSession(s, CloseSocketError, "server shutting down")
	})
}

func (srv *Server) recordClose(code int) {
	srv.closeCodeMu.Lock()
	defer srv.closeCodeMu.Unlock()
	srv.closeCodeCounts[code]++
}

// nextSocketIDValue assigns a monotonically increasing local socket id.
func (srv *Server) nextSocketIDValue() uint64 {
	return atomic.AddUint64(&srv.nextSocketID, 1)
}

// --- accessors for the admin metrics surface (adminapi.Stats) ---

// SnapshotCounts returns live socket, UID-bound, and channel counts.
func (srv *Server) SnapshotCounts() (sessions, bound, channels int) {
	return srv.registries.snapshotCounts()
}

// ClusterPeerCounts returns the reachable peer count per cluster group, or
// an empty map if no cluster dispatcher was wired in.
func (srv *Server) ClusterPeerCounts() map[string]int {
	srv.mu.RLock()
	fn := srv.clusterPeerCounts
	srv.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// CloseCodeCounts returns a snapshot of how many sessions have been closed
// with each close code.
func (srv *Server) CloseCodeCounts() map[int]uint64 {
	srv.closeCodeMu.Lock()
	defer srv.closeCodeMu.Unlock()
	out := make(map[int]uint64, len(srv.closeCodeCounts))
	for code, count := range srv.closeCodeCounts {
		out[code] = count
	}
	return out
}

// DecodeFailures returns the count of packets this server failed to decode.
func (srv *Server) DecodeFailures() uint64 { return srv.decodeFailures.Load() }

// SupervisorCycles returns the number of completed supervisor cycles.
func (srv *Server) SupervisorCycles() uint64 { return srv.supervisorCycles.Load() }

// Uptime returns how long this server has been running.
func (srv *Server) Uptime() time.Duration { return srv.clock().Sub(srv.startedAt) }

// StartupError returns any error recorded during startup (e.g. a listener
// bind failure reported by cmd/fabricd).
func (srv *Server) StartupError() error {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.startupErr
}

// SetStartupError records a startup failure for the readiness endpoint.
func (srv *Server) SetStartupError(err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.startupErr = err
}
