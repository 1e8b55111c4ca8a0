// Package session implements per-connection server-side state: identity,
// UID binding, joined channels, the recent-request-id ring, and the
// heartbeat watermark (spec §4.3). A Session owns no socket directly; it
// sends through an injected Transport so it can be driven by tests without
// a real network connection.
package session

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Transport is the minimal send/close surface a Session needs from its
// underlying WebSocket connection.
type Transport interface {
	Send(binary bool, data []byte) error
	Close(code int, reason string) error
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithClock overrides the session's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithReqIDCacheSize overrides the recent-request-id ring capacity.
func WithReqIDCacheSize(size int) Option {
	return func(s *Session) {
		if size > 0 {
			s.reqIDCacheSize = size
		}
	}
}

// Session is the server-side object representing one live WebSocket plus
// its application state.
type Session struct {
	id        uint64
	ip        string
	transport Transport
	clock     func() time.Time

	mu             sync.RWMutex
	uid            string
	context        map[string]any
	channels       map[string]struct{}
	recentReqIDs   []uint64
	seenReqIDs     map[uint64]struct{}
	reqIDCacheSize int
	lastHeart      time.Time
	closed         bool
}

// New constructs a Session bound to id and the given transport. ip should
// already be resolved and normalized by the caller (see ResolvePeerIP).
func New(id uint64, ip string, transport Transport, opts ...Option) *Session {
	s := &Session{
		id:             id,
		ip:             ip,
		transport:      transport,
		clock:          time.Now,
		context:        make(map[string]any),
		channels:       make(map[string]struct{}),
		reqIDCacheSize: 32,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seenReqIDs = make(map[uint64]struct{}, s.reqIDCacheSize)
	s.lastHeart = s.clock()
	return s
}

// ID returns the session's monotonically-increasing local identifier.
func (s *Session) ID() uint64 { return s.id }

// IP returns the session's resolved, normalized peer address.
func (s *Session) IP() string { return s.ip }

// Send hands data to the underlying transport. It returns false without
// attempting delivery once the session has been closed.
func (s *Session) Send(binary bool, data []byte) bool {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed || s.transport == nil {
		return false
	}
	return s.transport.Send(binary, data) == nil
}

// Close shuts the underlying transport and marks the session dead. It is
// idempotent: a second call is a no-op.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.transport != nil {
		_ = s.transport.Close(code, reason)
	}
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// BindUID sets this session's own UID slot. It does not enforce
// cross-session uniqueness; that is the Message Server registry's job
// (spec §4.4's bindUid orchestrates across sessions before calling this).
func (s *Session) BindUID(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

// UnbindUID clears this session's UID slot. Idempotent.
func (s *Session) UnbindUID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = ""
}

// UID returns the currently bound UID, or "" if unbound.
func (s *Session) UID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// JoinChannel adds gid to this session's channel set. Idempotent.
func (s *Session) JoinChannel(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[gid] = struct{}{}
}

// QuitChannel removes gid from this session's channel set. Idempotent.
func (s *Session) QuitChannel(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, gid)
}

// EachChannel invokes fn for every channel this session has joined. fn
// must not mutate the session's channel set.
func (s *Session) EachChannel(fn func(gid string)) {
	s.mu.RLock()
	gids := make([]string, 0, len(s.channels))
	for gid := range s.channels {
		gids = append(gids, gid)
	}
	s.mu.RUnlock()
	for _, gid := range gids {
		fn(gid)
	}
}

// UpdateReqID records reqId in the recent-request ring, evicting the
// oldest half on overflow. It returns false — a duplicate — if reqId is
// already present in the ring.
func (s *Session) UpdateReqID(reqID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seenReqIDs[reqID]; dup {
		return false
	}

	s.recentReqIDs = append(s.recentReqIDs, reqID)
	s.seenReqIDs[reqID] = struct{}{}
	if len(s.recentReqIDs) > s.reqIDCacheSize {
		evict := len(s.recentReqIDs) / 2
		for _, old := range s.recentReqIDs[:evict] {
			delete(s.seenReqIDs, old)
		}
		s.recentReqIDs = append([]uint64{}, s.recentReqIDs[evict:]...)
	}
	return true
}

// UpdateHeart stamps lastHeart to now.
func (s *Session) UpdateHeart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeart = s.clock()
}

// LastHeart returns the timestamp of the most recently observed heartbeat.
func (s *Session) LastHeart() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeart
}

// IsExpired reports whether the gap since the last heartbeat exceeds timeout.
func (s *Session) IsExpired(timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock().After(s.lastHeart.Add(timeout))
}

// SetContext stores an application-scoped scratch value under key.
func (s *Session) SetContext(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context[key] = value
}

// Context retrieves an application-scoped scratch value.
func (s *Session) Context(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.context[key]
	return v, ok
}

// ResolvePeerIP resolves the logical peer address for a connection,
// preferring a configured forwarding header, falling back to the raw TCP
// remote address, and normalizing IPv6-to-IPv4 forms per spec §3.
func ResolvePeerIP(forwardedHeader, forwardedValue, remoteAddr string) string {
	candidate := strings.TrimSpace(remoteAddr)
	if forwardedHeader != "" && forwardedValue != "" {
		parts := strings.Split(forwardedValue, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			candidate = first
		}
	}
	if host, _, err := net.SplitHostPort(candidate); err == nil {
		candidate = host
	}
	return normalizeIP(candidate)
}

func normalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "::1" {
		return "127.0.0.1"
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
