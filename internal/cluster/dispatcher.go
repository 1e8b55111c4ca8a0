// Package cluster implements the Cluster Dispatcher: the fixed set of
// Bridge Clients a Message Server opens toward its fleet peers, and the
// four inter-node operations (P2P, GRP, ALL, RMC) that ride over those
// links as signed inner envelopes on the reserved inner routes (spec
// §4.5). The dispatcher never reaches into a peer's registries directly;
// it only ever sends a request on the peer's WebSocket and, for RMC,
// waits on that request's response.
package cluster

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/lattice-mesh/fabric/internal/bridge"
	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/logging"
)

// DispatchCallback picks a single peer index within group for one
// dispatch, given the envelope about to be sent. Returning a value
// outside [0, len(peers)) falls back to fan-out-to-all for P2P, GRP and
// ALL, and to one uniformly random peer for RMC calls.
type DispatchCallback func(group, tid string, envelope *codec.InnerEnvelope) int

// peer is one fleet node reachable within a cluster group.
type peer struct {
	url    string
	client *bridge.Client
}

// Dispatcher owns one Bridge Client per configured peer, grouped by the
// fleet's named cluster groups (spec §3's "cluster" registry).
type Dispatcher struct {
	secret   string
	cycle    time.Duration
	password string
	binary   bool
	logger   *logging.Logger

	mu       sync.RWMutex
	groups   map[string][]*peer
	dispatch DispatchCallback
}

// Options configures a Dispatcher at construction time.
type Options struct {
	Secret   string
	Password string
	Binary   bool
	Cycle    time.Duration
	Logger   *logging.Logger
	Dispatch DispatchCallback
}

// New constructs a Dispatcher with no peers yet wired in; call AddPeer
// for every descriptor the fleet planner supplied under APP_NODES.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Dispatcher{
		secret:   opts.Secret,
		cycle:    opts.Cycle,
		password: opts.Password,
		binary:   opts.Binary,
		logger:   logger,
		groups:   make(map[string][]*peer),
		dispatch: opts.Dispatch,
	}
}

// AddPeer opens a Bridge Client toward url and registers it under group.
// heartick is the supervisor cycle in whole seconds (at least 1) and
// conntick is fixed at 2s, per spec §4.5.
func (d *Dispatcher) AddPeer(ctx context.Context, group, url string) {
	heartick := int(d.cycle / time.Second)
	if heartick <= 0 {
		heartick = 1
	}
	client := bridge.New(url, d.password, d.binary,
		bridge.WithHeartick(heartick),
		bridge.WithConntick(2),
		bridge.WithInsecureSkipVerify(),
		bridge.WithLogger(d.logger),
	)
	p := &peer{url: url, client: client}

	d.mu.Lock()
	d.groups[group] = append(d.groups[group], p)
	d.mu.Unlock()

	go func() {
		if err := client.Connect(ctx, bridge.Callbacks{
			OnError: func(err error) {
				d.logger.Warn("cluster peer dial failed", logging.String("group", group), logging.String("url", url), logging.Error(err))
			},
		}); err != nil {
			d.logger.Warn("cluster peer connect failed", logging.String("group", group), logging.String("url", url), logging.Error(err))
		}
	}()
}

// Close tears down every peer's Bridge Client.
func (d *Dispatcher) Close() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, peers := range d.groups {
		for _, p := range peers {
			p.client.Disconnect()
		}
	}
}

// PeerCounts returns the number of currently-connected peers per group,
// for the admin metrics surface (fabric_cluster_peers).
func (d *Dispatcher) PeerCounts() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := make(map[string]int, len(d.groups))
	for group, peers := range d.groups {
		n := 0
		for _, p := range peers {
			if p.client.Connected() {
				n++
			}
		}
		counts[group] = n
	}
	return counts
}

func newWord() string {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func (d *Dispatcher) envelope(tid, route string, message any) (*codec.InnerEnvelope, error) {
	return codec.NewInnerEnvelope(tid, route, message, newWord(), d.secret)
}

func (d *Dispatcher) peersFor(group string) []*peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.groups[group]
}

// selectPeer applies the dispatch callback if one is configured and its
// result names a valid index; otherwise it returns -1, which sendInner
// treats as fan-out and the RMC calls as a random pick.
func (d *Dispatcher) selectPeer(group, tid string, env *codec.InnerEnvelope, peers []*peer) int {
	d.mu.RLock()
	cb := d.dispatch
	d.mu.RUnlock()
	if cb == nil {
		return -1
	}
	idx := cb(group, tid, env)
	if idx < 0 || idx >= len(peers) {
		return -1
	}
	return idx
}

// sendInner wraps message in a signed inner envelope whose Route is the
// application-level route (the one a receiving peer will redeliver
// through pushSession/pushChannel/broadcast), then dispatches it as a
// request on outerRoute — one of the four reserved $inner...$ routes.
func (d *Dispatcher) sendInner(group, outerRoute, innerRoute, tid string, message any) {
	env, err := d.envelope(tid, innerRoute, message)
	if err != nil {
		d.logger.Warn("cluster envelope encode failed", logging.String("group", group), logging.Error(err))
		return
	}
	peers := d.peersFor(group)
	if len(peers) == 0 {
		return
	}
	if idx := d.selectPeer(group, tid, env, peers); idx >= 0 {
		peers[idx].client.Request(outerRoute, env, nil, nil)
		return
	}
	for _, p := range peers {
		p.client.Request(outerRoute, env, nil, nil)
	}
}

// PushClusterSession sends {tid, route, message} to the peer(s) in group
// as $innerP2P$, for peers to deliver locally via pushSession.
func (d *Dispatcher) PushClusterSession(group, uid, route string, message any) {
	d.sendInner(group, codec.RouteInnerP2P, route, uid, message)
}

// PushClusterChannel sends as $innerGRP$, for peers to deliver via
// pushChannel.
func (d *Dispatcher) PushClusterChannel(group, gid, route string, message any) {
	d.sendInner(group, codec.RouteInnerGRP, route, gid, message)
}

// ClusterBroadcast sends as $innerALL$, for peers to deliver via
// broadcast.
func (d *Dispatcher) ClusterBroadcast(group, route string, message any) {
	d.sendInner(group, codec.RouteInnerALL, route, "", message)
}

// CallRemote is fire-and-forget: it dispatches an $innerRMC$ envelope to
// a single, uniformly random peer in group (or the dispatch callback's
// choice) and does not wait for a response.
func (d *Dispatcher) CallRemote(group, route string, message any) {
	peers := d.peersFor(group)
	if len(peers) == 0 {
		return
	}
	env, err := d.envelope("", route, message)
	if err != nil {
		d.logger.Warn("cluster envelope encode failed", logging.String("group", group), logging.Error(err))
		return
	}
	idx := d.selectPeer(group, "", env, peers)
	if idx < 0 {
		idx = rand.N(len(peers))
	}
	peers[idx].client.Request(codec.RouteInnerRMC, env, nil, nil)
}

// CallRemoteForResult dispatches an $innerRMC$ envelope to a single peer
// and resolves onDone with the response envelope once it arrives,
// regardless of whether the remote handler reported success or failure
// (the response's code field carries that distinction).
func (d *Dispatcher) CallRemoteForResult(group, route string, message any, onDone func(bridge.Response)) {
	peers := d.peersFor(group)
	if len(peers) == 0 {
		if onDone != nil {
			onDone(bridge.Response{Code: 503, Data: "Service Unavailable"})
		}
		return
	}
	env, err := d.envelope("", route, message)
	if err != nil {
		if onDone != nil {
			onDone(bridge.Response{Code: 500, Data: "Internal Server Error"})
		}
		return
	}
	idx := d.selectPeer(group, "", env, peers)
	if idx < 0 {
		idx = rand.N(len(peers))
	}
	peers[idx].client.Request(codec.RouteInnerRMC, env, onDone, onDone)
}

// GroupNames lists every configured cluster group, for diagnostics.
func (d *Dispatcher) GroupNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) String() string {
	var b strings.Builder
	for _, name := range d.GroupNames() {
		fmt.Fprintf(&b, "%s(%d) ", name, len(d.peersFor(name)))
	}
	return strings.TrimSpace(b.String())
}
