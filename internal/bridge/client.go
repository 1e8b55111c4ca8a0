// Package bridge implements the Bridge Client: a long-lived, reconnecting
// WebSocket client exposing request/response correlation and publish/
// subscribe semantics (spec §4.2). It is used both by end-user clients and
// by a server node reaching its peers' Message Servers (spec §4.5).
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/logging"
)

// Defaults mirror spec §4.2's enumerated configuration.
const (
	DefaultTimeout  = 8000 * time.Millisecond
	DefaultHeartick = 60
	DefaultConntick = 3
)

// Response is the decoded `message` field of a $response$ packet.
type Response struct {
	Code int `json:"code"`
	Data any `json:"data"`
}

// Conn is the minimal surface the Client needs from a WebSocket
// connection, letting tests substitute a fake without a real socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a Conn to url. insecureSkipVerify is set for peer links,
// which accept self-signed certificates per spec §6.
type Dialer func(ctx context.Context, url string, insecureSkipVerify bool) (Conn, error)

func defaultDialer(ctx context.Context, url string, insecureSkipVerify bool) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if insecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // peer links intentionally accept self-signed certs.
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides the per-request deadline (default 8s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHeartick overrides the heartbeat period in seconds (default 60).
func WithHeartick(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.heartick = seconds
		}
	}
}

// WithConntick overrides the reconnect attempt period in seconds (default 3).
func WithConntick(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.conntick = seconds
		}
	}
}

// WithInsecureSkipVerify accepts self-signed peer certificates.
func WithInsecureSkipVerify() Option {
	return func(c *Client) { c.insecureSkipVerify = true }
}

// WithDialer overrides how the client opens its socket, for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithClock overrides the client's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Callbacks bundles the lifecycle hooks Connect installs.
type Callbacks struct {
	OnOpen  func()
	OnClose func()
	OnError func(error)
	OnRetry func(retryCount int)
	OnTick  func(timerInc uint64, netDelay time.Duration)
}

type pendingRequest struct {
	submitted time.Time
	onSuccess func(Response)
	onError   func(Response)
}

type listenerEntry struct {
	handler func(json.RawMessage)
	once    bool
}

// Client is a resilient, reconnecting Bridge Client toward a single
// WebSocket endpoint.
type Client struct {
	host               string
	password           string
	binary             bool
	timeout            time.Duration
	heartick           int
	conntick           int
	insecureSkipVerify bool

	dialer Dialer
	codec  *codec.Codec
	clock  func() time.Time
	logger *logging.Logger
	rand   *rand.Rand

	callbacks Callbacks

	mu         sync.Mutex
	conn       Conn
	connected  bool
	paused     bool
	expired    bool
	reqIDInc   uint64
	timerInc   uint64
	netDelay   time.Duration
	retryCount int
	pending    map[uint64]*pendingRequest
	listeners  map[string][]*listenerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Bridge Client toward host. Any http(s):// prefix is
// normalized to ws(s)://.
func New(host, password string, binary bool, opts ...Option) *Client {
	c := &Client{
		host:     normalizeScheme(host),
		password: password,
		binary:   binary,
		timeout:  DefaultTimeout,
		heartick: DefaultHeartick,
		conntick: DefaultConntick,
		dialer:   defaultDialer,
		clock:    time.Now,
		logger:   logging.L(),
		rand:     rand.New(rand.NewSource(1)),
		pending:  make(map[uint64]*pendingRequest),
		listeners: make(map[string][]*listenerEntry),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = codec.New(c.password, c.binary)
	return c
}

func normalizeScheme(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return host
	}
}

// Connect installs lifecycle callbacks and opens the socket, then starts
// the 1Hz tick loop and the read loop.
func (c *Client) Connect(ctx context.Context, callbacks Callbacks) error {
	c.mu.Lock()
	c.callbacks = callbacks
	c.expired = false
	c.mu.Unlock()

	c.openOnce(ctx)

	c.wg.Add(1)
	go c.tickLoop(ctx)
	return nil
}

// Disconnect sets expired (terminal), stops the ticker, and closes the
// socket with code 4104. After Disconnect the instance must not be revived.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return
	}
	c.expired = true
	conn := c.conn
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4104, "client call"))
		_ = conn.Close()
	}
	c.wg.Wait()
}

// Pause stops reconnect attempts without closing an existing connection.
func (c *Client) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables reconnect attempts.
func (c *Client) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RetryCount returns the number of reconnect attempts since the last
// successful open.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

func (c *Client) openOnce(ctx context.Context) {
	conn, err := c.dialer(ctx, c.host, c.insecureSkipVerify)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		cb := c.callbacks.OnError
		c.mu.Unlock()
		if cb != nil {
			cb(fmt.Errorf("dial %s: %w", c.host, err))
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.retryCount = 0
	cbOpen := c.callbacks.OnOpen
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if cbOpen != nil {
		cbOpen()
	}
}

func (c *Client) readLoop(conn Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasCurrent := c.conn == conn
			if wasCurrent {
				c.connected = false
				c.conn = nil
			}
			cb := c.callbacks.OnClose
			c.mu.Unlock()
			if wasCurrent && cb != nil {
				cb()
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	pkt, err := c.codec.Decode(data)
	if err != nil {
		c.mu.Lock()
		cb := c.callbacks.OnError
		c.mu.Unlock()
		if cb != nil {
			cb(fmt.Errorf("deserialize error: %w", err))
		}
		return
	}

	switch pkt.Route {
	case codec.RouteHeartbeat:
		var sentAt int64
		if err := pkt.Unmarshal(&sentAt); err == nil {
			c.mu.Lock()
			c.netDelay = time.Duration(c.clock().UnixMilli()-sentAt) * time.Millisecond
			c.mu.Unlock()
		}
	case codec.RouteResponse:
		c.handleResponse(pkt)
	default:
		c.fireListeners(pkt.Route, pkt.Message)
	}
}

func (c *Client) handleResponse(pkt *codec.Packet) {
	c.mu.Lock()
	p, ok := c.pending[pkt.ReqID]
	if ok {
		delete(c.pending, pkt.ReqID)
		c.netDelay = c.clock().Sub(p.submitted)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var resp Response
	if err := pkt.Unmarshal(&resp); err != nil {
		if p.onError != nil {
			p.onError(Response{Code: 502, Data: "Bad Gateway"})
		}
		return
	}
	if resp.Code == 200 {
		if p.onSuccess != nil {
			p.onSuccess(resp)
		}
	} else if p.onError != nil {
		p.onError(resp)
	}
}

func (c *Client) fireListeners(route string, message json.RawMessage) {
	c.mu.Lock()
	entries := c.listeners[route]
	remaining := entries[:0:0]
	var fire []*listenerEntry
	for _, e := range entries {
		fire = append(fire, e)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	if len(entries) > 0 {
		c.listeners[route] = remaining
	}
	c.mu.Unlock()

	for _, e := range fire {
		e.handler(message)
	}
}

// On registers a listener for route. If once is true the listener fires
// at most one time.
func (c *Client) On(route string, once bool, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[route] = append(c.listeners[route], &listenerEntry{handler: handler, once: once})
}

// Request assigns a fresh reqId, optionally installs pending bookkeeping,
// and sends. Per spec §4.2/§9's "unsent requests" decision, the pending
// entry is installed whenever a callback is supplied regardless of
// connection state; the send itself is best-effort.
func (c *Client) Request(route string, message any, onSuccess, onError func(Response)) uint64 {
	c.mu.Lock()
	c.reqIDInc++
	reqID := c.reqIDInc
	if onSuccess != nil || onError != nil {
		c.pending[reqID] = &pendingRequest{
			submitted: c.clock(),
			onSuccess: onSuccess,
			onError:   onError,
		}
	}
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	pkt, err := codec.NewPacket(route, reqID, message)
	if err != nil {
		return reqID
	}
	encoded, err := c.codec.Encode(pkt)
	if err != nil {
		return reqID
	}
	if !connected || conn == nil {
		return reqID
	}
	frameType := websocket.TextMessage
	if c.binary {
		frameType = websocket.BinaryMessage
	}
	_ = conn.WriteMessage(frameType, encoded)
	return reqID
}

func (c *Client) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one second's worth of bookkeeping: timeout sweep, heartbeat
// emission, and reconnect-on-cadence. Exposed directly so tests can drive
// it without a real 1Hz ticker.
func (c *Client) Tick(ctx context.Context) {
	c.mu.Lock()
	c.timerInc++
	timerInc := c.timerInc
	now := c.clock()

	var timedOut []*pendingRequest
	for id, p := range c.pending {
		if now.Sub(p.submitted) > c.timeout {
			timedOut = append(timedOut, p)
			delete(c.pending, id)
		}
	}

	connected := c.connected
	paused := c.paused
	expired := c.expired
	heartick := c.heartick
	conntick := c.conntick
	onTick := c.callbacks.OnTick
	netDelay := c.netDelay
	c.mu.Unlock()

	for _, p := range timedOut {
		if p.onError != nil {
			p.onError(Response{Code: 504, Data: "Gateway Timeout"})
		}
	}

	if expired {
		return
	}

	if connected && heartick > 0 && int(timerInc)%heartick == 0 {
		c.sendHeartbeat(now)
	}

	if !connected && !paused && conntick > 0 && int(timerInc)%conntick == 0 {
		c.reconnect(ctx)
	}

	if onTick != nil {
		onTick(timerInc, netDelay)
	}
}

func (c *Client) sendHeartbeat(now time.Time) {
	c.mu.Lock()
	c.reqIDInc++
	reqID := c.reqIDInc
	conn := c.conn
	c.mu.Unlock()

	pkt, err := codec.NewPacket(codec.RouteHeartbeat, reqID, now.UnixMilli())
	if err != nil || conn == nil {
		return
	}
	encoded, err := c.codec.Encode(pkt)
	if err != nil {
		return
	}
	frameType := websocket.TextMessage
	if c.binary {
		frameType = websocket.BinaryMessage
	}
	_ = conn.WriteMessage(frameType, encoded)
}

func (c *Client) reconnect(ctx context.Context) {
	c.mu.Lock()
	c.retryCount++
	retryCount := c.retryCount
	stale := c.conn
	c.conn = nil
	onRetry := c.callbacks.OnRetry
	c.mu.Unlock()

	if stale != nil {
		_ = stale.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4101, "client retry"))
		_ = stale.Close()
	}
	if onRetry != nil {
		onRetry(retryCount)
	}
	c.openOnce(ctx)
}

// NextReqID reports the request id the next Request call or heartbeat
// would be assigned. It neither reserves that id nor sends anything.
func (c *Client) NextReqID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqIDInc + 1
}
