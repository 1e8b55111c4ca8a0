package fabric

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lattice-mesh/fabric/internal/logging"
	"github.com/lattice-mesh/fabric/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a *websocket.Conn to session.Transport. Writes are
// serialized through a mutex since gorilla's Conn forbids concurrent
// writers, matching the single-writer-goroutine discipline spec §5
// requires of every per-session send path.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(binary bool, data []byte) error {
	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(frameType, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

// AdmissionLimiter gates how many new upgrades a single remote address may
// start per window (spec §6's admission control), implemented by
// internal/adminapi.SlidingWindowLimiter per remote address.
type AdmissionLimiter interface {
	Allow(remoteAddr string) bool
}

// UpgradeHandler returns an http.HandlerFunc that upgrades the connection
// to a WebSocket, accepts it as a new Session, and runs its read loop
// until the socket dies. admission may be nil to skip rate limiting.
func (srv *Server) UpgradeHandler(admission AdmissionLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := session.ResolvePeerIP(srv.opts.ForwardedHeader, r.Header.Get(srv.opts.ForwardedHeader), r.RemoteAddr)
		if admission != nil && !admission.Allow(ip) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.log.Debug("websocket upgrade failed", logging.String("remote_addr", ip), logging.Error(err))
			return
		}

		transport := &wsTransport{conn: conn}
		s := srv.Accept(transport, ip)
		srv.log.Info("session accepted", logging.Uint64("session_id", s.ID()), logging.String("remote_addr", ip))

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				break
			}
			srv.Receive(s, frame)
		}
		srv.HandleClose(s)
	}
}
