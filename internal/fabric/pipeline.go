package fabric

import (
	"encoding/json"

	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/logging"
	"github.com/lattice-mesh/fabric/internal/session"
)

// Accept registers a freshly-upgraded connection as a Session and adds it
// to the sockets registry. The caller (internal/fabric/transport.go) owns
// the actual WebSocket read loop and calls Receive for every inbound
// frame and HandleClose exactly once when the socket dies.
func (srv *Server) Accept(transport session.Transport, ip string) *session.Session {
	id := srv.nextSocketIDValue()
	s := session.New(id, ip, transport,
		session.WithClock(srv.clock),
		session.WithReqIDCacheSize(srv.opts.ReqIDCacheSize),
	)
	srv.registries.addSocket(s)
	return s
}

// Receive runs the full receive pipeline for one inbound frame from
// session s (spec §4.4): decode, validate shape, dedupe, then route by
// priority order.
func (srv *Server) Receive(s *session.Session, frame []byte) {
	pkt, err := srv.codec.Decode(frame)
	if err != nil {
		srv.decodeFailures.Add(1)
		srv.log.Debug("packet decode failed", logging.Uint64("session_id", s.ID()), logging.Error(err))
		srv.closeSession(s, CloseParseError, "parse error")
		return
	}
	if err := codec.ValidateShape(pkt); err != nil {
		srv.closeSession(s, CloseFormatError, "format error")
		return
	}
	if !s.UpdateReqID(pkt.ReqID) {
		srv.closeSession(s, CloseRepeatError, "repeat error")
		return
	}

	switch pkt.Route {
	case codec.RouteHeartbeat:
		srv.handleHeartbeat(s, pkt)
	case codec.RouteInnerP2P:
		srv.handleInner(s, pkt, srv.deliverP2P)
	case codec.RouteInnerGRP:
		srv.handleInner(s, pkt, srv.deliverGRP)
	case codec.RouteInnerALL:
		srv.handleInner(s, pkt, srv.deliverALL)
	case codec.RouteInnerRMC:
		srv.handleInnerRMC(s, pkt)
	default:
		srv.handleUserRoute(s, pkt)
	}
}

func (srv *Server) handleHeartbeat(s *session.Session, pkt *codec.Packet) {
	s.UpdateHeart()
	echo, err := codec.NewPacket(codec.RouteHeartbeat, pkt.ReqID, rawMessage(pkt))
	if err != nil {
		return
	}
	srv.sendTo(s, echo)
}

func (srv *Server) decodeInner(pkt *codec.Packet) (*codec.InnerEnvelope, bool) {
	var env codec.InnerEnvelope
	if err := pkt.Unmarshal(&env); err != nil {
		return nil, false
	}
	return &env, true
}

func (srv *Server) handleInner(s *session.Session, pkt *codec.Packet, deliver func(*codec.InnerEnvelope)) {
	env, ok := srv.decodeInner(pkt)
	if !ok || !env.Verify(srv.opts.Secret) {
		srv.closeSession(s, CloseSignError, "sign error")
		return
	}
	deliver(env)
}

func (srv *Server) handleInnerRMC(s *session.Session, pkt *codec.Packet) {
	env, ok := srv.decodeInner(pkt)
	if !ok || !env.Verify(srv.opts.Secret) {
		srv.closeSession(s, CloseSignError, "sign error")
		return
	}

	srv.mu.RLock()
	handler, found := srv.remoteRoutes[env.Route]
	srv.mu.RUnlock()
	if !found {
		srv.closeSession(s, CloseRemoteError, "remote error")
		return
	}

	// The outer reqId is preserved so the handler's Response call
	// correlates with the calling peer's pending request.
	inner := &codec.Packet{Route: env.Route, ReqID: pkt.ReqID, Message: env.Message}
	handler(srv, s, inner)
}

func (srv *Server) handleUserRoute(s *session.Session, pkt *codec.Packet) {
	srv.mu.RLock()
	handler, found := srv.userRoutes[pkt.Route]
	srv.mu.RUnlock()
	if !found {
		srv.closeSession(s, CloseRouteError, "route error")
		return
	}
	handler(srv, s, pkt)
}

func (srv *Server) deliverP2P(env *codec.InnerEnvelope) {
	srv.PushSession(env.TID, env.Route, rawAny(env.Message))
}

func (srv *Server) deliverGRP(env *codec.InnerEnvelope) {
	srv.PushChannel(env.TID, env.Route, rawAny(env.Message))
}

func (srv *Server) deliverALL(env *codec.InnerEnvelope) {
	srv.Broadcast(env.Route, rawAny(env.Message))
}

// HandleClose runs the close handler (spec §4.4's final bullet): invokes
// the session-close callback, quits every joined channel, unbinds any UID,
// and removes the session from sockets.
func (srv *Server) HandleClose(s *session.Session) {
	srv.mu.RLock()
	onClose := srv.onClose
	srv.mu.RUnlock()
	if onClose != nil {
		onClose(s)
	}

	s.EachChannel(func(gid string) {
		srv.registries.quitChannel(gid, s)
	})

	srv.registries.unbindUID(s.UID(), s)
	s.UnbindUID()
	srv.registries.removeSocket(s.ID())
}

func (srv *Server) closeSession(s *session.Session, code int, reason string) {
	srv.recordClose(code)
	s.Close(code, reason)
	srv.HandleClose(s)
}

// BindUID implements spec §4.4's bindUid orchestration: if another session
// holds uid, that session is unbound *before* it is closed, so its close
// handler (which would otherwise call unbindUid) finds nothing to unbind
// and the new binding survives.
func (srv *Server) BindUID(s *session.Session, uid string, closeOld bool) {
	displaced := srv.registries.bindUID(uid, s)
	if displaced != nil && displaced != s {
		displaced.UnbindUID()
		if closeOld {
			srv.closeSession(displaced, CloseNewBindError, "newbind error")
		}
	}

	if old := s.UID(); old != "" && old != uid {
		srv.registries.unbindUID(old, s)
	}
	s.BindUID(uid)
}

// UnbindUID clears uid's binding, idempotently.
func (srv *Server) UnbindUID(s *session.Session) {
	srv.registries.unbindUID(s.UID(), s)
	s.UnbindUID()
}

// JoinChannel adds s to channel gid.
func (srv *Server) JoinChannel(s *session.Session, gid string) {
	srv.registries.joinChannel(gid, s)
}

// QuitChannel removes s from channel gid.
func (srv *Server) QuitChannel(s *session.Session, gid string) {
	srv.registries.quitChannel(gid, s)
}

func (srv *Server) sendTo(s *session.Session, pkt *codec.Packet) {
	encoded, err := srv.codec.Encode(pkt)
	if err != nil {
		return
	}
	s.Send(srv.opts.Binary, encoded)
}

func rawMessage(pkt *codec.Packet) any {
	return rawAny(pkt.Message)
}

func rawAny(raw []byte) any {
	return json.RawMessage(raw)
}
