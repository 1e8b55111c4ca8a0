package fabric

import (
	"github.com/lattice-mesh/fabric/internal/bridge"
	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/session"
)

// Response sends a $response$ packet reusing reqPacket's reqId. The
// envelope shares its {code, data} shape with bridge.Response, since both
// sides of the wire agree on the same $response$ contract (spec §3).
func (srv *Server) Response(s *session.Session, reqPacket *codec.Packet, envelope bridge.Response) {
	pkt, err := codec.NewPacket(codec.RouteResponse, reqPacket.ReqID, envelope)
	if err != nil {
		return
	}
	srv.sendTo(s, pkt)
}

// NewResponse constructs the {code, data} envelope a route handler passes
// to Response.
func NewResponse(code int, data any) bridge.Response {
	return bridge.Response{Code: code, Data: data}
}

// PushSession looks up uid's bound session locally and sends; it is a
// silent no-op if uid is not bound on this node.
func (srv *Server) PushSession(uid, route string, message any) {
	s, ok := srv.registries.lookupUID(uid)
	if !ok {
		return
	}
	srv.push(s, route, message)
}

// PushSessionBatch pushes to every uid in uids.
func (srv *Server) PushSessionBatch(uids []string, route string, message any) {
	for _, uid := range uids {
		srv.PushSession(uid, route, message)
	}
}

// PushChannel iterates channel gid's members and sends the same packet to
// each.
func (srv *Server) PushChannel(gid, route string, message any) {
	ch, ok := srv.registries.channel(gid)
	if !ok {
		return
	}
	ch.each(func(s *session.Session) {
		srv.push(s, route, message)
	})
}

// PushChannelCustom re-encodes the packet per member via transform, which
// receives the channel's base message and the recipient session.
func (srv *Server) PushChannelCustom(gid, route string, base any, transform func(s *session.Session, base any) any) {
	ch, ok := srv.registries.channel(gid)
	if !ok {
		return
	}
	ch.each(func(s *session.Session) {
		srv.push(s, route, transform(s, base))
	})
}

// Broadcast iterates all UID-bound sessions. Sessions without a UID are
// not broadcast targets — an intentional filter per spec §4.4.
func (srv *Server) Broadcast(route string, message any) {
	srv.registries.mu.RLock()
	targets := make([]*session.Session, 0, len(srv.registries.sessions))
	for _, s := range srv.registries.sessions {
		targets = append(targets, s)
	}
	srv.registries.mu.RUnlock()
	for _, s := range targets {
		srv.push(s, route, message)
	}
}

func (srv *Server) push(s *session.Session, route string, message any) {
	pkt, err := codec.NewPacket(route, 0, message)
	if err != nil {
		return
	}
	srv.sendTo(s, pkt)
}
