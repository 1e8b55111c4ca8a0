package fabric

import (
	"testing"

	"github.com/lattice-mesh/fabric/internal/codec"
	"github.com/lattice-mesh/fabric/internal/session"
)

func TestPushSessionDeliversToBoundUID(t *testing.T) {
	srv := newTestServer(Options{})
	tr := &fakeTransport{}
	s := srv.Accept(tr, "127.0.0.1")
	srv.BindUID(s, "u", false)

	srv.PushSession("u", "evt", map[string]int{"x": 1})

	resp := lastFrame(t, srv, tr)
	if resp.Route != "evt" {
		t.Fatalf("expected route evt, got %q", resp.Route)
	}
}

func TestPushSessionIsNoOpForUnknownUID(t *testing.T) {
	srv := newTestServer(Options{})
	srv.PushSession("missing", "evt", "x") // must not panic
}

func TestPushChannelFansOutToMembers(t *testing.T) {
	srv := newTestServer(Options{})
	trA := &fakeTransport{}
	trB := &fakeTransport{}
	a := srv.Accept(trA, "127.0.0.1")
	b := srv.Accept(trB, "127.0.0.1")
	srv.JoinChannel(a, "lobby")
	srv.JoinChannel(b, "lobby")

	srv.PushChannel("lobby", "evt", "hi")

	lastFrame(t, srv, trA)
	lastFrame(t, srv, trB)
}

func TestBroadcastOnlyReachesUIDBoundSessions(t *testing.T) {
	srv := newTestServer(Options{})
	trBound := &fakeTransport{}
	trAnon := &fakeTransport{}
	bound := srv.Accept(trBound, "127.0.0.1")
	srv.Accept(trAnon, "127.0.0.1")
	srv.BindUID(bound, "u", false)

	srv.Broadcast("evt", "hi")

	if len(trBound.sent) != 1 {
		t.Fatalf("expected bound session to receive the broadcast, got %d frames", len(trBound.sent))
	}
	if len(trAnon.sent) != 0 {
		t.Fatalf("expected anonymous session to be skipped, got %d frames", len(trAnon.sent))
	}
}

func TestPushSessionBatchDeliversToEachBoundUID(t *testing.T) {
	srv := newTestServer(Options{})
	trA := &fakeTransport{}
	trB := &fakeTransport{}
	trMissing := &fakeTransport{}
	a := srv.Accept(trA, "127.0.0.1")
	b := srv.Accept(trB, "127.0.0.1")
	srv.Accept(trMissing, "127.0.0.1")
	srv.BindUID(a, "u-a", false)
	srv.BindUID(b, "u-b", false)

	srv.PushSessionBatch([]string{"u-a", "u-b", "u-missing"}, "evt", "hi")

	lastFrame(t, srv, trA)
	lastFrame(t, srv, trB)
	if len(trMissing.sent) != 0 {
		t.Fatalf("expected session never bound to u-missing to receive nothing, got %d frames", len(trMissing.sent))
	}
}

func TestPushChannelCustomAppliesPerRecipientTransform(t *testing.T) {
	srv := newTestServer(Options{})
	trA := &fakeTransport{}
	trB := &fakeTransport{}
	a := srv.Accept(trA, "127.0.0.1")
	b := srv.Accept(trB, "127.0.0.1")
	srv.BindUID(a, "u-a", false)
	srv.BindUID(b, "u-b", false)
	srv.JoinChannel(a, "lobby")
	srv.JoinChannel(b, "lobby")

	srv.PushChannelCustom("lobby", "evt", "base", func(s *session.Session, base any) any {
		return base.(string) + ":" + s.UID()
	})

	var gotA, gotB string
	if err := lastFrame(t, srv, trA).Unmarshal(&gotA); err != nil {
		t.Fatalf("unmarshal A: %v", err)
	}
	if err := lastFrame(t, srv, trB).Unmarshal(&gotB); err != nil {
		t.Fatalf("unmarshal B: %v", err)
	}
	if gotA != "base:u-a" {
		t.Fatalf("expected per-recipient transform for A, got %q", gotA)
	}
	if gotB != "base:u-b" {
		t.Fatalf("expected per-recipient transform for B, got %q", gotB)
	}
}

func TestResponseReusesRequestReqID(t *testing.T) {
	srv := newTestServer(Options{})
	tr := &fakeTransport{}
	s := srv.Accept(tr, "127.0.0.1")

	reqPkt, err := codec.NewPacket("echo", 42, "hi")
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	srv.Response(s, reqPkt, NewResponse(200, "HI"))

	resp := lastFrame(t, srv, tr)
	if resp.ReqID != 42 || resp.Route != codec.RouteResponse {
		t.Fatalf("unexpected response packet: %+v", resp)
	}
}
