package fabric

import (
	"testing"
	"time"
)

func TestSupervisorCycleInvokesCallbackWithCounts(t *testing.T) {
	srv := newTestServer(Options{Cycle: 10 * time.Second, SessionTimeout: 30 * time.Second})

	tr := &fakeTransport{}
	s := srv.Accept(tr, "127.0.0.1")
	srv.BindUID(s, "u", false)

	var gotLive, gotBound int
	calls := 0
	srv.SetListeners(func(live, bound int) {
		calls++
		gotLive, gotBound = live, bound
	}, nil)

	srv.runSupervisorCycle()

	if calls != 1 {
		t.Fatalf("expected supervisor callback invoked once, got %d", calls)
	}
	if gotLive != 1 || gotBound != 1 {
		t.Fatalf("expected live=1 bound=1, got live=%d bound=%d", gotLive, gotBound)
	}
	if srv.SupervisorCycles() != 1 {
		t.Fatalf("expected one supervisor cycle recorded, got %d", srv.SupervisorCycles())
	}
}

func TestSupervisorCyclePanicRecoversAndKeepsTicking(t *testing.T) {
	srv := newTestServer(Options{Cycle: 10 * time.Second, SessionTimeout: 30 * time.Second})
	srv.SetListeners(func(live, bound int) {
		panic("boom")
	}, nil)

	srv.runSupervisorCycle()
	srv.runSupervisorCycle()

	if srv.SupervisorCycles() != 2 {
		t.Fatalf("expected cycle counter to advance despite panics, got %d", srv.SupervisorCycles())
	}
}

func TestStartAndCloseStopSupervisorLoop(t *testing.T) {
	srv := newTestServer(Options{Cycle: 10 * time.Millisecond, SessionTimeout: 30 * time.Millisecond})
	srv.Start()
	time.Sleep(25 * time.Millisecond)
	srv.Close()

	if srv.SupervisorCycles() == 0 {
		t.Fatal("expected at least one supervisor cycle to have run before Close")
	}
}
