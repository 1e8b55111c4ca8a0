package fabric

import (
	"time"

	"github.com/lattice-mesh/fabric/internal/logging"
	"github.com/lattice-mesh/fabric/internal/session"
)

func (srv *Server) supervisorLoop() {
	defer srv.wg.Done()
	ticker := time.NewTicker(srv.opts.Cycle)
	defer ticker.Stop()
	for {
		select {
		case <-srv.stopCh:
			return
		case <-ticker.C:
			srv.runSupervisorCycle()
		}
	}
}

// runSupervisorCycle implements spec §4.4's supervisor cycle: scan
// sockets, close any expired session with 4008, tally counts, and invoke
// the supervisor callback. Exceptions are caught and logged; the ticker
// never dies.
func (srv *Server) runSupervisorCycle() {
	defer func() {
		if r := recover(); r != nil {
			srv.log.Error("supervisor cycle panicked", logging.Any("recover", r))
		}
	}()

	var live, bound int
	var expired []*session.Session
	srv.registries.eachSocket(func(s *session.Session) {
		live++
		if s.UID() != "" {
			bound++
		}
		if s.IsExpired(srv.opts.SessionTimeout) {
			expired = append(expired, s)
		}
	})

	for _, s := range expired {
		// closeSession unbinds the UID, so read it first.
		wasBound := s.UID() != ""
		srv.closeSession(s, CloseTimeoutError, "timeout")
		live--
		if wasBound {
			bound--
		}
	}

	srv.supervisorCycles.Add(1)

	srv.mu.RLock()
	onSupervisor := srv.onSupervisor
	srv.mu.RUnlock()
	if onSupervisor != nil {
		onSupervisor(live, bound)
	}
}
