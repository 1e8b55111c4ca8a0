package fabric

import (
	"errors"

	"github.com/lattice-mesh/fabric/internal/session"
)

type fakeTransport struct {
	sent   [][]byte
	closed bool
	code   int
	reason string
	sendErr error
}

func (f *fakeTransport) Send(binary bool, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

var errSendBroken = errors.New("broken pipe")

func newTestSession(id uint64, transport session.Transport, opts ...session.Option) *session.Session {
	return session.New(id, "127.0.0.1", transport, opts...)
}
