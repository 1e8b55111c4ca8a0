package codec

import (
	"crypto/md5" //nolint:gosec // the wire protocol specifies MD5 for the inner-envelope signature.
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// InnerEnvelope is the message field of $innerP2P$/$innerGRP$/$innerALL$/
// $innerRMC$ packets: a signed, routed payload exchanged between cluster
// peers.
type InnerEnvelope struct {
	TID     string          `json:"tid,omitempty"`
	Route   string          `json:"route"`
	Message json.RawMessage `json:"message"`
	Word    string          `json:"word"`
	Sign    string          `json:"sign"`
}

// SignInner computes sign = MD5(route ∥ word ∥ secret), exactly as specified.
func SignInner(route, word, secret string) string {
	sum := md5.Sum([]byte(route + word + secret)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// NewInnerEnvelope builds and signs an inner envelope.
func NewInnerEnvelope(tid, route string, message any, word, secret string) (*InnerEnvelope, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode inner envelope message: %w", err)
	}
	return &InnerEnvelope{
		TID:     tid,
		Route:   route,
		Message: raw,
		Word:    word,
		Sign:    SignInner(route, word, secret),
	}, nil
}

// Verify reports whether the envelope's signature matches the shared
// secret, using a constant-time comparison so a well-timed guess cannot
// narrow down the secret byte by byte.
func (e *InnerEnvelope) Verify(secret string) bool {
	if e == nil {
		return false
	}
	expected := SignInner(e.Route, e.Word, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(e.Sign)) == 1
}
