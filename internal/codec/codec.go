package codec

import (
	"encoding/base64"
	"fmt"
)

// Codec binds a password and wire mode (binary vs base64 text) so callers
// don't have to thread them through every call. An empty password selects
// plaintext mode.
type Codec struct {
	Password string
	Binary   bool
}

// New constructs a Codec. An empty password means plaintext framing.
func New(password string, binary bool) *Codec {
	return &Codec{Password: password, Binary: binary}
}

// Encrypted reports whether this codec applies the AES envelope.
func (c *Codec) Encrypted() bool {
	return c != nil && c.Password != ""
}

// Encode serializes a packet per §4.1: compact JSON in plaintext mode, or
// salt ∥ iv ∥ AES-256-CBC ciphertext (raw binary or base64 text) when a
// password is configured.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	plain, err := p.toPlaintext()
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if !c.Encrypted() {
		return plain, nil
	}

	envelope, err := encryptEnvelope(plain, c.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt packet: %w", err)
	}
	if c.Binary {
		return envelope, nil
	}
	encoded := base64.StdEncoding.EncodeToString(envelope)
	return []byte(encoded), nil
}

// Decode reverses Encode. Any failure along the way — bad base64, short
// envelope, bad padding, non-JSON plaintext — is reported as a decode
// failure, never a panic.
func (c *Codec) Decode(data []byte) (*Packet, error) {
	if !c.Encrypted() {
		if len(data) == 0 {
			data = []byte("{}")
		}
		pkt, err := packetFromPlaintext(data)
		if err != nil {
			return nil, fmt.Errorf("decode packet: %w", err)
		}
		return pkt, nil
	}

	envelope := data
	if !c.Binary {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode base64 envelope: %w", err)
		}
		envelope = decoded
	}

	plain, err := decryptEnvelope(envelope, c.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypt packet: %w", err)
	}
	pkt, err := packetFromPlaintext(plain)
	if err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return pkt, nil
}
