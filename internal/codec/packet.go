// Package codec implements the fabric's wire packet format: JSON framing
// plus an optional AES-256-CBC encryption envelope. Every WebSocket edge in
// the fabric — client to server, server to peer — speaks this format
// exclusively.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved route names. Reserved routes begin and end with "$"; everything
// else is a user-defined route.
const (
	RouteHeartbeat = "$heartick$"
	RouteResponse  = "$response$"
	RouteInnerP2P  = "$innerP2P$"
	RouteInnerGRP  = "$innerGRP$"
	RouteInnerALL  = "$innerALL$"
	RouteInnerRMC  = "$innerRMC$"
)

// IsReservedRoute reports whether route is one of the fabric's own routes.
func IsReservedRoute(route string) bool {
	return len(route) >= 2 && route[0] == '$' && route[len(route)-1] == '$'
}

// ErrShapeInvalid signals that a decoded packet failed shape validation:
// missing route, or an absent/null message.
var ErrShapeInvalid = errors.New("packet shape invalid")

// Packet is the sole unit crossing every WebSocket edge in the fabric.
type Packet struct {
	Route   string
	ReqID   uint64
	Message json.RawMessage

	messagePresent bool
}

// NewPacket builds a packet from an arbitrary JSON-marshalable message.
func NewPacket(route string, reqID uint64, message any) (*Packet, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode packet message: %w", err)
	}
	return &Packet{Route: route, ReqID: reqID, Message: raw, messagePresent: true}, nil
}

// Unmarshal decodes the packet's message field into v.
func (p *Packet) Unmarshal(v any) error {
	if p == nil || len(p.Message) == 0 {
		return errors.New("packet has no message")
	}
	return json.Unmarshal(p.Message, v)
}

func (p *Packet) isMessageMissingOrNull() bool {
	if !p.messagePresent {
		return true
	}
	trimmed := bytes.TrimSpace(p.Message)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// ValidateShape checks a packet's route and message: route is a non-empty
// string, and message is neither absent nor null. It does not check for a
// reqId; a packet decoded without one carries ReqID 0.
func ValidateShape(p *Packet) error {
	if p == nil {
		return ErrShapeInvalid
	}
	if p.Route == "" {
		return fmt.Errorf("%w: empty route", ErrShapeInvalid)
	}
	if p.isMessageMissingOrNull() {
		return fmt.Errorf("%w: missing or null message", ErrShapeInvalid)
	}
	return nil
}

// wireShape mirrors the raw JSON object so route/reqId/message presence can
// be distinguished before any type coercion happens.
type wireShape struct {
	Route   json.RawMessage `json:"route"`
	ReqID   json.RawMessage `json:"reqId"`
	Message json.RawMessage `json:"message"`
}

func packetFromPlaintext(plain []byte) (*Packet, error) {
	var shape wireShape
	if err := json.Unmarshal(plain, &shape); err != nil {
		return nil, fmt.Errorf("parse packet json: %w", err)
	}

	pkt := &Packet{}
	if len(shape.Route) > 0 {
		if err := json.Unmarshal(shape.Route, &pkt.Route); err != nil {
			return nil, fmt.Errorf("parse packet route: %w", err)
		}
	}
	if len(shape.ReqID) > 0 {
		var n json.Number
		if err := json.Unmarshal(shape.ReqID, &n); err != nil {
			return nil, fmt.Errorf("parse packet reqId: %w", err)
		}
		value, err := n.Int64()
		if err != nil || value < 0 {
			return nil, fmt.Errorf("parse packet reqId: not a non-negative integer")
		}
		pkt.ReqID = uint64(value)
	}
	if len(shape.Message) > 0 {
		pkt.Message = shape.Message
		pkt.messagePresent = true
	}
	return pkt, nil
}

func (p *Packet) toPlaintext() ([]byte, error) {
	message := p.Message
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	wire := struct {
		Route   string          `json:"route"`
		ReqID   uint64          `json:"reqId"`
		Message json.RawMessage `json:"message"`
	}{Route: p.Route, ReqID: p.ReqID, Message: message}
	return json.Marshal(wire)
}
