package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the largest frame the codec accepts (4MB). Patch
// approvals carry whole file contents, so this is larger than usual.
const MaxMessageSize = 4 * 1024 * 1024

var (
	// ErrProtocolDecode marks a malformed inbound frame.
	ErrProtocolDecode = errors.New("protocol decode error")

	// ErrUnknownType marks an envelope type outside the enum.
	ErrUnknownType = errors.New("unknown message type")
)

// ServerError is an explicit error envelope from the agent.
type ServerError struct {
	Code    string
	Message string
	RunID   string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "agent error: " + e.Message
	}
	return fmt.Sprintf("agent error [%s]: %s", e.Code, e.Message)
}

// NewServerError converts an error payload.
func NewServerError(p *ErrorPayload) *ServerError {
	return &ServerError{Code: p.Code, Message: p.Message, RunID: p.RunID}
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	return data, nil
}

// Decode parses a frame into an envelope. Every failure wraps
// ErrProtocolDecode.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message too large: %d bytes", ErrProtocolDecode, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrProtocolDecode)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrProtocolDecode, ErrUnknownType, env.Type)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" && env.Payload[0] != '{' {
		return nil, fmt.Errorf("%w: payload of %s is not an object", ErrProtocolDecode, env.Type)
	}
	return &env, nil
}

// DecodeInbound is Decode restricted to the types an agent may send.
func DecodeInbound(data []byte) (*Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if !env.Type.IsInbound() {
		return nil, fmt.Errorf("%w: %s is not an inbound type", ErrProtocolDecode, env.Type)
	}
	return env, nil
}
