// Package protocol defines the message envelope exchanged between the desktop
// client and the external agent process, along with its payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is the wire format of envelope timestamps.
const TimestampFormat = time.RFC3339Nano

// MessageType is the closed set of envelope types.
type MessageType string

// Outbound message types.
const (
	TypeAgentRequest     MessageType = "agent_request"
	TypeApprovalResponse MessageType = "approval_response"
	TypeCancelRequest    MessageType = "cancel_request"
	TypePing             MessageType = "ping"
)

// Inbound message types.
const (
	TypePong             MessageType = "pong"
	TypeEvent            MessageType = "event"
	TypeApprovalRequired MessageType = "approval_required"
	TypeRunResult        MessageType = "run_result"
	TypeError            MessageType = "error"
)

// IsOutbound reports whether the client is allowed to send this type.
func (t MessageType) IsOutbound() bool {
	switch t {
	case TypeAgentRequest, TypeApprovalResponse, TypeCancelRequest, TypePing:
		return true
	}
	return false
}

// IsInbound reports whether the agent is allowed to send this type.
func (t MessageType) IsInbound() bool {
	switch t {
	case TypePong, TypeEvent, TypeApprovalRequired, TypeRunResult, TypeError:
		return true
	}
	return false
}

// Valid reports whether t belongs to the envelope type enum.
func (t MessageType) Valid() bool {
	return t.IsOutbound() || t.IsInbound()
}

// Envelope is the JSON object carried by every WebSocket frame.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}

	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(TimestampFormat),
		Payload:   raw,
	}, nil
}

// ParsePayload unmarshals the payload into target.
func (e *Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocolDecode, e.Type, err)
	}
	return nil
}

// Time parses the envelope timestamp. A missing or malformed timestamp
// yields the zero time.
func (e *Envelope) Time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}
