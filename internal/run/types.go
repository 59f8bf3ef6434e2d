// Package run tracks the lifecycle of the single active agent run.
package run

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusConnecting       Status = "connecting"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
)

// Active reports whether the status holds the single-run lock.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusAwaitingApproval
}

// CanStart reports whether a new run may begin from this status.
func (s Status) CanStart() bool {
	switch s {
	case StatusIdle, StatusConnecting, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a finalized transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	RunID     string    `json:"run_id,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall records one tool invocation reported by the agent.
type ToolCall struct {
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Resolved    bool            `json:"resolved"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Run identifies the active run.
type Run struct {
	ID             string    `json:"run_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at,omitempty"`

	// Provisional is set while the id is locally generated and the agent
	// has not confirmed one yet.
	Provisional bool `json:"provisional,omitempty"`
}

// Snapshot is a read-only copy of the machine state for observers.
type Snapshot struct {
	Run       Run        `json:"run"`
	Streaming string     `json:"streaming"`
	Tools     []ToolCall `json:"tools"`
	Messages  []Message  `json:"messages"`
	Activity  string     `json:"activity"`

	// CancelPendingAck is set between a local cancel and the agent's
	// run_cancelled for that run.
	CancelPendingAck bool   `json:"cancel_pending_ack"`
	LastRunID        string `json:"last_run_id,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}
