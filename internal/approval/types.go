// Package approval holds the approval requests the agent is waiting on.
package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"agentdesk/internal/protocol"
)

// Status is the decision state of a pending approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// PendingApproval is one approval_required request awaiting a decision.
type PendingApproval struct {
	// ID is local. The agent correlates the response by RunID.
	ID          string                `json:"id"`
	RunID       string                `json:"run_id"`
	Type        protocol.ApprovalType `json:"type"`
	Description string                `json:"description"`
	Data        json.RawMessage       `json:"data,omitempty"`

	// Timestamp is when the agent proposed the change. Conflict detection
	// compares it to the document's last-modified time.
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`

	// Feedback is the user's note on a denial.
	Feedback string `json:"feedback,omitempty"`
}

// FromEnvelope builds a pending approval from an approval_required envelope.
func FromEnvelope(env *protocol.Envelope) (*PendingApproval, error) {
	var p protocol.ApprovalRequiredPayload
	if err := env.ParsePayload(&p); err != nil {
		return nil, err
	}
	if p.ApprovalType == "" {
		return nil, fmt.Errorf("%w: approval_required without approval_type", protocol.ErrProtocolDecode)
	}

	ts := env.Time()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &PendingApproval{
		ID:          env.ID,
		RunID:       p.RunID,
		Type:        p.ApprovalType,
		Description: p.Description,
		Data:        p.Data,
		Timestamp:   ts,
		Status:      StatusPending,
	}, nil
}

// Patch decodes the data of a patch or file_write approval.
func (a *PendingApproval) Patch() (*protocol.PatchData, error) {
	if !a.Type.TouchesFile() {
		return nil, fmt.Errorf("approval %s is %s, not a file change", a.ID, a.Type)
	}
	var d protocol.PatchData
	if err := json.Unmarshal(a.Data, &d); err != nil {
		return nil, fmt.Errorf("decode patch data: %w", err)
	}
	return &d, nil
}

// Terminal decodes the data of a terminal approval.
func (a *PendingApproval) Terminal() (*protocol.TerminalData, error) {
	if a.Type != protocol.ApprovalTerminal {
		return nil, fmt.Errorf("approval %s is %s, not a terminal command", a.ID, a.Type)
	}
	var d protocol.TerminalData
	if err := json.Unmarshal(a.Data, &d); err != nil {
		return nil, fmt.Errorf("decode terminal data: %w", err)
	}
	return &d, nil
}
