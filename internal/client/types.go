package client

import (
	"errors"

	"agentdesk/internal/approval"
	"agentdesk/internal/dispatch"
	"agentdesk/internal/protocol"
	"agentdesk/internal/run"
	"agentdesk/internal/session"
	"agentdesk/internal/workspace"
)

var (
	// ErrRequestCancelled is returned by SendRequest when Cancel dropped the
	// request while it was still connecting.
	ErrRequestCancelled = errors.New("request cancelled before the run started")

	// ErrNoActiveRun is returned by Cancel when nothing is running.
	ErrNoActiveRun = errors.New("no active run")

	// ErrApprovalNotFound is returned by the approval lookups for an unknown
	// or decided id.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrNoFileTarget is returned when an approval does not edit a file.
	ErrNoFileTarget = errors.New("approval has no file target")

	// ErrEmptyPrompt is returned for a request without user input.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Request is a user request for a new run. Zero fields take the configured
// defaults.
type Request struct {
	Prompt         string
	Mode           protocol.Mode
	MaxIterations  int
	ProjectRoot    string
	ConversationID string
}

// UpdateKind says which part of the state an Update is about.
type UpdateKind string

const (
	UpdateRun        UpdateKind = "run"
	UpdateApproval   UpdateKind = "approval"
	UpdateConnection UpdateKind = "connection"
	UpdateRunEnd     UpdateKind = "run_end"
	UpdateNotice     UpdateKind = "notice"
)

// Update is pushed to subscribers after every observable change.
type Update struct {
	Kind  UpdateKind
	State State

	// Approval is the approval that was just queued (UpdateApproval).
	Approval *approval.PendingApproval

	// End describes the run that just finished (UpdateRunEnd).
	End *dispatch.RunEnd

	// Notice is set for UpdateNotice.
	Notice *workspace.Notice
}

// State is a copy of everything a UI renders.
type State struct {
	Connection   session.State              `json:"connection"`
	ConnectionID string                     `json:"connection_id,omitempty"`
	Reconnect    int                        `json:"reconnect_attempt"`
	Run          run.Snapshot               `json:"run"`
	Pending      []approval.PendingApproval `json:"pending"`
	Surfaced     *approval.PendingApproval  `json:"surfaced,omitempty"`
	ModalVisible bool                       `json:"modal_visible"`
}
