package protocol

import (
	"encoding/json"
	"strings"
)

// Mode selects how the agent treats a request.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModeAsk   Mode = "ask"
	ModePlan  Mode = "plan"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAgent, ModeAsk, ModePlan:
		return true
	}
	return false
}

// ApprovalType is the kind of action the agent wants approved.
type ApprovalType string

const (
	ApprovalPatch     ApprovalType = "patch"
	ApprovalTerminal  ApprovalType = "terminal"
	ApprovalFileWrite ApprovalType = "file_write"
)

// TouchesFile reports whether the approval modifies a document.
func (t ApprovalType) TouchesFile() bool {
	return t == ApprovalPatch || t == ApprovalFileWrite
}

// RiskLevel grades a terminal command.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PingPayload is the payload of a ping.
type PingPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// AgentRequestPayload starts a new run.
type AgentRequestPayload struct {
	UserInput      string `json:"user_input"`
	ProjectRoot    string `json:"project_root"`
	Mode           Mode   `json:"mode"`
	MaxIterations  int    `json:"max_iterations"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ApprovalResponsePayload answers an approval_required message.
type ApprovalResponsePayload struct {
	RunID    string `json:"run_id"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

// CancelRequestPayload asks the agent to stop a run.
type CancelRequestPayload struct {
	RunID string `json:"run_id"`
}

// PongPayload answers a ping. The first pong of a connection carries the
// server-assigned connection id.
type PongPayload struct {
	ConnectionID string `json:"connection_id"`
	Timestamp    string `json:"timestamp,omitempty"`
	Status       string `json:"status,omitempty"`
}

// EventPayload wraps a streamed agent event.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Kind normalizes the wire event type.
func (p *EventPayload) Kind() EventKind {
	return NormalizeEvent(p.EventType)
}

// ParseData unmarshals the event data into target.
func (p *EventPayload) ParseData(target any) error {
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return nil
	}
	return json.Unmarshal(p.Data, target)
}

// ApprovalRequiredPayload pauses a run until the user decides.
type ApprovalRequiredPayload struct {
	RunID        string          `json:"run_id"`
	ApprovalType ApprovalType    `json:"approval_type"`
	Description  string          `json:"description"`
	Data         json.RawMessage `json:"data"`
}

// PatchData is the approval data for patch and file_write approvals.
type PatchData struct {
	FilePath        string `json:"file_path"`
	OriginalContent string `json:"original_content"`
	PatchedContent  string `json:"patched_content"`
	PatchSummary    string `json:"patch_summary"`
}

// TerminalData is the approval data for terminal approvals.
type TerminalData struct {
	Command          string    `json:"command"`
	WorkingDirectory string    `json:"working_directory"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Explanation      string    `json:"explanation"`
}

// RunResultPayload is the terminal message of a run.
type RunResultPayload struct {
	RunID          string            `json:"run_id"`
	ConversationID string            `json:"conversation_id"`
	Success        bool              `json:"success"`
	Response       string            `json:"response"`
	FilesTouched   []string          `json:"files_touched"`
	ExecutionLog   []json.RawMessage `json:"execution_log"`
	Cancelled      bool              `json:"cancelled"`
	Error          string            `json:"error,omitempty"`
}

// ErrorPayload is the payload of an error envelope. RunID is optional; an
// error without a run id applies to whatever run is active.
type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
}

// informationalCodes are error codes that never end a run.
var informationalCodes = map[string]bool{
	"info":         true,
	"notice":       true,
	"warning":      true,
	"rate_limited": true,
}

// Informational reports whether the error is advisory only.
func (p *ErrorPayload) Informational() bool {
	return informationalCodes[strings.ToLower(p.Code)]
}

// Informational reports whether the error is advisory only.
func (e *ServerError) Informational() bool {
	return informationalCodes[strings.ToLower(e.Code)]
}

// Event data shapes. Fields not sent by the agent stay empty.

// StatusData is carried by status_changed.
type StatusData struct {
	Status  string `json:"status"`
	Vibe    string `json:"vibe,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToolData is carried by tool_started/tool_requested and
// tool_completed/tool_executed.
type ToolData struct {
	ToolName  string          `json:"tool_name"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
}

// Tool returns the tool name, accepting either field.
func (d *ToolData) Tool() string {
	if d.ToolName != "" {
		return d.ToolName
	}
	return d.Name
}

// ChunkData is carried by message_chunk.
type ChunkData struct {
	Content string `json:"content"`
	RunID   string `json:"run_id,omitempty"`
}

// NodeData is carried by thinking and node transitions.
type NodeData struct {
	Node  string `json:"node,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// RunEventData is carried by run_started, run_cancelled, run_completed and
// approval_processed.
type RunEventData struct {
	RunID    string `json:"run_id"`
	Approved *bool  `json:"approved,omitempty"`
}
