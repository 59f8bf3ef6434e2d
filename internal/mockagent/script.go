package mockagent

import (
	"time"

	"agentdesk/internal/protocol"
)

// Script drives what the mock agent streams for every agent_request.
type Script struct {
	// Vibe is sent with the first status_changed event.
	Vibe string

	Thinking bool
	Tools    []ToolCall
	Chunks   []string

	// Approval, when set, pauses the run until an approval_response arrives.
	Approval *ApprovalStep

	// Response is the run_result response. Empty uses the joined chunks.
	Response     string
	FilesTouched []string

	// Fail ends the run with success=false and this error text.
	Fail string

	// FailWithError sends an error envelope instead of a run_result.
	FailWithError *protocol.ErrorPayload

	// StepDelay is the pause between streamed messages.
	StepDelay time.Duration
}

// ToolCall is one scripted tool invocation.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Result    string
	Failed    bool
}

// ApprovalStep is the approval_required message of a script.
type ApprovalStep struct {
	Type        protocol.ApprovalType
	Description string
	Data        any

	// DeniedResponse is the run_result response after a denial.
	DeniedResponse string
}

// DefaultScript edits a README after asking for approval.
func DefaultScript() Script {
	return Script{
		Vibe:     "focused",
		Thinking: true,
		Tools: []ToolCall{
			{Name: "read_file", Arguments: map[string]any{"path": "README.md"}, Result: "# demo\n"},
		},
		Chunks: []string{"I'll add a usage section ", "to the README."},
		Approval: &ApprovalStep{
			Type:        protocol.ApprovalPatch,
			Description: "Add usage section to README.md",
			Data: protocol.PatchData{
				FilePath:        "README.md",
				OriginalContent: "# demo\n",
				PatchedContent:  "# demo\n\n## Usage\n\nRun `demo`.\n",
				PatchSummary:    "+4 lines",
			},
			DeniedResponse: "Left README.md unchanged.",
		},
		Response:     "Added a usage section to README.md.",
		FilesTouched: []string{"README.md"},
		StepDelay:    20 * time.Millisecond,
	}
}

// EchoScript streams the prompt back without tools or approvals.
func EchoScript() Script {
	return Script{Chunks: nil, StepDelay: 5 * time.Millisecond}
}
