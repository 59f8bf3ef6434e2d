package protocol

// EventKind is the internal, normalized form of an event_type. Several wire
// names map onto one kind.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStatusChanged
	EventToolStarted
	EventToolCompleted
	EventMessageChunk
	EventThinkingStarted
	EventThinkingCompleted
	EventRunStarted
	EventRunCancelled
	EventApprovalProcessed
	EventRunCompleted
)

// eventKinds maps every known wire name to its kind.
var eventKinds = map[string]EventKind{
	"status_changed":     EventStatusChanged,
	"tool_started":       EventToolStarted,
	"tool_requested":     EventToolStarted,
	"tool_completed":     EventToolCompleted,
	"tool_executed":      EventToolCompleted,
	"message_chunk":      EventMessageChunk,
	"thinking_started":   EventThinkingStarted,
	"node_entered":       EventThinkingStarted,
	"thinking_completed": EventThinkingCompleted,
	"node_exited":        EventThinkingCompleted,
	"run_started":        EventRunStarted,
	"run_cancelled":      EventRunCancelled,
	"approval_processed": EventApprovalProcessed,
	"run_completed":      EventRunCompleted,
}

// NormalizeEvent returns the kind for a wire event type, or EventUnknown.
func NormalizeEvent(wire string) EventKind {
	return eventKinds[wire]
}

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status_changed"
	case EventToolStarted:
		return "tool_started"
	case EventToolCompleted:
		return "tool_completed"
	case EventMessageChunk:
		return "message_chunk"
	case EventThinkingStarted:
		return "thinking_started"
	case EventThinkingCompleted:
		return "thinking_completed"
	case EventRunStarted:
		return "run_started"
	case EventRunCancelled:
		return "run_cancelled"
	case EventApprovalProcessed:
		return "approval_processed"
	case EventRunCompleted:
		return "run_completed"
	case EventUnknown:
		return "unknown"
	}
	return "unknown"
}
