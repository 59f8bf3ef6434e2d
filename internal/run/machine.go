package run

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentdesk/pkg/logger"
)

// Activity values shown by the status indicator.
const (
	ActivityIdle     = "idle"
	ActivityWorking  = "working"
	ActivityThinking = "thinking"
	ActivityWaiting  = "waiting_for_approval"
)

// maxRetired bounds how many finished run ids are remembered.
const maxRetired = 256

// Machine is the run state machine. It is not safe for concurrent use; the
// owner serializes every call.
type Machine struct {
	run       Run
	streaming strings.Builder
	tools     []ToolCall
	messages  []Message
	activity  string

	cancelledID      string
	retired          map[string]struct{}
	retiredOrder     []string
	cancelPendingAck bool
	lastRunID        string
	lastError        string
	conversationID   string

	now func() time.Time
	log zerolog.Logger
}

// NewMachine returns an idle machine.
func NewMachine() *Machine {
	return &Machine{
		run:      Run{Status: StatusIdle},
		activity: ActivityIdle,
		retired:  make(map[string]struct{}),
		now:      time.Now,
		log:      logger.Component("run"),
	}
}

// Status returns the current status.
func (m *Machine) Status() Status {
	return m.run.Status
}

// ActiveID returns the id of the active run, or "" when none is active.
func (m *Machine) ActiveID() string {
	if !m.run.Status.Active() {
		return ""
	}
	return m.run.ID
}

// ConversationID returns the conversation the next request continues.
func (m *Machine) ConversationID() string {
	return m.conversationID
}

// MarkConnecting records that a request is waiting for the session to
// connect. It is ignored while a run is active.
func (m *Machine) MarkConnecting() bool {
	if !m.run.Status.CanStart() {
		return false
	}
	m.run.Status = StatusConnecting
	return true
}

// AbortConnecting leaves the connecting status after the session failed
// to connect.
func (m *Machine) AbortConnecting(reason string) {
	if m.run.Status != StatusConnecting {
		return
	}
	m.run.Status = StatusError
	m.lastError = reason
	m.activity = ActivityIdle
	m.appendMessage(RoleAssistant, reason, "", true)
}

// CancelConnecting drops a request still waiting for the session. No run
// existed yet, so nothing is retired and the agent is not told.
func (m *Machine) CancelConnecting() bool {
	if m.run.Status != StatusConnecting {
		return false
	}
	m.run.Status = StatusCancelled
	m.activity = ActivityIdle
	m.log.Info().Msg("request cancelled while connecting")
	return true
}

// Start begins a run. It returns false, leaving the active run untouched,
// when a run already holds the lock.
func (m *Machine) Start(runID, conversationID string, provisional bool) bool {
	if !m.run.Status.CanStart() {
		m.log.Debug().
			Str("run_id", runID).
			Str("active_run_id", m.run.ID).
			Msg("start rejected: run already active")
		return false
	}

	if conversationID == "" {
		conversationID = m.conversationID
	}
	m.run = Run{
		ID:             runID,
		ConversationID: conversationID,
		Status:         StatusRunning,
		StartedAt:      m.now(),
		Provisional:    provisional,
	}
	m.streaming.Reset()
	m.tools = nil
	m.lastError = ""
	m.activity = ActivityWorking
	m.log.Info().Str("run_id", runID).Msg("run started")
	return true
}

// Accept reports whether a message tagged with runID belongs to the active
// run. Untagged messages belong to the active run. While the active id is
// provisional, the first agent id seen is adopted.
func (m *Machine) Accept(runID string) bool {
	if !m.run.Status.Active() {
		return false
	}
	if runID == "" || runID == m.run.ID {
		return true
	}
	if m.Retired(runID) {
		return false
	}
	if m.run.Provisional {
		m.adopt(runID)
		return true
	}
	return false
}

// AdoptRunID replaces a provisional id with the agent-assigned one.
func (m *Machine) AdoptRunID(runID string) bool {
	if runID == "" || !m.run.Status.Active() {
		return false
	}
	if runID == m.run.ID {
		m.run.Provisional = false
		return true
	}
	if m.Retired(runID) {
		m.log.Debug().Str("run_id", runID).Msg("ignoring run_started for a finished run")
		return false
	}
	if !m.run.Provisional {
		m.log.Warn().
			Str("run_id", runID).
			Str("active_run_id", m.run.ID).
			Msg("ignoring run_started for a different run")
		return false
	}
	m.adopt(runID)
	return true
}

func (m *Machine) adopt(runID string) {
	m.log.Debug().Str("local_run_id", m.run.ID).Str("run_id", runID).Msg("adopting agent run id")
	m.retire(m.run.ID)
	m.run.ID = runID
	m.run.Provisional = false
}

// SetConversationID records the conversation reported by the agent.
func (m *Machine) SetConversationID(id string) {
	if id == "" {
		return
	}
	m.conversationID = id
	if m.run.Status.Active() {
		m.run.ConversationID = id
	}
}

// EnterApproval pauses the active run for a human decision.
func (m *Machine) EnterApproval(runID string) bool {
	if !m.Accept(runID) {
		return false
	}
	m.run.Status = StatusAwaitingApproval
	m.activity = ActivityWaiting
	return true
}

// ResumeFromApproval continues the run once the agent confirms it has
// processed the decision.
func (m *Machine) ResumeFromApproval(runID string) bool {
	if m.run.Status != StatusAwaitingApproval || !m.Accept(runID) {
		return false
	}
	m.run.Status = StatusRunning
	m.activity = ActivityWorking
	return true
}

// AppendChunk adds streamed assistant text to the buffer.
func (m *Machine) AppendChunk(content string) {
	if !m.run.Status.Active() || content == "" {
		return
	}
	m.streaming.WriteString(content)
}

// SetActivity updates the status indicator.
func (m *Machine) SetActivity(activity string) {
	if activity == "" {
		return
	}
	m.activity = activity
}

// ToolStarted appends an unresolved tool-call record.
func (m *Machine) ToolStarted(name string, args json.RawMessage) {
	if !m.run.Status.Active() {
		return
	}
	m.tools = append(m.tools, ToolCall{
		Name:      name,
		Arguments: args,
		StartedAt: m.now(),
	})
}

// ToolCompleted resolves the most recent unresolved record with the same
// name. It returns false when none matches.
func (m *Machine) ToolCompleted(name string, result json.RawMessage, success *bool) bool {
	for i := len(m.tools) - 1; i >= 0; i-- {
		tc := &m.tools[i]
		if tc.Resolved || tc.Name != name {
			continue
		}
		tc.Resolved = true
		tc.Result = result
		tc.Success = success
		tc.CompletedAt = m.now()
		return true
	}
	return false
}

// AddUserMessage appends the user's prompt to the transcript.
func (m *Machine) AddUserMessage(content string) {
	m.appendMessage(RoleUser, content, m.run.ID, false)
}

// End finalizes the active run. Buffered streamed content becomes a
// message, then response is appended unless it repeats that content.
func (m *Machine) End(success bool, response string) bool {
	if !m.run.Status.Active() {
		return false
	}

	runID := m.run.ID
	flushed := m.flush(runID, !success)
	if response != "" && response != flushed {
		m.appendMessage(RoleAssistant, response, runID, !success)
	}

	if success {
		m.run.Status = StatusCompleted
	} else {
		m.run.Status = StatusError
		if response != "" {
			m.lastError = response
		}
	}
	m.finish(runID)
	m.log.Info().Str("run_id", runID).Bool("success", success).Msg("run ended")
	return true
}

// Cancel stops the active run locally without waiting for the agent. It
// returns the cancelled run id, or "" when nothing was active.
func (m *Machine) Cancel() string {
	if !m.run.Status.Active() {
		return ""
	}
	runID := m.run.ID
	m.flush(runID, false)
	m.run.Status = StatusCancelled
	m.cancelledID = runID
	m.cancelPendingAck = true
	m.finish(runID)
	m.log.Info().Str("run_id", runID).Msg("run cancelled locally")
	return runID
}

// CancelledByAgent mirrors a run_cancelled event. For a run already
// cancelled locally it only clears the pending acknowledgement.
func (m *Machine) CancelledByAgent(runID string) bool {
	if m.cancelPendingAck && (runID == "" || runID == m.cancelledID) {
		m.cancelPendingAck = false
		return false
	}
	if !m.Accept(runID) {
		return false
	}
	id := m.run.ID
	m.flush(id, false)
	m.run.Status = StatusCancelled
	m.cancelledID = id
	m.finish(id)
	return true
}

// IsCancelled reports whether runID was cancelled, locally or by the agent.
func (m *Machine) IsCancelled(runID string) bool {
	return runID != "" && runID == m.cancelledID
}

// Retired reports whether runID belongs to a run that already finished, or
// to a local id replaced by the agent's. Messages for it are stale.
func (m *Machine) Retired(runID string) bool {
	if runID == "" {
		return false
	}
	_, ok := m.retired[runID]
	return ok
}

func (m *Machine) retire(runID string) {
	if runID == "" || m.Retired(runID) {
		return
	}
	if len(m.retiredOrder) == maxRetired {
		delete(m.retired, m.retiredOrder[0])
		m.retiredOrder = m.retiredOrder[1:]
	}
	m.retired[runID] = struct{}{}
	m.retiredOrder = append(m.retiredOrder, runID)
}

func (m *Machine) finish(runID string) {
	m.retire(runID)
	m.lastRunID = runID
	m.run.ID = ""
	m.run.Provisional = false
	m.activity = ActivityIdle
}

// flush moves the streaming buffer into a finalized message.
func (m *Machine) flush(runID string, isError bool) string {
	content := m.streaming.String()
	m.streaming.Reset()
	if content == "" {
		return ""
	}
	m.appendMessage(RoleAssistant, content, runID, isError)
	return content
}

func (m *Machine) appendMessage(role Role, content, runID string, isError bool) {
	m.messages = append(m.messages, Message{
		Role:      role,
		Content:   content,
		RunID:     runID,
		IsError:   isError,
		CreatedAt: m.now(),
	})
}

// Snapshot copies the machine state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Run:              m.run,
		Streaming:        m.streaming.String(),
		Tools:            append([]ToolCall(nil), m.tools...),
		Messages:         append([]Message(nil), m.messages...),
		Activity:         m.activity,
		CancelPendingAck: m.cancelPendingAck,
		LastRunID:        m.lastRunID,
		LastError:        m.lastError,
	}
}
