package run

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestStartRejectedWhileActive(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "c1", false))
	m.AppendChunk("partial")

	assert.False(t, m.Start("r2", "", false))

	snap := m.Snapshot()
	assert.Equal(t, "r1", snap.Run.ID)
	assert.Equal(t, StatusRunning, snap.Run.Status)
	assert.Equal(t, "partial", snap.Streaming)

	require.True(t, m.EnterApproval("r1"))
	assert.False(t, m.Start("r3", "", false))
	assert.Equal(t, StatusAwaitingApproval, m.Status())
}

func TestStartAllowedFromTerminalStates(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	require.True(t, m.End(true, ""))
	require.True(t, m.Start("r2", "", false))
	require.NotEmpty(t, m.Cancel())
	require.True(t, m.Start("r3", "", false))
	require.True(t, m.End(false, "boom"))
	assert.True(t, m.Start("r4", "", false))
}

func TestStartResetsAccumulators(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.ToolStarted("read_file", nil)
	m.AppendChunk("text")
	m.End(true, "")

	require.True(t, m.Start("r2", "", false))
	snap := m.Snapshot()
	assert.Empty(t, snap.Tools)
	assert.Empty(t, snap.Streaming)
}

func TestEndSuccessWithResponse(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	require.True(t, m.End(true, "Done"))

	snap := m.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Run.Status)
	assert.Empty(t, snap.Run.ID)
	assert.Equal(t, "r1", snap.LastRunID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Done", snap.Messages[0].Content)
	assert.Equal(t, RoleAssistant, snap.Messages[0].Role)
	assert.False(t, snap.Messages[0].IsError)
}

func TestEndFailureFlushesBuffer(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.AppendChunk("Hello, ")
	m.AppendChunk("world")
	require.True(t, m.End(false, ""))

	snap := m.Snapshot()
	assert.Equal(t, StatusError, snap.Run.Status)
	assert.Empty(t, snap.Streaming)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Hello, world", snap.Messages[0].Content)
	assert.True(t, snap.Messages[0].IsError)
}

func TestEndDoesNotRepeatStreamedResponse(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.AppendChunk("answer")
	require.True(t, m.End(true, "answer"))
	assert.Len(t, m.Snapshot().Messages, 1)

	require.True(t, m.Start("r2", "", false))
	m.AppendChunk("draft")
	require.True(t, m.End(true, "final"))
	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "draft", msgs[1].Content)
	assert.Equal(t, "final", msgs[2].Content)
}

func TestEndWithoutActiveRun(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.End(true, "Done"))
	assert.Equal(t, StatusIdle, m.Status())
	assert.Empty(t, m.Snapshot().Messages)
}

func TestCancelIsOptimistic(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.AppendChunk("half")

	assert.Equal(t, "r1", m.Cancel())
	snap := m.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Run.Status)
	assert.True(t, snap.CancelPendingAck)
	assert.True(t, m.IsCancelled("r1"))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "half", snap.Messages[0].Content)

	// The agent's confirmation clears the marker and changes nothing else.
	assert.False(t, m.CancelledByAgent("r1"))
	snap = m.Snapshot()
	assert.False(t, snap.CancelPendingAck)
	assert.Equal(t, StatusCancelled, snap.Run.Status)

	// A repeated confirmation is a no-op.
	assert.False(t, m.CancelledByAgent("r1"))
	assert.Equal(t, StatusCancelled, m.Status())
}

func TestCancelWithoutActiveRun(t *testing.T) {
	m := NewMachine()
	assert.Empty(t, m.Cancel())
	assert.False(t, m.Snapshot().CancelPendingAck)
}

func TestCancelledByAgentEndsActiveRun(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	assert.True(t, m.CancelledByAgent("r1"))
	assert.Equal(t, StatusCancelled, m.Status())
	assert.False(t, m.Snapshot().CancelPendingAck)
}

func TestCancelledByAgentForOtherRunIgnored(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	assert.False(t, m.CancelledByAgent("r0"))
	assert.Equal(t, StatusRunning, m.Status())
}

func TestApprovalTransitions(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))

	assert.False(t, m.EnterApproval("other"))
	assert.Equal(t, StatusRunning, m.Status())

	require.True(t, m.EnterApproval("r1"))
	assert.Equal(t, StatusAwaitingApproval, m.Status())
	assert.Equal(t, ActivityWaiting, m.Snapshot().Activity)

	assert.False(t, m.ResumeFromApproval("other"))
	assert.Equal(t, StatusAwaitingApproval, m.Status())

	require.True(t, m.ResumeFromApproval("r1"))
	assert.Equal(t, StatusRunning, m.Status())

	assert.False(t, m.ResumeFromApproval("r1"), "resume only from awaiting_approval")
}

func TestProvisionalIDAdoption(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("local-1", "", true))
	assert.True(t, m.Snapshot().Run.Provisional)

	require.True(t, m.AdoptRunID("srv-1"))
	snap := m.Snapshot()
	assert.Equal(t, "srv-1", snap.Run.ID)
	assert.False(t, snap.Run.Provisional)

	assert.False(t, m.AdoptRunID("srv-2"), "confirmed ids are not replaced")
	assert.Equal(t, "srv-1", m.ActiveID())
}

func TestAcceptAdoptsFirstAgentID(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("local-1", "", true))

	assert.True(t, m.Accept(""))
	assert.True(t, m.Accept("srv-9"))
	assert.Equal(t, "srv-9", m.ActiveID())
	assert.False(t, m.Accept("srv-10"))
}

func TestAcceptWithoutActiveRun(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.Accept(""))
	assert.False(t, m.Accept("r1"))
}

func TestToolCompletedResolvesMostRecentMatch(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.ToolStarted("read_file", json.RawMessage(`{"path":"a"}`))
	m.ToolStarted("write_file", nil)
	m.ToolStarted("read_file", json.RawMessage(`{"path":"b"}`))

	require.True(t, m.ToolCompleted("read_file", json.RawMessage(`"b-content"`), boolPtr(true)))
	tools := m.Snapshot().Tools
	assert.False(t, tools[0].Resolved)
	assert.False(t, tools[1].Resolved)
	assert.True(t, tools[2].Resolved)
	assert.JSONEq(t, `"b-content"`, string(tools[2].Result))

	require.True(t, m.ToolCompleted("read_file", nil, boolPtr(false)))
	tools = m.Snapshot().Tools
	assert.True(t, tools[0].Resolved)
	require.NotNil(t, tools[0].Success)
	assert.False(t, *tools[0].Success)

	assert.False(t, m.ToolCompleted("read_file", nil, nil))
	assert.False(t, m.ToolCompleted("unknown", nil, nil))
}

func TestChunksIgnoredWhenIdle(t *testing.T) {
	m := NewMachine()
	m.AppendChunk("stray")
	m.ToolStarted("x", nil)
	snap := m.Snapshot()
	assert.Empty(t, snap.Streaming)
	assert.Empty(t, snap.Tools)
}

func TestConnectingStatus(t *testing.T) {
	m := NewMachine()
	require.True(t, m.MarkConnecting())
	assert.Equal(t, StatusConnecting, m.Status())

	m.AbortConnecting("agent unavailable")
	snap := m.Snapshot()
	assert.Equal(t, StatusError, snap.Run.Status)
	assert.Equal(t, "agent unavailable", snap.LastError)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsError)

	require.True(t, m.Start("r1", "", false))
	assert.False(t, m.MarkConnecting())
	m.AbortConnecting("ignored")
	assert.Equal(t, StatusRunning, m.Status())
}

func TestCancelConnecting(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.CancelConnecting(), "nothing is connecting")

	require.True(t, m.MarkConnecting())
	require.True(t, m.CancelConnecting())
	snap := m.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Run.Status)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, m.ActiveID())

	m.AbortConnecting("too late")
	assert.Equal(t, StatusCancelled, m.Status(), "a cancelled request is not turned into an error")
	assert.True(t, m.Start("r1", "", true))
}

func TestConversationCarriesOver(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.SetConversationID("conv-1")
	assert.Equal(t, "conv-1", m.Snapshot().Run.ConversationID)
	m.End(true, "")

	require.True(t, m.Start("r2", "", false))
	assert.Equal(t, "conv-1", m.Snapshot().Run.ConversationID)
	assert.Equal(t, "conv-1", m.ConversationID())
}

func TestSnapshotIsCopy(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	m.ToolStarted("t", nil)
	snap := m.Snapshot()
	snap.Tools[0].Name = "mutated"
	assert.Equal(t, "t", m.Snapshot().Tools[0].Name)
}

func TestRetiredIDsAreNeverAdopted(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Start("r1", "", false))
	require.True(t, m.End(true, ""))
	assert.True(t, m.Retired("r1"))
	assert.False(t, m.Retired(""))

	require.True(t, m.Start("local-2", "", true))
	assert.False(t, m.Accept("r1"))
	assert.False(t, m.AdoptRunID("r1"))
	assert.Equal(t, "local-2", m.ActiveID())

	require.True(t, m.AdoptRunID("r2"))
	assert.True(t, m.Retired("local-2"), "the replaced local id is stale")
}

func TestRetiredIDsAreBounded(t *testing.T) {
	m := NewMachine()
	for i := 0; i <= maxRetired; i++ {
		id := fmt.Sprintf("r%d", i)
		require.True(t, m.Start(id, "", false))
		require.True(t, m.End(true, ""))
	}
	assert.False(t, m.Retired("r0"))
	assert.True(t, m.Retired(fmt.Sprintf("r%d", maxRetired)))
}
