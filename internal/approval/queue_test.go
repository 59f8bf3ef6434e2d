package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/protocol"
)

func newApproval(id, runID string) *PendingApproval {
	return &PendingApproval{
		ID:          id,
		RunID:       runID,
		Type:        protocol.ApprovalTerminal,
		Description: "run " + id,
		Timestamp:   time.Now(),
	}
}

func ids(entries []PendingApproval) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestQueue_AddSurfacesFirst(t *testing.T) {
	q := NewQueue()
	assert.Nil(t, q.Surfaced())
	assert.False(t, q.ModalVisible())

	require.True(t, q.Add(newApproval("a1", "r1")))
	require.True(t, q.Add(newApproval("a2", "r1")))

	require.NotNil(t, q.Surfaced())
	assert.Equal(t, "a1", q.Surfaced().ID)
	assert.Equal(t, StatusPending, q.Surfaced().Status)
	assert.True(t, q.ModalVisible())
	assert.Equal(t, 2, q.Len())
}

func TestQueue_AddDuplicate(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Add(newApproval("a1", "r1")))
	assert.False(t, q.Add(newApproval("a1", "r1")))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_ApproveSurfacesNext(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))
	q.Add(newApproval("a2", "r1"))
	q.Add(newApproval("a3", "r2"))

	got, ok := q.Approve("a1")
	require.True(t, ok)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "a2", q.Surfaced().ID)
	assert.True(t, q.ModalVisible())
	assert.Equal(t, []string{"a2", "a3"}, ids(q.Pending()))
}

func TestQueue_DenyNonSurfacedKeepsSurfaced(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))
	q.Add(newApproval("a2", "r1"))
	q.Add(newApproval("a3", "r1"))

	got, ok := q.Deny("a2", "not now")
	require.True(t, ok)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, "not now", got.Feedback)
	assert.Equal(t, "a1", q.Surfaced().ID)
	assert.Equal(t, []string{"a1", "a3"}, ids(q.Pending()))
}

func TestQueue_LastDecisionLowersModal(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))

	_, ok := q.Approve("a1")
	require.True(t, ok)
	assert.Nil(t, q.Surfaced())
	assert.False(t, q.ModalVisible())
}

func TestQueue_UnknownIDIsNoop(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))

	_, ok := q.Approve("missing")
	assert.False(t, ok)
	_, ok = q.Deny("missing", "")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.ModalVisible())
}

func TestQueue_ClearForRun(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))
	q.Add(newApproval("a2", "r2"))
	q.Add(newApproval("a3", "r1"))
	q.Add(newApproval("a4", "r3"))

	assert.Equal(t, 2, q.ClearForRun("r1"))
	assert.Equal(t, []string{"a2", "a4"}, ids(q.Pending()))
	assert.Equal(t, "a2", q.Surfaced().ID)
	assert.True(t, q.ModalVisible())

	assert.Equal(t, 0, q.ClearForRun("r9"))

	q.ClearForRun("r2")
	q.ClearForRun("r3")
	assert.Zero(t, q.Len())
	assert.False(t, q.ModalVisible())
}

func TestQueue_GetReturnsCopy(t *testing.T) {
	q := NewQueue()
	q.Add(newApproval("a1", "r1"))

	got, ok := q.Get("a1")
	require.True(t, ok)
	got.Description = "changed"

	again, _ := q.Get("a1")
	assert.Equal(t, "run a1", again.Description)

	_, ok = q.Get("nope")
	assert.False(t, ok)
}

func TestQueue_AuditLog(t *testing.T) {
	audit := NewMemoryLogger(0)
	q := NewQueue(WithAuditLogger(audit))
	q.Add(newApproval("a1", "r1"))
	q.Deny("a1", "too risky")

	entries := audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].EventType)
	assert.Equal(t, "decision", entries[1].EventType)
	assert.Equal(t, "denied", entries[1].Decision)
	assert.Equal(t, "too risky", entries[1].Feedback)
	assert.Equal(t, "r1", entries[1].RunID)
}

func TestFromEnvelope(t *testing.T) {
	env, err := protocol.NewEnvelope(protocol.TypeApprovalRequired, protocol.ApprovalRequiredPayload{
		RunID:        "r1",
		ApprovalType: protocol.ApprovalPatch,
		Description:  "edit main.go",
		Data:         json.RawMessage(`{"file_path":"main.go","original_content":"a\n","patched_content":"b\n","patch_summary":"swap"}`),
	})
	require.NoError(t, err)

	a, err := FromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, a.ID)
	assert.Equal(t, "r1", a.RunID)
	assert.Equal(t, StatusPending, a.Status)
	assert.False(t, a.Timestamp.IsZero())

	patch, err := a.Patch()
	require.NoError(t, err)
	assert.Equal(t, "main.go", patch.FilePath)

	_, err = a.Terminal()
	assert.Error(t, err)
}

func TestFromEnvelope_MissingType(t *testing.T) {
	env, err := protocol.NewEnvelope(protocol.TypeApprovalRequired, map[string]any{"run_id": "r1"})
	require.NoError(t, err)

	_, err = FromEnvelope(env)
	assert.ErrorIs(t, err, protocol.ErrProtocolDecode)
}
