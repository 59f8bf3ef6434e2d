package approval

import (
	"sync"

	"github.com/rs/zerolog"

	"agentdesk/pkg/logger"
)

// Queue holds pending approvals in arrival order. The oldest entry is the
// surfaced one.
type Queue struct {
	mu           sync.Mutex
	entries      []*PendingApproval
	modalVisible bool
	audit        AuditLogger
	log          zerolog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithAuditLogger records requests and decisions.
func WithAuditLogger(l AuditLogger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.audit = l
		}
	}
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		audit: NopLogger{},
		log:   logger.Component("approval"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add appends an approval. If nothing was surfaced it becomes surfaced and
// the modal is raised. It returns false for a duplicate id.
func (q *Queue) Add(a *PendingApproval) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.ID == a.ID {
			return false
		}
	}

	entry := *a
	entry.Status = StatusPending
	q.entries = append(q.entries, &entry)
	if len(q.entries) == 1 {
		q.modalVisible = true
	}

	if err := q.audit.LogRequest(&entry); err != nil {
		q.log.Warn().Err(err).Str("approval_id", entry.ID).Msg("audit log request failed")
	}
	q.log.Info().
		Str("approval_id", entry.ID).
		Str("run_id", entry.RunID).
		Str("type", string(entry.Type)).
		Int("queued", len(q.entries)).
		Msg("approval queued")
	return true
}

// Approve removes the entry with the given id and returns it marked
// approved. An unknown id is a no-op.
func (q *Queue) Approve(id string) (*PendingApproval, bool) {
	return q.decide(id, StatusApproved, "")
}

// Deny removes the entry with the given id and returns it marked denied.
// An unknown id is a no-op.
func (q *Queue) Deny(id, feedback string) (*PendingApproval, bool) {
	return q.decide(id, StatusDenied, feedback)
}

func (q *Queue) decide(id string, status Status, feedback string) (*PendingApproval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil, false
	}

	entry := q.entries[idx]
	q.removeLocked(idx)
	entry.Status = status
	entry.Feedback = feedback

	if err := q.audit.LogDecision(entry); err != nil {
		q.log.Warn().Err(err).Str("approval_id", id).Msg("audit log decision failed")
	}
	q.log.Info().
		Str("approval_id", id).
		Str("run_id", entry.RunID).
		Str("decision", string(status)).
		Msg("approval decided")
	return entry, true
}

// ClearForRun removes every entry belonging to runID and returns how many
// were removed.
func (q *Queue) ClearForRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.RunID == runID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if len(q.entries) == 0 {
		q.modalVisible = false
	}

	if removed > 0 {
		q.log.Debug().Str("run_id", runID).Int("removed", removed).Msg("cleared approvals for run")
	}
	return removed
}

// Surfaced returns a copy of the approval shown to the user, or nil.
func (q *Queue) Surfaced() *PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	entry := *q.entries[0]
	return &entry
}

// ModalVisible reports whether the approval modal should be shown.
func (q *Queue) ModalVisible() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.modalVisible
}

// Pending returns copies of all queued approvals, oldest first.
func (q *Queue) Pending() []PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingApproval, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Get returns a copy of the approval with the given id.
func (q *Queue) Get(id string) (*PendingApproval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	entry := *q.entries[idx]
	return &entry, true
}

// Len returns the number of queued approvals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// removeLocked drops entry i. The modal stays up while anything remains
// queued, since the next entry is surfaced in its place.
func (q *Queue) removeLocked(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	if len(q.entries) == 0 {
		q.modalVisible = false
	}
}
