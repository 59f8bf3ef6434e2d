// Package client is the facade a UI talks to. It owns one session, one run
// state machine and one approval queue, and fans state out to any number of
// subscribers.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentdesk/internal/approval"
	"agentdesk/internal/config"
	"agentdesk/internal/dispatch"
	"agentdesk/internal/protocol"
	"agentdesk/internal/run"
	"agentdesk/internal/session"
	"agentdesk/internal/storage"
	"agentdesk/internal/workspace"
	"agentdesk/pkg/logger"
)

const subscriberBuffer = 64

// runInfo is what the journal needs about the active run.
type runInfo struct {
	prompt    string
	mode      protocol.Mode
	startedAt time.Time
	approvals int
}

// Client wires the session, dispatcher, run machine and approval queue.
type Client struct {
	cfg         *config.Config
	sessionOpts []session.Option
	session     *session.Manager
	queue       *approval.Queue
	journal     *storage.DB
	docs        approval.DocumentStore
	files       *workspace.Files
	audit       approval.AuditLogger
	sinks       workspace.MultiSink
	log         zerolog.Logger

	// mu serializes every call into machine and dispatcher.
	mu         sync.Mutex
	machine    *run.Machine
	dispatcher *dispatch.Dispatcher
	active     *runInfo
	// abortConnect cancels the Connect of a request in the connecting status.
	abortConnect context.CancelFunc

	connected   atomic.Bool
	interrupted atomic.Bool

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
	closed  bool
}

// New creates a disconnected client.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{
		cfg:  cfg,
		log:  logger.Component("client"),
		subs: make(map[int]chan Update),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.sinks) == 0 {
		c.sinks = workspace.MultiSink{workspace.NewLogSink()}
	}

	var queueOpts []approval.QueueOption
	if c.audit != nil {
		queueOpts = append(queueOpts, approval.WithAuditLogger(c.audit))
	}
	c.queue = approval.NewQueue(queueOpts...)
	c.machine = run.NewMachine()
	c.dispatcher = dispatch.New(c.machine, c.queue)

	if c.journal != nil {
		if conv, err := c.journal.LastConversation(); err == nil {
			c.machine.SetConversationID(conv)
		} else if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn().Err(err).Msg("read last conversation")
		}
	}

	m, err := session.NewManager(SessionConfig(cfg), append(c.sessionOpts, session.WithHandler(c.handle))...)
	if err != nil {
		return nil, err
	}
	c.session = m
	m.OnStateChange(c.onStateChange)
	return c, nil
}

// Connect opens the session. Concurrent callers share one attempt.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect closes the session on purpose. The active run, if any, keeps
// its status until the agent reports on it after a reconnect.
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// Shutdown closes the session and every subscription.
func (c *Client) Shutdown() {
	c.session.Shutdown()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// SendRequest starts a run. It connects first when needed, showing the
// connecting status meanwhile. The returned id is local until the agent
// announces its own, which then replaces it.
//
// While another run is active the request is dropped: the returned id is
// empty and the error nil. Cancel during the connecting status makes it
// return ErrRequestCancelled.
func (c *Client) SendRequest(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", ErrEmptyPrompt
	}
	req = c.withDefaults(req)
	if !req.Mode.Valid() {
		return "", fmt.Errorf("invalid mode %q", req.Mode)
	}

	c.mu.Lock()
	if !c.machine.Status().CanStart() || c.abortConnect != nil {
		c.mu.Unlock()
		c.log.Debug().Msg("request dropped: a run is already active")
		return "", nil
	}
	connecting := !c.session.IsConnected()
	connectCtx := ctx
	if connecting {
		c.machine.MarkConnecting()
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithCancel(ctx)
		c.abortConnect = cancel
	}
	c.mu.Unlock()

	if connecting {
		c.publish(Update{Kind: UpdateRun})
		err := c.session.Connect(connectCtx)

		c.mu.Lock()
		c.abortConnect()
		c.abortConnect = nil
		if c.machine.Status() != run.StatusConnecting {
			c.mu.Unlock()
			return "", ErrRequestCancelled
		}
		if err != nil {
			c.machine.AbortConnecting(fmt.Sprintf("could not reach the agent: %v", err))
			c.mu.Unlock()
			c.publish(Update{Kind: UpdateRun})
			return "", err
		}
		c.mu.Unlock()
	}

	runID := uuid.New().String()
	c.mu.Lock()
	if !c.machine.Start(runID, req.ConversationID, true) {
		c.mu.Unlock()
		c.log.Debug().Str("run_id", runID).Msg("request dropped: a run is already active")
		return "", nil
	}
	c.machine.AddUserMessage(req.Prompt)
	conversationID := c.machine.Snapshot().Run.ConversationID
	c.active = &runInfo{prompt: req.Prompt, mode: req.Mode, startedAt: time.Now()}
	c.mu.Unlock()

	_, err := c.session.Send(protocol.TypeAgentRequest, &protocol.AgentRequestPayload{
		UserInput:      req.Prompt,
		ProjectRoot:    req.ProjectRoot,
		Mode:           req.Mode,
		MaxIterations:  req.MaxIterations,
		ConversationID: conversationID,
	})
	if err != nil {
		c.mu.Lock()
		id := c.machine.ActiveID()
		ended := c.machine.End(false, fmt.Sprintf("request not delivered: %v", err))
		info := c.takeActiveLocked()
		c.mu.Unlock()
		if ended {
			end := &dispatch.RunEnd{RunID: id, ConversationID: conversationID, Status: run.StatusError}
			c.record(end, info)
			c.publish(Update{Kind: UpdateRunEnd, End: end})
		}
		return "", err
	}

	c.log.Info().Str("run_id", runID).Str("mode", string(req.Mode)).Msg("agent request sent")
	c.publish(Update{Kind: UpdateRun})
	return runID, nil
}

func (c *Client) withDefaults(req Request) Request {
	if req.Mode == "" {
		req.Mode = protocol.Mode(c.cfg.Run.Mode)
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = c.cfg.Run.MaxIterations
	}
	if req.ProjectRoot == "" {
		if c.files != nil {
			req.ProjectRoot = c.files.Root()
		} else {
			req.ProjectRoot = c.cfg.Run.ProjectRoot
		}
	}
	if abs, err := filepath.Abs(req.ProjectRoot); err == nil {
		req.ProjectRoot = abs
	}
	return req
}

// Approve answers a pending approval positively. The approval leaves the
// queue only once the response was sent. An id that is no longer queued
// is ignored.
func (c *Client) Approve(id string) error {
	return c.decide(id, true, "")
}

// Deny answers a pending approval negatively with optional feedback.
func (c *Client) Deny(id, feedback string) error {
	return c.decide(id, false, feedback)
}

func (c *Client) decide(id string, approved bool, feedback string) error {
	a, ok := c.queue.Get(id)
	if !ok {
		c.log.Debug().Str("approval_id", id).Msg("decision ignored: approval not queued")
		return nil
	}

	_, err := c.session.Send(protocol.TypeApprovalResponse, &protocol.ApprovalResponsePayload{
		RunID:    a.RunID,
		Approved: approved,
		Feedback: feedback,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("approval_id", id).Msg("approval response not sent")
		return err
	}

	if approved {
		c.queue.Approve(id)
	} else {
		c.queue.Deny(id, feedback)
	}
	c.publish(Update{Kind: UpdateApproval})
	return nil
}

// Cancel stops the active run at once and asks the agent to stop it too.
// The run stays cancelled locally even when the request cannot be sent.
// A request still connecting is dropped before it reaches the agent.
func (c *Client) Cancel() error {
	c.mu.Lock()
	if c.machine.CancelConnecting() {
		abort := c.abortConnect
		c.mu.Unlock()
		if abort != nil {
			abort()
		}
		c.publish(Update{Kind: UpdateRun})
		return nil
	}
	runID := c.machine.Cancel()
	conversationID := c.machine.ConversationID()
	info := c.takeActiveLocked()
	c.mu.Unlock()

	if runID == "" {
		return ErrNoActiveRun
	}
	c.queue.ClearForRun(runID)

	end := &dispatch.RunEnd{RunID: runID, ConversationID: conversationID, Status: run.StatusCancelled}
	c.record(end, info)
	c.publish(Update{Kind: UpdateRunEnd, End: end})

	if _, err := c.session.Send(protocol.TypeCancelRequest, &protocol.CancelRequestPayload{RunID: runID}); err != nil {
		c.log.Warn().Err(err).Str("run_id", runID).Msg("cancel request not sent")
		return fmt.Errorf("run cancelled locally; agent not notified: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	snap := c.machine.Snapshot()
	c.mu.Unlock()

	return State{
		Connection:   c.session.State(),
		ConnectionID: c.session.ConnectionID(),
		Reconnect:    c.session.ReconnectAttempt(),
		Run:          snap,
		Pending:      c.queue.Pending(),
		Surfaced:     c.queue.Surfaced(),
		ModalVisible: c.queue.ModalVisible(),
	}
}

// Subscribe returns a channel of updates and a function that ends the
// subscription. A subscriber that falls behind misses updates; Snapshot
// always has the latest state.
func (c *Client) Subscribe() (<-chan Update, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Approval returns a pending approval by id.
func (c *Client) Approval(id string) (*approval.PendingApproval, bool) {
	return c.queue.Get(id)
}

// Conflict reports whether the document an approval edits changed after
// the approval was proposed. It returns nil without a document store.
func (c *Client) Conflict(id string) (*approval.ConflictInfo, error) {
	a, ok := c.queue.Get(id)
	if !ok {
		return nil, ErrApprovalNotFound
	}
	if c.docs == nil {
		return nil, nil
	}
	return approval.Conflict(a, c.docs)
}

// Preview renders the diff of a file approval.
func (c *Client) Preview(id string) (*approval.PatchPreview, error) {
	a, ok := c.queue.Get(id)
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return approval.Preview(a)
}

// OpenFile returns the absolute path of the document a file approval
// edits, so the UI can open it.
func (c *Client) OpenFile(id string) (string, error) {
	a, ok := c.queue.Get(id)
	if !ok {
		return "", ErrApprovalNotFound
	}
	if !a.Type.TouchesFile() {
		return "", ErrNoFileTarget
	}
	patch, err := a.Patch()
	if err != nil {
		return "", err
	}
	if c.files == nil {
		return filepath.Abs(patch.FilePath)
	}
	return c.files.ResolvePath(patch.FilePath)
}

// handle receives every inbound envelope from the session.
func (c *Client) handle(env *protocol.Envelope) {
	c.mu.Lock()
	out := c.dispatcher.Dispatch(env)
	var info *runInfo
	if out.Approval != nil && c.active != nil {
		c.active.approvals++
	}
	if out.End != nil {
		info = c.takeActiveLocked()
	}
	c.mu.Unlock()

	if out.Approval != nil {
		c.watchTarget(out.Approval)
		c.publish(Update{Kind: UpdateApproval, Approval: out.Approval})
	}
	if out.End != nil {
		c.record(out.End, info)
		if out.End.Err != nil {
			c.notify(workspace.LevelError, "agent", out.End.Err.Error())
		}
		c.publish(Update{Kind: UpdateRunEnd, End: out.End})
	} else if out.Changed && out.Approval == nil {
		c.publish(Update{Kind: UpdateRun})
	}
	if out.Notice != nil {
		level := workspace.LevelWarning
		if out.Notice.Informational() {
			level = workspace.LevelInfo
		}
		c.notify(level, "agent", out.Notice.Error())
	}
}

// watchTarget starts tracking the document of a file approval when the
// store supports it.
func (c *Client) watchTarget(a *approval.PendingApproval) {
	w, ok := c.docs.(interface{ Watch(string) error })
	if !ok || !a.Type.TouchesFile() {
		return
	}
	patch, err := a.Patch()
	if err != nil || patch.FilePath == "" {
		return
	}
	if err := w.Watch(patch.FilePath); err != nil {
		c.log.Debug().Err(err).Str("path", patch.FilePath).Msg("not watching approval target")
	}
}

func (c *Client) onStateChange(sc session.StateChange) {
	switch sc.State {
	case session.StateError:
		switch {
		case errors.Is(sc.Err, session.ErrReconnectExhausted):
			c.notify(workspace.LevelError, "connection", "Lost connection to the agent: "+sc.Err.Error())
		case c.connected.Swap(false):
			c.interrupted.Store(true)
			c.notify(workspace.LevelWarning, "connection", "Connection interrupted, reconnecting")
		default:
			c.log.Debug().Err(sc.Err).Int("attempt", sc.Attempt).Msg("connect attempt failed")
		}
	case session.StateConnected:
		c.connected.Store(true)
		if c.interrupted.Swap(false) {
			c.notify(workspace.LevelInfo, "connection", "Reconnected to the agent")
		}
	case session.StateDisconnected:
		c.connected.Store(false)
		c.interrupted.Store(false)
	}
	c.publish(Update{Kind: UpdateConnection})
}

func (c *Client) notify(level workspace.Level, source, msg string) {
	n := workspace.Notice{Level: level, Source: source, Message: msg, Time: time.Now()}
	c.sinks.Notify(n)
	c.publish(Update{Kind: UpdateNotice, Notice: &n})
}

func (c *Client) takeActiveLocked() *runInfo {
	info := c.active
	c.active = nil
	return info
}

// record writes a finished run to the journal.
func (c *Client) record(end *dispatch.RunEnd, info *runInfo) {
	if c.journal == nil || end == nil || end.RunID == "" {
		return
	}
	rec := &storage.RunRecord{
		ID:             end.RunID,
		ConversationID: end.ConversationID,
		Status:         string(end.Status),
		EndedAt:        time.Now(),
	}
	if info != nil {
		rec.Prompt = info.prompt
		rec.Mode = string(info.mode)
		rec.StartedAt = info.startedAt
		rec.Approvals = info.approvals
	} else {
		rec.StartedAt = rec.EndedAt
	}
	if end.Result != nil {
		rec.Response = end.Result.Response
		rec.Error = end.Result.Error
		rec.FilesTouched = end.Result.FilesTouched
	}
	if end.Err != nil {
		rec.Error = end.Err.Error()
	}
	if err := c.journal.SaveRun(rec); err != nil {
		c.log.Warn().Err(err).Str("run_id", end.RunID).Msg("journal write failed")
	}
}

func (c *Client) publish(u Update) {
	u.State = c.Snapshot()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- u:
		default:
			c.log.Debug().Int("subscriber", id).Str("kind", string(u.Kind)).Msg("subscriber behind; update dropped")
		}
	}
}
