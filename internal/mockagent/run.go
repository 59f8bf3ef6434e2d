package mockagent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/protocol"
)

func (s *Server) startRun(req protocol.AgentRequestPayload) {
	ctx, cancel := context.WithCancelCause(s.ctx)
	run := &agentRun{
		id:             "run-" + uuid.New().String()[:8],
		conversationID: req.ConversationID,
		input:          req.UserInput,
		decisions:      make(chan protocol.ApprovalResponsePayload, 1),
		cancel:         cancel,
	}
	if run.conversationID == "" {
		run.conversationID = "conv-" + uuid.New().String()[:8]
	}

	s.mu.Lock()
	s.runs[run.id] = run
	script := s.script
	s.mu.Unlock()

	s.log.Info().Str("run_id", run.id).Str("mode", string(req.Mode)).Msg("run started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		defer func() {
			s.mu.Lock()
			delete(s.runs, run.id)
			s.mu.Unlock()
		}()
		s.execute(ctx, run, script)
	}()
}

// execute streams one scripted run. It returns early when the run is
// cancelled or the server closes.
func (s *Server) execute(ctx context.Context, run *agentRun, script Script) {
	step := func() bool {
		return sleep(ctx, script.StepDelay)
	}
	emit := func(eventType string, data any) bool {
		if !step() {
			return false
		}
		_ = s.EmitEvent(eventType, data)
		return true
	}
	interrupted := func() {
		if context.Cause(ctx) == errCancelRequested {
			s.log.Info().Str("run_id", run.id).Msg("run cancelled")
			_ = s.EmitEvent("run_cancelled", protocol.RunEventData{RunID: run.id})
		}
	}

	if !emit("run_started", protocol.RunEventData{RunID: run.id}) ||
		!emit("status_changed", protocol.StatusData{Status: "working", Vibe: script.Vibe}) {
		interrupted()
		return
	}

	if script.Thinking {
		if !emit("thinking_started", protocol.NodeData{Node: "plan", RunID: run.id}) ||
			!emit("thinking_completed", protocol.NodeData{Node: "plan", RunID: run.id}) {
			interrupted()
			return
		}
	}

	for _, tool := range script.Tools {
		success := !tool.Failed
		if !emit("tool_started", toolData(run.id, tool, nil)) ||
			!emit("tool_executed", toolData(run.id, tool, &success)) {
			interrupted()
			return
		}
	}

	chunks := script.Chunks
	if len(chunks) == 0 && run.input != "" {
		chunks = []string{run.input}
	}
	for _, chunk := range chunks {
		if !emit("message_chunk", protocol.ChunkData{Content: chunk, RunID: run.id}) {
			interrupted()
			return
		}
	}

	response := script.Response
	if response == "" {
		response = strings.Join(chunks, "")
	}

	if script.Approval != nil {
		approved, ok := s.awaitApproval(ctx, run, script.Approval)
		if !ok {
			interrupted()
			return
		}
		if !approved && script.Approval.DeniedResponse != "" {
			response = script.Approval.DeniedResponse
		}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			interrupted()
			return
		}
	}
	if !step() {
		interrupted()
		return
	}

	if script.FailWithError != nil {
		payload := *script.FailWithError
		payload.RunID = run.id
		_ = s.broadcast(protocol.TypeError, &payload)
		return
	}

	_ = s.broadcast(protocol.TypeRunResult, &protocol.RunResultPayload{
		RunID:          run.id,
		ConversationID: run.conversationID,
		Success:        script.Fail == "",
		Response:       response,
		FilesTouched:   script.FilesTouched,
		Error:          script.Fail,
	})
	_ = s.EmitEvent("run_completed", protocol.RunEventData{RunID: run.id})
	s.log.Info().Str("run_id", run.id).Msg("run finished")
}

func (s *Server) awaitApproval(ctx context.Context, run *agentRun, step *ApprovalStep) (approved, ok bool) {
	data, err := encodeData(step.Data)
	if err != nil {
		s.log.Error().Err(err).Msg("encode approval data")
		return false, false
	}
	_ = s.broadcast(protocol.TypeApprovalRequired, &protocol.ApprovalRequiredPayload{
		RunID:        run.id,
		ApprovalType: step.Type,
		Description:  step.Description,
		Data:         data,
	})
	_ = s.EmitEvent("status_changed", protocol.StatusData{Status: "waiting_for_approval"})

	select {
	case decision := <-run.decisions:
		s.log.Info().Str("run_id", run.id).Bool("approved", decision.Approved).Msg("approval received")
		approvedCopy := decision.Approved
		_ = s.EmitEvent("approval_processed", protocol.RunEventData{RunID: run.id, Approved: &approvedCopy})
		_ = s.EmitEvent("status_changed", protocol.StatusData{Status: "working"})
		return decision.Approved, true
	case <-ctx.Done():
		return false, false
	}
}

func toolData(runID string, tool ToolCall, success *bool) protocol.ToolData {
	d := protocol.ToolData{ToolName: tool.Name, RunID: runID, Success: success}
	if success == nil {
		d.Arguments, _ = encodeData(tool.Arguments)
	} else {
		d.Result, _ = encodeData(tool.Result)
	}
	return d
}

func encodeData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
