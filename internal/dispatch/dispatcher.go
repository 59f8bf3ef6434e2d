// Package dispatch applies inbound agent messages to the run state machine
// and the approval queue.
package dispatch

import (
	"fmt"

	"github.com/rs/zerolog"

	"agentdesk/internal/approval"
	"agentdesk/internal/protocol"
	"agentdesk/internal/run"
	"agentdesk/pkg/logger"
)

// RunEnd describes a run that reached a terminal status.
type RunEnd struct {
	RunID          string
	ConversationID string
	Status         run.Status
	Result         *protocol.RunResultPayload
	Err            *protocol.ServerError
}

// Outcome is what a dispatched envelope changed.
type Outcome struct {
	// Changed is set when observable state was mutated.
	Changed bool

	// Approval is the newly queued approval, if any.
	Approval *approval.PendingApproval

	// End is set when the envelope finished the active run.
	End *RunEnd

	// Notice is an agent error that did not end a run.
	Notice *protocol.ServerError
}

// Dispatcher routes inbound envelopes. Like the machine it drives, it is
// not safe for concurrent use.
type Dispatcher struct {
	machine *run.Machine
	queue   *approval.Queue
	log     zerolog.Logger
}

// New creates a dispatcher over machine and queue.
func New(machine *run.Machine, queue *approval.Queue) *Dispatcher {
	return &Dispatcher{
		machine: machine,
		queue:   queue,
		log:     logger.Component("dispatch"),
	}
}

// Dispatch applies one inbound envelope. Malformed payloads and unknown
// event types are logged and ignored.
func (d *Dispatcher) Dispatch(env *protocol.Envelope) Outcome {
	var (
		out Outcome
		err error
	)

	switch env.Type {
	case protocol.TypeEvent:
		out, err = d.handleEvent(env)
	case protocol.TypeApprovalRequired:
		out, err = d.handleApprovalRequired(env)
	case protocol.TypeRunResult:
		out, err = d.handleRunResult(env)
	case protocol.TypeError:
		out, err = d.handleError(env)
	case protocol.TypePong:
		// Handshake and heartbeat replies are consumed by the session.
	default:
		d.log.Warn().Str("type", string(env.Type)).Str("id", env.ID).Msg("ignoring unexpected message type")
	}

	if err != nil {
		d.log.Warn().Err(err).Str("type", string(env.Type)).Str("id", env.ID).Msg("dropping malformed message")
		return Outcome{}
	}
	return out
}

func (d *Dispatcher) handleEvent(env *protocol.Envelope) (Outcome, error) {
	var p protocol.EventPayload
	if err := env.ParsePayload(&p); err != nil {
		return Outcome{}, err
	}

	kind := p.Kind()
	switch kind {
	case protocol.EventStatusChanged:
		var data protocol.StatusData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		activity := data.Vibe
		if activity == "" {
			activity = data.Status
		}
		d.machine.SetActivity(activity)
		return Outcome{Changed: activity != ""}, nil

	case protocol.EventToolStarted:
		var data protocol.ToolData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		if !d.accept(data.RunID, kind) {
			return Outcome{}, nil
		}
		d.machine.ToolStarted(data.Tool(), data.Arguments)
		return Outcome{Changed: true}, nil

	case protocol.EventToolCompleted:
		var data protocol.ToolData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		if !d.accept(data.RunID, kind) {
			return Outcome{}, nil
		}
		if !d.machine.ToolCompleted(data.Tool(), data.Result, data.Success) {
			d.log.Debug().Str("tool", data.Tool()).Msg("tool completion without a matching start")
			return Outcome{}, nil
		}
		return Outcome{Changed: true}, nil

	case protocol.EventMessageChunk:
		var data protocol.ChunkData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		if !d.accept(data.RunID, kind) {
			return Outcome{}, nil
		}
		d.machine.AppendChunk(data.Content)
		return Outcome{Changed: data.Content != ""}, nil

	case protocol.EventThinkingStarted, protocol.EventThinkingCompleted:
		var data protocol.NodeData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		if !d.accept(data.RunID, kind) {
			return Outcome{}, nil
		}
		activity := run.ActivityThinking
		if kind == protocol.EventThinkingCompleted {
			activity = run.ActivityWorking
		}
		d.machine.SetActivity(activity)
		return Outcome{Changed: true}, nil

	case protocol.EventRunStarted:
		var data protocol.RunEventData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		return Outcome{Changed: d.machine.AdoptRunID(data.RunID)}, nil

	case protocol.EventRunCancelled:
		var data protocol.RunEventData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		runID := d.machine.ActiveID()
		if !d.machine.CancelledByAgent(data.RunID) {
			d.log.Debug().Str("run_id", data.RunID).Msg("run_cancelled for an inactive run")
			return Outcome{Changed: true}, nil
		}
		d.queue.ClearForRun(runID)
		return Outcome{
			Changed: true,
			End:     &RunEnd{RunID: runID, Status: run.StatusCancelled},
		}, nil

	case protocol.EventApprovalProcessed:
		var data protocol.RunEventData
		if err := p.ParseData(&data); err != nil {
			return Outcome{}, wrapData(kind, err)
		}
		if !d.machine.ResumeFromApproval(data.RunID) {
			d.log.Debug().Str("run_id", data.RunID).Msg("approval_processed without a paused run")
			return Outcome{}, nil
		}
		return Outcome{Changed: true}, nil

	case protocol.EventRunCompleted:
		// Completion is driven by run_result.
		d.log.Debug().Msg("run_completed received")
		return Outcome{}, nil

	default:
		d.log.Info().Str("event_type", p.EventType).Msg("ignoring unknown event type")
		return Outcome{}, nil
	}
}

func (d *Dispatcher) handleApprovalRequired(env *protocol.Envelope) (Outcome, error) {
	a, err := approval.FromEnvelope(env)
	if err != nil {
		return Outcome{}, err
	}
	if !d.machine.EnterApproval(a.RunID) {
		d.log.Warn().
			Str("run_id", a.RunID).
			Str("active_run_id", d.machine.ActiveID()).
			Msg("discarding approval for an inactive run")
		return Outcome{}, nil
	}
	if a.RunID == "" {
		a.RunID = d.machine.ActiveID()
	}
	if !d.queue.Add(a) {
		return Outcome{Changed: true}, nil
	}
	return Outcome{Changed: true, Approval: a}, nil
}

func (d *Dispatcher) handleRunResult(env *protocol.Envelope) (Outcome, error) {
	var p protocol.RunResultPayload
	if err := env.ParsePayload(&p); err != nil {
		return Outcome{}, err
	}

	if d.machine.Retired(p.RunID) {
		d.log.Debug().Str("run_id", p.RunID).Msg("discarding result of a finished run")
		return Outcome{}, nil
	}
	if !d.machine.Accept(p.RunID) {
		d.log.Warn().
			Str("run_id", p.RunID).
			Str("active_run_id", d.machine.ActiveID()).
			Msg("discarding stale run_result")
		return Outcome{}, nil
	}

	runID := d.machine.ActiveID()
	d.machine.SetConversationID(p.ConversationID)
	conversationID := d.machine.Snapshot().Run.ConversationID

	end := &RunEnd{RunID: runID, ConversationID: conversationID, Result: &p}
	switch {
	case p.Cancelled:
		d.machine.CancelledByAgent(runID)
		end.Status = run.StatusCancelled
	case p.Success:
		d.machine.End(true, p.Response)
		end.Status = run.StatusCompleted
	default:
		msg := p.Response
		if msg == "" {
			msg = p.Error
		}
		d.machine.End(false, msg)
		end.Status = run.StatusError
	}

	d.queue.ClearForRun(runID)
	return Outcome{Changed: true, End: end}, nil
}

func (d *Dispatcher) handleError(env *protocol.Envelope) (Outcome, error) {
	var p protocol.ErrorPayload
	if err := env.ParsePayload(&p); err != nil {
		return Outcome{}, err
	}
	serr := protocol.NewServerError(&p)

	if p.Informational() {
		d.log.Info().Str("code", p.Code).Str("message", p.Message).Msg("agent notice")
		return Outcome{Notice: serr}, nil
	}
	if d.machine.Retired(p.RunID) {
		d.log.Debug().Str("code", p.Code).Str("run_id", p.RunID).Msg("discarding error for a finished run")
		return Outcome{}, nil
	}
	if !d.machine.Accept(p.RunID) {
		d.log.Warn().
			Str("code", p.Code).
			Str("run_id", p.RunID).
			Str("message", p.Message).
			Msg("agent error outside the active run")
		return Outcome{Notice: serr}, nil
	}

	runID := d.machine.ActiveID()
	conversationID := d.machine.Snapshot().Run.ConversationID
	d.machine.End(false, p.Message)
	d.queue.ClearForRun(runID)
	d.log.Error().Str("run_id", runID).Str("code", p.Code).Msg(p.Message)
	return Outcome{
		Changed: true,
		End: &RunEnd{
			RunID:          runID,
			ConversationID: conversationID,
			Status:         run.StatusError,
			Err:            serr,
		},
	}, nil
}

// accept drops messages tagged with a run id that is not the active one.
func (d *Dispatcher) accept(runID string, kind protocol.EventKind) bool {
	if d.machine.Accept(runID) {
		return true
	}
	d.log.Debug().
		Str("event", kind.String()).
		Str("run_id", runID).
		Str("active_run_id", d.machine.ActiveID()).
		Msg("discarding event for an inactive run")
	return false
}

func wrapData(kind protocol.EventKind, err error) error {
	return fmt.Errorf("%w: %s data: %v", protocol.ErrProtocolDecode, kind, err)
}
