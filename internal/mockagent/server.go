// Package mockagent is a scripted stand-in for the agent process. It serves
// the readiness probe and the WebSocket protocol on one listener and is used
// by integration tests and the mock-agent command.
package mockagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"agentdesk/internal/protocol"
	"agentdesk/pkg/logger"
)

// DefaultVersion is reported by the health endpoint.
const DefaultVersion = "0.5.0"

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithScript replaces the default script.
func WithScript(sc Script) Option {
	return func(s *Server) {
		s.script = sc
	}
}

// WithResultGate holds every run_result until gate yields or is closed.
func WithResultGate(gate <-chan struct{}) Option {
	return func(s *Server) {
		s.gate = gate
	}
}

// Server is the mock agent.
type Server struct {
	version string
	script  Script
	gate    <-chan struct{}
	router  *mux.Router
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	ready       bool
	peers       map[*peer]struct{}
	runs        map[string]*agentRun
	received    []protocol.Envelope
	connections int
	httpServer  *http.Server
}

type agentRun struct {
	id             string
	conversationID string
	input          string
	decisions      chan protocol.ApprovalResponsePayload
	cancel         context.CancelCauseFunc
}

var errCancelRequested = errors.New("cancel requested")

// New creates a ready mock agent.
func New(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		version: DefaultVersion,
		script:  DefaultScript(),
		router:  mux.NewRouter(),
		log:     logger.Component("mockagent"),
		ctx:     ctx,
		cancel:  cancel,
		ready:   true,
		peers:   make(map[*peer]struct{}),
		runs:    make(map[string]*agentRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS)
}

// Handler returns the HTTP handler, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds addr and serves in the background. It returns the bound
// address, so ":0" picks a free port.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve failed")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("mock agent listening")
	return ln.Addr(), nil
}

// Close stops all runs and closes every connection.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	for p := range s.peers {
		delete(s.peers, p)
		close(p.send)
	}
	s.mu.Unlock()

	s.wg.Wait()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetReady toggles the health endpoint between 200 and 503.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// DropAll kills every open connection without a close frame and returns
// how many were dropped. Runs keep going.
func (s *Server) DropAll() int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.drop()
	}
	return len(peers)
}

// Emit broadcasts an arbitrary inbound envelope to every connection.
func (s *Server) Emit(msgType protocol.MessageType, payload any) error {
	if !msgType.IsInbound() {
		return fmt.Errorf("%w: %s is not sent by an agent", protocol.ErrUnknownType, msgType)
	}
	return s.broadcast(msgType, payload)
}

// EmitEvent broadcasts an event envelope.
func (s *Server) EmitEvent(eventType string, data any) error {
	return s.broadcast(protocol.TypeEvent, eventPayload(eventType, data))
}

// Received returns the envelopes received so far, optionally filtered by
// type.
func (s *Server) Received(types ...protocol.MessageType) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(s.received))
	for _, env := range s.received {
		if len(types) == 0 || containsType(types, env.Type) {
			out = append(out, env)
		}
	}
	return out
}

// Connections is the number of WebSocket connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Peers is the number of open connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ActiveRuns returns the ids of runs still in progress.
func (s *Server) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := newPeer(s, conn)
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.connections++
	s.mu.Unlock()
	s.log.Debug().Str("peer_id", p.id).Msg("peer connected")

	go p.writePump()
	go p.readPump()
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; ok {
		delete(s.peers, p)
		close(p.send)
		s.log.Debug().Str("peer_id", p.id).Msg("peer disconnected")
	}
}

func (s *Server) handleFrame(p *peer, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Str("peer_id", p.id).Msg("dropping frame")
		s.reply(p, protocol.TypeError, &protocol.ErrorPayload{Code: "invalid_message", Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.received = append(s.received, *env)
	s.mu.Unlock()

	switch env.Type {
	case protocol.TypePing:
		s.reply(p, protocol.TypePong, &protocol.PongPayload{
			ConnectionID: p.id,
			Timestamp:    time.Now().UTC().Format(protocol.TimestampFormat),
			Status:       "ok",
		})

	case protocol.TypeAgentRequest:
		var req protocol.AgentRequestPayload
		if err := env.ParsePayload(&req); err != nil {
			s.reply(p, protocol.TypeError, &protocol.ErrorPayload{Code: "invalid_request", Message: err.Error()})
			return
		}
		s.startRun(req)

	case protocol.TypeApprovalResponse:
		var resp protocol.ApprovalResponsePayload
		if err := env.ParsePayload(&resp); err != nil {
			s.reply(p, protocol.TypeError, &protocol.ErrorPayload{Code: "invalid_request", Message: err.Error()})
			return
		}
		if run := s.lookup(resp.RunID); run != nil {
			select {
			case run.decisions <- resp:
			default:
				s.log.Warn().Str("run_id", resp.RunID).Msg("approval response not awaited")
			}
			return
		}
		s.reply(p, protocol.TypeError, unknownRun(resp.RunID))

	case protocol.TypeCancelRequest:
		var req protocol.CancelRequestPayload
		if err := env.ParsePayload(&req); err != nil {
			s.reply(p, protocol.TypeError, &protocol.ErrorPayload{Code: "invalid_request", Message: err.Error()})
			return
		}
		if run := s.lookup(req.RunID); run != nil {
			run.cancel(errCancelRequested)
			return
		}
		s.reply(p, protocol.TypeError, unknownRun(req.RunID))

	default:
		s.reply(p, protocol.TypeError, &protocol.ErrorPayload{
			Code:    "unsupported_type",
			Message: fmt.Sprintf("%s is not accepted by the agent", env.Type),
		})
	}
}

func unknownRun(runID string) *protocol.ErrorPayload {
	return &protocol.ErrorPayload{Code: "warning", Message: "unknown run " + runID, RunID: runID}
}

func (s *Server) lookup(runID string) *agentRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func (s *Server) reply(p *peer, msgType protocol.MessageType, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("encode reply")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; !ok {
		return
	}
	if !p.enqueue(data) {
		s.log.Warn().Str("peer_id", p.id).Msg("send buffer full")
	}
}

func (s *Server) broadcast(msgType protocol.MessageType, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		if !p.enqueue(data) {
			s.log.Warn().Str("peer_id", p.id).Msg("send buffer full")
		}
	}
	return nil
}

func encode(msgType protocol.MessageType, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(env)
}

func eventPayload(eventType string, data any) *protocol.EventPayload {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("{}")
	}
	return &protocol.EventPayload{EventType: eventType, Data: raw}
}

func containsType(types []protocol.MessageType, t protocol.MessageType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
