package mockagent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/protocol"
)

func startServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads envelopes until match returns true and returns everything
// read, the match included.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*protocol.Envelope) bool) []*protocol.Envelope {
	t.Helper()
	var got []*protocol.Envelope
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "read after %d envelopes", len(got))
		env, err := protocol.DecodeInbound(data)
		require.NoError(t, err)
		got = append(got, env)
		if match(env) {
			return got
		}
	}
}

func ofType(msgType protocol.MessageType) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool { return env.Type == msgType }
}

func eventNamed(name string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if env.Type != protocol.TypeEvent {
			return false
		}
		var p protocol.EventPayload
		return env.ParsePayload(&p) == nil && p.EventType == name
	}
}

func fastScript() Script {
	sc := DefaultScript()
	sc.StepDelay = 0
	return sc
}

func TestHealth(t *testing.T) {
	s, ts := startServer(t, WithVersion("1.2.3"))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	s.SetReady(false)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPingPong(t *testing.T) {
	s, ts := startServer(t)
	conn := dial(t, ts)

	send(t, conn, protocol.TypePing, &protocol.PingPayload{})
	got := readUntil(t, conn, ofType(protocol.TypePong))

	var pong protocol.PongPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&pong))
	assert.NotEmpty(t, pong.ConnectionID)
	assert.Equal(t, 1, s.Connections())
	assert.Len(t, s.Received(protocol.TypePing), 1)
}

func TestEchoRun(t *testing.T) {
	_, ts := startServer(t, WithScript(EchoScript()))
	conn := dial(t, ts)

	send(t, conn, protocol.TypeAgentRequest, &protocol.AgentRequestPayload{
		UserInput: "hello", Mode: protocol.ModeAsk, ConversationID: "conv-7",
	})
	got := readUntil(t, conn, ofType(protocol.TypeRunResult))

	assert.True(t, eventNamed("run_started")(got[0]))
	var result protocol.RunResultPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Response)
	assert.Equal(t, "conv-7", result.ConversationID)
	assert.NotEmpty(t, result.RunID)
}

func TestApprovalFlow(t *testing.T) {
	s, ts := startServer(t, WithScript(fastScript()))
	conn := dial(t, ts)

	send(t, conn, protocol.TypeAgentRequest, &protocol.AgentRequestPayload{UserInput: "edit readme"})
	got := readUntil(t, conn, ofType(protocol.TypeApprovalRequired))

	var req protocol.ApprovalRequiredPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&req))
	assert.Equal(t, protocol.ApprovalPatch, req.ApprovalType)
	var patch protocol.PatchData
	require.NoError(t, json.Unmarshal(req.Data, &patch))
	assert.Equal(t, "README.md", patch.FilePath)
	assert.Len(t, s.ActiveRuns(), 1)

	send(t, conn, protocol.TypeApprovalResponse, &protocol.ApprovalResponsePayload{RunID: req.RunID, Approved: false})
	got = readUntil(t, conn, ofType(protocol.TypeRunResult))

	processed := false
	for _, env := range got {
		if eventNamed("approval_processed")(env) {
			processed = true
		}
	}
	assert.True(t, processed, "approval_processed should precede the result")

	var result protocol.RunResultPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&result))
	assert.Equal(t, req.RunID, result.RunID)
	assert.Equal(t, "Left README.md unchanged.", result.Response)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	_, ts := startServer(t, WithScript(fastScript()))
	conn := dial(t, ts)

	send(t, conn, protocol.TypeAgentRequest, &protocol.AgentRequestPayload{UserInput: "edit readme"})
	got := readUntil(t, conn, ofType(protocol.TypeApprovalRequired))
	var req protocol.ApprovalRequiredPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&req))

	send(t, conn, protocol.TypeCancelRequest, &protocol.CancelRequestPayload{RunID: req.RunID})
	got = readUntil(t, conn, eventNamed("run_cancelled"))

	for _, env := range got {
		assert.NotEqual(t, protocol.TypeRunResult, env.Type)
	}
}

func TestUnknownRunIsWarning(t *testing.T) {
	_, ts := startServer(t)
	conn := dial(t, ts)

	send(t, conn, protocol.TypeCancelRequest, &protocol.CancelRequestPayload{RunID: "nope"})
	got := readUntil(t, conn, ofType(protocol.TypeError))

	var p protocol.ErrorPayload
	require.NoError(t, got[0].ParsePayload(&p))
	assert.True(t, p.Informational())
	assert.Equal(t, "nope", p.RunID)
}

func TestFailWithError(t *testing.T) {
	sc := EchoScript()
	sc.FailWithError = &protocol.ErrorPayload{Code: "model_error", Message: "upstream failed"}
	_, ts := startServer(t, WithScript(sc))
	conn := dial(t, ts)

	send(t, conn, protocol.TypeAgentRequest, &protocol.AgentRequestPayload{UserInput: "x"})
	got := readUntil(t, conn, ofType(protocol.TypeError))

	var p protocol.ErrorPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&p))
	assert.Equal(t, "model_error", p.Code)
	assert.NotEmpty(t, p.RunID)
}

func TestResultGateAndDrop(t *testing.T) {
	gate := make(chan struct{})
	s, ts := startServer(t, WithScript(EchoScript()), WithResultGate(gate))
	first := dial(t, ts)

	send(t, first, protocol.TypeAgentRequest, &protocol.AgentRequestPayload{UserInput: "long"})
	readUntil(t, first, ofType(protocol.TypeEvent))

	require.Eventually(t, func() bool { return s.Peers() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.DropAll())
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return s.Peers() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.ActiveRuns(), 1, "runs survive a dropped connection")

	second := dial(t, ts)
	require.Eventually(t, func() bool { return s.Peers() == 1 }, time.Second, 10*time.Millisecond)
	close(gate)

	got := readUntil(t, second, ofType(protocol.TypeRunResult))
	var result protocol.RunResultPayload
	require.NoError(t, got[len(got)-1].ParsePayload(&result))
	assert.Equal(t, "long", result.Response)
	assert.Equal(t, 2, s.Connections())
}

func TestEmitRejectsOutboundTypes(t *testing.T) {
	s, _ := startServer(t)
	assert.Error(t, s.Emit(protocol.TypeAgentRequest, nil))
	assert.NoError(t, s.Emit(protocol.TypeError, &protocol.ErrorPayload{Code: "info", Message: "hi"}))
}

func TestMalformedFrame(t *testing.T) {
	_, ts := startServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	got := readUntil(t, conn, ofType(protocol.TypeError))

	var p protocol.ErrorPayload
	require.NoError(t, got[0].ParsePayload(&p))
	assert.Equal(t, "invalid_message", p.Code)
}
