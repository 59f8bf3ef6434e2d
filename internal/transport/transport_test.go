package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 1)}
}

func (h *recordingHandler) OnMessage(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, string(data))
}

func (h *recordingHandler) OnClose(err error) {
	h.closed <- err
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func echoServer(t *testing.T, closeAfter int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; closeAfter <= 0 || i < closeAfter; i++ {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialSendReceiveInOrder(t *testing.T) {
	server := echoServer(t, 0)
	defer server.Close()

	h := newRecordingHandler()
	conn, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(server), h)
	require.NoError(t, err)

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, conn.Send([]byte(m)))
	}

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, h.snapshot())

	require.NoError(t, conn.Close())
	select {
	case err := <-h.closed:
		assert.NoError(t, err, "local close reports nil")
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}

	assert.ErrorIs(t, conn.Send([]byte("late")), ErrClosed)
	assert.NoError(t, conn.Close(), "second close is a no-op")
}

func TestRemoteCloseReportsError(t *testing.T) {
	server := echoServer(t, 1)
	defer server.Close()

	h := newRecordingHandler()
	conn, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(server), h)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("bye")))

	select {
	case err := <-h.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := (&WebSocketDialer{}).Dial(context.Background(), wsURL(server), newRecordingHandler())
	assert.Error(t, err)
}
