package mockagent

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentdesk/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between two inbound frames. Clients ping well inside it.
	readWait = 5 * time.Minute

	// Outbound frames buffered per peer.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// peer is one client connection.
type peer struct {
	server      *Server
	conn        *websocket.Conn
	send        chan []byte
	id          string
	connectedAt time.Time

	closeOnce sync.Once
}

func newPeer(s *Server, conn *websocket.Conn) *peer {
	return &peer{
		server:      s,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          uuid.New().String(),
		connectedAt: time.Now(),
	}
}

// readPump reads frames until the connection fails, then unregisters.
func (p *peer) readPump() {
	defer func() {
		p.server.unregister(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(protocol.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.server.log.Warn().Err(err).Str("peer_id", p.id).Msg("read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
		p.server.handleFrame(p, message)
	}
}

// writePump drains the send channel. Closing the channel sends a close frame.
func (p *peer) writePump() {
	defer p.conn.Close()

	for message := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue queues a frame. It reports false when the buffer is full.
func (p *peer) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// drop closes the socket without a close frame, like a crashed agent.
func (p *peer) drop() {
	p.closeOnce.Do(func() {
		_ = p.conn.UnderlyingConn().Close()
	})
}
