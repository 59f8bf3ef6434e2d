package session

import (
	"fmt"

	"agentdesk/internal/protocol"
	"agentdesk/internal/transport"
)

// Send builds an envelope for an outbound type and writes it. It fails
// with ErrNotConnected right away when the session is not connected.
func (m *Manager) Send(msgType protocol.MessageType, payload any) (*protocol.Envelope, error) {
	if !msgType.IsOutbound() {
		return nil, fmt.Errorf("%w: %s cannot be sent by the client", protocol.ErrUnknownType, msgType)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return nil, ErrNotConnected
	}

	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(data); err != nil {
		return nil, fmt.Errorf("%w: send %s: %v", ErrTransport, msgType, err)
	}

	m.log.Debug().Str("type", string(msgType)).Str("id", env.ID).Msg("sent")
	return env, nil
}

func (m *Manager) sendOn(conn transport.Conn, msgType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(data)
}
