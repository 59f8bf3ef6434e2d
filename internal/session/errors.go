package session

import "errors"

var (
	// ErrConnectionTimeout means the readiness probe or the handshake did not
	// finish before its deadline.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrUnavailable means the agent never reported ready or refused the
	// transport.
	ErrUnavailable = errors.New("agent unavailable")

	// ErrIncompatibleAgent means the agent reported a version outside the
	// configured constraint.
	ErrIncompatibleAgent = errors.New("incompatible agent version")

	// ErrTransport is a socket-level failure after connect.
	ErrTransport = errors.New("transport error")

	// ErrNotConnected is returned by Send while the transport is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is reported when every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrAborted is returned to Connect callers when Disconnect interrupts
	// the handshake.
	ErrAborted = errors.New("connect aborted")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("session shut down")
)
