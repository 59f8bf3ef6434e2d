package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config controls the connection lifecycle.
type Config struct {
	Host       string
	Port       int
	HealthPath string
	WSPath     string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbeRetries  int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int

	// VersionConstraint is a semver constraint the agent's reported
	// version must satisfy. Empty disables the check.
	VersionConstraint string
}

// DefaultConfig returns the built-in connection settings.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 8765,
		HealthPath:           "/health",
		WSPath:               "/ws",
		ProbeInterval:        500 * time.Millisecond,
		ProbeTimeout:         2 * time.Second,
		ProbeRetries:         10,
		ConnectTimeout:       15 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxAttempts: 5,
	}
}

func (c Config) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HealthURL is the readiness probe endpoint.
func (c Config) HealthURL() string {
	return fmt.Sprintf("http://%s%s", c.hostPort(), ensureSlash(c.HealthPath))
}

// WebSocketURL is the transport endpoint on the same host and port.
func (c Config) WebSocketURL() string {
	return fmt.Sprintf("ws://%s%s", c.hostPort(), ensureSlash(c.WSPath))
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// BackoffDelay is the wait before reconnect attempt k (1-based):
// base * 2^(k-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return base * time.Duration(1<<uint(shift))
}
