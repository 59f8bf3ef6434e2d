package workspace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentdesk/pkg/logger"
)

// Level grades a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a user-visible notification about connectivity or approvals.
type Notice struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink surfaces notices to the user. Notify must not block.
type Sink interface {
	Notify(n Notice)
}

// LogSink writes notices to the structured log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink writing to the "notify" component logger.
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Component("notify")}
}

// Notify logs n at its level.
func (s *LogSink) Notify(n Notice) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = s.log.Error()
	case LevelWarning:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev.Str("source", n.Source).Msg(n.Message)
}

// ChanSink delivers notices on a buffered channel, dropping them when the
// reader falls behind.
type ChanSink struct {
	ch        chan Notice
	mu        sync.Mutex
	closed    bool
	dropCount int
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 16
	}
	return &ChanSink{ch: make(chan Notice, size)}
}

// C returns the receive side.
func (s *ChanSink) C() <-chan Notice {
	return s.ch
}

// Notify enqueues n without blocking.
func (s *ChanSink) Notify(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
	default:
		s.dropCount++
	}
}

// Dropped returns how many notices were dropped.
func (s *ChanSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropCount
}

// Close closes the channel.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MultiSink fans a notice out to several sinks.
type MultiSink []Sink

// Notify forwards n to every sink.
func (m MultiSink) Notify(n Notice) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}
