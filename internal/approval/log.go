package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditLogger records approval requests and decisions.
type AuditLogger interface {
	LogRequest(a *PendingApproval) error
	LogDecision(a *PendingApproval) error
}

// LogEntry is a single audit log entry.
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"` // "request" or "decision"
	ApprovalID  string    `json:"approval_id"`
	RunID       string    `json:"run_id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	Feedback    string    `json:"feedback,omitempty"`
}

func requestEntry(a *PendingApproval) LogEntry {
	return LogEntry{
		Timestamp:   time.Now(),
		EventType:   "request",
		ApprovalID:  a.ID,
		RunID:       a.RunID,
		Type:        string(a.Type),
		Description: a.Description,
	}
}

func decisionEntry(a *PendingApproval) LogEntry {
	return LogEntry{
		Timestamp:  time.Now(),
		EventType:  "decision",
		ApprovalID: a.ID,
		RunID:      a.RunID,
		Type:       string(a.Type),
		Decision:   string(a.Status),
		Feedback:   a.Feedback,
	}
}

// FileLogger appends entries to a JSON lines file.
type FileLogger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileLogger opens path for appending, creating parent directories.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileLogger{path: path, file: file}, nil
}

// LogRequest logs an approval request.
func (l *FileLogger) LogRequest(a *PendingApproval) error {
	return l.write(requestEntry(a))
}

// LogDecision logs an approval decision.
func (l *FileLogger) LogDecision(a *PendingApproval) error {
	return l.write(decisionEntry(a))
}

func (l *FileLogger) write(entry LogEntry) error {
	if l == nil || l.file == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the log file path.
func (l *FileLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// MemoryLogger keeps the most recent entries in memory.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
}

// NewMemoryLogger creates an in-memory logger holding at most maxSize
// entries (1000 when maxSize <= 0).
func NewMemoryLogger(maxSize int) *MemoryLogger {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryLogger{maxSize: maxSize}
}

// LogRequest logs an approval request.
func (l *MemoryLogger) LogRequest(a *PendingApproval) error {
	l.add(requestEntry(a))
	return nil
}

// LogDecision logs an approval decision.
func (l *MemoryLogger) LogDecision(a *PendingApproval) error {
	l.add(decisionEntry(a))
	return nil
}

func (l *MemoryLogger) add(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the logged entries.
func (l *MemoryLogger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// NopLogger discards all entries.
type NopLogger struct{}

// LogRequest is a no-op.
func (NopLogger) LogRequest(*PendingApproval) error { return nil }

// LogDecision is a no-op.
func (NopLogger) LogDecision(*PendingApproval) error { return nil }
