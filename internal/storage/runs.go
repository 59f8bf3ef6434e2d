package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KeyLastConversation holds the conversation id the next run continues.
const KeyLastConversation = "conversation.last"

// RunRecord is one finished run in the journal.
type RunRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	Prompt         string    `json:"prompt,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	FilesTouched   []string  `json:"files_touched,omitempty"`
	Approvals      int       `json:"approvals"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SaveRun inserts or replaces a run record.
func (db *DB) SaveRun(r *RunRecord) error {
	if r.ID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	files, err := json.Marshal(r.FilesTouched)
	if err != nil {
		return fmt.Errorf("marshal files_touched: %w", err)
	}
	if r.FilesTouched == nil {
		files = []byte("[]")
	}

	return db.WithTx(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO runs
				(id, conversation_id, status, prompt, mode, response, error, files_touched, approvals, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ConversationID, r.Status, r.Prompt, r.Mode, r.Response, r.Error,
			string(files), r.Approvals, r.StartedAt.UTC(), r.EndedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if r.ConversationID != "" {
			_, err = tx.Exec(
				"INSERT OR REPLACE INTO kv_store (key, value, expires_at) VALUES (?, ?, NULL)",
				KeyLastConversation, r.ConversationID,
			)
			if err != nil {
				return fmt.Errorf("record conversation: %w", err)
			}
		}
		return nil
	})
}

// GetRun returns the run with the given id.
func (db *DB) GetRun(id string) (*RunRecord, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, status, prompt, mode, response, error, files_touched, approvals, started_at, ended_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, status, prompt, mode, response, error, files_touched, approvals, started_at, ended_at
		FROM runs ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastConversation returns the conversation id of the most recent run that
// reported one.
func (db *DB) LastConversation() (string, error) {
	return db.KVGet(KeyLastConversation)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var (
		r     RunRecord
		files string
	)
	err := s.Scan(&r.ID, &r.ConversationID, &r.Status, &r.Prompt, &r.Mode, &r.Response, &r.Error,
		&files, &r.Approvals, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	if files != "" {
		if err := json.Unmarshal([]byte(files), &r.FilesTouched); err != nil {
			return nil, fmt.Errorf("decode files_touched: %w", err)
		}
	}
	return &r, nil
}
