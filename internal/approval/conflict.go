package approval

import (
	"fmt"
	"time"
)

// DocumentStore reports when an open document last changed.
type DocumentStore interface {
	// LastModified returns the last-modified time of path. ok is false when
	// the store knows nothing about the document.
	LastModified(path string) (t time.Time, ok bool)
}

// ConflictInfo describes a document that changed after a patch was proposed.
type ConflictInfo struct {
	FilePath     string    `json:"file_path"`
	ProposedAt   time.Time `json:"proposed_at"`
	LastModified time.Time `json:"last_modified"`
}

// Conflict reports whether the document targeted by a patch or file_write
// approval was modified after the approval was created. Terminal approvals
// and unknown documents never conflict.
func Conflict(a *PendingApproval, docs DocumentStore) (*ConflictInfo, error) {
	if a == nil || docs == nil || !a.Type.TouchesFile() {
		return nil, nil
	}

	patch, err := a.Patch()
	if err != nil {
		return nil, err
	}
	if patch.FilePath == "" {
		return nil, fmt.Errorf("approval %s has no file_path", a.ID)
	}

	modified, ok := docs.LastModified(patch.FilePath)
	if !ok || !modified.After(a.Timestamp) {
		return nil, nil
	}
	return &ConflictInfo{
		FilePath:     patch.FilePath,
		ProposedAt:   a.Timestamp,
		LastModified: modified,
	}, nil
}
