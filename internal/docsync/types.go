// Package docsync batches fine-grained document edits into time-windowed
// groups, applies them optimistically, resolves conflicts with pluggable
// strategies, and recovers pending work across reconnects.
package docsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType classifies a document change.
type ChangeType string

const (
	ChangeContent  ChangeType = "content"
	ChangeTitle    ChangeType = "title"
	ChangeMetadata ChangeType = "metadata"
	ChangeDelete   ChangeType = "delete"
)

// Change is one uniquely-identified document edit. Immutable.
type Change struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Type       ChangeType     `json:"change_type"`
	Data       map[string]any `json:"data,omitempty"`
	UserID     string         `json:"user_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    int64          `json:"version"`
}

// DocumentState is the engine's in-memory view of one document. Owned
// exclusively by the engine for the lifetime of a sync session.
type DocumentState struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        int64          `json:"version"`
	LastModified   time.Time      `json:"last_modified"`
	LastModifiedBy string         `json:"last_modified_by"`
	IsLocked       bool           `json:"is_locked"`
	LockExpiry     time.Time      `json:"lock_expiry,omitempty"`
}

// wireChange converts a Change into the JSON-like form carried in message
// data. Timestamps travel as RFC 3339 strings.
func wireChange(c *Change) map[string]any {
	raw, _ := json.Marshal(c)
	var m map[string]any
	json.Unmarshal(raw, &m)
	return m
}

func wireChanges(changes []*Change) []any {
	out := make([]any, 0, len(changes))
	for _, c := range changes {
		out = append(out, wireChange(c))
	}
	return out
}

// parseChange decodes a change object embedded in message data.
func parseChange(v any) (*Change, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid change payload: %w", err)
	}
	c := &Change{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("invalid change payload: %w", err)
	}
	if c.ID == "" || c.DocumentID == "" {
		return nil, fmt.Errorf("change missing id or document id")
	}
	return c, nil
}
