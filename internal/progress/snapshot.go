package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskforge/syncd/internal/store"
)

// Durable store keys
const (
	keyActiveIDs   = "active_progress_ids"
	keyStatePrefix = "progress_state_"
)

// Snapshot is the persisted last-known state of one progress stream. It seeds
// the UI after a restart, before live updates arrive.
type Snapshot struct {
	ProgressID  string    `json:"progressId"`
	Status      string    `json:"status"`
	Percentage  float64   `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	Stale       bool      `json:"stale,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func stateKey(progressID string) string {
	return keyStatePrefix + progressID
}

func loadSnapshot(ctx context.Context, st store.Store, progressID string) (*Snapshot, error) {
	data, err := st.Get(ctx, stateKey(progressID))
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for %s: %w", progressID, err)
	}
	return snap, nil
}

func saveSnapshot(ctx context.Context, st store.Store, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return st.Set(ctx, stateKey(snap.ProgressID), data)
}

func removeSnapshot(ctx context.Context, st store.Store, progressID string) error {
	if err := st.Remove(ctx, stateKey(progressID)); err != nil {
		return err
	}
	return removeActiveID(ctx, st, progressID)
}

func loadActiveIDs(ctx context.Context, st store.Store) ([]string, error) {
	data, err := st.Get(ctx, keyActiveIDs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("corrupt active id list: %w", err)
	}
	return ids, nil
}

func saveActiveIDs(ctx context.Context, st store.Store, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return st.Set(ctx, keyActiveIDs, data)
}

func addActiveID(ctx context.Context, st store.Store, progressID string) error {
	ids, err := loadActiveIDs(ctx, st)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == progressID {
			return nil
		}
	}
	return saveActiveIDs(ctx, st, append(ids, progressID))
}

func removeActiveID(ctx context.Context, st store.Store, progressID string) error {
	ids, err := loadActiveIDs(ctx, st)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != progressID {
			kept = append(kept, id)
		}
	}
	return saveActiveIDs(ctx, st, kept)
}
