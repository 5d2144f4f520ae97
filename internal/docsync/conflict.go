package docsync

import (
	"context"
	"time"
)

// Strategy selects how concurrent edits to one document are reconciled.
// Chosen per session, not per change.
type Strategy string

const (
	// StrategyLastWriteWins picks the change with the later timestamp.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyTimestampPriority always picks the remote change; the server
	// is treated as the authority.
	StrategyTimestampPriority Strategy = "timestamp_priority"
	// StrategyManual delegates to an externally supplied resolver, falling
	// back to remote-wins when none is registered.
	StrategyManual Strategy = "manual"
	// StrategyMerge shallow-merges the two changes' data objects, remote
	// fields overwriting local on key collision. Not a general operational
	// transform; replace it if stronger convergence is ever required.
	StrategyMerge Strategy = "merge"
)

// ConflictContext carries everything the resolution routine needs. Transient:
// produced on detection, consumed by resolution.
type ConflictContext struct {
	DocumentID   string
	LocalChange  Change
	RemoteChange Change
	BaseVersion  int64
	Strategy     Strategy
}

// Resolver is an externally supplied routine for StrategyManual. It must
// return the winning change.
type Resolver func(ctx context.Context, cc ConflictContext) (Change, error)

// isConflict reports whether a remote change conflicts with locally known
// state: the remote version does not advance past ours, or the two edits
// landed within a second of each other from different users.
func isConflict(localVersion int64, localModified time.Time, localUser string, remote *Change) bool {
	if remote.Version <= localVersion {
		return true
	}
	delta := remote.Timestamp.Sub(localModified)
	if delta < 0 {
		delta = -delta
	}
	return delta <= time.Second && remote.UserID != localUser
}

// resolve picks the winning change for cc. Deterministic for every strategy
// except StrategyManual, which depends on the supplied resolver; with a nil
// resolver it degrades to remote-wins. Ties under last-write-wins go to the
// remote change.
func resolve(ctx context.Context, cc ConflictContext, manual Resolver) Change {
	switch cc.Strategy {
	case StrategyLastWriteWins:
		if cc.LocalChange.Timestamp.After(cc.RemoteChange.Timestamp) {
			return cc.LocalChange
		}
		return cc.RemoteChange

	case StrategyManual:
		if manual != nil {
			if winner, err := manual(ctx, cc); err == nil {
				return winner
			}
		}
		return cc.RemoteChange

	case StrategyMerge:
		return mergeChanges(cc.LocalChange, cc.RemoteChange)

	case StrategyTimestampPriority:
		return cc.RemoteChange

	default:
		return cc.RemoteChange
	}
}

// mergeChanges shallow-merges data (remote overwrites local per key), takes
// the max of the two versions plus one, and the later timestamp.
func mergeChanges(local, remote Change) Change {
	data := make(map[string]any, len(local.Data)+len(remote.Data))
	for k, v := range local.Data {
		data[k] = v
	}
	for k, v := range remote.Data {
		data[k] = v
	}

	version := local.Version
	if remote.Version > version {
		version = remote.Version
	}

	ts := local.Timestamp
	if remote.Timestamp.After(ts) {
		ts = remote.Timestamp
	}

	merged := remote
	merged.Data = data
	merged.Version = version + 1
	merged.Timestamp = ts
	return merged
}
