package docsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/syncd/internal/conn"
	"github.com/taskforge/syncd/internal/protocol"
)

// ConflictEvent is the informational record of one resolved conflict.
// Conflicts are always resolved internally and never surface as errors.
type ConflictEvent struct {
	Context ConflictContext
	Winner  Change
}

// Options configures an Engine. Zero values take the documented defaults.
type Options struct {
	BatchWindow  time.Duration // default 500ms
	BatchSize    int           // default 10; a full queue flushes immediately
	Strategy     Strategy      // default StrategyTimestampPriority
	PendingLimit int           // default 50 pending batches per document
}

func (o *Options) withDefaults() {
	if o.BatchWindow == 0 {
		o.BatchWindow = 500 * time.Millisecond
	}
	if o.BatchSize == 0 {
		o.BatchSize = 10
	}
	if o.Strategy == "" {
		o.Strategy = StrategyTimestampPriority
	}
	if o.PendingLimit == 0 {
		o.PendingLimit = 50
	}
}

// Engine synchronizes documents for one editing session. Changes apply to the
// in-memory state immediately and are batched per document for the wire.
type Engine struct {
	logger     *slog.Logger
	cm         *conn.Manager
	opts       Options
	manual     Resolver
	onConflict func(ConflictEvent)

	mu             sync.Mutex
	docs           map[string]*docEntry
	pendingDeletes []*Change // deletes that failed to send, retried on reconnect
}

type docEntry struct {
	state     *DocumentState
	lastLocal *Change
	queue     []*Change
	timer     *time.Timer
	pending   [][]*Change // batches that failed to send, flushed on reconnect
}

// New creates an Engine wired to cm's dispatch. manual and onConflict may be
// nil; manual is only consulted under StrategyManual.
func New(logger *slog.Logger, cm *conn.Manager, manual Resolver, onConflict func(ConflictEvent), opts Options) *Engine {
	opts.withDefaults()
	e := &Engine{
		logger:     logger,
		cm:         cm,
		opts:       opts,
		manual:     manual,
		onConflict: onConflict,
		docs:       make(map[string]*docEntry),
	}

	cm.AddMessageHandler(protocol.TypeDocumentUpdated, e.handleRemoteUpdate)
	cm.AddMessageHandler(protocol.TypeConflictDetected, e.handleRemoteUpdate)
	cm.AddMessageHandler(protocol.TypeDocumentDeleted, e.handleRemoteDelete)
	cm.AddMessageHandler(protocol.TypeDocumentLocked, e.handleLock(true))
	cm.AddMessageHandler(protocol.TypeDocumentUnlocked, e.handleLock(false))
	cm.AddStateChangeHandler(func(state conn.State) {
		if state == conn.StateConnected {
			e.recover()
		}
	})

	return e
}

// TrackDocument seeds the engine with a document's known state, typically
// from the initial REST snapshot.
func (e *Engine) TrackDocument(state *DocumentState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := *state
	e.docs[state.ID] = &docEntry{state: &copied}
}

// Document returns a copy of the tracked state for documentID.
func (e *Engine) Document(documentID string) (DocumentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.docs[documentID]
	if !ok {
		return DocumentState{}, false
	}
	return *entry.state, true
}

// UpdateDocument applies a change optimistically and enqueues it into the
// document's batch. The batch flushes when its window elapses or its size cap
// is reached, whichever comes first.
func (e *Engine) UpdateDocument(documentID string, changeType ChangeType, data map[string]any, userID string) *Change {
	e.mu.Lock()
	entry := e.ensureLocked(documentID)
	entry.state.Version++

	change := &Change{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Type:       changeType,
		Data:       data,
		UserID:     userID,
		Timestamp:  time.Now(),
		Version:    entry.state.Version,
	}

	applyTo(entry.state, change)
	entry.lastLocal = change
	entry.queue = append(entry.queue, change)

	if len(entry.queue) >= e.opts.BatchSize {
		batch := entry.queue
		entry.queue = nil
		stopTimer(entry)
		e.mu.Unlock()
		e.sendBatch(documentID, batch)
		return change
	}

	// Each arrival restarts the window timer.
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(e.opts.BatchWindow, func() { e.flush(documentID) })
	e.mu.Unlock()
	return change
}

// DeleteDocument bypasses batching: the delete goes out immediately and any
// queued or pending batch work for the document is discarded.
func (e *Engine) DeleteDocument(documentID, userID string) *Change {
	e.mu.Lock()
	entry := e.ensureLocked(documentID)
	entry.state.Version++

	change := &Change{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Type:       ChangeDelete,
		UserID:     userID,
		Timestamp:  time.Now(),
		Version:    entry.state.Version,
	}

	entry.queue = nil
	entry.pending = nil
	stopTimer(entry)
	delete(e.docs, documentID)
	e.mu.Unlock()

	if !e.sendDelete(change) {
		// The document stays untracked; only the delete intent survives,
		// still in its unbatched envelope.
		e.mu.Lock()
		e.pendingDeletes = append(e.pendingDeletes, change)
		e.mu.Unlock()
		e.logger.Warn("delete not sent, queued for reconnect", "document_id", documentID)
	}
	return change
}

func (e *Engine) sendDelete(change *Change) bool {
	return e.cm.Send(protocol.NewMessage(protocol.TypeDocumentChange, map[string]any{
		"document_id": change.DocumentID,
		"change":      wireChange(change),
	}))
}

// Flush forces the pending batch for documentID out without waiting for the
// window. Used by tests and by callers about to close the session.
func (e *Engine) Flush(documentID string) {
	e.flush(documentID)
}

// Close stops all batch timers. Unflushed work stays queued.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.docs {
		stopTimer(entry)
	}
}

func (e *Engine) ensureLocked(documentID string) *docEntry {
	entry, ok := e.docs[documentID]
	if !ok {
		entry = &docEntry{state: &DocumentState{ID: documentID}}
		e.docs[documentID] = entry
	}
	return entry
}

func stopTimer(entry *docEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
}

func (e *Engine) flush(documentID string) {
	e.mu.Lock()
	entry, ok := e.docs[documentID]
	if !ok || len(entry.queue) == 0 {
		if ok {
			stopTimer(entry)
		}
		e.mu.Unlock()
		return
	}
	batch := entry.queue
	entry.queue = nil
	stopTimer(entry)
	e.mu.Unlock()

	e.sendBatch(documentID, batch)
}

// sendBatch ships one batch as a single network unit. A failed send is never
// dropped: the batch moves to the per-document pending list and is retried
// when the connection returns.
func (e *Engine) sendBatch(documentID string, changes []*Change) {
	msg := protocol.NewMessage(protocol.TypeDocumentBatchUpdate, map[string]any{
		"document_id": documentID,
		"changes":     wireChanges(changes),
	})
	if e.cm.Send(msg) {
		return
	}

	e.mu.Lock()
	entry := e.ensureLocked(documentID)
	entry.pending = append(entry.pending, changes)
	// The source never bounded this queue; we evict the oldest batch past
	// the limit rather than grow without bound under a long disconnect.
	if len(entry.pending) > e.opts.PendingLimit {
		dropped := len(entry.pending) - e.opts.PendingLimit
		entry.pending = entry.pending[dropped:]
		e.logger.Warn("pending batch limit reached, dropping oldest",
			"document_id", documentID, "dropped", dropped)
	}
	e.mu.Unlock()

	e.logger.Warn("batch not sent, queued for reconnect",
		"document_id", documentID, "changes", len(changes))
}

// recover runs on every transition back to Connected: unsent deletes go out
// first in their unbatched envelope, queued and previously-failed batches
// flush in document order, then a full resync is requested for every tracked
// document. Deleted documents are untracked, so they get no resync.
func (e *Engine) recover() {
	type flushItem struct {
		documentID string
		changes    []*Change
	}

	e.mu.Lock()
	deletes := e.pendingDeletes
	e.pendingDeletes = nil
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var flushes []flushItem
	for _, id := range ids {
		entry := e.docs[id]
		for _, batch := range entry.pending {
			flushes = append(flushes, flushItem{id, batch})
		}
		entry.pending = nil
		if len(entry.queue) > 0 {
			flushes = append(flushes, flushItem{id, entry.queue})
			entry.queue = nil
			stopTimer(entry)
		}
	}
	e.mu.Unlock()

	var unsent []*Change
	for _, change := range deletes {
		if !e.sendDelete(change) {
			unsent = append(unsent, change)
		}
	}
	if len(unsent) > 0 {
		e.mu.Lock()
		e.pendingDeletes = append(unsent, e.pendingDeletes...)
		e.mu.Unlock()
	}

	for _, f := range flushes {
		e.sendBatch(f.documentID, f.changes)
	}
	for _, id := range ids {
		e.cm.Send(protocol.NewMessage(protocol.TypeSyncRequest,
			map[string]any{"document_id": id}))
	}
}

// handleRemoteUpdate applies a remotely authored change, resolving against
// local unflushed or unacknowledged state when the two collide.
func (e *Engine) handleRemoteUpdate(msg *protocol.Message) {
	payload := msg.Data["change"]
	if payload == nil {
		payload = msg.Data
	}
	remote, err := parseChange(payload)
	if err != nil {
		e.logger.Warn("dropping malformed remote change", "error", err)
		return
	}

	e.mu.Lock()
	entry, tracked := e.docs[remote.DocumentID]
	if !tracked {
		e.mu.Unlock()
		return
	}

	hasLocal := entry.lastLocal != nil && (len(entry.queue) > 0 || len(entry.pending) > 0)
	if !hasLocal || !isConflict(entry.state.Version, entry.state.LastModified, entry.state.LastModifiedBy, remote) {
		applyTo(entry.state, remote)
		e.mu.Unlock()
		return
	}

	cc := ConflictContext{
		DocumentID:   remote.DocumentID,
		LocalChange:  *entry.lastLocal,
		RemoteChange: *remote,
		BaseVersion:  entry.state.Version,
		Strategy:     e.opts.Strategy,
	}
	e.mu.Unlock()

	winner := resolve(context.Background(), cc, e.manual)

	e.mu.Lock()
	if entry, ok := e.docs[cc.DocumentID]; ok {
		applyTo(entry.state, &winner)
	}
	e.mu.Unlock()

	e.logger.Info("conflict resolved",
		"document_id", cc.DocumentID, "strategy", string(cc.Strategy), "winner", winner.ID)
	if e.onConflict != nil {
		e.onConflict(ConflictEvent{Context: cc, Winner: winner})
	}
}

func (e *Engine) handleRemoteDelete(msg *protocol.Message) {
	documentID := msg.String("document_id")
	if documentID == "" {
		return
	}

	e.mu.Lock()
	if entry, ok := e.docs[documentID]; ok {
		stopTimer(entry)
		delete(e.docs, documentID)
	}
	e.mu.Unlock()
}

func (e *Engine) handleLock(locked bool) conn.Handler {
	return func(msg *protocol.Message) {
		documentID := msg.String("document_id")

		e.mu.Lock()
		defer e.mu.Unlock()
		entry, ok := e.docs[documentID]
		if !ok {
			return
		}
		entry.state.IsLocked = locked
		entry.state.LockExpiry = time.Time{}
		if locked {
			if expiry, err := time.Parse(time.RFC3339, msg.String("lock_expiry")); err == nil {
				entry.state.LockExpiry = expiry
			}
		}
	}
}

// applyTo folds one change into the document state. Versions only move
// forward; the change's author and timestamp become the document's last
// modification.
func applyTo(state *DocumentState, change *Change) {
	switch change.Type {
	case ChangeContent:
		if content, ok := change.Data["content"].(string); ok {
			state.Content = content
		}
	case ChangeTitle:
		if title, ok := change.Data["title"].(string); ok {
			state.Title = title
		}
	case ChangeMetadata:
		if state.Metadata == nil {
			state.Metadata = make(map[string]any)
		}
		for k, v := range change.Data {
			state.Metadata[k] = v
		}
	}

	if change.Version > state.Version {
		state.Version = change.Version
	}
	state.LastModified = change.Timestamp
	state.LastModifiedBy = change.UserID
}
