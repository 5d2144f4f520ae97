// Package progress manages many concurrent, independently-identified progress
// streams (crawl jobs, uploads) over one shared connection, with a
// subscribe/acknowledge handshake and durable resumability.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/syncd/internal/conn"
	"github.com/taskforge/syncd/internal/protocol"
	"github.com/taskforge/syncd/internal/store"
)

// Terminal stream statuses
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusStale     = "stale"
)

// MessageFunc receives progress events for one stream.
type MessageFunc func(msg *protocol.Message)

// StaleFunc is notified when a resumed stream turns out to be stale. The
// stream is surfaced as dismissible; no resubscription is attempted.
type StaleFunc func(snap Snapshot)

// Options configures a Coordinator. Zero values take the documented defaults.
type Options struct {
	SubscribeRetries int           // default 3 send attempts
	RetryDelay       time.Duration // default 1s between send attempts
	AckTimeout       time.Duration // default 5s; advisory only
	TerminalLinger   time.Duration // default 2s before dropping a finished stream
	StaleAfter       time.Duration // default 2m without updates
	ExpireAfter      time.Duration // default 1h
	ConnectTimeout   time.Duration // default 10s
}

func (o *Options) withDefaults() {
	if o.SubscribeRetries == 0 {
		o.SubscribeRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.TerminalLinger == 0 {
		o.TerminalLinger = 2 * time.Second
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.ExpireAfter == 0 {
		o.ExpireAfter = time.Hour
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// Coordinator multiplexes progress streams over one connection. The shared
// transport is never torn down when a single stream finishes; other streams
// may still depend on it.
type Coordinator struct {
	logger   *slog.Logger
	cm       *conn.Manager
	st       store.Store
	endpoint string
	opts     Options
	onStale  StaleFunc

	mu           sync.Mutex
	streams      map[string]*stream
	installed    bool
	reconnecting bool
	now          func() time.Time
}

type stream struct {
	progressID string
	onMessage  MessageFunc
	ackCh      chan struct{}
	ackOnce    sync.Once
}

// New creates a Coordinator persisting to st. onStale may be nil.
func New(logger *slog.Logger, cm *conn.Manager, st store.Store, endpoint string, onStale StaleFunc, opts Options) *Coordinator {
	opts.withDefaults()
	return &Coordinator{
		logger:   logger,
		cm:       cm,
		st:       st,
		endpoint: endpoint,
		opts:     opts,
		onStale:  onStale,
		streams:  make(map[string]*stream),
		now:      time.Now,
	}
}

// StreamProgress subscribes to the stream identified by progressID and routes
// its events to onMessage. The acknowledgment from the server is advisory: a
// missing ack is logged and streaming proceeds anyway.
func (c *Coordinator) StreamProgress(ctx context.Context, progressID string, onMessage MessageFunc) error {
	if err := c.cm.Connect(ctx, c.endpoint); err != nil {
		return err
	}
	if err := c.cm.WaitForConnection(ctx, c.opts.ConnectTimeout); err != nil {
		return err
	}

	s := &stream{
		progressID: progressID,
		onMessage:  onMessage,
		ackCh:      make(chan struct{}),
	}

	c.mu.Lock()
	c.streams[progressID] = s
	c.mu.Unlock()
	c.installConnHandlers()

	now := c.now()
	if err := saveSnapshot(ctx, c.st, &Snapshot{
		ProgressID:  progressID,
		Status:      "running",
		StartedAt:   now,
		LastUpdated: now,
	}); err != nil {
		c.logger.Warn("failed to persist progress snapshot", "progress_id", progressID, "error", err)
	}
	if err := addActiveID(ctx, c.st, progressID); err != nil {
		c.logger.Warn("failed to persist active id", "progress_id", progressID, "error", err)
	}

	if err := c.sendSubscribe(ctx, progressID); err != nil {
		return err
	}

	select {
	case <-s.ackCh:
	case <-time.After(c.opts.AckTimeout):
		// Advisory handshake: log and keep streaming.
		c.logger.Warn("no subscribe ack, proceeding anyway", "progress_id", progressID)
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// sendSubscribe sends the subscribe intent, retrying a bounded number of
// times when the transport reports send failure.
func (c *Coordinator) sendSubscribe(ctx context.Context, progressID string) error {
	msg := protocol.NewMessage(protocol.TypeCrawlSubscribe,
		map[string]any{"progress_id": progressID})

	for attempt := 1; attempt <= c.opts.SubscribeRetries; attempt++ {
		if c.cm.Send(msg) {
			return nil
		}
		c.logger.Warn("subscribe send failed",
			"progress_id", progressID, "attempt", attempt)
		if attempt == c.opts.SubscribeRetries {
			break
		}
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to send subscribe for %s after %d attempts",
		progressID, c.opts.SubscribeRetries)
}

// StopStreaming unsubscribes from one stream. Best-effort: the unsubscribe
// intent is swallowed if disconnected, and the shared transport stays up.
func (c *Coordinator) StopStreaming(ctx context.Context, progressID string) {
	c.cm.Send(protocol.NewMessage(protocol.TypeCrawlUnsubscribe,
		map[string]any{"progress_id": progressID}))

	c.mu.Lock()
	delete(c.streams, progressID)
	c.mu.Unlock()

	if err := removeSnapshot(ctx, c.st, progressID); err != nil {
		c.logger.Warn("failed to remove progress snapshot", "progress_id", progressID, "error", err)
	}
}

// ResumeActiveStreams inspects every persisted stream at application start:
// entries past the expiry threshold are discarded, quiet ones are marked
// stale and surfaced as dismissible, and the rest are transparently
// resubscribed after seeding onMessage with the persisted last-known state.
func (c *Coordinator) ResumeActiveStreams(ctx context.Context, onMessage MessageFunc) error {
	ids, err := loadActiveIDs(ctx, c.st)
	if err != nil {
		return err
	}

	now := c.now()
	for _, id := range ids {
		snap, err := loadSnapshot(ctx, c.st, id)
		if err != nil {
			c.logger.Warn("dropping unreadable snapshot", "progress_id", id, "error", err)
			removeSnapshot(ctx, c.st, id)
			continue
		}

		switch {
		case now.Sub(snap.LastUpdated) > c.opts.ExpireAfter || now.Sub(snap.StartedAt) > c.opts.ExpireAfter:
			c.logger.Info("discarding expired progress stream", "progress_id", id)
			removeSnapshot(ctx, c.st, id)

		case now.Sub(snap.LastUpdated) > c.opts.StaleAfter:
			snap.Stale = true
			snap.Status = StatusStale
			if err := saveSnapshot(ctx, c.st, snap); err != nil {
				c.logger.Warn("failed to persist stale mark", "progress_id", id, "error", err)
			}
			c.logger.Info("marking progress stream stale", "progress_id", id)
			if c.onStale != nil {
				c.onStale(*snap)
			}

		default:
			onMessage(seedMessage(snap))
			if err := c.StreamProgress(ctx, id, onMessage); err != nil {
				c.logger.Warn("failed to resume progress stream", "progress_id", id, "error", err)
			}
		}
	}
	return nil
}

// DismissStale removes a stale stream's persisted state once the user
// dismisses it.
func (c *Coordinator) DismissStale(ctx context.Context, progressID string) error {
	return removeSnapshot(ctx, c.st, progressID)
}

// seedMessage synthesizes a progress_update from persisted state.
func seedMessage(snap *Snapshot) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeProgressUpdate,
		Timestamp: snap.LastUpdated.UnixMilli(),
		Data: map[string]any{
			"progressId": snap.ProgressID,
			"status":     snap.Status,
			"percentage": snap.Percentage,
			"resumed":    true,
		},
	}
}

// installConnHandlers registers the shared inbound handlers once. Each
// handler filters by the embedded progress id so concurrent streams never
// see each other's events.
func (c *Coordinator) installConnHandlers() {
	c.mu.Lock()
	if c.installed {
		c.mu.Unlock()
		return
	}
	c.installed = true
	c.mu.Unlock()

	c.cm.AddMessageHandler(protocol.TypeCrawlSubscribeAck, func(msg *protocol.Message) {
		if s := c.lookup(progressID(msg)); s != nil {
			s.ackOnce.Do(func() { close(s.ackCh) })
		}
	})

	// A reconnect lands on a server that has forgotten every subscription;
	// re-send the subscribe intent for each live stream or they go silent.
	// Gated on an observed Reconnecting transition so the initial connect
	// does not double-subscribe.
	c.cm.AddStateChangeHandler(func(state conn.State) {
		c.mu.Lock()
		resubscribe := state == conn.StateConnected && c.reconnecting
		c.reconnecting = state == conn.StateReconnecting
		c.mu.Unlock()
		if resubscribe {
			c.resubscribeAll()
		}
	})

	for _, msgType := range []string{
		protocol.TypeCrawlProgress,
		protocol.TypeProgressUpdate,
		protocol.TypeCrawlComplete,
		protocol.TypeCrawlError,
	} {
		msgType := msgType
		c.cm.AddMessageHandler(msgType, func(msg *protocol.Message) {
			c.handleEvent(msgType, msg)
		})
	}
}

// resubscribeAll re-sends the subscribe intent for every registered stream.
// Runs on each transition back to Connected.
func (c *Coordinator) resubscribeAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := c.sendSubscribe(context.Background(), id); err != nil {
			c.logger.Warn("failed to resubscribe after reconnect",
				"progress_id", id, "error", err)
		}
	}
}

func (c *Coordinator) lookup(progressID string) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[progressID]
}

func (c *Coordinator) handleEvent(msgType string, msg *protocol.Message) {
	id := progressID(msg)
	s := c.lookup(id)
	if s == nil {
		return
	}

	// Deliver to the UI first so terminal states render immediately.
	s.onMessage(msg)

	ctx := context.Background()
	status := msg.String("status")
	terminal := msgType == protocol.TypeCrawlComplete ||
		msgType == protocol.TypeCrawlError ||
		status == StatusCompleted || status == StatusError || status == StatusCancelled

	if !terminal {
		snap, err := loadSnapshot(ctx, c.st, id)
		if err != nil {
			snap = &Snapshot{ProgressID: id, StartedAt: c.now()}
		}
		if status != "" {
			snap.Status = status
		}
		if pct, ok := msg.Data["percentage"].(float64); ok {
			snap.Percentage = pct
		}
		snap.LastUpdated = c.now()
		if err := saveSnapshot(ctx, c.st, snap); err != nil {
			c.logger.Warn("failed to persist progress snapshot", "progress_id", id, "error", err)
		}
		return
	}

	if err := removeSnapshot(ctx, c.st, id); err != nil {
		c.logger.Warn("failed to remove progress snapshot", "progress_id", id, "error", err)
	}

	// Keep the stream registered briefly so the UI can render the terminal
	// state before late events stop being delivered.
	time.AfterFunc(c.opts.TerminalLinger, func() {
		c.mu.Lock()
		if c.streams[id] == s {
			delete(c.streams, id)
		}
		c.mu.Unlock()
	})
}

// progressID extracts the stream id from either payload key form.
func progressID(msg *protocol.Message) string {
	if id := msg.String("progressId"); id != "" {
		return id
	}
	return msg.String("progress_id")
}
