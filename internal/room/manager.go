// Package room multiplexes many components' interest in one project's task
// stream over a single shared connection.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/syncd/internal/conn"
	"github.com/taskforge/syncd/internal/protocol"
)

// HandlerBundle is the set of callbacks one component registers for a room.
// All fields are optional; later registrations for the same component merge
// field-by-field into the existing bundle.
type HandlerBundle struct {
	OnTaskCreated            func(task map[string]any)
	OnTaskUpdated            func(task map[string]any)
	OnTaskDeleted            func(task map[string]any)
	OnTaskArchived           func(task map[string]any)
	OnTasksReordered         func(data map[string]any)
	OnInitialTasks           func(tasks []any)
	OnConnectionStateChanged func(state conn.State)
}

// merge overlays non-nil fields of other onto b.
func (b *HandlerBundle) merge(other *HandlerBundle) {
	if other.OnTaskCreated != nil {
		b.OnTaskCreated = other.OnTaskCreated
	}
	if other.OnTaskUpdated != nil {
		b.OnTaskUpdated = other.OnTaskUpdated
	}
	if other.OnTaskDeleted != nil {
		b.OnTaskDeleted = other.OnTaskDeleted
	}
	if other.OnTaskArchived != nil {
		b.OnTaskArchived = other.OnTaskArchived
	}
	if other.OnTasksReordered != nil {
		b.OnTasksReordered = other.OnTasksReordered
	}
	if other.OnInitialTasks != nil {
		b.OnInitialTasks = other.OnInitialTasks
	}
	if other.OnConnectionStateChanged != nil {
		b.OnConnectionStateChanged = other.OnConnectionStateChanged
	}
}

// Options configures a Manager. Zero values take the documented defaults.
type Options struct {
	Cooldown       time.Duration // default 1s; collapses rapid repeated connects
	GracePeriod    time.Duration // default 5s; defers teardown after last unregister
	ConnectTimeout time.Duration // default 10s
}

func (o *Options) withDefaults() {
	if o.Cooldown == 0 {
		o.Cooldown = time.Second
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// Manager is the process-wide task-room registry. Construct exactly one per
// process with New and pass it by reference to consumers; Close releases it.
type Manager struct {
	logger   *slog.Logger
	cm       *conn.Manager
	endpoint string
	opts     Options

	mu                sync.Mutex
	currentProject    string
	lastAttemptAt     time.Time
	lastAttemptFor    string
	lastAttemptErr    error
	inflight          *joinAttempt
	bundles           map[string]*HandlerBundle // componentID -> bundle
	teardownTimer     *time.Timer
	handlersInstalled bool
}

type joinAttempt struct {
	project string
	done    chan struct{}
	err     error
}

// New creates the room manager over its dedicated connection manager.
func New(logger *slog.Logger, cm *conn.Manager, endpoint string, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		logger:   logger,
		cm:       cm,
		endpoint: endpoint,
		opts:     opts,
		bundles:  make(map[string]*HandlerBundle),
	}
}

// ConnectToProject joins the task room for projectID. If already joined it
// returns immediately; rapid repeated calls within the cooldown window share
// one attempt. Switching projects leaves the previous room first.
func (m *Manager) ConnectToProject(ctx context.Context, projectID string) error {
	m.mu.Lock()

	if m.currentProject == projectID && m.cm.State() == conn.StateConnected {
		m.mu.Unlock()
		return nil
	}

	if at := m.inflight; at != nil && at.project == projectID {
		m.mu.Unlock()
		select {
		case <-at.done:
			return at.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.lastAttemptFor == projectID && time.Since(m.lastAttemptAt) < m.opts.Cooldown {
		err := m.lastAttemptErr
		m.mu.Unlock()
		return err
	}

	if prev := m.currentProject; prev != "" && prev != projectID {
		m.cm.Send(protocol.NewMessage(protocol.TypeLeaveProject,
			map[string]any{"project_id": prev}))
	}

	at := &joinAttempt{project: projectID, done: make(chan struct{})}
	m.inflight = at
	m.lastAttemptAt = time.Now()
	m.lastAttemptFor = projectID
	m.mu.Unlock()

	err := m.join(ctx, projectID)

	m.mu.Lock()
	at.err = err
	m.lastAttemptErr = err
	if m.inflight == at {
		m.inflight = nil
	}
	if err == nil {
		m.currentProject = projectID
	}
	m.mu.Unlock()

	close(at.done)
	return err
}

func (m *Manager) join(ctx context.Context, projectID string) error {
	// Handlers go in before the dial so bundles observe the initial
	// Connecting and Connected transitions, not just later drops.
	m.installConnHandlers()

	if err := m.cm.Connect(ctx, m.endpoint); err != nil {
		return err
	}
	if err := m.cm.WaitForConnection(ctx, m.opts.ConnectTimeout); err != nil {
		return err
	}

	if !m.cm.Send(protocol.NewMessage(protocol.TypeJoinProject,
		map[string]any{"project_id": projectID})) {
		return fmt.Errorf("failed to send join for project %s", projectID)
	}

	m.logger.Info("joined project room", "project_id", projectID)
	return nil
}

// RegisterHandlers merges bundle into the component's existing registration
// and cancels any pending room teardown.
func (m *Manager) RegisterHandlers(componentID string, bundle *HandlerBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.teardownTimer != nil {
		m.teardownTimer.Stop()
		m.teardownTimer = nil
	}

	existing, ok := m.bundles[componentID]
	if !ok {
		existing = &HandlerBundle{}
		m.bundles[componentID] = existing
	}
	existing.merge(bundle)
}

// UnregisterHandlers removes the component's bundle from dispatch. When the
// last bundle goes, actual teardown is deferred by the grace period so a
// rapid unmount/remount cycle keeps the room's remote subscription intact.
func (m *Manager) UnregisterHandlers(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bundles, componentID)
	if len(m.bundles) > 0 || m.currentProject == "" {
		return
	}

	if m.teardownTimer != nil {
		m.teardownTimer.Stop()
	}
	m.teardownTimer = time.AfterFunc(m.opts.GracePeriod, m.teardown)
}

// teardown leaves the room and releases the connection. Runs only if no
// component re-registered during the grace period.
func (m *Manager) teardown() {
	m.mu.Lock()
	if len(m.bundles) > 0 {
		m.mu.Unlock()
		return
	}
	project := m.currentProject
	m.currentProject = ""
	m.lastAttemptFor = ""
	m.teardownTimer = nil
	m.handlersInstalled = false
	m.mu.Unlock()

	if project != "" {
		m.cm.Send(protocol.NewMessage(protocol.TypeLeaveProject,
			map[string]any{"project_id": project}))
	}
	m.cm.Disconnect()
	m.logger.Info("room torn down", "project_id", project)
}

// Close leaves the current room and disconnects. Called once at process end.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.teardownTimer != nil {
		m.teardownTimer.Stop()
		m.teardownTimer = nil
	}
	m.bundles = make(map[string]*HandlerBundle)
	project := m.currentProject
	m.currentProject = ""
	m.handlersInstalled = false
	m.mu.Unlock()

	if project != "" {
		m.cm.Send(protocol.NewMessage(protocol.TypeLeaveProject,
			map[string]any{"project_id": project}))
	}
	m.cm.Disconnect()
}

// installConnHandlers wires the connection's dispatch into bundle broadcast.
// Installed at join time, before dialing, because Disconnect clears the
// connection's registries.
func (m *Manager) installConnHandlers() {
	m.mu.Lock()
	if m.handlersInstalled {
		m.mu.Unlock()
		return
	}
	m.handlersInstalled = true
	m.mu.Unlock()

	taskEvents := []string{
		protocol.TypeTaskCreated,
		protocol.TypeTaskUpdated,
		protocol.TypeTaskDeleted,
		protocol.TypeTaskArchived,
		protocol.TypeTasksReordered,
		protocol.TypeInitialTasks,
	}
	for _, msgType := range taskEvents {
		msgType := msgType
		m.cm.AddMessageHandler(msgType, func(msg *protocol.Message) {
			m.broadcast(msgType, msg)
		})
	}

	m.cm.AddStateChangeHandler(func(state conn.State) {
		if state == conn.StateConnected {
			m.rejoin()
		}
		for _, b := range m.snapshotBundles() {
			if b.OnConnectionStateChanged != nil {
				b.OnConnectionStateChanged(state)
			}
		}
	})
}

// rejoin re-sends the join intent after a reconnect.
func (m *Manager) rejoin() {
	m.mu.Lock()
	project := m.currentProject
	m.mu.Unlock()

	if project == "" {
		return
	}
	m.cm.Send(protocol.NewMessage(protocol.TypeJoinProject,
		map[string]any{"project_id": project}))
}

func (m *Manager) snapshotBundles() []*HandlerBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*HandlerBundle, 0, len(m.bundles))
	for _, b := range m.bundles {
		out = append(out, b)
	}
	return out
}

// broadcast delivers an inbound room event to every registered bundle, not
// just one: multiple surfaces observing the same room see every event.
func (m *Manager) broadcast(msgType string, msg *protocol.Message) {
	for _, b := range m.snapshotBundles() {
		switch msgType {
		case protocol.TypeTaskCreated:
			if b.OnTaskCreated != nil {
				b.OnTaskCreated(msg.Data)
			}
		case protocol.TypeTaskUpdated:
			if b.OnTaskUpdated != nil {
				b.OnTaskUpdated(msg.Data)
			}
		case protocol.TypeTaskDeleted:
			if b.OnTaskDeleted != nil {
				b.OnTaskDeleted(msg.Data)
			}
		case protocol.TypeTaskArchived:
			if b.OnTaskArchived != nil {
				b.OnTaskArchived(msg.Data)
			}
		case protocol.TypeTasksReordered:
			if b.OnTasksReordered != nil {
				b.OnTasksReordered(msg.Data)
			}
		case protocol.TypeInitialTasks:
			if b.OnInitialTasks != nil {
				tasks, _ := msg.Data["tasks"].([]any)
				b.OnInitialTasks(tasks)
			}
		}
	}
}
