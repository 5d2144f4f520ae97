package room

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/syncd/internal/conn"
	"github.com/taskforge/syncd/internal/protocol"
	"github.com/taskforge/syncd/internal/testserver"
)

func newManager(t *testing.T, srv *testserver.Server, opts Options) *Manager {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	m := New(logger, conn.New(logger, conn.Options{}), srv.URL(), opts)
	t.Cleanup(m.Close)
	return m
}

func TestConnectToProjectSendsJoin(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))

	joins := srv.WaitFor(protocol.TypeJoinProject, 1, 2*time.Second)
	require.Len(t, joins, 1)
	assert.Equal(t, "p1", joins[0].String("project_id"))
}

func TestConnectToProjectIdempotent(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, srv.Received(protocol.TypeJoinProject), 1, "repeat connects must not rejoin")
	assert.Equal(t, 1, srv.UpgradeCount())
}

func TestSwitchProjectLeavesPrevious(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{Cooldown: time.Millisecond})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	require.NoError(t, m.ConnectToProject(context.Background(), "p2"))

	leaves := srv.WaitFor(protocol.TypeLeaveProject, 1, 2*time.Second)
	require.Len(t, leaves, 1)
	assert.Equal(t, "p1", leaves[0].String("project_id"))

	joins := srv.WaitFor(protocol.TypeJoinProject, 2, 2*time.Second)
	require.Len(t, joins, 2)
	assert.Equal(t, "p2", joins[1].String("project_id"))
}

func TestBroadcastReachesAllBundles(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	var a, b atomic.Int32
	m.RegisterHandlers("list-view", &HandlerBundle{
		OnTaskCreated: func(task map[string]any) { a.Add(1) },
	})
	m.RegisterHandlers("board-view", &HandlerBundle{
		OnTaskCreated: func(task map[string]any) { b.Add(1) },
	})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	srv.Broadcast(t, protocol.NewMessage(protocol.TypeTaskCreated, map[string]any{"task_id": "t1"}))

	assert.Eventually(t, func() bool {
		return a.Load() == 1 && b.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "every bundle sees every event")
}

func TestRegisterHandlersMergesFieldByField(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	var created, updated atomic.Int32
	m.RegisterHandlers("view", &HandlerBundle{
		OnTaskCreated: func(task map[string]any) { created.Add(1) },
	})
	// Later registration augments, not replaces.
	m.RegisterHandlers("view", &HandlerBundle{
		OnTaskUpdated: func(task map[string]any) { updated.Add(1) },
	})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	srv.Broadcast(t, protocol.NewMessage(protocol.TypeTaskCreated, map[string]any{"task_id": "t1"}))
	srv.Broadcast(t, protocol.NewMessage(protocol.TypeTaskUpdated, map[string]any{"task_id": "t1", "title": "x"}))

	assert.Eventually(t, func() bool {
		return created.Load() == 1 && updated.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitialTasksSnapshot(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	var mu sync.Mutex
	var got []any
	m.RegisterHandlers("view", &HandlerBundle{
		OnInitialTasks: func(tasks []any) {
			mu.Lock()
			got = tasks
			mu.Unlock()
		},
	})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	srv.Broadcast(t, protocol.NewMessage(protocol.TypeInitialTasks, map[string]any{
		"tasks": []any{map[string]any{"id": "t1"}, map[string]any{"id": "t2"}},
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGracePeriodSurvivesRemount(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{GracePeriod: 150 * time.Millisecond})

	m.RegisterHandlers("view", &HandlerBundle{})
	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))

	// Unmount then remount within the grace period.
	m.UnregisterHandlers("view")
	time.Sleep(50 * time.Millisecond)
	m.RegisterHandlers("view", &HandlerBundle{})

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, srv.Received(protocol.TypeLeaveProject), "remote subscription must stay intact")
	assert.Len(t, srv.Received(protocol.TypeJoinProject), 1, "no duplicate join")
}

func TestGracePeriodExpiryTearsDown(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{GracePeriod: 100 * time.Millisecond})

	m.RegisterHandlers("view", &HandlerBundle{})
	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))

	m.UnregisterHandlers("view")

	leaves := srv.WaitFor(protocol.TypeLeaveProject, 1, 2*time.Second)
	require.Len(t, leaves, 1)
	assert.Equal(t, "p1", leaves[0].String("project_id"))
}

func TestConnectionStateInitialTransitions(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	var mu sync.Mutex
	var states []conn.State
	m.RegisterHandlers("view", &HandlerBundle{
		OnConnectionStateChanged: func(s conn.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, 2*time.Second, 10*time.Millisecond, "bundles see the connect handshake, not just drops")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, conn.StateConnecting, states[0])
	assert.Equal(t, conn.StateConnected, states[1])
}

func TestConnectionStateBroadcast(t *testing.T) {
	srv := testserver.New(t)
	m := newManager(t, srv, Options{})

	var mu sync.Mutex
	var states []conn.State
	m.RegisterHandlers("view", &HandlerBundle{
		OnConnectionStateChanged: func(s conn.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	require.NoError(t, m.ConnectToProject(context.Background(), "p1"))
	srv.DropClients()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == conn.StateReconnecting {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "bundles observe connection transitions")
}
