// Command synctap is a diagnostic client: it joins a project's task room
// and/or tails a progress stream, printing every event it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/syncd/internal/config"
	"github.com/taskforge/syncd/internal/conn"
	"github.com/taskforge/syncd/internal/progress"
	"github.com/taskforge/syncd/internal/protocol"
	"github.com/taskforge/syncd/internal/room"
	"github.com/taskforge/syncd/internal/store"
)

func main() {
	projectID := flag.String("project", "", "project id to join")
	progressID := flag.String("progress", "", "progress stream id to tail")
	flag.Parse()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	if *projectID == "" && *progressID == "" {
		fmt.Fprintln(os.Stderr, "usage: synctap -project <id> | -progress <id>")
		os.Exit(2)
	}

	st, err := store.NewBolt(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	connOpts := conn.Options{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rooms *room.Manager
	if *projectID != "" {
		rooms = room.New(logger, conn.New(logger, connOpts), cfg.TaskSyncURL, room.Options{})
		rooms.RegisterHandlers("synctap", &room.HandlerBundle{
			OnTaskCreated:  printEvent("task created"),
			OnTaskUpdated:  printEvent("task updated"),
			OnTaskDeleted:  printEvent("task deleted"),
			OnTaskArchived: printEvent("task archived"),
			OnInitialTasks: func(tasks []any) {
				fmt.Printf("initial snapshot: %d tasks\n", len(tasks))
			},
			OnConnectionStateChanged: func(state conn.State) {
				fmt.Printf("connection: %s\n", state)
			},
		})
		if err := rooms.ConnectToProject(ctx, *projectID); err != nil {
			logger.Error("failed to join project", "project_id", *projectID, "error", err)
			os.Exit(1)
		}
		defer rooms.Close()
	}

	if *progressID != "" {
		cm := conn.New(logger, connOpts)
		coord := progress.New(logger, cm, st, cfg.ProgressURL, func(snap progress.Snapshot) {
			fmt.Printf("stale stream %s (last update %s)\n", snap.ProgressID, snap.LastUpdated)
		}, progress.Options{})

		onMessage := func(msg *protocol.Message) {
			fmt.Printf("%s: %v\n", msg.Type, msg.Data)
		}
		if err := coord.ResumeActiveStreams(ctx, onMessage); err != nil {
			logger.Warn("resume failed", "error", err)
		}
		if err := coord.StreamProgress(ctx, *progressID, onMessage); err != nil {
			logger.Error("failed to stream progress", "progress_id", *progressID, "error", err)
			os.Exit(1)
		}
		defer cm.Disconnect()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
}

func printEvent(label string) func(map[string]any) {
	return func(data map[string]any) {
		fmt.Printf("%s: %v\n", label, data)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
