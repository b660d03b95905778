package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"agentrelay/internal/bridge"
	"agentrelay/internal/config"
	"agentrelay/internal/logging"
	"agentrelay/internal/mapstore"
	"agentrelay/internal/monitor"
	"agentrelay/internal/notify"
	"agentrelay/internal/relayqueue"
	"agentrelay/internal/statedb"
	"agentrelay/internal/tmux"
	"agentrelay/internal/web"
)

// statedb retention for transitions and delivery records.
const eventRetention = 30 * 24 * time.Hour

// serveSink records transitions to the event database and mirrors them
// onto the websocket stream.
type serveSink struct {
	db  *statedb.StateDB
	hub *web.Hub
}

func (s *serveSink) RecordTransition(sessionName, from, to string, at time.Time) {
	if s.db != nil {
		s.db.RecordTransition(sessionName, from, to, at)
	}
	if s.hub != nil {
		s.hub.Publish(web.StreamEvent{
			Type:        "transition",
			SessionName: sessionName,
			State:       to,
			Time:        at,
		})
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "listen address (overrides config)")
	_ = fs.Parse(args)

	requireTmux()
	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
	defer logging.Shutdown()
	log := logging.Logger()

	db, err := statedb.Open(statedb.DefaultPath(dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open event database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: migrate event database: %v\n", err)
		os.Exit(1)
	}

	workDir := cfg.DefaultWorkDir
	if workDir == "" {
		workDir, _ = os.UserHomeDir()
	}
	store := mapstore.New(mapstore.DefaultPath(dataDir), mapstore.TmuxTerminals{}, workDir)

	// Reload the in-memory view when another process (CLI invocation)
	// rewrites the mapping file. Best effort; a failed watcher only means
	// outside edits are picked up at the next restart.
	watcher, err := mapstore.NewFileWatcher(store)
	if err != nil {
		log.Warn("mapping_watcher_disabled", slog.String("error", err.Error()))
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	detector := tmux.NewIdleDetector(cfg.Monitor.IdlePattern)

	dispatcher := notify.FromConfig(cfg, notify.WithRecorder(db))
	pushStore := notify.NewSubscriptionStore(filepath.Join(dataDir, notify.SubscriptionsFileName))
	if cfg.Channels.Push.Enabled {
		if ch := notify.NewPushChannel(pushStore, cfg.Web.PushVAPIDSubject, cfg.Web.PushVAPIDPublicKey, cfg.Web.PushVAPIDPrivateKey); ch != nil {
			dispatcher.AddChannel(ch)
		} else {
			log.Warn("push_channel_disabled_missing_vapid_keys")
		}
	}

	addr := cfg.Web.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}
	server := web.NewServer(web.Config{
		ListenAddr:      addr,
		Token:           cfg.Web.Token,
		RateLimitPerMin: cfg.Web.RateLimitPerMin,
		Events:          db,
		PushStore:       pushStore,
		PushPublicKey:   cfg.Web.PushVAPIDPublicKey,
	})

	registry := monitor.NewRegistry(monitor.Options{
		PollInterval:     time.Duration(cfg.Monitor.PollIntervalSecs) * time.Second,
		StabilizeTimeout: time.Duration(cfg.Monitor.StabilizeTimeoutSecs) * time.Second,
		StartupGrace:     time.Duration(cfg.Monitor.StartupGraceSecs) * time.Second,
		Detector:         detector,
		Sink:             &serveSink{db: db, hub: server.Hub()},
	})
	defer registry.StopAll()

	core := bridge.New(store, registry, dispatcher, bridge.Options{
		AssistantCommand: cfg.AssistantCommand,
		ReadyTimeout:     time.Duration(cfg.Monitor.ReadyTimeoutSecs) * time.Second,
		Detector:         detector,
	})
	server.SetInbound(core)

	stop := make(chan struct{})
	startJanitors(cfg, dataDir, store, db, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting_down", slog.String("signal", sig.String()))
		close(stop)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("shutdown_failed", slog.String("error", err.Error()))
			_ = logging.DumpRingBuffer(filepath.Join(dataDir, "crash.log"))
		}
	}()

	fmt.Printf("agentrelay v%s listening on %s\n", Version, addr)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startJanitors runs the periodic maintenance loops: mapping idle
// eviction, queue pruning, and event retention.
func startJanitors(cfg *config.Config, dataDir string, store *mapstore.Store, db *statedb.StateDB, stop <-chan struct{}) {
	interval := time.Duration(cfg.Cleanup.IntervalHours) * time.Hour
	maxAge := time.Duration(cfg.Cleanup.IdleMaxAgeHours) * time.Hour
	store.StartJanitor(interval, maxAge, stop)

	queueMaxAge := time.Duration(cfg.Cleanup.QueueMaxAgeHours) * time.Hour
	log := logging.Logger()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			pruneQueueAndEvents(dataDir, db, queueMaxAge, log)
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func pruneQueueAndEvents(dataDir string, db *statedb.StateDB, queueMaxAge time.Duration, log *slog.Logger) {
	q := relayqueue.Open(relayqueue.DefaultPath(dataDir))
	if n := q.Prune(queueMaxAge); n > 0 {
		log.Info("queue_pruned", slog.Int("removed", n))
	}

	if err := db.PruneBefore(time.Now().Add(-eventRetention)); err != nil {
		log.Warn("event_prune_failed", slog.String("error", err.Error()))
	}
}
