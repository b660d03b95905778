package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/relayqueue"
	"agentrelay/internal/statedb"
)

func handleCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	maxAgeHours := fs.Int("max-age-hours", 0, "idle eviction age (defaults to config)")
	_ = fs.Parse(args)

	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
	defer logging.Shutdown()

	store := openStore(dataDir, cfg)

	stale := store.CleanupStale()

	hours := cfg.Cleanup.IdleMaxAgeHours
	if *maxAgeHours > 0 {
		hours = *maxAgeHours
	}
	idle := store.CleanupIdle(time.Duration(hours) * time.Hour)

	queue := relayqueue.Open(relayqueue.DefaultPath(dataDir))
	pruned := queue.Prune(time.Duration(cfg.Cleanup.QueueMaxAgeHours) * time.Hour)

	eventsPruned := false
	if db, err := statedb.Open(statedb.DefaultPath(dataDir)); err == nil {
		if err := db.Migrate(); err == nil {
			if err := db.PruneBefore(time.Now().Add(-eventRetention)); err == nil {
				eventsPruned = true
			}
		}
		_ = db.Close()
	}

	fmt.Printf("Removed %d stale and %d idle session(s); pruned %d queue entr(ies).\n", stale, idle, pruned)
	if !eventsPruned {
		fmt.Fprintln(os.Stderr, "Warning: event history was not pruned")
	}
}
