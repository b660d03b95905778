package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/logging"
	"agentrelay/internal/mapstore"
	"agentrelay/internal/tmux"
)

func handleSessions(args []string) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list", "ls":
		runSessionsList()
	case "kill", "rm":
		runSessionsKill(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown sessions command: %s\n", sub)
		fmt.Fprintln(os.Stderr, "Usage: agentrelay sessions [list|kill <thread-id>]")
		os.Exit(1)
	}
}

func openStore(dataDir string, cfg *config.Config) *mapstore.Store {
	workDir := cfg.DefaultWorkDir
	if workDir == "" {
		workDir, _ = os.UserHomeDir()
	}
	return mapstore.New(mapstore.DefaultPath(dataDir), mapstore.TmuxTerminals{}, workDir)
}

func runSessionsList() {
	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
	defer logging.Shutdown()

	store := openStore(dataDir, cfg)
	all := store.All()
	if len(all) == 0 {
		fmt.Println("No thread sessions.")
		return
	}

	threads := make([]string, 0, len(all))
	for id := range all {
		threads = append(threads, id)
	}
	sort.Strings(threads)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSESSION\tWORKDIR\tAGE\tLIVE")
	for _, id := range threads {
		m := all[id]
		live := "no"
		if tmux.SessionExists(m.SessionName) {
			live = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, m.SessionName, m.WorkingDir,
			time.Since(m.CreatedAt).Round(time.Minute), live)
	}
	_ = w.Flush()
}

func runSessionsKill(args []string) {
	fs := flag.NewFlagSet("sessions kill", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay sessions kill <thread-id>")
		os.Exit(1)
	}
	threadID := fs.Arg(0)

	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
	defer logging.Shutdown()

	store := openStore(dataDir, cfg)
	if store.Get(threadID) == nil {
		fmt.Fprintf(os.Stderr, "No mapping for thread %q\n", threadID)
		os.Exit(1)
	}
	if err := store.RemoveAndKill(threadID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed session for thread %s\n", threadID)
}
