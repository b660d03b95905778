package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"agentrelay/internal/config"
	"agentrelay/internal/logging"
)

const Version = "0.4.0"

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("agentrelay v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve":
			handleServe(args[1:])
			return
		case "send":
			handleSend(args[1:])
			return
		case "sessions":
			handleSessions(args[1:])
			return
		case "cleanup":
			handleCleanup(args[1:])
			return
		case "queue":
			handleQueue(args[1:])
			return
		case "events":
			handleEvents(args[1:])
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
			printHelp()
			os.Exit(1)
		}
	}

	printHelp()
}

func printHelp() {
	fmt.Println(`agentrelay - relay external conversations into terminal AI sessions

Usage:
  agentrelay serve                      Run the webhook daemon
  agentrelay send -thread <id> <text>   Relay one prompt and wait for the answer
  agentrelay sessions [list|kill <id>]  Inspect or remove thread sessions
  agentrelay queue [list|add|cancel|prune]
                                        Manage the relay command queue
  agentrelay events [-limit 20]         Show recent transitions and deliveries
  agentrelay cleanup                    Purge stale and idle sessions
  agentrelay version                    Print version

Configuration lives in ~/.agentrelay/config.toml (override the directory
with AGENTRELAY_DIR).`)
}

// mustDataDir resolves the agentrelay directory or exits.
func mustDataDir() string {
	dir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot resolve data directory: %v\n", err)
		os.Exit(1)
	}
	return dir
}

// loadConfigAndLogging loads config and brings up logging. A malformed
// config file warns and continues on defaults.
func loadConfigAndLogging(dataDir string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (continuing with defaults)\n", err)
	}
	logging.Init(logging.Config{
		LogDir:     filepath.Join(dataDir, "logs"),
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.Backups,
		MaxAgeDays: cfg.Logs.AgeDays,
		Compress:   cfg.Logs.Compress,
	})
	return cfg
}

// requireTmux exits when tmux is not installed.
func requireTmux() {
	if _, err := exec.LookPath("tmux"); err != nil {
		fmt.Fprintln(os.Stderr, "Error: tmux not found in PATH")
		fmt.Fprintln(os.Stderr, "\nagentrelay drives terminal sessions through tmux. Install it first:")
		fmt.Fprintln(os.Stderr, "  apt install tmux   # or: brew install tmux")
		os.Exit(1)
	}
}
