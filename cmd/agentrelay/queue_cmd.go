package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/relayqueue"
)

func handleQueue(args []string) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
	defer logging.Shutdown()
	queue := relayqueue.Open(relayqueue.DefaultPath(dataDir))

	switch sub {
	case "list", "ls":
		printQueue(queue.List())
	case "pending":
		printQueue(queue.Pending())
	case "add":
		command := strings.TrimSpace(strings.Join(args, " "))
		if command == "" {
			fmt.Fprintln(os.Stderr, "Usage: agentrelay queue add <command text>")
			os.Exit(1)
		}
		entry, err := queue.Enqueue(command)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Queued %s\n", entry.ID)
	case "cancel":
		fs := flag.NewFlagSet("queue cancel", flag.ExitOnError)
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: agentrelay queue cancel <id>")
			os.Exit(1)
		}
		if err := queue.SetStatus(fs.Arg(0), relayqueue.StatusCancelled); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Cancelled %s\n", fs.Arg(0))
	case "prune":
		n := queue.Prune(time.Duration(cfg.Cleanup.QueueMaxAgeHours) * time.Hour)
		fmt.Printf("Pruned %d entr(ies).\n", n)
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue command: %s\n", sub)
		fmt.Fprintln(os.Stderr, "Usage: agentrelay queue [list|pending|add <text>|cancel <id>|prune]")
		os.Exit(1)
	}
}

func printQueue(entries []relayqueue.Entry) {
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tQUEUED\tCOMMAND")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.ID, e.Status,
			e.QueuedAt.Local().Format("2006-01-02 15:04"),
			truncateCommand(e.Command, 60))
	}
	_ = w.Flush()
}

func truncateCommand(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
