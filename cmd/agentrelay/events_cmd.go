package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"agentrelay/internal/logging"
	"agentrelay/internal/statedb"
)

func handleEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of rows per table")
	_ = fs.Parse(args)

	dataDir := mustDataDir()
	_ = loadConfigAndLogging(dataDir)
	defer logging.Shutdown()

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

	transitions, err := db.RecentTransitions(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	deliveries, err := db.RecentDeliveries(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(transitions) == 0 && len(deliveries) == 0 {
		fmt.Println("No recorded events.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	if len(transitions) > 0 {
		fmt.Fprintln(w, "TIME\tSESSION\tTRANSITION")
		for _, t := range transitions {
			fmt.Fprintf(w, "%s\t%s\t%s -> %s\n",
				t.At.Local().Format("2006-01-02 15:04:05"),
				t.SessionName, t.FromState, t.ToState)
		}
	}
	if len(deliveries) > 0 {
		if len(transitions) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "TIME\tSESSION\tCHANNEL\tTYPE\tRESULT")
		for _, d := range deliveries {
			result := "ok"
			if !d.OK {
				result = "failed: " + d.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.At.Local().Format("2006-01-02 15:04:05"),
				d.SessionName, d.Channel, d.Type, result)
		}
	}
	_ = w.Flush()
}
