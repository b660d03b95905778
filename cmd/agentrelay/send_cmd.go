package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"agentrelay/internal/bridge"
	"agentrelay/internal/logging"
	"agentrelay/internal/mapstore"
	"agentrelay/internal/monitor"
	"agentrelay/internal/notify"
	"agentrelay/internal/relayqueue"
	"agentrelay/internal/statedb"
	"agentrelay/internal/tmux"
)

// printChannel writes the assistant's answer to stdout so one-shot sends
// behave like a synchronous command.
type printChannel struct {
	out io.Writer
}

func (c *printChannel) Name() string { return "stdout" }

func (c *printChannel) Send(_ context.Context, n notify.Notification) error {
	switch n.Type {
	case notify.TypeCompleted:
		if n.Meta.AssistantResponse != "" {
			fmt.Fprintln(c.out, n.Meta.AssistantResponse)
		} else {
			fmt.Fprintln(c.out, "(task completed with no extractable response)")
		}
	case notify.TypeWaiting:
		fmt.Fprintln(c.out, "(the assistant is waiting for more input)")
	}
	return nil
}

func handleSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	thread := fs.String("thread", "", "external thread identifier (required)")
	timeout := fs.Duration("timeout", 5*time.Minute, "how long to wait for the answer")
	noWait := fs.Bool("no-wait", false, "inject the prompt and return immediately")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: agentrelay send -thread <id> [-timeout 5m] [-no-wait] <text>")
		fmt.Fprintln(os.Stderr, "Reads the prompt from stdin when no text argument is given.")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	text, err := promptFromArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *thread == "" {
		fs.Usage()
		os.Exit(1)
	}

	requireTmux()
	dataDir := mustDataDir()
	cfg := loadConfigAndLogging(dataDir)
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

	workDir := cfg.DefaultWorkDir
	if workDir == "" {
		workDir, _ = os.UserHomeDir()
	}
	store := mapstore.New(mapstore.DefaultPath(dataDir), mapstore.TmuxTerminals{}, workDir)
	detector := tmux.NewIdleDetector(cfg.Monitor.IdlePattern)

	dispatcher := notify.FromConfig(cfg, notify.WithRecorder(db))
	if !*noWait {
		dispatcher.AddChannel(&printChannel{out: os.Stdout})
	}

	registry := monitor.NewRegistry(monitor.Options{
		PollInterval:     time.Duration(cfg.Monitor.PollIntervalSecs) * time.Second,
		StabilizeTimeout: time.Duration(cfg.Monitor.StabilizeTimeoutSecs) * time.Second,
		StartupGrace:     time.Duration(cfg.Monitor.StartupGraceSecs) * time.Second,
		Detector:         detector,
		Sink:             db,
	})
	defer registry.StopAll()

	core := bridge.New(store, registry, dispatcher, bridge.Options{
		AssistantCommand: cfg.AssistantCommand,
		ReadyTimeout:     time.Duration(cfg.Monitor.ReadyTimeoutSecs) * time.Second,
		Detector:         detector,
	})

	// Every relayed command goes through the queue so its lifecycle is
	// auditable even for one-shot sends.
	queue := relayqueue.Open(relayqueue.DefaultPath(dataDir))
	entry, err := queue.Enqueue(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: queue append failed: %v\n", err)
	} else {
		_ = queue.SetStatus(entry.ID, relayqueue.StatusExecuting)
	}

	res, err := core.HandleInbound(context.Background(), *thread, text)
	if err != nil {
		finishQueueEntry(queue, entry.ID, relayqueue.StatusFailed)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "session %s (new=%v)\n", res.SessionName, res.IsNew)

	if *noWait {
		finishQueueEntry(queue, entry.ID, relayqueue.StatusCompleted)
		return
	}

	if waitForTerminalState(registry, res.SessionName, *timeout) {
		finishQueueEntry(queue, entry.ID, relayqueue.StatusCompleted)
		return
	}
	finishQueueEntry(queue, entry.ID, relayqueue.StatusFailed)
	fmt.Fprintf(os.Stderr, "Error: no answer within %s (the session keeps running; check back with 'agentrelay sessions')\n", *timeout)
	os.Exit(1)
}

func promptFromArgs(args []string) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text != "" && text != "-" {
		return text, nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	text = strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return text, nil
}

// waitForTerminalState polls until the session's task cycle ends.
// Returns false on timeout.
func waitForTerminalState(registry *monitor.Registry, sessionName string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, ok := registry.State(sessionName)
		if !ok {
			return false
		}
		if state == monitor.StateCompleted || state == monitor.StateWaiting {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

func finishQueueEntry(queue *relayqueue.Queue, id, status string) {
	if id == "" {
		return
	}
	_ = queue.SetStatus(id, status)
}
