package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/mapstore"
	"agentrelay/internal/monitor"
	"agentrelay/internal/notify"
	"agentrelay/internal/tmux"
)

const idleFrame = `╭──────────────────────────╮
│ > ────────────────────── │
╰──────────────────────────╯
  ? for shortcuts`

const answeredFrame = `> what changed?

● Here is the answer.

╭──────────────────────────╮
│ > ────────────────────── │
╰──────────────────────────╯
  ? for shortcuts`

// fakeTerminals satisfies mapstore.Terminals without a tmux server.
type fakeTerminals struct {
	mu       sync.Mutex
	live     map[string]bool
	failNext bool
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{live: make(map[string]bool)}
}

func (f *fakeTerminals) SessionExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name]
}

func (f *fakeTerminals) CreateSession(name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("tmux new-session failed")
	}
	f.live[name] = true
	return nil
}

func (f *fakeTerminals) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

// fakeTerminal scripts pane content frame by frame and records prompts.
type fakeTerminal struct {
	mu      sync.Mutex
	frames  []string
	idx     int
	prompts []string
	sendErr error
}

func (f *fakeTerminal) Capture(_ int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return ""
	}
	frame := f.frames[f.idx]
	if f.idx < len(f.frames)-1 {
		f.idx++
	}
	return frame
}

func (f *fakeTerminal) CaptureFullHistory() (string, error) {
	return f.Capture(0), nil
}

func (f *fakeTerminal) Exists() bool { return true }

func (f *fakeTerminal) Start(string) error { return nil }

func (f *fakeTerminal) WaitForReady(*tmux.IdleDetector, time.Duration) bool { return true }

func (f *fakeTerminal) SendPrompt(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.prompts = append(f.prompts, text)
	return nil
}

// captureChannel records everything the dispatcher sends it.
type captureChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureChannel) wait(t *testing.T, n int) []notify.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := append([]notify.Notification(nil), c.sent...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notification(s)", n)
	return nil
}

type testBridge struct {
	bridge    *Bridge
	store     *mapstore.Store
	terminals *fakeTerminals
	registry  *monitor.Registry
	channel   *captureChannel
	byName    map[string]*fakeTerminal
	mu        sync.Mutex
}

func newTestBridge(t *testing.T, frames []string) *testBridge {
	t.Helper()

	tb := &testBridge{
		terminals: newFakeTerminals(),
		channel:   &captureChannel{},
		byName:    make(map[string]*fakeTerminal),
	}
	tb.store = mapstore.New(filepath.Join(t.TempDir(), "mappings.json"), tb.terminals, "/work/demo")
	tb.registry = monitor.NewRegistry(monitor.Options{
		PollInterval:     5 * time.Millisecond,
		StabilizeTimeout: 50 * time.Millisecond,
		StartupGrace:     time.Millisecond,
	})
	t.Cleanup(tb.registry.StopAll)

	dispatcher := notify.NewDispatcher([]notify.Channel{tb.channel}, false)

	tb.bridge = New(tb.store, tb.registry, dispatcher, Options{
		AssistantCommand: "claude",
		ReadyTimeout:     50 * time.Millisecond,
		NewTerminal: func(name, _ string) Terminal {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			term, ok := tb.byName[name]
			if !ok {
				term = &fakeTerminal{frames: frames}
				tb.byName[name] = term
			}
			return term
		},
	})
	return tb
}

func (tb *testBridge) terminal(name string) *fakeTerminal {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.byName[name]
}

func completionFrames() []string {
	return []string{
		idleFrame, // assistant prompt up: starting → working
		"● Thinking...",
		"● Writing the answer",
		answeredFrame, // idle again after output: completed
	}
}

func TestHandleInboundNewThreadFullCycle(t *testing.T) {
	tb := newTestBridge(t, completionFrames())

	res, err := tb.bridge.HandleInbound(context.Background(), "C123:1700000000.1", "what changed?")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !res.IsNew {
		t.Error("first inbound for a thread should create the session")
	}
	if !strings.HasPrefix(res.SessionName, tmux.SessionPrefix) {
		t.Errorf("session name %q missing prefix", res.SessionName)
	}

	term := tb.terminal(res.SessionName)
	term.mu.Lock()
	prompts := append([]string(nil), term.prompts...)
	term.mu.Unlock()
	if len(prompts) != 2 || prompts[0] != "claude" || prompts[1] != "what changed?" {
		t.Fatalf("unexpected prompt sequence: %v", prompts)
	}

	sent := tb.channel.wait(t, 1)
	n := sent[0]
	if n.Type != notify.TypeCompleted {
		t.Fatalf("expected completed notification, got %s", n.Type)
	}
	if n.Meta.TmuxSession != res.SessionName {
		t.Errorf("notification session = %q, want %q", n.Meta.TmuxSession, res.SessionName)
	}
	if n.Project != "demo" {
		t.Errorf("project = %q, want workdir base", n.Project)
	}
	if !strings.Contains(n.Meta.AssistantResponse, "Here is the answer.") {
		t.Errorf("response not extracted: %q", n.Meta.AssistantResponse)
	}
}

func TestHandleInboundSecondMessageReusesSession(t *testing.T) {
	tb := newTestBridge(t, completionFrames())
	ctx := context.Background()

	first, err := tb.bridge.HandleInbound(ctx, "C123:42.0", "first question")
	if err != nil {
		t.Fatalf("first HandleInbound: %v", err)
	}
	tb.channel.wait(t, 1)

	second, err := tb.bridge.HandleInbound(ctx, "C123:42.0", "follow-up")
	if err != nil {
		t.Fatalf("second HandleInbound: %v", err)
	}
	if second.IsNew {
		t.Error("second inbound should reuse the session")
	}
	if second.SessionName != first.SessionName {
		t.Errorf("session changed across messages: %q vs %q", first.SessionName, second.SessionName)
	}

	// The assistant is launched once; only the follow-up prompt is added.
	term := tb.terminal(first.SessionName)
	term.mu.Lock()
	defer term.mu.Unlock()
	launches := 0
	for _, p := range term.prompts {
		if p == "claude" {
			launches++
		}
	}
	if launches != 1 {
		t.Errorf("assistant launched %d times, want 1", launches)
	}
	if term.prompts[len(term.prompts)-1] != "follow-up" {
		t.Errorf("follow-up prompt not delivered: %v", term.prompts)
	}
}

func TestHandleInboundEmptyPrompt(t *testing.T) {
	tb := newTestBridge(t, completionFrames())
	_, err := tb.bridge.HandleInbound(context.Background(), "C1:1.0", "  \n  ")
	if !errors.Is(err, ErrInjection) {
		t.Fatalf("expected ErrInjection, got %v", err)
	}
}

func TestHandleInboundSessionCreateFailure(t *testing.T) {
	tb := newTestBridge(t, completionFrames())
	tb.terminals.failNext = true

	_, err := tb.bridge.HandleInbound(context.Background(), "C1:1.0", "hello")
	if !errors.Is(err, ErrSessionCreate) {
		t.Fatalf("expected ErrSessionCreate, got %v", err)
	}
	if tb.store.Len() != 0 {
		t.Error("failed creation should not leave a mapping behind")
	}
}

func TestHandleInboundInjectionFailureDropsFreshMapping(t *testing.T) {
	tb := newTestBridge(t, completionFrames())

	// Pre-seed the terminal with a send failure before the bridge uses it.
	tb.bridge.opts.NewTerminal = func(name, _ string) Terminal {
		return &fakeTerminal{sendErr: errors.New("no such pane")}
	}

	_, err := tb.bridge.HandleInbound(context.Background(), "C1:1.0", "hello")
	if !errors.Is(err, ErrInjection) {
		t.Fatalf("expected ErrInjection, got %v", err)
	}
	if m := tb.store.Get("C1:1.0"); m != nil {
		t.Errorf("mapping for failed launch should be purged, got %+v", m)
	}
}

func TestCleanupStopsMonitoringAndRemovesMapping(t *testing.T) {
	tb := newTestBridge(t, completionFrames())
	ctx := context.Background()

	res, err := tb.bridge.HandleInbound(ctx, "C9:9.0", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	tb.channel.wait(t, 1)

	if err := tb.bridge.Cleanup("C9:9.0"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if tb.store.Get("C9:9.0") != nil {
		t.Error("mapping survived cleanup")
	}
	if len(tb.registry.Monitored()) != 0 {
		t.Error("monitor survived cleanup")
	}
	if tb.terminals.SessionExists(res.SessionName) {
		t.Error("tmux session survived cleanup")
	}
}
