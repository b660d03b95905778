package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type fakeChannel struct {
	name string
	err  error

	mu    sync.Mutex
	sent  []Notification
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, n)
	return f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeRecorder) RecordDelivery(session, channel, notifType string, ok bool, errText string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "ok"
	if !ok {
		state = "fail"
	}
	f.entries = append(f.entries, channel+":"+notifType+":"+state)
	return nil
}

func completedNotification(session string) Notification {
	return Notification{
		Type:    TypeCompleted,
		Project: "demo",
		Meta: Meta{
			UserQuestion:      "what changed?",
			AssistantResponse: "updated the parser",
			TmuxSession:       session,
		},
	}
}

func TestNotifyAllChannelsSucceed(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	d := NewDispatcher([]Channel{a, b}, false)

	res := d.Notify(context.Background(), completedNotification("relay_x"))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.PerChannel) != 2 {
		t.Fatalf("expected 2 channel results, got %d", len(res.PerChannel))
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("expected one call per channel, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestNotifyOneChannelFailsOthersProceed(t *testing.T) {
	broken := &fakeChannel{name: "broken", err: errors.New("gateway down")}
	healthy := &fakeChannel{name: "healthy"}
	d := NewDispatcher([]Channel{broken, healthy}, false)

	res := d.Notify(context.Background(), completedNotification("relay_x"))
	if res.Success {
		t.Fatal("expected overall failure")
	}
	if healthy.calls != 1 {
		t.Errorf("healthy channel not invoked despite sibling failure")
	}

	byName := map[string]ChannelResult{}
	for _, r := range res.PerChannel {
		byName[r.Channel] = r
	}
	if byName["broken"].OK || byName["broken"].Err == nil {
		t.Errorf("broken channel result should carry its error: %+v", byName["broken"])
	}
	if !byName["healthy"].OK {
		t.Errorf("healthy channel should be ok: %+v", byName["healthy"])
	}
}

func TestNotifyRecordsDeliveries(t *testing.T) {
	rec := &fakeRecorder{}
	broken := &fakeChannel{name: "slack", err: errors.New("500")}
	d := NewDispatcher([]Channel{broken}, false, WithRecorder(rec))

	d.Notify(context.Background(), completedNotification("relay_x"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 1 || rec.entries[0] != "slack:completed:fail" {
		t.Fatalf("unexpected delivery records: %v", rec.entries)
	}
}

func TestWaitingSuppressedBySubagentActivity(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	d := NewDispatcher([]Channel{ch}, false)
	d.Tracker().Record("relay_x", "spawned helper task")

	res := d.Notify(context.Background(), Notification{
		Type: TypeWaiting,
		Meta: Meta{TmuxSession: "relay_x"},
	})
	if !res.Suppressed {
		t.Fatal("expected waiting notification to be suppressed")
	}
	if ch.calls != 0 {
		t.Errorf("channel invoked for suppressed event")
	}

	// A different session's waiting event still goes out.
	res = d.Notify(context.Background(), Notification{
		Type: TypeWaiting,
		Meta: Meta{TmuxSession: "relay_y"},
	})
	if res.Suppressed || ch.calls != 1 {
		t.Errorf("unrelated session should not be suppressed: %+v calls=%d", res, ch.calls)
	}
}

func TestWaitingNotSuppressedWhenEnabled(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	d := NewDispatcher([]Channel{ch}, true)
	d.Tracker().Record("relay_x", "spawned helper task")

	res := d.Notify(context.Background(), Notification{
		Type: TypeWaiting,
		Meta: Meta{TmuxSession: "relay_x"},
	})
	if res.Suppressed || ch.calls != 1 {
		t.Fatalf("notify_subagents should disable suppression: %+v", res)
	}
}

func TestCompletedFoldsSubagentActivityThenClears(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	d := NewDispatcher([]Channel{ch}, false)
	d.Tracker().Record("relay_x", "helper step one")
	d.Tracker().Record("relay_x", "helper step two")

	d.Notify(context.Background(), completedNotification("relay_x"))

	if len(ch.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(ch.sent))
	}
	msg := ch.sent[0].Message
	if !strings.Contains(msg, "helper step one") || !strings.Contains(msg, "helper step two") {
		t.Errorf("buffered activity not folded into completed message: %q", msg)
	}

	// Buffer is cleared: the next completed carries nothing extra.
	d.Notify(context.Background(), completedNotification("relay_x"))
	if strings.Contains(ch.sent[1].Message, "helper step") {
		t.Errorf("activity buffer not cleared: %q", ch.sent[1].Message)
	}
}

func TestNotifyNoChannelsIsSuccess(t *testing.T) {
	d := NewDispatcher(nil, false)
	res := d.Notify(context.Background(), completedNotification("relay_x"))
	if !res.Success || res.Suppressed {
		t.Fatalf("empty dispatcher should succeed silently: %+v", res)
	}
}

func TestRenderText(t *testing.T) {
	got := renderText(completedNotification("relay_x"))
	for _, want := range []string{"[demo] task completed", "what changed?", "updated the parser"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered text missing %q:\n%s", want, got)
		}
	}

	waiting := renderText(Notification{Type: TypeWaiting, Project: "demo"})
	if !strings.Contains(waiting, "waiting for input") {
		t.Errorf("waiting render wrong: %s", waiting)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Errorf("short string mangled: %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate(50, 10) = %q", got)
	}
}

func TestTruncateMultibyteBoundary(t *testing.T) {
	// A cut landing mid-rune must back off to the previous boundary
	// instead of emitting invalid UTF-8.
	s := strings.Repeat("ü", 50) // 2 bytes per rune
	for max := 5; max <= 12; max++ {
		got := truncate(s, max)
		if !utf8.ValidString(got) {
			t.Errorf("truncate(max=%d) produced invalid UTF-8: %q", max, got)
		}
		if len(got) > max {
			t.Errorf("truncate(max=%d) returned %d bytes", max, len(got))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("truncate(max=%d) lost the ellipsis: %q", max, got)
		}
	}
}
