package conversation

import (
	"strings"
	"testing"
)

const singleTurnBuffer = `Welcome banner text

> what does the mapstore package do

It maps external conversation threads to tmux sessions.

The mapping lives in a flat JSON file.

╭──────────────────────────────────────────╮
│ > ───────────────────────────────────── │
╰──────────────────────────────────────────╯
  ? for shortcuts
`

func TestExtract_SingleTurn(t *testing.T) {
	snap := Extract(singleTurnBuffer)

	if snap.UserQuestion != "what does the mapstore package do" {
		t.Errorf("unexpected question: %q", snap.UserQuestion)
	}
	if !strings.Contains(snap.AssistantResponse, "flat JSON file") {
		t.Errorf("response missing content: %q", snap.AssistantResponse)
	}
	if strings.Contains(snap.AssistantResponse, "╭") || strings.Contains(snap.AssistantResponse, "shortcuts") {
		t.Errorf("chrome leaked into response: %q", snap.AssistantResponse)
	}
	if snap.FullTrace == "" {
		t.Error("expected non-empty trace")
	}
}

func TestExtract_MultiTurnPicksLast(t *testing.T) {
	buffer := `> first question

first answer

> second question

second answer

│ > ── │
`
	snap := Extract(buffer)
	if snap.UserQuestion != "second question" {
		t.Errorf("expected last question, got %q", snap.UserQuestion)
	}
	if strings.Contains(snap.AssistantResponse, "first answer") {
		t.Errorf("response includes earlier turn: %q", snap.AssistantResponse)
	}
	if !strings.Contains(snap.AssistantResponse, "second answer") {
		t.Errorf("response missing: %q", snap.AssistantResponse)
	}
}

func TestExtract_LongMultiParagraphAnswer(t *testing.T) {
	var b strings.Builder
	b.WriteString("> explain everything\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString("paragraph text line\n\n")
	}
	b.WriteString("│ > ───── │\n")

	snap := Extract(b.String())
	if snap.UserQuestion != "explain everything" {
		t.Errorf("unexpected question: %q", snap.UserQuestion)
	}
	if count := strings.Count(snap.AssistantResponse, "paragraph text line"); count != 30 {
		t.Errorf("expected 30 paragraphs, got %d", count)
	}
	// Blank runs collapse to single separators
	if strings.Contains(snap.AssistantResponse, "\n\n\n") {
		t.Error("blank lines not collapsed")
	}
}

func TestExtract_EmptyBuffer(t *testing.T) {
	snap := Extract("")
	if snap.UserQuestion != "" || snap.AssistantResponse != "" || snap.FullTrace != "" {
		t.Errorf("expected zero snapshot, got %+v", snap)
	}
}

func TestExtract_GarbageBuffer(t *testing.T) {
	snap := Extract("║▒▒▒▒║\n╠════╣\nrandom noise without any prompt\n")
	if snap.UserQuestion != "" {
		t.Errorf("expected empty question, got %q", snap.UserQuestion)
	}
	if snap.AssistantResponse != "" {
		t.Errorf("expected empty response, got %q", snap.AssistantResponse)
	}
}

func TestExtract_PromptBoxOnlyIsNotAQuestion(t *testing.T) {
	buffer := `Welcome

╭────────────╮
│ > ──────── │
╰────────────╯
`
	snap := Extract(buffer)
	if snap.UserQuestion != "" {
		t.Errorf("empty prompt box misread as question: %q", snap.UserQuestion)
	}
}

func TestExtract_HintsExcluded(t *testing.T) {
	buffer := "> run the tests\n\nall tests passed\n  ctrl+c to interrupt\n│ > ── │\n"
	snap := Extract(buffer)
	if strings.Contains(snap.AssistantResponse, "interrupt") {
		t.Errorf("hint leaked: %q", snap.AssistantResponse)
	}
}
