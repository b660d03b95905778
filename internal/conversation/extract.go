// Package conversation turns raw terminal capture into structured
// (question, response) pairs. Everything here is heuristic text matching:
// the assistant's terminal UI has no structured output feed, so we lean on
// its prompt marker ("> ") and the box-drawing chrome around its input box.
package conversation

import (
	"strings"
)

// Snapshot is one extracted exchange. It is derived from pane content at a
// point in time and has no identity of its own; callers re-extract rather
// than mutate.
type Snapshot struct {
	UserQuestion      string
	AssistantResponse string
	FullTrace         string
}

// boxDrawingRunes are the border characters the assistant UI draws around
// its input box and tool-call panels.
const boxDrawingRunes = "╭╮╰╯│─┌┐└┘├┤┬┴┼"

// Extract parses captured terminal content into a Snapshot. It never fails:
// an empty or unrecognizable buffer yields empty fields. FullTrace carries
// the cleaned content between the last user question and the trailing
// prompt box, including tool output the response summary would drop.
func Extract(content string) Snapshot {
	if strings.TrimSpace(content) == "" {
		return Snapshot{}
	}

	lines := strings.Split(content, "\n")

	// Walk backwards to the last user-authored input: a "> " line with
	// actual text after the marker. The empty prompt box at the bottom is
	// "> " with nothing (or only box chrome) behind it.
	questionIdx := -1
	question := ""
	for i := len(lines) - 1; i >= 0; i-- {
		q, ok := userInput(lines[i])
		if ok {
			questionIdx = i
			question = q
			break
		}
	}
	if questionIdx == -1 {
		return Snapshot{}
	}

	// Response: everything after the question until the trailing prompt
	// box, with chrome stripped.
	var responseLines []string
	var traceLines []string
	for _, line := range lines[questionIdx+1:] {
		cleaned := stripChrome(line)
		if cleaned != "" {
			traceLines = append(traceLines, cleaned)
		}
		if isChromeLine(line) {
			continue
		}
		if cleaned == "" {
			if len(responseLines) > 0 && responseLines[len(responseLines)-1] != "" {
				responseLines = append(responseLines, "")
			}
			continue
		}
		responseLines = append(responseLines, cleaned)
	}

	// Drop trailing blank lines from the response
	for len(responseLines) > 0 && responseLines[len(responseLines)-1] == "" {
		responseLines = responseLines[:len(responseLines)-1]
	}

	return Snapshot{
		UserQuestion:      question,
		AssistantResponse: strings.Join(responseLines, "\n"),
		FullTrace:         strings.Join(traceLines, "\n"),
	}
}

// userInput extracts the text of a user-authored prompt line.
// Returns ok=false for the empty prompt box and for separator-only lines.
func userInput(line string) (string, bool) {
	trimmed := strings.TrimSpace(stripChrome(line))
	if !strings.HasPrefix(trimmed, ">") {
		return "", false
	}
	text := strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
	if text == "" {
		return "", false
	}
	// A prompt box renders "> " followed by its separator fill
	if isSeparatorFill(text) {
		return "", false
	}
	return text, true
}

// stripChrome removes box-drawing borders and separator fill from a line.
func stripChrome(line string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(boxDrawingRunes, r) {
			return -1
		}
		return r
	}, line)
	return strings.TrimSpace(cleaned)
}

// isChromeLine reports whether a line is purely UI chrome: borders,
// separators, or status hints under the input box.
func isChromeLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	stripped := stripChrome(line)
	if stripped == "" {
		return true
	}
	if stripped == ">" || isSeparatorFill(stripped) {
		return true
	}
	// Keyboard hints in the input box footer
	if strings.Contains(stripped, "? for shortcuts") ||
		strings.Contains(stripped, "ctrl+c to interrupt") ||
		strings.Contains(stripped, "esc to interrupt") {
		return true
	}
	return false
}

// isSeparatorFill reports whether text is only separator dashes.
func isSeparatorFill(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		if r != '─' && r != '-' && r != ' ' {
			return false
		}
	}
	return true
}
