package memory

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Turn is one message of a thread's recent history.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// SnapshotInput is the raw material gathered before a flush.
type SnapshotInput struct {
	WorkspaceID   string
	ThreadID      string
	ContextTokens int64
	ContextWindow int64
	Turns         []Turn // oldest first
	ToolOutput    string
	GitStatus     string
	CapturedAt    time.Time
}

// Snapshot is the bounded view of a thread handed to the summarizer. It
// is built per flush attempt and never persisted.
type Snapshot struct {
	WorkspaceID   string
	ThreadID      string
	ContextTokens int64
	ContextWindow int64
	Turns         []Turn
	ToolOutput    string
	GitStatus     string
	CapturedAt    time.Time

	// EstimatedTokens is filled in by the caller with a tokenizer estimate
	// of Render().
	EstimatedTokens int
}

// NewSnapshot applies the settings' inclusion flags and size bounds to in.
//
// At most MaxTurns of the newest turns are kept. Tool output and git status
// are each capped at a quarter of MaxSnapshotChars; turns fill what is left,
// newest first, and the oldest kept turn is cut to fit. The total text never
// exceeds MaxSnapshotChars runes.
func NewSnapshot(in SnapshotInput, s AutoMemorySettings) *Snapshot {
	snap := &Snapshot{
		WorkspaceID:   in.WorkspaceID,
		ThreadID:      in.ThreadID,
		ContextTokens: in.ContextTokens,
		ContextWindow: in.ContextWindow,
		CapturedAt:    in.CapturedAt,
	}

	budget := s.MaxSnapshotChars
	extraCap := budget / 4
	if s.IncludeGitStatus && in.GitStatus != "" {
		snap.GitStatus = truncateHead(strings.TrimSpace(in.GitStatus), extraCap)
		budget -= utf8.RuneCountInString(snap.GitStatus)
	}
	if s.IncludeToolOutput && in.ToolOutput != "" {
		snap.ToolOutput = truncateTail(strings.TrimSpace(in.ToolOutput), extraCap)
		budget -= utf8.RuneCountInString(snap.ToolOutput)
	}

	turns := in.Turns
	if s.MaxTurns > 0 && len(turns) > s.MaxTurns {
		turns = turns[len(turns)-s.MaxTurns:]
	}

	kept := make([]Turn, 0, len(turns))
	for i := len(turns) - 1; i >= 0 && budget > 0; i-- {
		text := strings.TrimSpace(turns[i].Text)
		if text == "" {
			continue
		}
		if n := utf8.RuneCountInString(text); n > budget {
			text = truncateTail(text, budget)
		}
		budget -= utf8.RuneCountInString(text)
		kept = append(kept, Turn{Role: turns[i].Role, Text: text})
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	snap.Turns = kept
	return snap
}

// TextLen returns the number of runes of content the snapshot carries.
func (s *Snapshot) TextLen() int {
	n := utf8.RuneCountInString(s.ToolOutput) + utf8.RuneCountInString(s.GitStatus)
	for _, t := range s.Turns {
		n += utf8.RuneCountInString(t.Text)
	}
	return n
}

// IsEmpty reports whether there is nothing to summarize.
func (s *Snapshot) IsEmpty() bool {
	return len(s.Turns) == 0 && s.ToolOutput == "" && s.GitStatus == ""
}

// Render formats the snapshot as the transcript section of a prompt.
func (s *Snapshot) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\nThread: %s\n", s.WorkspaceID, s.ThreadID)
	if s.ContextWindow > 0 {
		fmt.Fprintf(&b, "Context: %d of %d tokens\n", s.ContextTokens, s.ContextWindow)
	}
	b.WriteString("\n## Recent turns\n")
	for _, t := range s.Turns {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", t.Role, t.Text)
	}
	if s.ToolOutput != "" {
		b.WriteString("\n## Recent tool output\n")
		b.WriteString(s.ToolOutput)
		b.WriteString("\n")
	}
	if s.GitStatus != "" {
		b.WriteString("\n## Git status\n")
		b.WriteString(s.GitStatus)
		b.WriteString("\n")
	}
	return b.String()
}

// truncateHead keeps the first max runes.
func truncateHead(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// truncateTail keeps the last max runes.
func truncateTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-max:])
}
