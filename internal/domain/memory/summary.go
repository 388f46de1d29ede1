package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Summary is the summarizer's structured reply.
type Summary struct {
	NoReply         bool     `json:"no_reply"`
	Title           string   `json:"title"`
	Tags            []string `json:"tags"`
	DailyMarkdown   string   `json:"daily_markdown"`
	CuratedMarkdown string   `json:"curated_markdown"`

	// unparsed marks a FallbackSummary; its daily entry is written even
	// when daily writes are disabled.
	unparsed bool
}

// ParseSummary decodes strict JSON output. A reply wrapped in a single
// fenced code block is accepted; anything else that is not a JSON object
// returns ErrSummaryMalformed.
func ParseSummary(text string) (Summary, error) {
	body := bytes.TrimSpace([]byte(unfence(text)))
	if len(body) == 0 || body[0] != '{' {
		return Summary{}, ErrSummaryMalformed
	}
	var s Summary
	if err := json.Unmarshal(body, &s); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrSummaryMalformed, err)
	}
	return s, nil
}

// FallbackSummary keeps unparseable output as a daily entry so nothing the
// summarizer wrote is lost.
func FallbackSummary(raw string) Summary {
	return Summary{
		Title:         "Unparsed memory summary",
		Tags:          []string{TagParseError},
		DailyMarkdown: strings.TrimSpace(raw),
		unparsed:      true,
	}
}

// Appends returns the store writes a summary produces for one thread: one
// per non-empty field the settings enable, each tagged with auto_memory,
// the workspace, the thread, its kind and the summarizer's own tags.
// A no_reply summary produces none. A fallback summary always produces its
// daily entry.
func (s Summary) Appends(settings AutoMemorySettings, workspaceID, threadID string) []AppendRequest {
	if s.NoReply {
		return nil
	}
	var out []AppendRequest
	add := func(kind Kind, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		tags := []string{TagAutoMemory, WorkspaceTag(workspaceID), ThreadTag(threadID), string(kind)}
		tags = NormalizeTags(append(tags, s.Tags...))
		out = append(out, AppendRequest{
			Kind:        kind,
			Title:       strings.TrimSpace(s.Title),
			Content:     content,
			Tags:        tags,
			WorkspaceID: workspaceID,
			ThreadID:    threadID,
		})
	}
	if settings.WriteDaily || s.unparsed {
		add(KindDaily, s.DailyMarkdown)
	}
	if settings.WriteCurated {
		add(KindCurated, s.CuratedMarkdown)
	}
	return out
}

// unfence strips a surrounding ``` or ```json fence.
func unfence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		return ""
	}
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return t
}
