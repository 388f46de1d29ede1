// Package memory provides domain models for the daemon's memory store and
// the auto-memory flush pipeline.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the memory file an entry belongs to.
type Kind string

const (
	KindDaily   Kind = "daily"   // running log, one per day
	KindCurated Kind = "curated" // long-lived facts and decisions
)

// ParseKind validates a wire string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDaily, KindCurated:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Well-known tags.
const (
	TagAutoMemory = "auto_memory"
	TagParseError = "parse_error"
)

// WorkspaceTag returns the tag naming a workspace.
func WorkspaceTag(id string) string { return "workspace:" + id }

// ThreadTag returns the tag naming a thread.
func ThreadTag(id string) string { return "thread:" + id }

// Entry is one persisted memory record.
type Entry struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendRequest is the input to the store's append operation.
type AppendRequest struct {
	Kind        Kind
	Title       string
	Content     string
	Tags        []string
	WorkspaceID string
	ThreadID    string
}

// Validate checks the kind and content.
func (r AppendRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// HasTag reports whether the request carries tag.
func (r AppendRequest) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Search limits.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 200
)

// SearchQuery filters stored entries. Empty fields match everything.
type SearchQuery struct {
	Text        string
	Kind        Kind
	WorkspaceID string
	Tags        []string
	Limit       int
}

// Normalize clamps Limit into [1, MaxSearchLimit].
func (q SearchQuery) Normalize() SearchQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultSearchLimit
	case q.Limit > MaxSearchLimit:
		q.Limit = MaxSearchLimit
	}
	q.Text = strings.TrimSpace(q.Text)
	return q
}

// NormalizeTags trims, drops empties and de-duplicates while keeping order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
