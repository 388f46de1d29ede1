// Package automemory watches agent token usage and, shortly before a
// thread's context fills up or after it compacts, asks the agent to
// summarize the thread into the memory store.
package automemory

import (
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
)

// FlushState is the per-thread bookkeeping the flush decision depends on.
type FlushState struct {
	CompactionEpoch uint64
	// LastFlushEpoch is the compaction epoch the last successful flush
	// started in; nil until the first one.
	LastFlushEpoch *uint64
	LastFlushAt    time.Time
}

// FlushedThisEpoch reports whether a flush already succeeded in the
// current compaction epoch.
func (s FlushState) FlushedThisEpoch() bool {
	return s.LastFlushEpoch != nil && *s.LastFlushEpoch == s.CompactionEpoch
}

// UsableWindow is the part of the context window left after the reserve.
func UsableWindow(window int64, s memory.AutoMemorySettings) int64 {
	return window - s.ReserveTokensFloor
}

// DetectCompaction reports whether the context shrank by more than a third,
// which is how a compaction shows up in token usage. It is a heuristic: a
// large tool result being dropped looks the same.
func DetectCompaction(previous, current int64) bool {
	return previous > 0 && current+current/2 < previous
}

// TokensOverThreshold reports whether tokens reached the soft threshold
// below the usable window. A window too small to have a usable part never
// triggers.
func TokensOverThreshold(tokens, window int64, s memory.AutoMemorySettings) bool {
	usable := UsableWindow(window, s)
	if usable <= 0 {
		return false
	}
	return tokens >= usable-s.SoftThresholdTokens
}

// CooldownElapsed reports whether the minimum interval passed since last.
func CooldownElapsed(last, now time.Time, interval time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

// ShouldFlush combines every automatic trigger condition.
func ShouldFlush(st FlushState, tokens, window int64, now time.Time, s memory.AutoMemorySettings) bool {
	return s.Enabled &&
		TokensOverThreshold(tokens, window, s) &&
		CooldownElapsed(st.LastFlushAt, now, s.MinInterval()) &&
		!st.FlushedThisEpoch()
}
