package memory

import (
	"errors"
	"fmt"
	"time"
)

// AutoMemorySettings tune the auto-memory coordinator. They are read on
// every evaluation, so updates apply to the next token-usage event.
type AutoMemorySettings struct {
	Enabled             bool  `json:"enabled" yaml:"enabled"`
	ReserveTokensFloor  int64 `json:"reserve_tokens_floor" yaml:"reserve_tokens_floor"`
	SoftThresholdTokens int64 `json:"soft_threshold_tokens" yaml:"soft_threshold_tokens"`
	MinIntervalSeconds  int64 `json:"min_interval_seconds" yaml:"min_interval_seconds"`
	MaxTurns            int   `json:"max_turns" yaml:"max_turns"`
	MaxSnapshotChars    int   `json:"max_snapshot_chars" yaml:"max_snapshot_chars"`
	IncludeToolOutput   bool  `json:"include_tool_output" yaml:"include_tool_output"`
	IncludeGitStatus    bool  `json:"include_git_status" yaml:"include_git_status"`
	WriteDaily          bool  `json:"write_daily" yaml:"write_daily"`
	WriteCurated        bool  `json:"write_curated" yaml:"write_curated"`
}

// DefaultAutoMemorySettings returns the settings used when none are stored.
func DefaultAutoMemorySettings() AutoMemorySettings {
	return AutoMemorySettings{
		Enabled:             true,
		ReserveTokensFloor:  20000,
		SoftThresholdTokens: 4000,
		MinIntervalSeconds:  300,
		MaxTurns:            12,
		MaxSnapshotChars:    12000,
		IncludeToolOutput:   false,
		IncludeGitStatus:    true,
		WriteDaily:          true,
		WriteCurated:        true,
	}
}

// Validate rejects negative budgets and empty snapshot limits.
func (s AutoMemorySettings) Validate() error {
	var errs []error
	if s.ReserveTokensFloor < 0 {
		errs = append(errs, fmt.Errorf("reserve_tokens_floor must be >= 0, got %d", s.ReserveTokensFloor))
	}
	if s.SoftThresholdTokens < 0 {
		errs = append(errs, fmt.Errorf("soft_threshold_tokens must be >= 0, got %d", s.SoftThresholdTokens))
	}
	if s.MinIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("min_interval_seconds must be >= 0, got %d", s.MinIntervalSeconds))
	}
	if s.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("max_turns must be > 0, got %d", s.MaxTurns))
	}
	if s.MaxSnapshotChars <= 0 {
		errs = append(errs, fmt.Errorf("max_snapshot_chars must be > 0, got %d", s.MaxSnapshotChars))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// MinInterval returns the flush cooldown.
func (s AutoMemorySettings) MinInterval() time.Duration {
	return time.Duration(s.MinIntervalSeconds) * time.Second
}
