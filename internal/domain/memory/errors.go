package memory

import "errors"

// Domain-specific errors for memory operations.
var (
	// ErrInvalidKind indicates an entry kind other than daily or curated.
	ErrInvalidKind = errors.New("invalid memory kind")

	// ErrEmptyContent indicates an append with no content.
	ErrEmptyContent = errors.New("memory content is empty")

	// ErrSummaryMalformed indicates summarizer output that is not the
	// expected JSON object.
	ErrSummaryMalformed = errors.New("summary is not a JSON object")

	// ErrInvalidSettings indicates auto-memory settings outside their valid range.
	ErrInvalidSettings = errors.New("invalid auto-memory settings")
)
