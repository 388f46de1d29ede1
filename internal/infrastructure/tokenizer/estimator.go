// Package tokenizer estimates token counts for memory snapshots using
// tiktoken, with a character heuristic when the encoding is unavailable.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
)

// Encoding is the BPE used for estimates. It approximates current OpenAI
// models closely enough for budget decisions.
const Encoding = "cl100k_base"

// Estimator counts tokens with tiktoken-go.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

// Ensure Estimator implements TokenEstimatorPort.
var _ ports.TokenEstimatorPort = (*Estimator)(nil)

// NewEstimator loads the encoding. Loading may fetch the BPE ranks on first
// use and fails when they cannot be obtained.
func NewEstimator() (*Estimator, error) {
	encoding, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: encoding}, nil
}

// Estimate returns the token count for text. Safe for concurrent use.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.encoding.Encode(text, nil, nil))
}

// SimpleEstimator approximates ~4 characters per token.
type SimpleEstimator struct{}

// Ensure SimpleEstimator implements TokenEstimatorPort.
var _ ports.TokenEstimatorPort = SimpleEstimator{}

// Estimate returns an approximate token count.
func (SimpleEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// NewBest returns the tiktoken estimator, or SimpleEstimator and the load
// error when the encoding is unavailable.
func NewBest() (ports.TokenEstimatorPort, error) {
	e, err := NewEstimator()
	if err != nil {
		return SimpleEstimator{}, err
	}
	return e, nil
}
