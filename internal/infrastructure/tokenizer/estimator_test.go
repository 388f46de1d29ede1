package tokenizer

import (
	"strings"
	"sync"
	"testing"
)

func newEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator()
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	return e
}

func TestEstimator_Estimate(t *testing.T) {
	estimator := newEstimator(t)

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{"empty string", "", 0, 0},
		{"single word", "hello", 1, 2},
		{"sentence", "The quick brown fox jumps over the lazy dog.", 8, 12},
		{"markdown", "## Recent turns\n\n**user:** fix the flaky test", 8, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimator.Estimate(tt.text)
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("Estimate(%q) = %d, want between %d and %d", tt.text, got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestEstimator_ConcurrentUse(t *testing.T) {
	estimator := newEstimator(t)
	text := strings.Repeat("token budget ", 50)
	want := estimator.Estimate(text)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := estimator.Estimate(text); got != want {
				t.Errorf("Estimate() = %d, want %d", got, want)
			}
		}()
	}
	wg.Wait()
}

func TestSimpleEstimator_Estimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := (SimpleEstimator{}).Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestNewBest(t *testing.T) {
	e, err := NewBest()
	if e == nil {
		t.Fatal("NewBest() must always return an estimator")
	}
	if err != nil {
		if _, ok := e.(SimpleEstimator); !ok {
			t.Errorf("fallback should be SimpleEstimator, got %T", e)
		}
	}
}
