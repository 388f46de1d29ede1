package session

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	adjectives = []string{
		"brave", "swift", "bold", "keen", "calm",
		"wise", "quick", "bright", "steady", "sharp",
		"clever", "nimble", "proud", "noble", "fierce",
		"gentle", "mighty", "agile", "astute", "daring",
	}

	pioneers = []string{
		"turing", "lovelace", "hopper", "dijkstra", "knuth",
		"ritchie", "thompson", "backus", "codd", "shannon",
		"neumann", "babbage", "boole", "church", "curry",
		"edsger", "grace", "ada", "alan", "dennis",
	}

	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// GenerateTerminalName returns a name in the form "adjective-pioneer",
// used when a client opens a terminal without choosing an id.
func GenerateTerminalName() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	return fmt.Sprintf("%s-%s", adjectives[rng.Intn(len(adjectives))], pioneers[rng.Intn(len(pioneers))])
}

// GenerateUniqueTerminalName retries GenerateTerminalName until exists
// reports false, falling back to a timestamp suffix.
func GenerateUniqueTerminalName(exists func(string) bool) string {
	for i := 0; i < 100; i++ {
		name := GenerateTerminalName()
		if !exists(name) {
			return name
		}
	}
	return fmt.Sprintf("%s-%d", GenerateTerminalName(), time.Now().UnixNano())
}

// IsValidTerminalID reports whether id can be embedded in a terminal key.
// The separator used by TerminalKey is rejected.
func IsValidTerminalID(id string) bool {
	return id != "" && !strings.Contains(id, keySeparator)
}
