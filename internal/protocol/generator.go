package protocol

import (
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator produces fresh root token ids.
// Implemented by UUIDGenerator (production) and FixedGenerator (tests).
type TokenGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 root tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, so tokens sort by
// creation time in logs.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a hyphenated UUIDv7. It never contains the token separator.
func (UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tokens in order.
//
// Tests hand it the exact sequence of tokens they expect commands to carry,
// which keeps golden snapshots stable.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
//
//	gen := NewFixedGenerator("t1", "t2")
//	gen.Generate() // "t1"
//	gen.Generate() // "t2"
//	gen.Generate() // panic: all tokens exhausted
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
//
// Panics once the sequence is exhausted; a test that needs more tokens than
// it configured is misconfigured.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}
