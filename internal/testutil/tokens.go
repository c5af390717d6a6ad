package testutil

import (
	"strconv"
	"sync"
)

// SequenceGenerator returns "<prefix>1", "<prefix>2", ... in order.
//
// Unlike protocol.FixedGenerator it never runs out, so tests that issue an
// unknown number of root commands still get stable, readable tokens.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewSequenceGenerator creates a generator whose first token is prefix+"1".
// An empty prefix defaults to "t".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "t"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next token in the sequence.
//
// Implements protocol.TokenGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.prefix + strconv.FormatInt(g.seq, 10)
}

// Issued returns how many tokens have been generated.
func (g *SequenceGenerator) Issued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. After Reset, the next token ends in "1".
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
