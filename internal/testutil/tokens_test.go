package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceGenerator_CountsFromOne(t *testing.T) {
	gen := NewSequenceGenerator("t")

	assert.Equal(t, "t1", gen.Generate())
	assert.Equal(t, "t2", gen.Generate())
	assert.Equal(t, "t3", gen.Generate())
	assert.Equal(t, int64(3), gen.Issued())
}

func TestSequenceGenerator_DefaultPrefix(t *testing.T) {
	gen := NewSequenceGenerator("")
	assert.Equal(t, "t1", gen.Generate())
}

func TestSequenceGenerator_Reset(t *testing.T) {
	gen := NewSequenceGenerator("cmd-")
	gen.Generate()
	gen.Generate()

	gen.Reset()

	assert.Equal(t, int64(0), gen.Issued())
	assert.Equal(t, "cmd-1", gen.Generate())
}

func TestSequenceGenerator_ConcurrentTokensAreUnique(t *testing.T) {
	gen := NewSequenceGenerator("t")

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tok := gen.Generate()
				mu.Lock()
				seen[tok] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 1000)
	assert.Equal(t, int64(1000), gen.Issued())
}
