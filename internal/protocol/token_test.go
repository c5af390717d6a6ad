package protocol

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken_RoundTrip(t *testing.T) {
	tok := ParseToken("abc.1.2")
	assert.Equal(t, "abc.1.2", tok.String())
	assert.Equal(t, 3, tok.Depth())
	assert.False(t, tok.IsZero())

	assert.True(t, ParseToken("").IsZero())
}

func TestToken_RootAndParent(t *testing.T) {
	tok := ParseToken("abc.1.2")

	assert.Equal(t, "abc", tok.Root().String())
	assert.Equal(t, "abc.1", tok.Parent().String())
	assert.True(t, ParseToken("abc").Parent().IsZero(), "root has no parent")
	assert.Equal(t, "abc", GetRootToken("abc.1.2"))
	assert.Equal(t, "abc", GetRootToken("abc"))
}

func TestToken_ChildDoesNotAliasParent(t *testing.T) {
	parent := ParseToken("abc.1")
	a := parent.Child(1)
	b := parent.Child(2)

	assert.Equal(t, "abc.1.1", a.String())
	assert.Equal(t, "abc.1.2", b.String())
	assert.Equal(t, "abc.1", parent.String())
}

func TestToken_ParentThenChildDoesNotClobber(t *testing.T) {
	tok := ParseToken("r.1.2")
	sibling := tok.Parent().Child(9)

	assert.Equal(t, "r.1.9", sibling.String())
	assert.Equal(t, "r.1.2", tok.String(), "original token must be unchanged")
}

func TestToken_Equality(t *testing.T) {
	assert.True(t, ParseToken("a.1").Equal(ParseToken("a.1")))
	assert.False(t, ParseToken("a.1").Equal(ParseToken("a.2")))
	assert.False(t, ParseToken("a").Equal(ParseToken("a.1")))
}

func TestToken_SameRoot(t *testing.T) {
	assert.True(t, ParseToken("a.1.3").SameRoot(ParseToken("a.2")))
	assert.False(t, ParseToken("a.1").SameRoot(ParseToken("b.1")))
	assert.False(t, Token{}.SameRoot(Token{}), "zero tokens share no root")
}

func TestToken_IsSelfOrDescendantOf(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		ancestor string
		want     bool
	}{
		{"self", "a.1", "a.1", true},
		{"child", "a.1.1", "a.1", true},
		{"grandchild", "a.1.1.4", "a", true},
		{"sibling", "a.2", "a.1", false},
		{"ancestor", "a", "a.1", false},
		{"segment prefix is not a path prefix", "a.10", "a.1", false},
		{"zero ancestor", "a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseToken(tt.token).IsSelfOrDescendantOf(ParseToken(tt.ancestor))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToken_Deferred(t *testing.T) {
	tok := NewDeferredToken("42")
	assert.True(t, tok.IsDeferred())
	assert.True(t, strings.HasPrefix(tok.String(), DeferredTokenPrefix))
	assert.True(t, tok.Child(1).IsDeferred())
	assert.False(t, ParseToken("t1").IsDeferred())
}

func TestToken_Ancestry(t *testing.T) {
	got := ParseToken("a.1.2").Ancestry()
	require.Len(t, got, 3)
	assert.Equal(t, "a.1.2", got[0].String())
	assert.Equal(t, "a.1", got[1].String())
	assert.Equal(t, "a", got[2].String())
}

func TestToken_JSON(t *testing.T) {
	data, err := json.Marshal(ParseToken("x.1"))
	require.NoError(t, err)
	assert.JSONEq(t, `"x.1"`, string(data))

	var tok Token
	require.NoError(t, json.Unmarshal([]byte(`"y.2.3"`), &tok))
	assert.Equal(t, "y.2.3", tok.String())
}

func TestFixedGenerator_Sequence(t *testing.T) {
	gen := NewFixedGenerator("t1", "t2")
	assert.Equal(t, "t1", gen.Generate())
	assert.Equal(t, "t2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDGenerator_Unique(t *testing.T) {
	gen := UUIDGenerator{}
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := gen.Generate()
			mu.Lock()
			seen[tok] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	for tok := range seen {
		assert.NotContains(t, tok, ".", "root token must be a single segment")
	}
}
