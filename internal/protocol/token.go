package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DeferredTokenPrefix marks tokens of commands nobody is waiting on.
// Events carrying such a token are buffered by the client and flushed ahead
// of the next real command's output.
const DeferredTokenPrefix = "deferredCommand::"

const tokenSeparator = "."

// Token is a hierarchical correlation id.
//
// A root command gets a fresh single-segment token. A command issued while a
// parent is being handled gets "<parent>.<ordinal>". The zero Token means
// "not yet assigned".
//
// Token is immutable; every operation returns a new value.
type Token struct {
	segments []string
}

// ParseToken splits a wire token into its segments.
// The empty string parses to the zero Token.
func ParseToken(s string) Token {
	if s == "" {
		return Token{}
	}
	return Token{segments: strings.Split(s, tokenSeparator)}
}

// GetRootToken returns everything before the first separator.
func GetRootToken(s string) string {
	if i := strings.Index(s, tokenSeparator); i >= 0 {
		return s[:i]
	}
	return s
}

// NewDeferredToken builds a token in the reserved deferred namespace.
func NewDeferredToken(id string) Token {
	return Token{segments: []string{DeferredTokenPrefix + id}}
}

// String renders the wire form.
func (t Token) String() string {
	return strings.Join(t.segments, tokenSeparator)
}

// IsZero reports whether the token has not been assigned.
func (t Token) IsZero() bool {
	return len(t.segments) == 0
}

// Depth is the number of segments; 1 for a root token.
func (t Token) Depth() int {
	return len(t.segments)
}

// Root returns the first segment as a token.
func (t Token) Root() Token {
	if t.IsZero() {
		return t
	}
	return Token{segments: t.segments[:1:1]}
}

// Parent drops the last segment. The parent of a root token is the zero Token.
func (t Token) Parent() Token {
	if len(t.segments) <= 1 {
		return Token{}
	}
	return Token{segments: t.segments[: len(t.segments)-1 : len(t.segments)-1]}
}

// Child appends an ordinal segment.
func (t Token) Child(ordinal int) Token {
	segs := make([]string, len(t.segments)+1)
	copy(segs, t.segments)
	segs[len(t.segments)] = strconv.Itoa(ordinal)
	return Token{segments: segs}
}

// Equal compares segment by segment.
func (t Token) Equal(other Token) bool {
	if len(t.segments) != len(other.segments) {
		return false
	}
	for i := range t.segments {
		if t.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// SameRoot reports whether both tokens descend from the same root command.
// Zero tokens share no root with anything.
func (t Token) SameRoot(other Token) bool {
	if t.IsZero() || other.IsZero() {
		return false
	}
	return t.segments[0] == other.segments[0]
}

// IsSelfOrDescendantOf reports whether ancestor is a prefix path of t.
func (t Token) IsSelfOrDescendantOf(ancestor Token) bool {
	if ancestor.IsZero() || len(ancestor.segments) > len(t.segments) {
		return false
	}
	for i := range ancestor.segments {
		if t.segments[i] != ancestor.segments[i] {
			return false
		}
	}
	return true
}

// IsDeferred reports whether the root segment uses the deferred prefix.
func (t Token) IsDeferred() bool {
	return !t.IsZero() && strings.HasPrefix(t.segments[0], DeferredTokenPrefix)
}

// Ancestry lists t and each of its ancestors, most specific first.
// Used for prefix-walk dispatch of events to token observers.
func (t Token) Ancestry() []Token {
	out := make([]Token, 0, len(t.segments))
	for n := len(t.segments); n >= 1; n-- {
		out = append(out, Token{segments: t.segments[:n:n]})
	}
	return out
}

// MarshalJSON encodes the token as its dotted string.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a dotted string.
func (t *Token) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseToken(s)
	return nil
}
