package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrDuplicateSlipEntry is returned when a uri is stamped twice.
var ErrDuplicateSlipEntry = errors.New("uri already in routing slip")

// RoutingSlip is the append-only, deduplicated list of kernel uris an
// envelope has traversed.
//
// Entries are stored normalized (scheme://authority/path plus any tag query).
// Two indexes back Contains: one over the exact entry and one over the entry
// with its query stripped, so both membership tests are O(1).
//
// Thread-safety: all methods are safe for concurrent use. A proxy merges the
// remote slip from the receiver goroutine while the dispatching goroutine
// still owns the envelope.
type RoutingSlip struct {
	mu      sync.Mutex
	entries []string
	exact   map[string]struct{}
	bare    map[string]int
}

// NewRoutingSlip builds a slip from uris, dropping duplicates after the first
// occurrence.
func NewRoutingSlip(uris ...string) *RoutingSlip {
	s := &RoutingSlip{
		exact: make(map[string]struct{}, len(uris)),
		bare:  make(map[string]int, len(uris)),
	}
	for _, u := range uris {
		n := NormalizeKernelURIWithQuery(u)
		if _, dup := s.exact[n]; dup {
			continue
		}
		s.appendLocked(n)
	}
	return s
}

func (s *RoutingSlip) appendLocked(normalized string) {
	s.entries = append(s.entries, normalized)
	s.exact[normalized] = struct{}{}
	s.bare[NormalizeKernelURI(normalized)]++
}

// Stamp appends uri. Stamping an entry that is already present fails with
// ErrDuplicateSlipEntry and leaves the slip unchanged.
func (s *RoutingSlip) Stamp(uri string) error {
	n := NormalizeKernelURIWithQuery(uri)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.exact[n]; dup {
		return fmt.Errorf("%w: %s [%s]", ErrDuplicateSlipEntry, n, strings.Join(s.entries, ", "))
	}
	s.appendLocked(n)
	return nil
}

// StampAsArrived appends uri?tag=arrived.
func (s *RoutingSlip) StampAsArrived(uri string) error {
	return s.Stamp(TaggedKernelURI(uri, ArrivedTag))
}

// Contains reports whether uri is on the slip. With ignoreQuery, any tagged
// variant of the uri also matches.
func (s *RoutingSlip) Contains(uri string, ignoreQuery bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ignoreQuery {
		return s.bare[NormalizeKernelURI(uri)] > 0
	}
	_, ok := s.exact[NormalizeKernelURIWithQuery(uri)]
	return ok
}

// StartsWith reports whether prefix is a non-empty leading run of this slip.
// Entries are compared with queries stripped.
func (s *RoutingSlip) StartsWith(prefix *RoutingSlip) bool {
	other := prefix.Slice()
	mine := s.Slice()
	if len(other) == 0 || len(mine) < len(other) {
		return false
	}
	for i := range other {
		if NormalizeKernelURI(other[i]) != NormalizeKernelURI(mine[i]) {
			return false
		}
	}
	return true
}

// ContinueWith appends the part of other that this slip has not seen yet.
//
// When other begins with this slip, only its suffix is appended; otherwise
// every entry of other is appended. A slip that already begins with other
// is left unchanged. Any entry that would duplicate an existing one fails
// the whole call and nothing is appended.
func (s *RoutingSlip) ContinueWith(other *RoutingSlip) error {
	if s.StartsWith(other) {
		return nil
	}
	toAppend := other.Slice()
	if other.StartsWith(s) {
		toAppend = toAppend[s.Len():]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range toAppend {
		if _, dup := s.exact[u]; dup {
			return fmt.Errorf("%w: %s, cannot continue with [%s]", ErrDuplicateSlipEntry, u, strings.Join(toAppend, ", "))
		}
	}
	for _, u := range toAppend {
		s.appendLocked(u)
	}
	return nil
}

// Len returns the number of entries.
func (s *RoutingSlip) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Slice returns a copy of the entries in order.
func (s *RoutingSlip) Slice() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// First returns the first entry, or "" for an empty slip.
func (s *RoutingSlip) First() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return ""
	}
	return s.entries[0]
}

// Clone returns an independent copy.
func (s *RoutingSlip) Clone() *RoutingSlip {
	return NewRoutingSlip(s.Slice()...)
}

// String renders the entries for logs.
func (s *RoutingSlip) String() string {
	return "[" + strings.Join(s.Slice(), ", ") + "]"
}

// MarshalJSON encodes the slip as a JSON array of strings.
func (s *RoutingSlip) MarshalJSON() ([]byte, error) {
	entries := s.Slice()
	if entries == nil {
		entries = []string{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes a JSON array, deduplicating entries.
func (s *RoutingSlip) UnmarshalJSON(data []byte) error {
	var uris []string
	if err := json.Unmarshal(data, &uris); err != nil {
		return err
	}
	fresh := NewRoutingSlip(uris...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries, s.exact, s.bare = fresh.entries, fresh.exact, fresh.bare
	return nil
}
