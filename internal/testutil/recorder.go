package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/roach88/kernelbus/internal/protocol"
)

// EventRecorder collects event envelopes delivered to a kernel subscription
// or channel receiver.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type EventRecorder struct {
	mu     sync.Mutex
	events []*protocol.EventEnvelope
}

// Record stores env. Its signature fits Kernel.Subscribe.
func (r *EventRecorder) Record(env *protocol.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

// RecordEnvelope stores env when it is an event. Its signature fits
// channel.Receiver.Subscribe.
func (r *EventRecorder) RecordEnvelope(env protocol.Envelope) {
	if ev, ok := env.(*protocol.EventEnvelope); ok {
		r.Record(ev)
	}
}

// Events returns the recorded envelopes in arrival order.
func (r *EventRecorder) Events() []*protocol.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.EventEnvelope(nil), r.events...)
}

// Types returns the recorded event types in arrival order.
func (r *EventRecorder) Types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// ForToken returns the events whose command token is exactly token.
func (r *EventRecorder) ForToken(token string) []*protocol.EventEnvelope {
	var out []*protocol.EventEnvelope
	for _, e := range r.Events() {
		if e.Token().String() == token {
			out = append(out, e)
		}
	}
	return out
}

// Terminals counts CommandSucceeded and CommandFailed per exact token.
func (r *EventRecorder) Terminals() map[string]int {
	out := make(map[string]int)
	for _, e := range r.Events() {
		if e.IsTerminal() {
			out[e.Token().String()]++
		}
	}
	return out
}

// WaitForTerminal blocks until a terminal event for token is recorded.
func (r *EventRecorder) WaitForTerminal(t testing.TB, token string) *protocol.EventEnvelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range r.ForToken(token) {
			if e.IsTerminal() {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no terminal event for token %q; saw %v", token, r.Types())
	return nil
}
