// Package channel carries protocol envelopes between a client and a kernel
// host.
//
// A Channel is a Sender plus a Receiver. Implementations:
//   - StreamChannel: line-delimited JSON over an io.Reader/io.Writer pair
//   - ProcessChannel: a StreamChannel over a child process's stdio
//   - Pipe: an in-memory connected pair, encoded through the wire codec
//   - WebSocketChannel: one envelope per text message
//
// Receiver callbacks run on the channel's pump goroutine, in arrival order.
// A callback must not block waiting for a later envelope from the same
// receiver; that would stall the pump.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
)

// ErrClosed is returned by Send after Close, and reported by Err when the
// channel was closed locally.
var ErrClosed = errors.New("channel closed")

// ErrNotReady is returned when a command is sent before the remote has
// announced KernelReady on a channel that requires the handshake.
var ErrNotReady = errors.New("channel not ready: KernelReady not yet received")

// Sender writes envelopes to the remote side.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Receiver delivers envelopes from the remote side.
type Receiver interface {
	// Subscribe registers fn for every later envelope.
	Subscribe(fn func(protocol.Envelope)) *Subscription

	// Done is closed once no more envelopes will arrive.
	Done() <-chan struct{}

	// Err reports why the receiver closed, or nil while it is open.
	Err() error
}

// Channel is a bound Sender/Receiver pair.
type Channel interface {
	Sender() Sender
	Receiver() Receiver
	Close() error
}

// hub is the Receiver half shared by every implementation.
type hub struct {
	subject Subject[protocol.Envelope]

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func newHub() *hub {
	return &hub{done: make(chan struct{})}
}

func (h *hub) Subscribe(fn func(protocol.Envelope)) *Subscription {
	return h.subject.Subscribe(fn)
}

func (h *hub) Done() <-chan struct{} {
	return h.done
}

func (h *hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *hub) deliver(env protocol.Envelope) {
	select {
	case <-h.done:
		return
	default:
	}
	h.subject.Publish(env)
}

// shutdown closes the receiver with err. The first call wins.
func (h *hub) shutdown(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}
	if err == nil {
		err = ErrClosed
	}
	h.err = err
	close(h.done)
}

func (h *hub) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
