package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/queue"
)

// PipeEnd is one side of an in-memory connected pair.
//
// Every envelope is encoded through the wire codec on Send and decoded by
// the peer's pump goroutine, so both sides see independent copies exactly as
// they would across a process boundary. Delivery is FIFO and Send never
// blocks on the peer.
type PipeEnd struct {
	*hub

	inbox  *queue.Queue[[]byte]
	peer   *PipeEnd
	logger *slog.Logger

	closeAll func()
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{hub: newHub(), inbox: queue.New[[]byte](), logger: slog.Default()}
	b := &PipeEnd{hub: newHub(), inbox: queue.New[[]byte](), logger: slog.Default()}
	a.peer, b.peer = b, a

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			a.inbox.Close()
			b.inbox.Close()
		})
	}
	a.closeAll, b.closeAll = closeAll, closeAll

	go a.pump()
	go b.pump()
	return a, b
}

// Sender returns p.
func (p *PipeEnd) Sender() Sender { return p }

// Receiver returns p.
func (p *PipeEnd) Receiver() Receiver { return p }

// Send encodes env and queues it for the peer.
func (p *PipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if !p.peer.inbox.Enqueue(data) {
		return ErrClosed
	}
	return nil
}

// Close closes both ends. Envelopes already queued are still delivered.
func (p *PipeEnd) Close() error {
	p.closeAll()
	return nil
}

func (p *PipeEnd) pump() {
	for {
		if data, ok := p.inbox.TryDequeue(); ok {
			env, err := protocol.Unmarshal(data)
			if err != nil {
				p.logger.Warn("dropping undecodable envelope", "error", err)
				continue
			}
			p.deliver(env)
			continue
		}
		if p.inbox.Drained() {
			p.shutdown(ErrClosed)
			return
		}
		<-p.inbox.Wait()
	}
}
