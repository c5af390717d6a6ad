package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
)

// maxLineSize bounds a single protocol line. Display payloads carrying
// base64 images can be large.
const maxLineSize = 16 << 20

var errLineTooLong = errors.New("line exceeds maximum size")

// StreamOption configures a StreamChannel.
type StreamOption func(*StreamChannel)

// WithHandshake requires the first inbound event to be KernelReady.
// Events before it are dropped, and command sends fail with ErrNotReady
// until it arrives. Outbound events are always allowed.
func WithHandshake() StreamOption {
	return func(c *StreamChannel) {
		c.handshake = true
	}
}

// WithLogger sets the logger used for dropped lines.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) StreamOption {
	return func(c *StreamChannel) {
		c.logger = logger
	}
}

// WithCloser registers a resource released by Close, typically the write
// end of a pipe.
func WithCloser(closer io.Closer) StreamOption {
	return func(c *StreamChannel) {
		c.closers = append(c.closers, closer)
	}
}

// StreamChannel is line-delimited JSON over a reader and a writer.
//
// Input handling on the pump goroutine:
//   - blank lines are keep-alives and are skipped
//   - an unparseable line is logged and dropped
//   - a line longer than 16 MiB is discarded up to its newline and logged
//   - EOF or a read error closes the receiver with that error
//
// Thread-safety: Send may be called from any goroutine; writes are
// serialized so lines never interleave.
type StreamChannel struct {
	*hub

	r       io.Reader
	w       io.Writer
	closers []io.Closer
	logger  *slog.Logger
	maxLine int

	wmu sync.Mutex

	handshake bool
	readyOnce sync.Once
	ready     chan struct{}
	readyEnv  *protocol.EventEnvelope

	startOnce sync.Once
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// NewStreamChannel creates a channel over r and w. Call Start to begin
// reading.
func NewStreamChannel(r io.Reader, w io.Writer, opts ...StreamOption) *StreamChannel {
	c := &StreamChannel{
		hub:      newHub(),
		r:        r,
		w:        w,
		logger:   slog.Default(),
		maxLine:  maxLineSize,
		ready:    make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sender returns c.
func (c *StreamChannel) Sender() Sender { return c }

// Receiver returns c.
func (c *StreamChannel) Receiver() Receiver { return c }

// Start launches the pump goroutine. Later calls are no-ops.
// Subscribe before Start to observe the first envelope.
func (c *StreamChannel) Start() {
	c.startOnce.Do(func() {
		go c.pump()
	})
}

// Send writes env as one line.
func (c *StreamChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if _, isCommand := env.(*protocol.CommandEnvelope); isCommand && c.handshake && !c.isReady() {
		return ErrNotReady
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// WaitForReady blocks until KernelReady arrives and returns it.
// It fails if the receiver closes first or ctx is done.
func (c *StreamChannel) WaitForReady(ctx context.Context) (*protocol.EventEnvelope, error) {
	select {
	case <-c.ready:
		return c.readyEnv, nil
	case <-c.Done():
		return nil, fmt.Errorf("waiting for KernelReady: %w", c.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases registered closers and closes the receiver with ErrClosed.
func (c *StreamChannel) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		c.shutdown(ErrClosed)
		for _, closer := range c.closers {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (c *StreamChannel) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *StreamChannel) markReady(env *protocol.EventEnvelope) {
	c.readyOnce.Do(func() {
		c.readyEnv = env
		close(c.ready)
	})
}

func (c *StreamChannel) pump() {
	defer close(c.pumpDone)

	br := bufio.NewReaderSize(c.r, 64*1024)
	for {
		raw, err := c.readLine(br)
		if errors.Is(err, errLineTooLong) {
			c.logger.Warn("dropping oversized line", "limit", c.maxLine)
			continue
		}
		if err != nil {
			c.shutdown(err)
			return
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		env, err := protocol.Unmarshal(line)
		if err != nil {
			c.logger.Warn("dropping unparseable line",
				"error", err,
				"line", truncate(line, 200))
			continue
		}

		if !c.admit(env) {
			continue
		}
		c.deliver(env)
	}
}

// readLine returns the next line. A line longer than c.maxLine is read
// through to its newline and reported as errLineTooLong. An unterminated
// last line is returned before io.EOF.
func (c *StreamChannel) readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			n := len(frag)
			if n > 0 && frag[n-1] == '\n' {
				n--
			}
			if len(line)+n > c.maxLine {
				tooLong, line = true, nil
			} else {
				line = append(line, frag...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && tooLong:
			return nil, errLineTooLong
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// admit applies the handshake rule to an inbound envelope.
func (c *StreamChannel) admit(env protocol.Envelope) bool {
	ev, isEvent := env.(*protocol.EventEnvelope)
	if !isEvent {
		if c.handshake && !c.isReady() {
			c.logger.Debug("dropping command received before KernelReady")
			return false
		}
		return true
	}

	if ev.EventType == protocol.EventKernelReady {
		c.markReady(ev)
		return true
	}
	if c.handshake && !c.isReady() {
		c.logger.Debug("dropping event received before KernelReady", "event", ev.EventType)
		return false
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
