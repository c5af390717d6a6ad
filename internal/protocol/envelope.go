package protocol

import (
	"encoding/json"
	"sync"
)

// Envelope is either a *CommandEnvelope or an *EventEnvelope.
type Envelope interface {
	envelope()
}

// CommandEnvelope wraps a command payload with correlation and routing data.
//
// The parent link is in-memory only and never crosses the wire. Child
// ordinals are allocated by the parent, so siblings issued concurrently
// still receive distinct tokens.
//
// Thread-safety: token assignment and child allocation are guarded; the
// exported fields are owned by whoever is currently routing the envelope.
type CommandEnvelope struct {
	CommandType    CommandType
	Command        Command
	DestinationURI string
	OriginURI      string
	RoutingSlip    *RoutingSlip

	mu       sync.Mutex
	token    Token
	parent   *CommandEnvelope
	children int
}

func (*CommandEnvelope) envelope() {}

// NewCommandEnvelope wraps cmd with an empty routing slip and no token.
func NewCommandEnvelope(cmd Command) *CommandEnvelope {
	return &CommandEnvelope{
		CommandType: cmd.CommandType(),
		Command:     cmd,
		RoutingSlip: NewRoutingSlip(),
	}
}

// Token returns the assigned token, or the zero Token.
func (c *CommandEnvelope) Token() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken assigns t. It is a no-op once a token is assigned.
func (c *CommandEnvelope) SetToken(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.IsZero() {
		c.token = t
	}
}

// GetOrCreateToken returns the token, assigning one first if needed.
//
// With a parent, the token is the parent's token plus the next child ordinal.
// Without one, a fresh root comes from gen.
func (c *CommandEnvelope) GetOrCreateToken(gen TokenGenerator) Token {
	c.mu.Lock()
	if !c.token.IsZero() {
		t := c.token
		c.mu.Unlock()
		return t
	}
	parent := c.parent
	c.mu.Unlock()

	var t Token
	if parent != nil {
		t = parent.GetOrCreateToken(gen).Child(parent.nextChildOrdinal())
	} else {
		t = ParseToken(gen.Generate())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.IsZero() {
		c.token = t
	}
	return c.token
}

func (c *CommandEnvelope) nextChildOrdinal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children++
	return c.children
}

// Parent returns the in-memory parent, or nil.
func (c *CommandEnvelope) Parent() *CommandEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// SetParent links c under parent. A parent whose root differs from an
// already-assigned token is ignored.
func (c *CommandEnvelope) SetParent(parent *CommandEnvelope) {
	if parent == nil || parent == c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.token.IsZero() && !c.token.SameRoot(parent.Token()) {
		return
	}
	c.parent = parent
}

// HasSameRootCommandAs compares root tokens.
func (c *CommandEnvelope) HasSameRootCommandAs(other *CommandEnvelope) bool {
	if other == nil {
		return false
	}
	return c.Token().SameRoot(other.Token())
}

// IsSelfOrDescendantOf reports whether c's token extends other's.
func (c *CommandEnvelope) IsSelfOrDescendantOf(other *CommandEnvelope) bool {
	if other == nil {
		return false
	}
	return c.Token().IsSelfOrDescendantOf(other.Token())
}

// TargetKernelName is shorthand for the payload's target name.
func (c *CommandEnvelope) TargetKernelName() string {
	if c.Command == nil {
		return ""
	}
	return c.Command.TargetKernel()
}

// Clone returns a copy with its own payload and routing slip. The token and
// parent link are kept.
func (c *CommandEnvelope) Clone() *CommandEnvelope {
	c.mu.Lock()
	token, parent := c.token, c.parent
	c.mu.Unlock()

	return &CommandEnvelope{
		CommandType:    c.CommandType,
		Command:        cloneCommand(c.Command),
		DestinationURI: c.DestinationURI,
		OriginURI:      c.OriginURI,
		RoutingSlip:    c.RoutingSlip.Clone(),
		token:          token,
		parent:         parent,
	}
}

// EventEnvelope wraps an event payload with the command that produced it.
//
// Command is nil for unsolicited events such as a kernel announcement.
type EventEnvelope struct {
	EventType   EventType
	Event       Event
	Command     *CommandEnvelope
	RoutingSlip *RoutingSlip
}

func (*EventEnvelope) envelope() {}

// NewEventEnvelope wraps ev as produced by cmd.
func NewEventEnvelope(ev Event, cmd *CommandEnvelope) *EventEnvelope {
	return &EventEnvelope{
		EventType:   ev.EventType(),
		Event:       ev,
		Command:     cmd,
		RoutingSlip: NewRoutingSlip(),
	}
}

// Token returns the producing command's token, or the zero Token.
func (e *EventEnvelope) Token() Token {
	if e.Command == nil {
		return Token{}
	}
	return e.Command.Token()
}

// IsTerminal reports whether this is a CommandSucceeded or CommandFailed.
func (e *EventEnvelope) IsTerminal() bool {
	return e.EventType.IsTerminal()
}

// Clone returns a copy with its own payload, command and routing slip.
func (e *EventEnvelope) Clone() *EventEnvelope {
	var cmd *CommandEnvelope
	if e.Command != nil {
		cmd = e.Command.Clone()
	}
	return &EventEnvelope{
		EventType:   e.EventType,
		Event:       cloneEvent(e.Event),
		Command:     cmd,
		RoutingSlip: e.RoutingSlip.Clone(),
	}
}

// cloneCommand deep-copies a payload through its JSON form. Payloads are
// plain data, so the round trip cannot fail for a registered type; on the
// impossible path the original is shared.
func cloneCommand(cmd Command) Command {
	if cmd == nil {
		return nil
	}
	fresh, err := NewCommand(cmd.CommandType())
	if err != nil {
		return cmd
	}
	data, err := json.Marshal(cmd)
	if err != nil || json.Unmarshal(data, fresh) != nil {
		return cmd
	}
	return fresh
}

func cloneEvent(ev Event) Event {
	if ev == nil {
		return nil
	}
	fresh, err := NewEvent(ev.EventType())
	if err != nil {
		return ev
	}
	data, err := json.Marshal(ev)
	if err != nil || json.Unmarshal(data, fresh) != nil {
		return ev
	}
	return fresh
}
