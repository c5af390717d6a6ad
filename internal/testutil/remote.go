package testutil

import (
	"context"
	"sync"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// Script decides which events a ScriptedRemote publishes for a command.
// Returned events are sent in order, each wrapped with the command.
type Script func(cmd *protocol.CommandEnvelope) []protocol.Event

// Succeed replies with events followed by CommandSucceeded.
func Succeed(events ...protocol.Event) Script {
	return func(*protocol.CommandEnvelope) []protocol.Event {
		return append(append([]protocol.Event(nil), events...), &protocol.CommandSucceeded{})
	}
}

// Fail replies with events followed by CommandFailed{message}.
func Fail(message string, events ...protocol.Event) Script {
	return func(*protocol.CommandEnvelope) []protocol.Event {
		return append(append([]protocol.Event(nil), events...), &protocol.CommandFailed{Message: message})
	}
}

// Silent never answers.
func Silent() Script {
	return func(*protocol.CommandEnvelope) []protocol.Event { return nil }
}

// ScriptedRemote plays a remote kernel host on one end of a channel.Pipe.
//
// Each inbound command is recorded, stamped on its routing slip the way a
// real host would (arrived, then completed before the terminal event), and
// answered with the events its Script returns. Every event carries the
// remote kernel uri on its routing slip.
//
// Thread-safety: safe for concurrent use.
type ScriptedRemote struct {
	end *channel.PipeEnd
	uri string

	mu       sync.Mutex
	script   Script
	scripts  map[protocol.CommandType]Script
	received []*protocol.CommandEnvelope
}

// NewScriptedRemote answers commands arriving on end as the kernel at uri.
func NewScriptedRemote(end *channel.PipeEnd, uri string, script Script) *ScriptedRemote {
	r := &ScriptedRemote{
		end:     end,
		uri:     protocol.NormalizeKernelURI(uri),
		script:  script,
		scripts: make(map[protocol.CommandType]Script),
	}
	end.Subscribe(r.onEnvelope)
	return r
}

// URI returns the remote kernel uri.
func (r *ScriptedRemote) URI() string { return r.uri }

// On overrides the script for one command type.
func (r *ScriptedRemote) On(commandType protocol.CommandType, script Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[commandType] = script
}

// Received returns the commands seen so far.
func (r *ScriptedRemote) Received() []*protocol.CommandEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.CommandEnvelope(nil), r.received...)
}

// Info describes the remote kernel with the given command types.
func (r *ScriptedRemote) Info(localName string, commands ...protocol.CommandType) *protocol.KernelInfo {
	info := protocol.NewKernelInfo(localName)
	info.URI = r.uri
	for _, c := range commands {
		info.AddCommand(c)
	}
	return info
}

// Ready sends KernelReady carrying infos.
func (r *ScriptedRemote) Ready(infos ...*protocol.KernelInfo) error {
	env := protocol.NewEventEnvelope(&protocol.KernelReady{KernelInfos: infos}, nil)
	_ = env.RoutingSlip.Stamp(protocol.ExtractHost(r.uri))
	return r.end.Send(context.Background(), env)
}

// Announce sends an unsolicited KernelInfoProduced for info.
func (r *ScriptedRemote) Announce(info *protocol.KernelInfo) error {
	env := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: info}, nil)
	_ = env.RoutingSlip.Stamp(r.uri)
	return r.end.Send(context.Background(), env)
}

// Emit sends ev as produced by a command with the given token, outside any
// script. Used for deferred and out-of-band events.
func (r *ScriptedRemote) Emit(token string, ev protocol.Event) error {
	cmd := protocol.NewCommandEnvelope(&protocol.SubmitCode{})
	cmd.SetToken(protocol.ParseToken(token))
	env := protocol.NewEventEnvelope(ev, cmd)
	_ = env.RoutingSlip.Stamp(r.uri)
	return r.end.Send(context.Background(), env)
}

func (r *ScriptedRemote) onEnvelope(env protocol.Envelope) {
	cmd, ok := env.(*protocol.CommandEnvelope)
	if !ok {
		return
	}

	r.mu.Lock()
	r.received = append(r.received, cmd)
	script := r.script
	if s, ok := r.scripts[cmd.CommandType]; ok {
		script = s
	}
	r.mu.Unlock()

	if script == nil {
		return
	}
	_ = cmd.RoutingSlip.StampAsArrived(r.uri)
	ctx := context.Background()
	for _, ev := range script(cmd) {
		if ev.EventType().IsTerminal() {
			_ = cmd.RoutingSlip.Stamp(r.uri)
		}
		out := protocol.NewEventEnvelope(ev, cmd)
		_ = out.RoutingSlip.Stamp(r.uri)
		if err := r.end.Send(ctx, out); err != nil {
			return
		}
	}
}
