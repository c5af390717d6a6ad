package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireCommand struct {
	CommandType    CommandType     `json:"commandType"`
	Command        json.RawMessage `json:"command"`
	Token          string          `json:"token,omitempty"`
	DestinationURI string          `json:"destinationUri,omitempty"`
	OriginURI      string          `json:"originUri,omitempty"`
	RoutingSlip    []string        `json:"routingSlip,omitempty"`
}

type wireEvent struct {
	EventType   EventType       `json:"eventType"`
	Event       json.RawMessage `json:"event"`
	Command     *wireCommand    `json:"command,omitempty"`
	RoutingSlip []string        `json:"routingSlip"`
}

type wireProbe struct {
	CommandType string `json:"commandType"`
	EventType   string `json:"eventType"`
}

// Marshal encodes an envelope as one JSON object with no trailing newline.
func Marshal(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *CommandEnvelope:
		w, err := toWireCommand(e)
		if err != nil {
			return nil, err
		}
		return json.Marshal(w)
	case *EventEnvelope:
		w, err := toWireEvent(e)
		if err != nil {
			return nil, err
		}
		return json.Marshal(w)
	default:
		return nil, fmt.Errorf("marshal envelope: unsupported type %T", env)
	}
}

// Unmarshal decodes one JSON object into a typed envelope.
//
// Frames with an eventType are events; frames with only a commandType are
// commands. Anything else, or an unrecognized tag, is a *ProtocolError.
func Unmarshal(data []byte) (Envelope, error) {
	var probe wireProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, malformed("invalid JSON", err)
	}

	switch {
	case probe.EventType != "":
		var w wireEvent
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("invalid event envelope", err)
		}
		return fromWireEvent(&w)
	case probe.CommandType != "":
		var w wireCommand
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("invalid command envelope", err)
		}
		return fromWireCommand(&w)
	default:
		return nil, malformed("frame has neither commandType nor eventType", nil)
	}
}

func toWireCommand(c *CommandEnvelope) (*wireCommand, error) {
	payload, err := json.Marshal(c.Command)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.CommandType, err)
	}
	return &wireCommand{
		CommandType:    c.CommandType,
		Command:        payload,
		Token:          c.Token().String(),
		DestinationURI: c.DestinationURI,
		OriginURI:      c.OriginURI,
		RoutingSlip:    c.RoutingSlip.Slice(),
	}, nil
}

func toWireEvent(e *EventEnvelope) (*wireEvent, error) {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType, err)
	}
	w := &wireEvent{
		EventType:   e.EventType,
		Event:       payload,
		RoutingSlip: e.RoutingSlip.Slice(),
	}
	if w.RoutingSlip == nil {
		w.RoutingSlip = []string{}
	}
	if e.Command != nil {
		if w.Command, err = toWireCommand(e.Command); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func fromWireCommand(w *wireCommand) (*CommandEnvelope, error) {
	cmd, err := NewCommand(w.CommandType)
	if err != nil {
		return nil, err
	}
	if !isEmptyPayload(w.Command) {
		if err := json.Unmarshal(w.Command, cmd); err != nil {
			return nil, &ProtocolError{
				Code:    ErrCodeMalformedEnvelope,
				Message: "command payload does not match its type",
				Tag:     string(w.CommandType),
				Err:     err,
			}
		}
	}
	env := &CommandEnvelope{
		CommandType:    w.CommandType,
		Command:        cmd,
		DestinationURI: w.DestinationURI,
		OriginURI:      w.OriginURI,
		RoutingSlip:    NewRoutingSlip(w.RoutingSlip...),
	}
	env.token = ParseToken(w.Token)
	return env, nil
}

func fromWireEvent(w *wireEvent) (*EventEnvelope, error) {
	ev, err := NewEvent(w.EventType)
	if err != nil {
		return nil, err
	}
	if !isEmptyPayload(w.Event) {
		if err := json.Unmarshal(w.Event, ev); err != nil {
			return nil, &ProtocolError{
				Code:    ErrCodeMalformedEnvelope,
				Message: "event payload does not match its type",
				Tag:     string(w.EventType),
				Err:     err,
			}
		}
	}
	env := &EventEnvelope{
		EventType:   w.EventType,
		Event:       ev,
		RoutingSlip: NewRoutingSlip(w.RoutingSlip...),
	}
	if w.Command != nil && w.Command.CommandType != "" {
		if env.Command, err = fromWireCommand(w.Command); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
