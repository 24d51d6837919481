package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names on the real-time channel. They match the backend's socket events.
const (
	EventJoin      = "join_group_ride_message"
	EventLeave     = "leave_group_ride_message"
	EventSend      = "send_message_ride_message"
	EventDelivered = "receive_message_ride_message"
	EventError     = "error"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Event is one of JoinEvent, LeaveEvent, SendEvent, DeliveredEvent or ErrorEvent.
type Event interface {
	EventName() string
	validate() error
}

// JoinEvent asks the backend to route a group's messages to this connection
type JoinEvent struct {
	GroupID string
}

// LeaveEvent stops routing a group's messages to this connection
type LeaveEvent struct {
	GroupID string
}

// SendEvent carries a locally originated message outward
type SendEvent struct {
	Message Message
}

// DeliveredEvent is the backend's broadcast of a stored message, including the echo to its sender
type DeliveredEvent struct {
	Message Message
}

// ErrorEvent reports a rejected event back to the client
type ErrorEvent struct {
	Error string `json:"error"`
}

func (JoinEvent) EventName() string      { return EventJoin }
func (LeaveEvent) EventName() string     { return EventLeave }
func (SendEvent) EventName() string      { return EventSend }
func (DeliveredEvent) EventName() string { return EventDelivered }
func (ErrorEvent) EventName() string     { return EventError }

func (e JoinEvent) validate() error {
	if strings.TrimSpace(e.GroupID) == "" {
		return ErrEmptyGroup
	}
	return nil
}

func (e LeaveEvent) validate() error {
	if strings.TrimSpace(e.GroupID) == "" {
		return ErrEmptyGroup
	}
	return nil
}

func (e SendEvent) validate() error      { return e.Message.Validate() }
func (e DeliveredEvent) validate() error { return e.Message.Validate() }
func (e ErrorEvent) validate() error     { return nil }

// envelope is the frame written to the socket
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode validates an event and wraps it in a wire envelope.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrUnknownEvent
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.EventName(), err)
	}

	var payload any
	switch e := ev.(type) {
	case JoinEvent:
		// join/leave carry the bare group id, as the backend expects
		payload = e.GroupID
	case LeaveEvent:
		payload = e.GroupID
	case SendEvent:
		payload = e.Message
	case DeliveredEvent:
		payload = e.Message
	case ErrorEvent:
		payload = e
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.EventName(), err)
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: data})
}

// Decode parses a wire envelope into its typed event, rejecting anything malformed.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var ev Event
	switch env.Event {
	case EventJoin, EventLeave:
		var groupID string
		if err := json.Unmarshal(env.Data, &groupID); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
		}
		if env.Event == EventJoin {
			ev = JoinEvent{GroupID: groupID}
		} else {
			ev = LeaveEvent{GroupID: groupID}
		}
	case EventSend, EventDelivered:
		var msg Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
		}
		if env.Event == EventSend {
			ev = SendEvent{Message: msg}
		} else {
			ev = DeliveredEvent{Message: msg}
		}
	case EventError:
		var e ErrorEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return ev, nil
}
