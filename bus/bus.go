// Package bus carries taskboard traffic between processes: action events
// from chat adapters, surface requests to the gateway that owns the chat
// connection, and rate limit announcements between replicas.
//
// The MessageBus interface supports pub/sub, queue groups and
// request/reply over NATS or in-process channels.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// HeaderTraceID carries the trace id of the event that caused a message.
const HeaderTraceID = "Taskboard-Trace-Id"

// Message is one payload on a subject.
type Message struct {
	Subject string
	Data    []byte

	// Reply is where a responder answers. Only requests carry one.
	Reply string

	// Header carries trace context and HeaderTraceID.
	Header map[string]string
}

// TraceID returns the trace header, if any.
func (m *Message) TraceID() string {
	if m == nil || m.Header == nil {
		return ""
	}
	return m.Header[HeaderTraceID]
}

// MessageBus moves messages between taskboard processes.
type MessageBus interface {
	Publish(subject string, data []byte) error
	PublishMsg(msg *Message) error

	// Subscribe receives every message on subject.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe shares the messages on subject among the members
	// of queue; each goes to one member. Replicas of the controller use
	// it for action events.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request waits for the first reply to msg. It returns
	// ErrNoResponders when nobody listens and ErrTimeout once ctx ends.
	Request(ctx context.Context, msg *Message) (*Message, error)

	Close() error
}

// Subscription is a live interest in a subject.
type Subscription interface {
	// Messages may be closed when the subscription ends, so readers
	// should also watch their own context.
	Messages() <-chan *Message
	Unsubscribe() error
}

// Respond publishes data on the reply subject of req. It is a no-op for
// messages that expect no reply.
func Respond(b MessageBus, req *Message, data []byte) error {
	if req.Reply == "" {
		return nil
	}
	return b.PublishMsg(&Message{Subject: req.Reply, Data: data, Header: req.Header})
}

// Config is shared by every bus implementation.
type Config struct {
	BufferSize int // per subscription channel
}

func DefaultConfig() Config { return Config{BufferSize: 256} }

// ValidateSubject rejects empty subjects, empty tokens and whitespace.
// Wildcards are not used by taskboard and are rejected too.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}
