package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskboard/logging"
)

// NATSConfig describes the NATS connection a bus dials.
type NATSConfig struct {
	Config

	URL  string
	Name string // client name shown by the server

	// Token, or User and Password. Empty means anonymous.
	Token    string
	User     string
	Password string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever

	// Logger receives connection state changes. Nil logs nothing.
	Logger *logging.Logger
}

// DefaultNATSConfig dials the local server and reconnects forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "taskboard",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

func (c NATSConfig) options() []nats.Option {
	log := c.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("nats")

	opts := []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.ConnectTimeout),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("nats_disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := map[string]interface{}{"error": err.Error()}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			log.Error("nats_async_error", fields)
		}),
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.User != "":
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// NATSBus is a MessageBus over NATS core. The connection is also what the
// JetStream KV task store runs on.
type NATSBus struct {
	nc  *nats.Conn
	cfg NATSConfig
}

var _ MessageBus = (*NATSBus)(nil)

// NewNATSBus dials cfg.URL. Close drains the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	nc, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	return &NATSBus{nc: nc, cfg: cfg}, nil
}

// Conn exposes the connection for JetStream.
func (b *NATSBus) Conn() *nats.Conn { return b.nc }

// ready checks subject and connection state shared by every operation.
func (b *NATSBus) ready(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

func (b *NATSBus) PublishMsg(msg *Message) error {
	if err := b.ready(msg.Subject); err != nil {
		return err
	}
	if err := b.nc.PublishMsg(encodeMsg(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe fans out to every subscriber. A subscriber that falls behind
// loses messages rather than stalling the connection.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe delivers each message to one member of queue. Delivery
// waits while the member's channel is full so work is never dropped.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := b.ready(subject); err != nil {
		return nil, err
	}
	s := &natsSubscription{
		ch:   make(chan *Message, b.cfg.BufferSize),
		stop: make(chan struct{}),
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.Subscribe(subject, s.offer)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, queue, s.deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

// Request publishes msg with a reply inbox and waits for the first
// answer.
func (b *NATSBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if err := b.ready(msg.Subject); err != nil {
		return nil, err
	}
	reply, err := b.nc.RequestMsgWithContext(ctx, encodeMsg(msg))
	switch {
	case err == nil:
		return decodeMsg(reply), nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	}
	return nil, fmt.Errorf("request %s: %w", msg.Subject, err)
}

// Close drains subscriptions and pending publishes before closing.
func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func encodeMsg(msg *Message) *nats.Msg {
	m := &nats.Msg{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}
	if len(msg.Header) > 0 {
		m.Header = make(nats.Header, len(msg.Header))
		for k, v := range msg.Header {
			m.Header.Set(k, v)
		}
	}
	return m
}

func decodeMsg(m *nats.Msg) *Message {
	msg := &Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data}
	for k := range m.Header {
		if msg.Header == nil {
			msg.Header = make(map[string]string, len(m.Header))
		}
		msg.Header[k] = m.Header.Get(k)
	}
	return msg
}

type natsSubscription struct {
	sub  *nats.Subscription
	ch   chan *Message
	stop chan struct{}
	once sync.Once
}

// offer drops the message when the reader is behind.
func (s *natsSubscription) offer(m *nats.Msg) {
	select {
	case s.ch <- decodeMsg(m):
	default:
	}
}

// deliver waits for room until the subscription is cancelled.
func (s *natsSubscription) deliver(m *nats.Msg) {
	select {
	case s.ch <- decodeMsg(m):
	case <-s.stop:
	}
}

func (s *natsSubscription) Messages() <-chan *Message { return s.ch }

// Unsubscribe stops delivery. The channel stays open since a callback
// may still be running; readers stop on their own context.
func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.sub.Unsubscribe()
	})
	return err
}
