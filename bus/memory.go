package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBus is a MessageBus inside one process. Tests use it, and so do
// single-binary deployments where the adapter and controller share a
// process. Publishing never blocks: a full subscriber loses the message
// and Dropped counts it.
type MemoryBus struct {
	cfg    Config
	closed atomic.Bool

	mu     sync.RWMutex
	routes map[string]*route // by subject

	inboxMu sync.Mutex
	inboxes map[string]chan *Message

	dropped atomic.Uint64
}

// route is everything listening on one subject.
type route struct {
	fanout []*memorySub
	groups map[string]*queueGroup
}

func (r *route) empty() bool {
	if len(r.fanout) > 0 {
		return false
	}
	for _, g := range r.groups {
		if len(g.members) > 0 {
			return false
		}
	}
	return true
}

type queueGroup struct {
	members []*memorySub
	next    atomic.Uint64
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
}

var _ MessageBus = (*MemoryBus)(nil)

func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		cfg:     cfg,
		routes:  make(map[string]*route),
		inboxes: make(map[string]chan *Message),
	}
}

// Dropped is the number of messages lost to full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemoryBus) check(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

func (b *MemoryBus) PublishMsg(msg *Message) error {
	if err := b.check(msg.Subject); err != nil {
		return err
	}
	if !b.answer(msg) {
		b.route(msg)
	}
	return nil
}

// route delivers msg to every fan-out subscriber and to one member of
// each queue group. The read lock keeps Unsubscribe from closing a
// channel mid-send.
func (b *MemoryBus) route(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.routes[msg.Subject]
	if r == nil {
		return
	}
	for _, sub := range r.fanout {
		if !sub.offer(msg) {
			b.dropped.Add(1)
		}
	}
	for _, g := range r.groups {
		if !g.offer(msg) {
			b.dropped.Add(1)
		}
	}
}

func (s *memorySub) offer(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// offer tries members round-robin, skipping full ones.
func (g *queueGroup) offer(msg *Message) bool {
	n := uint64(len(g.members))
	if n == 0 {
		return true
	}
	first := g.next.Add(1)
	for i := uint64(0); i < n; i++ {
		if g.members[(first+i)%n].offer(msg) {
			return true
		}
	}
	return false
}

// answer completes a pending Request when msg is addressed to its inbox.
func (b *MemoryBus) answer(msg *Message) bool {
	b.inboxMu.Lock()
	ch, ok := b.inboxes[msg.Subject]
	delete(b.inboxes, msg.Subject)
	b.inboxMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (*memorySub, error) {
	if err := b.check(subject); err != nil {
		return nil, err
	}
	sub := &memorySub{
		bus:     b,
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.cfg.BufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	r := b.routes[subject]
	if r == nil {
		r = &route{groups: make(map[string]*queueGroup)}
		b.routes[subject] = r
	}
	if queue == "" {
		r.fanout = append(r.fanout, sub)
		return sub, nil
	}
	g := r.groups[queue]
	if g == nil {
		g = &queueGroup{}
		r.groups[queue] = g
	}
	g.members = append(g.members, sub)
	return sub, nil
}

// Request delivers msg with a private inbox as Reply and waits for the
// first message published to that inbox.
func (b *MemoryBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if err := b.check(msg.Subject); err != nil {
		return nil, err
	}
	b.mu.RLock()
	r := b.routes[msg.Subject]
	listening := r != nil && !r.empty()
	b.mu.RUnlock()
	if !listening {
		return nil, ErrNoResponders
	}

	inbox := "_INBOX." + uuid.NewString()
	reply := make(chan *Message, 1)
	b.inboxMu.Lock()
	b.inboxes[inbox] = reply
	b.inboxMu.Unlock()

	b.route(&Message{Subject: msg.Subject, Data: msg.Data, Reply: inbox, Header: msg.Header})

	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		b.inboxMu.Lock()
		delete(b.inboxes, inbox)
		b.inboxMu.Unlock()
		return nil, ErrTimeout
	}
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.routes {
		for _, sub := range r.fanout {
			sub.shut()
		}
		for _, g := range r.groups {
			for _, sub := range g.members {
				sub.shut()
			}
		}
	}
	b.routes = make(map[string]*route)
	return nil
}

func (s *memorySub) Messages() <-chan *Message { return s.ch }

// shut closes the channel once. Caller holds the bus write lock.
func (s *memorySub) shut() {
	if !s.closed.Swap(true) {
		close(s.ch)
	}
}

func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	if r := b.routes[s.subject]; r != nil {
		if s.queue == "" {
			r.fanout = without(r.fanout, s)
		} else if g := r.groups[s.queue]; g != nil {
			g.members = without(g.members, s)
		}
	}
	s.shut()
	return nil
}

func without(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
