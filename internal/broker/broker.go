// Package broker is the in-process transport of the search provider: named
// channels carrying a retained record, pattern listeners that are told when a
// channel gains or loses its audience, and request/response RPC.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message headers.
const (
	HeaderEvent = "event"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Message is a record update delivered to subscribers.
type Message struct {
	Topic   string
	Payload []byte
	Headers map[string]string // optional
}

// Deleted reports whether the message announces the removal of the record.
func (m *Message) Deleted() bool {
	return m.Headers[HeaderEvent] == EventDelete
}

// Subscriber receives messages for a topic. Send is called from the
// subscription's own goroutine, one message at a time.
type Subscriber interface {
	Send(msg *Message)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(msg *Message)

func (f SubscriberFunc) Send(msg *Message) { f(msg) }

// Options configures a broker.
type Options struct {
	// MailboxSize is the number of pending updates kept per subscriber. When
	// it is full the oldest pending update is dropped.
	MailboxSize int
	// Workers bounds concurrently running RPC handlers.
	Workers int
	Logger  *slog.Logger
}

type topic struct {
	subs      map[*subscription]struct{}
	record    []byte
	hasRecord bool
	offers    []*offer
}

func (t *topic) empty() bool {
	return len(t.subs) == 0 && !t.hasRecord && len(t.offers) == 0
}

// Broker is an in-memory channel broker.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topic
	listeners map[uint64]*listener
	nextID    uint64
	providers map[string]RPCHandler
	closed    bool

	mailbox int
	pool    *ants.Pool
	log     *slog.Logger
}

// New creates a broker.
func New(opts Options) (*Broker, error) {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 16
	}
	if opts.Workers <= 0 {
		opts.Workers = 256
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "broker")

	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		log.Error("rpc handler panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("broker: create worker pool: %w", err)
	}

	return &Broker{
		topics:    make(map[string]*topic),
		listeners: make(map[uint64]*listener),
		providers: make(map[string]RPCHandler),
		mailbox:   opts.MailboxSize,
		pool:      pool,
		log:       log,
	}, nil
}

// topicLocked must be called with b.mu held.
func (b *Broker) topicLocked(name string) *topic {
	t := b.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// gcLocked must be called with b.mu held.
func (b *Broker) gcLocked(name string) {
	if t := b.topics[name]; t != nil && t.empty() {
		delete(b.topics, name)
	}
}

// SetRecord replaces the retained record of a topic and fans it out. It
// returns once the record is stored.
func (b *Broker) SetRecord(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topicLocked(name)
	t.record = append([]byte(nil), data...)
	t.hasRecord = true

	msg := &Message{Topic: name, Payload: t.record, Headers: map[string]string{HeaderEvent: EventUpdate}}
	for sub := range t.subs {
		sub.push(msg)
	}
	return nil
}

// Record returns the retained record of a topic.
func (b *Broker) Record(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[name]
	if t == nil || !t.hasRecord {
		return nil, false
	}
	return append([]byte(nil), t.record...), true
}

// DeleteRecord removes the retained record and notifies subscribers. It
// reports whether a record existed.
func (b *Broker) DeleteRecord(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[name]
	if t == nil || !t.hasRecord {
		return false
	}
	t.record = nil
	t.hasRecord = false

	msg := &Message{Topic: name, Headers: map[string]string{HeaderEvent: EventDelete}}
	for sub := range t.subs {
		sub.push(msg)
	}
	b.gcLocked(name)
	return true
}

// Subscribe attaches sub to a topic and returns the function that detaches
// it. The retained record, if any, is delivered first. The first subscriber
// of a topic offers it to every matching listener.
func (b *Broker) Subscribe(name string, sub Subscriber) (func(), error) {
	s := newSubscription(name, sub, b.mailbox)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	t := b.topicLocked(name)
	first := len(t.subs) == 0
	t.subs[s] = struct{}{}
	if t.hasRecord {
		s.push(&Message{Topic: name, Payload: t.record, Headers: map[string]string{HeaderEvent: EventUpdate}})
	}
	var offers []*offer
	if first {
		offers = b.offerLocked(name, t)
	}
	b.mu.Unlock()

	go s.run()
	b.dispatch(offers)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, s) })
	}, nil
}

func (b *Broker) unsubscribe(name string, s *subscription) {
	b.mu.Lock()
	t := b.topics[name]
	if t == nil {
		b.mu.Unlock()
		_ = s.close()
		return
	}
	delete(t.subs, s)
	var ended []*offer
	if len(t.subs) == 0 {
		ended = t.offers
		t.offers = nil
		b.gcLocked(name)
	}
	b.mu.Unlock()

	dropped := s.close()
	b.log.Debug("subscriber detached", "topic", name, "subscriber", s.id, "dropped", dropped)
	for _, o := range ended {
		o.end()
	}
}

// SubscriberCount returns the number of subscribers of a topic.
func (b *Broker) SubscriberCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[name]; t != nil {
		return len(t.subs)
	}
	return 0
}

// TopicInfo describes one topic.
type TopicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	HasRecord   bool   `json:"hasRecord"`
}

// Topics lists known topics sorted by name.
func (b *Broker) Topics() []TopicInfo {
	b.mu.Lock()
	out := make([]TopicInfo, 0, len(b.topics))
	for name, t := range b.topics {
		out = append(out, TopicInfo{Name: name, Subscribers: len(t.subs), HasRecord: t.hasRecord})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close detaches every subscriber, ends accepted channels and stops the RPC
// worker pool.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var (
		subs   []*subscription
		offers []*offer
	)
	for _, t := range b.topics {
		for s := range t.subs {
			subs = append(subs, s)
		}
		offers = append(offers, t.offers...)
	}
	b.topics = make(map[string]*topic)
	b.listeners = make(map[uint64]*listener)
	b.providers = make(map[string]RPCHandler)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.close()
	}
	for _, o := range offers {
		o.end()
	}
	return b.pool.ReleaseTimeout(3 * time.Second)
}

// subscription owns a bounded mailbox drained by its own goroutine.
type subscription struct {
	id      string
	topic   string
	sub     Subscriber
	mu      sync.Mutex
	closed  bool
	mailbox chan *Message
	dropped uint64
}

func newSubscription(name string, sub Subscriber, size int) *subscription {
	return &subscription{
		id:      uuid.NewString(),
		topic:   name,
		sub:     sub,
		mailbox: make(chan *Message, size),
	}
}

// push never blocks: when the mailbox is full the oldest update is dropped.
func (s *subscription) push(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.mailbox <- msg:
			return
		default:
		}
		select {
		case <-s.mailbox:
			s.dropped++
		default:
		}
	}
}

// run delivers mailbox messages until close; updates still pending at close
// are discarded.
func (s *subscription) run() {
	for msg := range s.mailbox {
		if s.isClosed() {
			continue
		}
		s.sub.Send(msg)
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close stops delivery and returns the number of updates dropped on a full
// mailbox.
func (s *subscription) close() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.mailbox)
	}
	return s.dropped
}
