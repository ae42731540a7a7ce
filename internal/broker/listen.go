package broker

import (
	"fmt"
	"regexp"
	"sync"
)

// ListenFunc is offered a topic matching its pattern when the topic gains its
// first subscriber. It must answer through resp.
type ListenFunc func(topic string, resp *ListenResponse)

type listener struct {
	id      uint64
	pattern *regexp.Regexp
	fn      ListenFunc
}

type offerState int

const (
	offerPending offerState = iota
	offerAccepted
	offerRejected
)

// offer is one listener's claim on one period during which a topic has
// subscribers.
type offer struct {
	listener *listener
	topic    string

	mu     sync.Mutex
	state  offerState
	ended  bool
	onStop []func()
}

// ListenResponse is a listener's answer to an offered topic.
type ListenResponse struct {
	o *offer
}

// Accept takes responsibility for the topic. If every subscriber already left,
// the stop callbacks run right away.
func (r *ListenResponse) Accept() {
	o := r.o
	o.mu.Lock()
	if o.state != offerPending {
		o.mu.Unlock()
		return
	}
	o.state = offerAccepted
	var fns []func()
	if o.ended {
		fns, o.onStop = o.onStop, nil
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Reject declines the topic. It is not offered again until its subscriber
// count has dropped to zero.
func (r *ListenResponse) Reject() {
	o := r.o
	o.mu.Lock()
	if o.state == offerPending {
		o.state = offerRejected
	}
	o.mu.Unlock()
}

// OnStop registers fn to run once the last subscriber of an accepted topic
// leaves. Registered after that point, fn runs immediately.
func (r *ListenResponse) OnStop(fn func()) {
	o := r.o
	o.mu.Lock()
	if o.ended && o.state == offerAccepted {
		o.mu.Unlock()
		fn()
		return
	}
	o.onStop = append(o.onStop, fn)
	o.mu.Unlock()
}

// Accepted reports whether the topic was accepted.
func (r *ListenResponse) Accepted() bool {
	r.o.mu.Lock()
	defer r.o.mu.Unlock()
	return r.o.state == offerAccepted
}

func (o *offer) end() {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return
	}
	o.ended = true
	var fns []func()
	if o.state == offerAccepted {
		fns, o.onStop = o.onStop, nil
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Listen registers fn for every topic whose name matches pattern, including
// topics that already have subscribers. The returned function unregisters the
// listener and ends its accepted topics.
func (b *Broker) Listen(pattern string, fn ListenFunc) (func(), error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid listen pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	l := &listener{id: b.nextID, pattern: re, fn: fn}
	b.listeners[l.id] = l

	var offers []*offer
	for name, t := range b.topics {
		if len(t.subs) > 0 && re.MatchString(name) {
			o := &offer{listener: l, topic: name}
			t.offers = append(t.offers, o)
			offers = append(offers, o)
		}
	}
	b.mu.Unlock()

	b.dispatch(offers)

	var once sync.Once
	return func() {
		once.Do(func() { b.unlisten(l) })
	}, nil
}

func (b *Broker) unlisten(l *listener) {
	b.mu.Lock()
	delete(b.listeners, l.id)
	var ended []*offer
	for name, t := range b.topics {
		kept := t.offers[:0]
		for _, o := range t.offers {
			if o.listener == l {
				ended = append(ended, o)
			} else {
				kept = append(kept, o)
			}
		}
		t.offers = kept
		b.gcLocked(name)
	}
	b.mu.Unlock()

	for _, o := range ended {
		o.end()
	}
}

// offerLocked creates an offer on t for every matching listener. It must be
// called with b.mu held.
func (b *Broker) offerLocked(name string, t *topic) []*offer {
	var offers []*offer
	for _, l := range b.listeners {
		if l.pattern.MatchString(name) {
			o := &offer{listener: l, topic: name}
			t.offers = append(t.offers, o)
			offers = append(offers, o)
		}
	}
	return offers
}

func (b *Broker) dispatch(offers []*offer) {
	for _, o := range offers {
		go o.listener.fn(o.topic, &ListenResponse{o: o})
	}
}
