// Package broker fans a process's combined output out to any number of
// subscribers.
//
// Every broker keeps a backlog bounded by total bytes. A subscriber attaching
// late first receives the retained backlog, oldest chunk first, then every
// chunk published after it attached. When the backlog exceeds its limit the
// oldest whole chunks are evicted; Truncated reports how many.
//
// Each subscriber owns a queue bounded by bytes. Publish never waits for a
// subscriber: when a queue overflows its oldest chunk is dropped and the
// subscription's Dropped counter grows. The default queue limit is twice the
// backlog limit so replaying the backlog itself never drops data.
package broker

import (
	"bytes"
	"sync"
)

const (
	DefaultBacklogLimit = 4 << 20
	DefaultQueueLimit   = 2 * DefaultBacklogLimit
)

// Option configures a Broker.
type Option func(*Broker)

// WithBacklogLimit bounds the replay backlog to n bytes.
func WithBacklogLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.backlogLimit = n
		}
	}
}

// WithQueueLimit bounds every subscriber queue to n bytes.
func WithQueueLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueLimit = n
		}
	}
}

// Broker is safe for concurrent use.
type Broker struct {
	mu           sync.Mutex
	backlog      [][]byte
	backlogBytes int
	backlogLimit int
	queueLimit   int
	truncated    int
	subs         map[*Subscription]struct{}
	closed       bool
	done         chan struct{}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		backlogLimit: DefaultBacklogLimit,
		queueLimit:   DefaultQueueLimit,
		subs:         make(map[*Subscription]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends chunk to the backlog and hands it to every attached
// subscriber. It is a no-op after Close.
func (b *Broker) Publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	data := bytes.Clone(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.backlog = append(b.backlog, data)
	b.backlogBytes += len(data)
	for b.backlogBytes > b.backlogLimit && len(b.backlog) > 1 {
		b.backlogBytes -= len(b.backlog[0])
		b.backlog[0] = nil
		b.backlog = b.backlog[1:]
		b.truncated++
	}
	for sub := range b.subs {
		sub.push(data)
	}
}

// Subscribe attaches a new subscriber that starts with the retained backlog.
// Subscribing to a closed broker yields the backlog followed by the close
// sentinel.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		broker: b,
		limit:  max(b.queueLimit, b.backlogLimit),
		notify: make(chan struct{}, 1),
	}
	for _, chunk := range b.backlog {
		sub.pending = append(sub.pending, chunk)
		sub.pendingBytes += len(chunk)
	}
	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close delivers the close sentinel to all subscribers. Safe to call more
// than once.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	clear(b.subs)
	close(b.done)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

// Done is closed once the broker is closed.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Truncated is the number of chunks evicted from the backlog so far.
func (b *Broker) Truncated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Backlog returns a copy of the retained output.
func (b *Broker) Backlog() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Join(b.backlog, nil)
}

// Subscribers returns the number of attached subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) detach(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
