// Package timer runs callbacks at future instants from a single background
// loop that ticks on wall-clock second boundaries.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

const defaultStopTimeout = 5 * time.Second

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("timer loop did not stop in time")

type entry struct {
	key   string
	at    time.Time
	fn    func()
	seq   uint64
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle cancels one scheduled callback.
type Handle struct {
	wheel *Wheel
	entry *entry
}

// Cancel prevents the callback from running. After it fired, Cancel does
// nothing and reports false.
func (h *Handle) Cancel() bool {
	return h.wheel.remove(h.entry)
}

// Key returns the key the callback was scheduled under.
func (h *Handle) Key() string {
	return h.entry.key
}

// Wheel keeps pending callbacks ordered by due time.
type Wheel struct {
	clock       clockwork.Clock
	logger      *slog.Logger
	stopTimeout time.Duration

	mu     sync.Mutex
	queue  entryHeap
	byKey  map[string]*entry
	seq    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Wheel.
type Option func(*Wheel)

// WithStopTimeout bounds how long Stop waits for the loop.
func WithStopTimeout(d time.Duration) Option {
	return func(w *Wheel) { w.stopTimeout = d }
}

func New(clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Wheel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Wheel{
		clock:       clock,
		logger:      logger,
		stopTimeout: defaultStopTimeout,
		byKey:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Clock returns the clock driving the wheel.
func (w *Wheel) Clock() clockwork.Clock {
	return w.clock
}

// Schedule registers fn to run at or after at. An entry already pending
// under key is replaced.
func (w *Wheel) Schedule(at time.Time, key string, fn func()) *Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.byKey[key]; ok {
		heap.Remove(&w.queue, old.index)
	}
	w.seq++
	e := &entry{key: key, at: at, fn: fn, seq: w.seq}
	heap.Push(&w.queue, e)
	w.byKey[key] = e
	return &Handle{wheel: w, entry: e}
}

// Cancel removes the entry pending under key. Unknown or already fired keys
// are ignored.
func (w *Wheel) Cancel(key string) bool {
	w.mu.Lock()
	e, ok := w.byKey[key]
	w.mu.Unlock()
	if !ok {
		return false
	}
	return w.remove(e)
}

func (w *Wheel) remove(e *entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.index < 0 || w.byKey[e.key] != e {
		return false
	}
	heap.Remove(&w.queue, e.index)
	delete(w.byKey, e.key)
	return true
}

// Pending returns the number of scheduled callbacks.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// When returns the due time of the entry pending under key.
func (w *Wheel) When(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// RunDue runs every callback due at now, earliest first, and returns how
// many ran. Callbacks run without the wheel's lock held, so they may
// schedule or cancel entries. A callback rescheduled for a time not after
// now runs on the next call, never in the same pass.
func (w *Wheel) RunDue(now time.Time) int {
	w.mu.Lock()
	var due []*entry
	for w.queue.Len() > 0 && !w.queue[0].at.After(now) {
		e := heap.Pop(&w.queue).(*entry)
		delete(w.byKey, e.key)
		due = append(due, e)
	}
	w.mu.Unlock()

	for _, e := range due {
		w.invoke(e)
	}
	return len(due)
}

func (w *Wheel) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("timer callback panicked", "key", e.key, "panic", r)
		}
	}()
	e.fn()
}

// Start launches the loop. It runs until ctx is cancelled or Stop is called.
func (w *Wheel) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go w.loop(ctx)
}

func (w *Wheel) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		now := w.clock.Now()
		w.RunDue(now)

		next := now.Truncate(time.Second).Add(time.Second)
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(next.Sub(now)):
		}
	}
}

// Stop ends the loop and waits for it, up to the configured timeout.
// Pending entries are kept; a later Start resumes them.
func (w *Wheel) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-time.After(w.stopTimeout):
		return ErrStopTimeout
	}
}
