package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

// maxWatcherQueue is how many undelivered notifications a Watcher
// holds before it starts dropping signals.
const maxWatcherQueue = 20

// A Notification is a signal delivered by a [Watcher].
type Notification struct {
	*Message
	// Dropped is the number of matching signals that arrived after
	// this one and were discarded because the Watcher's queue was
	// full.
	Dropped int
}

// A Watcher delivers the bus signals that match any of its match
// rules on a channel.
//
// Unlike [Conn.Subscribe] callbacks, a Watcher does not run on the
// event loop. It suits programs that consume signals in their own
// goroutine, such as command line tools.
type Watcher struct {
	conn *Conn
	out  chan *Notification
	wake chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	pending queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Watch returns a new Watcher. It delivers nothing until
// [Watcher.Match] adds match rules.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:    c,
		out:     make(chan *Notification),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		matches: mapset.New[*Match](),
	}
	go w.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.stop()
	} else {
		c.watchers.Add(w)
	}
	return w
}

// Chan returns the channel of notifications. It is closed when the
// Watcher or its Conn closes.
//
// Receivers must keep up: when too many notifications are waiting,
// later signals are dropped and counted in the Dropped field of the
// last queued notification.
func (w *Watcher) Chan() <-chan *Notification {
	return w.out
}

// Match adds the match rule m to the bus and to the Watcher. Rules
// are additive. The returned remove function deletes only m.
func (w *Watcher) Match(ctx context.Context, m *Match) (remove func(), err error) {
	if err := w.conn.addMatch(ctx, m); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.matches.Add(m)
	w.mu.Unlock()

	return func() {
		if w.forget(m) {
			w.conn.removeMatch(context.Background(), m)
		}
	}, nil
}

// forget removes m from the Watcher's rules, and reports whether it
// was there.
func (w *Watcher) forget(m *Match) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.matches.Has(m) {
		return false
	}
	delete(w.matches, m)
	return true
}

// Close stops the Watcher and removes its match rules from the bus.
func (w *Watcher) Close() {
	w.stop()

	w.conn.mu.Lock()
	delete(w.conn.watchers, w)
	w.conn.mu.Unlock()

	w.mu.Lock()
	ms := w.matches
	w.matches = mapset.New[*Match]()
	w.mu.Unlock()
	for m := range ms {
		w.conn.removeMatch(context.Background(), m)
	}
}

// stop shuts down delivery and waits for the delivery goroutine to
// exit.
func (w *Watcher) stop() {
	w.closeOnce.Do(func() {
		close(w.closing)
		<-w.done
		w.mu.Lock()
		w.pending.Clear()
		w.mu.Unlock()
	})
}

// deliverSignal queues msg if it matches one of the Watcher's rules.
func (w *Watcher) deliverSignal(msg *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.closing:
		return
	default:
	}

	matched := false
	for m := range w.matches {
		if m.Matches(msg) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	if w.pending.Len() >= maxWatcherQueue {
		last, _ := w.pending.Peek(-1)
		last.Dropped++
		return
	}
	w.pending.Add(&Notification{Message: msg})
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) next() *Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.pending.Pop()
	return n
}

// run moves queued notifications to the output channel.
func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.out)
	for {
		n := w.next()
		if n == nil {
			select {
			case <-w.wake:
				continue
			case <-w.closing:
				return
			}
		}
		select {
		case w.out <- n:
		case <-w.closing:
			return
		}
	}
}
