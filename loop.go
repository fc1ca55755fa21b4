package dbus

import (
	"log"
	"sync"

	"github.com/creachadair/mds/queue"
)

// eventLoop runs queued callbacks one at a time, in order, on a
// single goroutine.
type eventLoop struct {
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu     sync.Mutex
	queue  queue.Queue[func()]
	closed bool
}

func newEventLoop() *eventLoop {
	ret := &eventLoop{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go ret.run()
	return ret
}

// post queues fn for execution. It reports false if the loop has
// been closed, in which case fn will never run.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue.Add(fn)
	if l.queue.Len() == 1 {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// close stops accepting new callbacks. Callbacks already queued still
// run.
func (l *eventLoop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stop)
}

func (l *eventLoop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Pop()
}

func (l *eventLoop) run() {
	defer close(l.stopped)
	for {
		fn, ok := l.pop()
		if ok {
			runCallback(fn)
			continue
		}
		select {
		case <-l.wake:
		case <-l.stop:
			for {
				fn, ok := l.pop()
				if !ok {
					return
				}
				runCallback(fn)
			}
		}
	}
}

func runCallback(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			log.Printf("dbus: callback panicked: %v", err)
		}
	}()
	fn()
}
