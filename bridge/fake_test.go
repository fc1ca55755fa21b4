package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	dbus "github.com/danderson/dyndbus"
)

// fakeBus is an in-memory Bus. Async calls and introspections stay
// pending until the test completes them.
type fakeBus struct {
	t *testing.T

	// call, if set, answers blocking calls.
	call func(*dbus.Message) (*dbus.Message, error)

	mu          sync.Mutex
	serial      uint32
	sent        []*dbus.Message
	async       map[uint32]func(*dbus.Message, error)
	names       []string
	owners      map[string]string
	exports     map[dbus.ObjectPath]dbus.Handler
	subs        []*fakeSub
	introspects []fakeIntrospect
}

type fakeSub struct {
	match  *dbus.Match
	fn     func(*dbus.Message)
	active bool
}

type fakeIntrospect struct {
	dest string
	path dbus.ObjectPath
	done func(string, error)
}

func newFakeBus(t *testing.T) *fakeBus {
	return &fakeBus{
		t:       t,
		async:   map[uint32]func(*dbus.Message, error){},
		owners:  map[string]string{},
		exports: map[dbus.ObjectPath]dbus.Handler{},
	}
}

// Bus implements Buses, for every bus type.
func (b *fakeBus) Bus(ctx context.Context, t BusType) (Bus, error) {
	return b, nil
}

func (b *fakeBus) Send(ctx context.Context, msg *dbus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serial++
	msg.Serial = b.serial
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBus) Call(ctx context.Context, msg *dbus.Message) (*dbus.Message, error) {
	b.Send(ctx, msg)
	if b.call == nil {
		return nil, errors.New("fakeBus: no call handler")
	}
	return b.call(msg)
}

func (b *fakeBus) CallAsync(msg *dbus.Message, done func(*dbus.Message, error)) error {
	b.Send(context.Background(), msg)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.async[msg.Serial] = done
	return nil
}

func (b *fakeBus) RequestName(ctx context.Context, name string, flags dbus.NameRequestFlags) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, name)
	return true, nil
}

func (b *fakeBus) GetNameOwner(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.owners[name]; ok {
		return o, nil
	}
	return "", dbus.CallError{Name: "org.freedesktop.DBus.Error.NameHasNoOwner"}
}

func (b *fakeBus) Export(path dbus.ObjectPath, xml string, h dbus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exports[path] != nil {
		return nil, fmt.Errorf("object %s already exported", path)
	}
	b.exports[path] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.exports, path)
	}, nil
}

func (b *fakeBus) Subscribe(ctx context.Context, m *dbus.Match, fn func(*dbus.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &fakeSub{m, fn, true}
	b.subs = append(b.subs, s)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		s.active = false
	}, nil
}

func (b *fakeBus) Introspect(dest string, path dbus.ObjectPath, done func(string, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.introspects = append(b.introspects, fakeIntrospect{dest, path, done})
	return nil
}

// takeSent returns and forgets the messages sent so far.
func (b *fakeBus) takeSent() []*dbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := b.sent
	b.sent = nil
	return ret
}

// takeIntrospects returns and forgets the pending introspections.
func (b *fakeBus) takeIntrospects() []fakeIntrospect {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := b.introspects
	b.introspects = nil
	return ret
}

// activeMatches returns the string forms of the active subscriptions.
func (b *fakeBus) activeMatches() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []string
	for _, s := range b.subs {
		if s.active {
			ret = append(ret, s.match.String())
		}
	}
	slices.Sort(ret)
	return ret
}

// complete finishes the async call with the given serial.
func (b *fakeBus) complete(serial uint32, resp *dbus.Message, err error) {
	b.t.Helper()
	b.mu.Lock()
	done := b.async[serial]
	delete(b.async, serial)
	b.mu.Unlock()
	if done == nil {
		b.t.Fatalf("no pending async call with serial %d", serial)
	}
	done(resp, err)
}

// signal delivers msg to the matching subscriptions.
func (b *fakeBus) signal(msg *dbus.Message) {
	b.mu.Lock()
	var fns []func(*dbus.Message)
	for _, s := range b.subs {
		if s.active && s.match.Matches(msg) {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// deliver passes the method call msg to the object exported at its
// path, and returns the handler's verdict and any reply it sent.
// Messages sent earlier are discarded, and other messages sent by the
// handler stay queued.
func (b *fakeBus) deliver(msg *dbus.Message) (handled bool, reply *dbus.Message) {
	b.t.Helper()
	b.mu.Lock()
	h := b.exports[msg.Path]
	b.mu.Unlock()
	if h == nil {
		b.t.Fatalf("no object exported at %s", msg.Path)
	}
	b.takeSent()
	handled = h(msg)
	var rest []*dbus.Message
	for _, m := range b.takeSent() {
		if m.Type == dbus.MsgReturn || m.Type == dbus.MsgError {
			reply = m
		} else {
			rest = append(rest, m)
		}
	}
	b.mu.Lock()
	b.sent = append(rest, b.sent...)
	b.mu.Unlock()
	return handled, reply
}

// logCapture collects log lines.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (l *logCapture) logf(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(msg, args...))
}

func (l *logCapture) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.lines)
}
