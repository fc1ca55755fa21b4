package dbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"net"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dyndbus/fragments"
	"github.com/danderson/dyndbus/transport"
)

const (
	busName = "org.freedesktop.DBus"
	busPath = ObjectPath("/org/freedesktop/DBus")

	ifaceBus        = "org.freedesktop.DBus"
	ifacePeer       = "org.freedesktop.DBus.Peer"
	ifaceIntrospect = "org.freedesktop.DBus.Introspectable"
	ifaceProps      = "org.freedesktop.DBus.Properties"
)

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, transport.SystemBusAddress())
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr)
}

// Dial connects to the bus at the given DBus address list.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	t, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, t)
}

// NewConn returns a Conn that speaks to a bus over t, which must be
// freshly authenticated. NewConn takes ownership of t.
func NewConn(ctx context.Context, t transport.Transport) (*Conn, error) {
	ret := &Conn{
		t:        t,
		order:    fragments.NativeEndian,
		loop:     newEventLoop(),
		calls:    map[uint32]*pendingCall{},
		exports:  map[ObjectPath]*export{},
		subs:     mapset.New[*subscription](),
		watchers: mapset.New[*Watcher](),
	}

	go ret.readLoop()

	resp, err := ret.Call(ctx, ret.busCall("Hello"))
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	if len(resp.Body) != 1 || resp.Body[0].Type() != "s" {
		ret.Close()
		return nil, fmt.Errorf("unexpected Hello response %s", Repr(resp.Body...))
	}
	ret.clientID = string(resp.Body[0].(String))

	return ret, nil
}

// Conn is a DBus connection.
//
// Replies to blocking calls made with [Conn.Call] are delivered
// directly by the connection's reader. All other callbacks (exported
// object handlers, async call completions and signal subscriptions)
// run one at a time, in arrival order, on the connection's event
// loop.
type Conn struct {
	t        transport.Transport
	clientID string
	order    fragments.ByteOrder
	loop     *eventLoop

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	lastSerial uint32
	exports    map[ObjectPath]*export
	subs       mapset.Set[*subscription]
	watchers   mapset.Set[*Watcher]
}

type pendingCall struct {
	// notify is closed when a blocking call completes.
	notify chan struct{}
	// done is called on the event loop when an async call completes.
	done func(*Message, error)

	resp *Message
	err  error
}

// Handler handles method calls to an exported object. It is
// responsible for sending any replies, and reports whether it
// recognized the call.
type Handler func(msg *Message) (handled bool)

type export struct {
	xml     string
	handler Handler
}

type subscription struct {
	match *Match
	fn    func(*Message)
}

// Close closes the DBus connection.
func (c *Conn) Close() error {
	var (
		pend map[uint32]*pendingCall
		ws   mapset.Set[*Watcher]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		pend, c.calls = c.calls, nil
		ws, c.watchers = c.watchers, nil
		c.subs = nil
		c.mu.Unlock()
	}
	for p := range maps.Values(pend) {
		p.complete(c.loop, nil, net.ErrClosed)
	}
	for w := range ws {
		w.stop()
	}
	c.loop.close()
	return c.t.Close()
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

func (c *Conn) nextSerialLocked() uint32 {
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

func (c *Conn) writeMsg(msg *Message) error {
	hdr, body, err := encodeMessage(c.order, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.t.WriteWithFiles(hdr, msg.Files); err != nil {
		return err
	}
	if _, err := c.t.Write(body); err != nil {
		return err
	}
	return nil
}

// Send sends msg without waiting for any reply. msg.Serial is
// assigned by Send.
//
// If msg is a method call that expects a reply, the reply is
// discarded on arrival.
func (c *Conn) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	msg.Serial = c.nextSerialLocked()
	c.mu.Unlock()
	return c.writeMsg(msg)
}

// Call sends the method call msg and waits for its reply.
//
// If the peer replies with an error, Call returns a [CallError]. If
// msg has FlagNoReplyExpected set, Call returns (nil, nil) once the
// message is sent.
func (c *Conn) Call(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Type != MsgCall {
		return nil, fmt.Errorf("cannot Call a message of type %s", msg.Type)
	}
	if !msg.WantReply() {
		return nil, c.Send(ctx, msg)
	}

	pending := &pendingCall{notify: make(chan struct{})}
	serial, err := c.track(msg, pending)
	if err != nil {
		return nil, err
	}
	defer c.untrack(serial, pending)

	if err := c.writeMsg(msg); err != nil {
		return nil, err
	}

	select {
	case <-pending.notify:
		return pending.resp, pending.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallAsync sends the method call msg and returns immediately. done
// is called exactly once on the event loop, with either the reply or
// an error.
//
// If the message cannot be sent, CallAsync returns the error and done
// is never called.
func (c *Conn) CallAsync(msg *Message, done func(*Message, error)) error {
	if msg.Type != MsgCall {
		return fmt.Errorf("cannot Call a message of type %s", msg.Type)
	}
	msg.Flags &^= FlagNoReplyExpected
	pending := &pendingCall{done: done}
	serial, err := c.track(msg, pending)
	if err != nil {
		return err
	}
	if err := c.writeMsg(msg); err != nil {
		c.untrack(serial, pending)
		return err
	}
	return nil
}

func (c *Conn) track(msg *Message, pending *pendingCall) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	msg.Serial = c.nextSerialLocked()
	c.calls[msg.Serial] = pending
	return msg.Serial, nil
}

func (c *Conn) untrack(serial uint32, pending *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[serial] == pending {
		delete(c.calls, serial)
	}
}

func (p *pendingCall) complete(loop *eventLoop, resp *Message, err error) {
	if p.done == nil {
		p.resp, p.err = resp, err
		close(p.notify)
		return
	}
	if !loop.post(func() { p.done(resp, err) }) {
		log.Printf("dbus: dropped completion of async call after close")
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := decodeMessage(c.t, c.t.GetFiles)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				// Errors that bubble out here represent a failure to
				// conform to the DBus protocol, and are fatal to the
				// Conn.
				log.Printf("dbus: read error: %v", err)
				c.Close()
			}
			return
		}
		if err := msg.Valid(); err != nil {
			log.Printf("dbus: received invalid message: %v", err)
			continue
		}
		c.dispatchMsg(msg)
	}
}

func (c *Conn) dispatchMsg(msg *Message) {
	switch msg.Type {
	case MsgCall:
		c.loop.post(func() { c.dispatchCall(msg) })
	case MsgReturn, MsgError:
		c.dispatchReturn(msg)
	case MsgSignal:
		c.dispatchSignal(msg)
	}
}

func (c *Conn) dispatchReturn(msg *Message) {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[msg.ReplySerial]
		delete(c.calls, msg.ReplySerial)
		return ret
	}()
	if pending == nil {
		// Response to a canceled or untracked call.
		return
	}
	if err := msg.Err(); err != nil {
		pending.complete(c.loop, nil, err)
		return
	}
	pending.complete(c.loop, msg, nil)
}

func (c *Conn) dispatchSignal(msg *Message) {
	var (
		subs []*subscription
		ws   []*Watcher
	)
	{
		c.mu.Lock()
		for s := range c.subs {
			if s.match.Matches(msg) {
				subs = append(subs, s)
			}
		}
		for w := range c.watchers {
			ws = append(ws, w)
		}
		c.mu.Unlock()
	}
	for _, s := range subs {
		c.loop.post(func() {
			if c.subscribed(s) {
				s.fn(msg)
			}
		})
	}
	for _, w := range ws {
		w.deliverSignal(msg)
	}
}

func (c *Conn) subscribed(s *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Has(s)
}

// dispatchCall runs on the event loop.
func (c *Conn) dispatchCall(msg *Message) {
	reply := func(r *Message) {
		if !msg.WantReply() {
			return
		}
		if err := c.Send(context.Background(), r); err != nil {
			log.Printf("dbus: sending reply to %s: %v", msg.Sender, err)
		}
	}

	if msg.Interface == ifacePeer {
		switch msg.Member {
		case "Ping":
			reply(msg.Reply())
		case "GetMachineId":
			id, err := machineID()
			if err != nil {
				reply(msg.ErrorReply(ErrNameFailed, err.Error()))
			} else {
				reply(msg.Reply(String(id)))
			}
		default:
			reply(msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on %s", msg.Member, ifacePeer)))
		}
		return
	}

	exp, children := c.lookupExport(msg.Path)
	if msg.Interface == ifaceIntrospect && msg.Member == "Introspect" {
		if exp != nil && exp.xml != "" {
			reply(msg.Reply(String(exp.xml)))
		} else {
			reply(msg.Reply(String(childrenXML(children))))
		}
		return
	}
	if exp == nil {
		reply(msg.ErrorReply(ErrNameUnknownObject, fmt.Sprintf("no object at %s", msg.Path)))
		return
	}
	if !exp.handler(msg) {
		reply(msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s.%s on %s", msg.Interface, msg.Member, msg.Path)))
	}
}

// lookupExport returns the object exported at path, and the names of
// the direct children of path that lead to other exported objects.
func (c *Conn) lookupExport(path ObjectPath) (*export, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := mapset.New[string]()
	for p := range c.exports {
		if !p.IsChildOf(path) {
			continue
		}
		rel := strings.TrimPrefix(string(p), string(path))
		rel = strings.TrimPrefix(rel, "/")
		first, _, _ := strings.Cut(rel, "/")
		kids.Add(first)
	}
	return c.exports[path], slices.Sorted(maps.Keys(kids))
}

func childrenXML(children []string) string {
	var b strings.Builder
	b.WriteString(IntrospectionDocType)
	b.WriteString("\n<node>\n")
	for _, k := range children {
		fmt.Fprintf(&b, "  <node name=%q/>\n", k)
	}
	b.WriteString("</node>\n")
	return b.String()
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// Export registers h to handle method calls addressed to path.
//
// Calls to org.freedesktop.DBus.Introspectable are answered by the
// Conn with introspectXML, verbatim. If introspectXML is empty, a
// document listing only child nodes is returned.
func (c *Conn) Export(path ObjectPath, introspectXML string, h Handler) (unexport func(), err error) {
	if !path.Valid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.exports[path] != nil {
		return nil, fmt.Errorf("object %s already exported", path)
	}
	exp := &export{introspectXML, h}
	c.exports[path] = exp
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.exports[path] == exp {
			delete(c.exports, path)
		}
	}, nil
}

// Subscribe calls fn on the event loop for every received signal
// that matches m, until cancel is called.
func (c *Conn) Subscribe(ctx context.Context, m *Match, fn func(*Message)) (cancel func(), err error) {
	if err := c.addMatch(ctx, m); err != nil {
		return nil, err
	}
	s := &subscription{m, fn}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	c.subs.Add(s)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				delete(c.subs, s)
			}
			c.mu.Unlock()
			if !closed {
				c.removeMatch(context.Background(), m)
			}
		})
	}, nil
}

// Introspect asynchronously fetches the introspection document of
// the object at path on dest, and calls done with the result on the
// event loop.
func (c *Conn) Introspect(dest string, path ObjectPath, done func(xml string, err error)) error {
	msg := &Message{
		Type:        MsgCall,
		Destination: dest,
		Path:        path,
		Interface:   ifaceIntrospect,
		Member:      "Introspect",
	}
	return c.CallAsync(msg, func(resp *Message, err error) {
		if err != nil {
			done("", err)
			return
		}
		if len(resp.Body) != 1 || resp.Body[0].Type() != "s" {
			done("", fmt.Errorf("unexpected Introspect response %s", Repr(resp.Body...)))
			return
		}
		done(string(resp.Body[0].(String)), nil)
	})
}
