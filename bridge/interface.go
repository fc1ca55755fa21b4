package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
)

// identity is the address of a remote DBus interface.
type identity struct {
	service string
	path    dbus.ObjectPath
	iface   string
	bus     BusType
}

func (id identity) complete() bool {
	return id.service != "" && id.path != "" && id.iface != ""
}

func (id identity) String() string {
	return fmt.Sprintf("%s:%s:%s (%s bus)", id.service, id.path, id.iface, id.bus)
}

func (id identity) call(iface, method string, body []dbus.Value) *dbus.Message {
	return &dbus.Message{
		Type:        dbus.MsgCall,
		Destination: id.service,
		Path:        id.path,
		Interface:   iface,
		Member:      method,
		Body:        body,
	}
}

// Interface is a script's handle on an interface of a remote DBus
// object.
//
// An Interface is addressed by a service name, object path,
// interface name and bus type, which can be changed at any time.
// When signals are enabled and the address is complete, the
// Interface introspects the remote object and routes the signals it
// declares to the handlers registered with HandleSignal.
type Interface struct {
	buses Buses

	// Logf, if set, logs failures that have no caller to report to,
	// such as failing callbacks. The default is log.Printf.
	Logf func(msg string, args ...any)

	pending pendingCalls

	mu             sync.Mutex
	id             identity
	signalsEnabled bool
	handlers       []signalHandler
	gen            uint64
	cancels        []func()
}

// NewInterface returns an unconfigured Interface that uses buses to
// reach the remote object.
func NewInterface(buses Buses) *Interface {
	return &Interface{buses: buses}
}

func (f *Interface) logf(msg string, args ...any) {
	if f.Logf != nil {
		f.Logf(msg, args...)
	} else {
		log.Printf(msg, args...)
	}
}

func (f *Interface) Service() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.service
}

func (f *Interface) Path() dbus.ObjectPath {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.path
}

func (f *Interface) InterfaceName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.iface
}

func (f *Interface) BusType() BusType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id.bus
}

func (f *Interface) SignalsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signalsEnabled
}

// SetService sets the bus name of the remote peer.
func (f *Interface) SetService(name string) {
	f.update(func(id *identity) { id.service = name })
}

// SetPath sets the path of the remote object.
func (f *Interface) SetPath(path dbus.ObjectPath) {
	f.update(func(id *identity) { id.path = path })
}

// SetInterface sets the name of the remote interface.
func (f *Interface) SetInterface(name string) {
	f.update(func(id *identity) { id.iface = name })
}

// SetBusType sets the bus that the remote peer is on.
func (f *Interface) SetBusType(t BusType) {
	f.update(func(id *identity) { id.bus = t })
}

// SetSignalsEnabled turns signal delivery on or off.
func (f *Interface) SetSignalsEnabled(enabled bool) {
	f.mu.Lock()
	changed := f.signalsEnabled != enabled
	f.signalsEnabled = enabled
	f.mu.Unlock()
	if changed {
		f.rebind()
	}
}

func (f *Interface) update(fn func(*identity)) {
	f.mu.Lock()
	old := f.id
	fn(&f.id)
	changed := f.id != old
	f.mu.Unlock()
	if changed {
		f.rebind()
	}
}

// HandleSignal registers fn to handle a remote signal. name is the
// local handler name, so the signal Changed is handled by a handler
// named rcChanged, or by the legacy name changed.
//
// fn receives the decoded signal arguments, up to MaxSignalArgs of
// them.
func (f *Interface) HandleSignal(name string, fn dynamic.Value) error {
	h, ok := fn.(dynamic.Func)
	if !ok {
		return fmt.Errorf("signal handler %s must be a function, got %s", name, kindName(fn))
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, signalHandler{name, h})
	enabled := f.signalsEnabled
	f.mu.Unlock()
	if enabled {
		f.rebind()
	}
	return nil
}

// Pending returns the number of async calls awaiting a reply.
func (f *Interface) Pending() int {
	return f.pending.len()
}

// Close tears down all signal bindings. Replies to pending calls are
// still delivered.
func (f *Interface) Close() {
	f.SetSignalsEnabled(false)
}

func (f *Interface) target(ctx context.Context) (Bus, identity, error) {
	f.mu.Lock()
	id := f.id
	f.mu.Unlock()
	if id.service == "" || id.path == "" {
		return nil, id, errors.New("interface has no service or path")
	}
	bus, err := f.buses.Bus(ctx, id.bus)
	if err != nil {
		return nil, id, err
	}
	return bus, id, nil
}

// Call calls method with args, and does not wait for a reply.
//
// If args is a List, each element is one argument. Otherwise args is
// the single argument, unless it is Undefined. The types of the
// arguments are inferred.
func (f *Interface) Call(ctx context.Context, method string, args dynamic.Value) error {
	body, err := dynamic.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	bus, id, err := f.target(ctx)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	if err := bus.Send(ctx, id.call(id.iface, method, body)); err != nil {
		return fmt.Errorf("calling %s on %s: %w", method, id, err)
	}
	return nil
}

// TypedCall calls method with typed arguments, as described by
// [dynamic.EncodeTypedArgs].
//
// callbacks are an optional success callback and an optional error
// callback, which must be functions or Undefined. Without a success
// callback the reply is ignored. Otherwise, exactly one callback is
// called when the call completes: the success callback with the
// decoded reply arguments, or the error callback with a record
// holding the error name and message. Failures with no error callback
// are dropped.
//
// If the arguments cannot be encoded, nothing is sent.
func (f *Interface) TypedCall(ctx context.Context, method string, args dynamic.Value, callbacks ...dynamic.Value) error {
	onSuccess, onError, err := parseCallbacks(callbacks)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	body, err := dynamic.EncodeTypedArgs(args)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	bus, id, err := f.target(ctx)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}

	msg := id.call(id.iface, method, body)
	if onSuccess == nil {
		if err := bus.Send(ctx, msg); err != nil {
			return fmt.Errorf("calling %s on %s: %w", method, id, err)
		}
		return nil
	}

	pid := f.pending.add(pendingCall{method, onSuccess, onError})
	err = bus.CallAsync(msg, func(resp *dbus.Message, err error) {
		f.complete(pid, resp, err)
	})
	if err != nil {
		f.pending.take(pid)
		return fmt.Errorf("calling %s on %s: %w", method, id, err)
	}
	return nil
}

// TypedCallWithReturn is the old name of TypedCall.
//
// Deprecated: use TypedCall.
func (f *Interface) TypedCallWithReturn(ctx context.Context, method string, args dynamic.Value, callbacks ...dynamic.Value) error {
	return f.TypedCall(ctx, method, args, callbacks...)
}

func parseCallbacks(cbs []dynamic.Value) (onSuccess, onError dynamic.Func, err error) {
	if len(cbs) > 2 {
		return nil, nil, fmt.Errorf("too many callbacks (%d)", len(cbs))
	}
	if len(cbs) > 0 && !dynamic.IsUndefined(cbs[0]) {
		fn, ok := cbs[0].(dynamic.Func)
		if !ok {
			return nil, nil, fmt.Errorf("success callback must be a function, got %s", kindName(cbs[0]))
		}
		onSuccess = fn
	}
	if len(cbs) > 1 && !dynamic.IsUndefined(cbs[1]) {
		fn, ok := cbs[1].(dynamic.Func)
		if !ok {
			return nil, nil, fmt.Errorf("error callback must be a function, got %s", kindName(cbs[1]))
		}
		onError = fn
	}
	return onSuccess, onError, nil
}

// complete finishes the pending call pid.
func (f *Interface) complete(pid uint64, resp *dbus.Message, err error) {
	pc, ok := f.pending.take(pid)
	if !ok {
		return
	}
	if err != nil {
		if pc.onError == nil {
			f.logf("call %s failed: %v", pc.method, err)
			return
		}
		_, cerr := protect(func() (dynamic.Value, error) { return pc.onError(errorValue(err)) })
		if cerr != nil {
			f.logf("error callback of %s: %v", pc.method, cerr)
		}
		return
	}

	args := dynamic.DecodeAll(resp.Body)
	if _, cerr := protect(func() (dynamic.Value, error) { return pc.onSuccess(args...) }); cerr != nil {
		f.logf("callback of %s: %v", pc.method, cerr)
	}
}

// errorValue returns the script form of a failed call's error.
func errorValue(err error) dynamic.Value {
	var ce dbus.CallError
	if errors.As(err, &ce) {
		return dynamic.Record{
			{Name: "name", Value: dynamic.String(ce.Name)},
			{Name: "message", Value: dynamic.String(ce.Detail)},
		}
	}
	return dynamic.Record{
		{Name: "name", Value: dynamic.String(dbus.ErrNameFailed)},
		{Name: "message", Value: dynamic.String(err.Error())},
	}
}

// GetProperty returns the value of the named remote property.
func (f *Interface) GetProperty(ctx context.Context, name string) (dynamic.Value, error) {
	bus, id, err := f.target(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting property %s: %w", name, err)
	}
	resp, err := bus.Call(ctx, id.call(ifaceProps, "Get", []dbus.Value{
		dbus.String(id.iface),
		dbus.String(name),
	}))
	if err != nil {
		return nil, fmt.Errorf("getting property %s of %s: %w", name, id, err)
	}
	if len(resp.Body) != 1 {
		return nil, fmt.Errorf("unexpected Get response %s", dbus.Repr(resp.Body...))
	}
	return dynamic.Decode(resp.Body[0]), nil
}

// SetProperty sets the named remote property to v, with an inferred
// type.
func (f *Interface) SetProperty(ctx context.Context, name string, v dynamic.Value) error {
	return f.SetTypedProperty(ctx, name, v, dynamic.NoHint)
}

// SetTypedProperty sets the named remote property to v, encoded with
// the type hint h.
func (f *Interface) SetTypedProperty(ctx context.Context, name string, v dynamic.Value, h dynamic.Hint) error {
	enc, err := dynamic.Encode(v, h)
	if err != nil {
		return fmt.Errorf("setting property %s: %w", name, err)
	}
	if _, ok := enc.(dbus.Variant); !ok {
		enc = dbus.Variant{Value: enc}
	}
	bus, id, err := f.target(ctx)
	if err != nil {
		return fmt.Errorf("setting property %s: %w", name, err)
	}
	_, err = bus.Call(ctx, id.call(ifaceProps, "Set", []dbus.Value{
		dbus.String(id.iface),
		dbus.String(name),
		enc,
	}))
	if err != nil {
		return fmt.Errorf("setting property %s of %s: %w", name, id, err)
	}
	return nil
}

func kindName(v dynamic.Value) string {
	if v == nil {
		return dynamic.KindUndefined.String()
	}
	return v.Kind().String()
}
