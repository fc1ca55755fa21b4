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

// An Adaptor publishes a scripted object on a bus.
//
// The exported fields configure the Adaptor, and must not be changed
// after Start.
type Adaptor struct {
	// Service is the well-known bus name to claim. If empty, the
	// object is reachable only through the connection's unique name.
	Service string
	// Path is the object path to export the object at.
	Path dbus.ObjectPath
	// Interface is the interface that the object's members belong to.
	Interface string
	// BusType is the bus to publish the object on.
	BusType BusType
	// XML is the introspection document of the object, which is
	// returned verbatim to introspection requests.
	XML string
	// Registry holds the object's methods, signals and properties.
	Registry *Registry
	// Logf, if set, logs dispatch misses and callback failures. The
	// default is log.Printf.
	Logf func(msg string, args ...any)

	mu       sync.Mutex
	bus      Bus
	d        *Dispatcher
	unexport func()
}

func (a *Adaptor) logf(msg string, args ...any) {
	if a.Logf != nil {
		a.Logf(msg, args...)
	} else {
		log.Printf(msg, args...)
	}
}

// Start exports the object on its bus, and claims the Service name
// if one is set.
func (a *Adaptor) Start(ctx context.Context, buses Buses) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		return errors.New("adaptor already started")
	}

	bus, err := buses.Bus(ctx, a.BusType)
	if err != nil {
		return err
	}
	d := &Dispatcher{
		Registry: a.Registry,
		Emit: func(member string, args []dbus.Value) error {
			return a.send(context.Background(), bus, member, args)
		},
		Logf: a.logf,
	}
	unexport, err := bus.Export(a.Path, a.XML, func(msg *dbus.Message) bool {
		return a.handle(bus, d, msg)
	})
	if err != nil {
		return fmt.Errorf("exporting %s: %w", a.Path, err)
	}
	if a.Service != "" {
		if _, err := bus.RequestName(ctx, a.Service, 0); err != nil {
			unexport()
			return fmt.Errorf("requesting name %s: %w", a.Service, err)
		}
	}

	a.bus, a.d, a.unexport = bus, d, unexport
	return nil
}

// Stop unexports the object. It does not release the Service name,
// which belongs to the bus connection.
func (a *Adaptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unexport != nil {
		a.unexport()
	}
	a.bus, a.d, a.unexport = nil, nil, nil
}

// handle serves the method call msg. It runs on the connection's
// event loop.
func (a *Adaptor) handle(bus Bus, d *Dispatcher, msg *dbus.Message) bool {
	res := d.Dispatch(msg.Interface, msg.Member, msg.Body)
	var reply *dbus.Message
	switch res.Status {
	case NoMatch:
		return false
	case Invoked:
		reply = msg.Reply(res.Reply...)
	case Failed:
		reply = msg.ErrorReply(dbus.ErrNameFailed, res.Err.Error())
	}
	if msg.WantReply() {
		if err := bus.Send(context.Background(), reply); err != nil {
			a.logf("replying to %s: %v", msg.Sender, err)
		}
	}
	return true
}

func (a *Adaptor) started() (Bus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus == nil {
		return nil, errors.New("adaptor not started")
	}
	return a.bus, nil
}

func (a *Adaptor) send(ctx context.Context, bus Bus, member string, body []dbus.Value) error {
	msg := &dbus.Message{
		Type:      dbus.MsgSignal,
		Path:      a.Path,
		Interface: a.Interface,
		Member:    member,
		Body:      body,
	}
	if err := bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("emitting %s: %w", member, err)
	}
	return nil
}

// EmitSignal emits the signal name with args. Like [Interface.Call],
// a List args is the list of arguments, and the argument types are
// inferred.
func (a *Adaptor) EmitSignal(ctx context.Context, name string, args dynamic.Value) error {
	body, err := dynamic.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("emitting %s: %w", name, err)
	}
	bus, err := a.started()
	if err != nil {
		return err
	}
	return a.send(ctx, bus, name, body)
}

// EmitSignalWithArguments is the old name of EmitSignal.
//
// Deprecated: use EmitSignal.
func (a *Adaptor) EmitSignalWithArguments(ctx context.Context, name string, args dynamic.Value) error {
	return a.EmitSignal(ctx, name, args)
}

// EmitTypedSignal emits the signal name with typed arguments, as
// described by [dynamic.EncodeTypedArgs].
func (a *Adaptor) EmitTypedSignal(ctx context.Context, name string, args dynamic.Value) error {
	body, err := dynamic.EncodeTypedArgs(args)
	if err != nil {
		return fmt.Errorf("emitting %s: %w", name, err)
	}
	bus, err := a.started()
	if err != nil {
		return err
	}
	return a.send(ctx, bus, name, body)
}
