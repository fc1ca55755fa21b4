package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

func (f Interface) msg(method string, body []Value) *Message {
	return &Message{
		Type:        MsgCall,
		Destination: f.Peer().Name(),
		Path:        f.Object().Path(),
		Interface:   f.name,
		Member:      method,
		Body:        body,
	}
}

// Call calls method on the interface with the given arguments, and
// returns the reply body.
func (f Interface) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	resp, err := f.Conn().Call(ctx, f.msg(method, args))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...Value) error {
	msg := f.msg(method, args)
	msg.Flags |= FlagNoReplyExpected
	return f.Conn().Send(ctx, msg)
}

// GetProperty returns the value of the given property, with the
// variant wrapper removed.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "Get", String(f.name), String(name))
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 || resp[0].Type() != "v" {
		return nil, fmt.Errorf("unexpected Get response %s", Repr(resp...))
	}
	return resp[0].(Variant).Value, nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value Value) error {
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set", String(f.name), String(name), Variant{value})
	return err
}

// GetAllProperties returns all the properties exported by the
// interface, in the order the peer listed them.
func (f Interface) GetAllProperties(ctx context.Context) (Dict, error) {
	resp, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", String(f.name))
	if err != nil {
		return Dict{}, err
	}
	if len(resp) != 1 || resp[0].Type() != "a{sv}" {
		return Dict{}, fmt.Errorf("unexpected GetAll response %s", Repr(resp...))
	}
	return resp[0].(Dict), nil
}
