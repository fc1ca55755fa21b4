package dbus

import (
	"cmp"
	"context"
	"fmt"
)

// Object is a handle to an object offered by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Compare orders objects by peer name, then by path.
func (o Object) Compare(other Object) int {
	if c := cmp.Compare(o.p.name, other.p.name); c != 0 {
		return c
	}
	return cmp.Compare(o.path, other.path)
}

// Child returns the child object at the given relative path.
func (o Object) Child(rel string) Object {
	return o.p.Object(o.path.Child(rel))
}

// Interface returns a handle to the named interface of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's introspection XML document.
func (o Object) Introspect(ctx context.Context) (string, error) {
	resp, err := o.Interface(ifaceIntrospect).Call(ctx, "Introspect")
	if err != nil {
		return "", err
	}
	if len(resp) != 1 || resp[0].Type() != "s" {
		return "", fmt.Errorf("unexpected Introspect response %s", Repr(resp...))
	}
	return string(resp[0].(String)), nil
}

// Describe returns the parsed description of the object.
func (o Object) Describe(ctx context.Context) (*ObjectDescription, error) {
	doc, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(doc)
}
