package dbus

import (
	"context"
	"errors"
	"fmt"
)

type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// busCall returns a method call to the message bus itself.
func (c *Conn) busCall(method string, body ...Value) *Message {
	return &Message{
		Type:        MsgCall,
		Destination: busName,
		Path:        busPath,
		Interface:   ifaceBus,
		Member:      method,
		Body:        body,
	}
}

// callBus calls method on the message bus, and checks that the
// response has the given signature.
func (c *Conn) callBus(ctx context.Context, method string, want Signature, body ...Value) ([]Value, error) {
	resp, err := c.Call(ctx, c.busCall(method, body...))
	if err != nil {
		return nil, err
	}
	if got := resp.Signature(); got != want {
		return nil, fmt.Errorf("unexpected %s response signature %q, want %q", method, got, want)
	}
	return resp.Body, nil
}

func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	resp, err := c.callBus(ctx, "RequestName", "u", String(name), Uint32(flags))
	if err != nil {
		return false, err
	}
	switch code := resp[0].(Uint32); code {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", code)
	}
}

func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.callBus(ctx, "ReleaseName", "u", String(name))
	return err
}

func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	resp, err := c.callBus(ctx, "ListNames", "as")
	if err != nil {
		return nil, err
	}
	arr := resp[0].(Array)
	ret := make([]string, 0, len(arr.Values))
	for _, v := range arr.Values {
		ret = append(ret, string(v.(String)))
	}
	return ret, nil
}

func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	resp, err := c.callBus(ctx, "NameHasOwner", "b", String(name))
	if err != nil {
		return false, err
	}
	return bool(resp[0].(Bool)), nil
}

func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	resp, err := c.callBus(ctx, "GetNameOwner", "s", String(name))
	if err != nil {
		return "", err
	}
	return string(resp[0].(String)), nil
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "AddMatch", "", String(m.String()))
	return err
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	_, err := c.callBus(ctx, "RemoveMatch", "", String(m.String()))
	return err
}
