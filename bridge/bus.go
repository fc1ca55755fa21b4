package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dbus "github.com/danderson/dyndbus"
)

// Bus is the subset of [dbus.Conn] that endpoints use.
type Bus interface {
	Send(ctx context.Context, msg *dbus.Message) error
	Call(ctx context.Context, msg *dbus.Message) (*dbus.Message, error)
	CallAsync(msg *dbus.Message, done func(*dbus.Message, error)) error
	RequestName(ctx context.Context, name string, flags dbus.NameRequestFlags) (bool, error)
	GetNameOwner(ctx context.Context, name string) (string, error)
	Export(path dbus.ObjectPath, introspectXML string, h dbus.Handler) (unexport func(), err error)
	Subscribe(ctx context.Context, m *dbus.Match, fn func(*dbus.Message)) (cancel func(), err error)
	Introspect(dest string, path dbus.ObjectPath, done func(xml string, err error)) error
}

var _ Bus = (*dbus.Conn)(nil)

// BusType selects the bus that an endpoint connects to.
type BusType uint8

const (
	SessionBus BusType = iota
	SystemBus
)

func (t BusType) String() string {
	switch t {
	case SessionBus:
		return "session"
	case SystemBus:
		return "system"
	default:
		return fmt.Sprintf("BusType(%d)", uint8(t))
	}
}

// ParseBusType parses "session" or "system".
func ParseBusType(s string) (BusType, error) {
	switch s {
	case "session", "":
		return SessionBus, nil
	case "system":
		return SystemBus, nil
	default:
		return 0, fmt.Errorf("unknown bus type %q", s)
	}
}

func (t *BusType) UnmarshalText(bs []byte) error {
	v, err := ParseBusType(string(bs))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t BusType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Buses provides the bus connection for a BusType.
type Buses interface {
	Bus(ctx context.Context, t BusType) (Bus, error)
}

// Connector connects to buses on first use, and shares one
// connection per bus between all its users.
type Connector struct {
	// Dial, if set, connects to the given bus. The default dials the
	// user's session bus or the system bus.
	Dial func(ctx context.Context, t BusType) (*dbus.Conn, error)

	mu     sync.Mutex
	closed bool
	conns  map[BusType]*dbus.Conn
}

// Bus returns the connection to the bus of type t, connecting if
// necessary.
func (c *Connector) Bus(ctx context.Context, t BusType) (Bus, error) {
	conn, err := c.Conn(ctx, t)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn is like Bus, but returns the underlying connection.
func (c *Connector) Conn(ctx context.Context, t BusType) (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connector is closed")
	}
	if conn := c.conns[t]; conn != nil {
		return conn, nil
	}

	dial := c.Dial
	if dial == nil {
		dial = dialDefault
	}
	conn, err := dial(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s bus: %w", t, err)
	}
	if c.conns == nil {
		c.conns = map[BusType]*dbus.Conn{}
	}
	c.conns[t] = conn
	return conn, nil
}

// Close closes all connections opened by c.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for t, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s bus: %w", t, err))
		}
	}
	c.conns = nil
	return errors.Join(errs...)
}

func dialDefault(ctx context.Context, t BusType) (*dbus.Conn, error) {
	switch t {
	case SessionBus:
		return dbus.SessionBus(ctx)
	case SystemBus:
		return dbus.SystemBus(ctx)
	default:
		return nil, fmt.Errorf("unknown bus type %s", t)
	}
}
