package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// DefaultSystemBusAddress is the address of the system bus when
// DBUS_SYSTEM_BUS_ADDRESS is unset.
const DefaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// Address is one entry of a DBus server address list.
type Address struct {
	// Transport is the transport name, for example "unix".
	Transport string
	// Params are the key/value parameters of the address, with
	// escapes decoded.
	Params map[string]string
}

// SocketPath returns the unix socket path the address designates, in
// the form accepted by net.DialUnix. Abstract sockets are prefixed
// with "@".
func (a Address) SocketPath() (string, error) {
	if a.Transport != "unix" {
		return "", fmt.Errorf("unsupported transport %q", a.Transport)
	}
	if p := a.Params["path"]; p != "" {
		return p, nil
	}
	if p := a.Params["abstract"]; p != "" {
		return "@" + p, nil
	}
	return "", errors.New("unix address has neither path nor abstract parameter")
}

func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Transport)
	b.WriteByte(':')
	first := true
	for _, k := range []string{"path", "abstract", "guid"} {
		v, ok := a.Params[k]
		if !ok {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// ParseAddresses parses a semicolon separated DBus address list, as
// found in DBUS_SESSION_BUS_ADDRESS.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		if one == "" {
			continue
		}
		tr, rest, ok := strings.Cut(one, ":")
		if !ok || tr == "" {
			return nil, fmt.Errorf("malformed bus address %q", one)
		}
		addr := Address{
			Transport: tr,
			Params:    map[string]string{},
		}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("malformed parameter %q in bus address %q", kv, one)
				}
				// DBus addresses use URL-style percent escapes.
				dv, err := url.PathUnescape(v)
				if err != nil {
					return nil, fmt.Errorf("bad escape in bus address %q: %w", one, err)
				}
				addr.Params[k] = dv
			}
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, errors.New("empty bus address")
	}
	return ret, nil
}

// Dial connects to the first usable address in the given DBus address
// list.
func Dial(ctx context.Context, addrs string) (Transport, error) {
	parsed, err := ParseAddresses(addrs)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, addr := range parsed {
		path, err := addr.SocketPath()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t, err := DialUnix(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("dialing %s: %w", addr, err))
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("no usable bus address in %q: %w", addrs, errors.Join(errs...))
}

// SessionBusAddress returns the session bus address list from the
// environment.
func SessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", errors.New("session bus not available")
	}
	return addr, nil
}

// SystemBusAddress returns the system bus address list, from the
// environment if set or the well-known default otherwise.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSystemBusAddress
}
