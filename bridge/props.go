package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/mds/mapset"
	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
)

// errNoProperty is returned by Get and Set for unknown properties.
var errNoProperty = errors.New("no such property")

func (d *Dispatcher) dispatchProps(member string, args []dbus.Value) Result {
	switch member {
	case "Get":
		if len(args) != 2 {
			break
		}
		iface, ok1 := args[0].(dbus.String)
		name, ok2 := args[1].(dbus.String)
		if !ok1 || !ok2 {
			break
		}
		v, err := d.Get(string(iface), string(name))
		if errors.Is(err, errNoProperty) {
			return Result{Status: NoMatch}
		} else if err != nil {
			return Result{Status: Failed, Err: err}
		} else if v == nil {
			return Result{Status: Failed, Err: fmt.Errorf("property %q has no value", name)}
		}
		if _, ok := v.(dbus.Variant); !ok {
			v = dbus.Variant{Value: v}
		}
		return Result{Status: Invoked, Reply: []dbus.Value{v}}
	case "GetAll":
		if len(args) != 1 {
			break
		}
		iface, ok := args[0].(dbus.String)
		if !ok {
			break
		}
		all, err := d.GetAll(string(iface))
		if err != nil {
			return Result{Status: Failed, Err: err}
		}
		return Result{Status: Invoked, Reply: []dbus.Value{all}}
	case "Set":
		if len(args) != 3 {
			break
		}
		iface, ok1 := args[0].(dbus.String)
		name, ok2 := args[1].(dbus.String)
		if !ok1 || !ok2 {
			break
		}
		err := d.Set(string(iface), string(name), args[2])
		if errors.Is(err, errNoProperty) {
			// Setting an unknown property is not an error.
			d.logf("ignoring Set of unknown property %s", name)
			return Result{Status: Invoked}
		} else if err != nil {
			return Result{Status: Failed, Err: err}
		}
		return Result{Status: Invoked}
	}
	return Result{Status: NoMatch}
}

// Get returns the current value of the named property, encoded with
// its type hint.
//
// The interface name is not checked, since an object offers a single
// scripted interface.
func (d *Dispatcher) Get(iface, name string) (dbus.Value, error) {
	p := d.Registry.property(Mangle(name))
	if p == nil {
		return nil, fmt.Errorf("%w %q", errNoProperty, name)
	}
	return d.readProperty(p)
}

// GetAll returns the values of all properties, keyed by their bus
// name. Type hint properties are omitted, as are properties whose
// value is undefined or cannot be encoded.
func (d *Dispatcher) GetAll(iface string) (dbus.Dict, error) {
	var (
		entries []dbus.DictEntry
		seen    = mapset.New[string]()
	)
	reg := d.registry()
	for i := range reg.Properties {
		p := &reg.Properties[i]
		if strings.HasPrefix(p.Name, TypeInfoPrefix) {
			continue
		}
		v, err := d.readProperty(p)
		if err != nil {
			d.logf("reading property %s: %v", p.Name, err)
			continue
		}
		key := Unmangle(p.Name)
		if v == nil || seen.Has(key) {
			continue
		}
		seen.Add(key)
		if _, ok := v.(dbus.Variant); !ok {
			v = dbus.Variant{Value: v}
		}
		entries = append(entries, dbus.DictEntry{
			Key:   dbus.String(key),
			Value: v,
		})
	}
	return dbus.MakeDict("s", "v", entries...)
}

// readProperty returns the encoded value of p, or nil if p has no
// value.
func (d *Dispatcher) readProperty(p *Property) (dbus.Value, error) {
	if p.Get == nil {
		return nil, nil
	}
	v, err := protect(func() (dynamic.Value, error) { return p.Get(), nil })
	if err != nil {
		return nil, err
	}
	if isNothing(v) {
		return nil, nil
	}
	hint, err := d.propertyHint(p)
	if err != nil {
		return nil, err
	}
	return dynamic.Encode(v, hint)
}

// propertyHint returns the type hint for p.
func (d *Dispatcher) propertyHint(p *Property) (dynamic.Hint, error) {
	if p.Hint != dynamic.NoHint {
		return p.Hint, nil
	}
	ti := d.Registry.property(TypeInfoPrefix + p.Name)
	if ti == nil || ti.Get == nil {
		return dynamic.NoHint, nil
	}
	v, err := protect(func() (dynamic.Value, error) { return ti.Get(), nil })
	if err != nil {
		return dynamic.NoHint, fmt.Errorf("reading type hint %s: %w", ti.Name, err)
	}
	s, ok := v.(dynamic.String)
	if !ok {
		return dynamic.NoHint, fmt.Errorf("type hint %s is not a string", ti.Name)
	}
	return dynamic.ParseHint(string(s))
}

// Set updates the named property with the decoded form of v. A
// top-level variant wrapper on v is removed.
func (d *Dispatcher) Set(iface, name string, v dbus.Value) error {
	p := d.Registry.property(Mangle(name))
	if p == nil {
		return fmt.Errorf("%w %q", errNoProperty, name)
	}
	if p.Set == nil {
		return fmt.Errorf("property %q is read-only", name)
	}
	dv := dynamic.Decode(v)
	_, err := protect(func() (dynamic.Value, error) { return nil, p.Set(dv) })
	return err
}
