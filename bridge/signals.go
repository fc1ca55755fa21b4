package bridge

import (
	"context"
	"slices"
	"strings"

	"github.com/creachadair/mds/mapset"
	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
)

// MaxSignalArgs is the maximum number of signal arguments passed to a
// signal handler. Further arguments are dropped.
const MaxSignalArgs = 10

type signalHandler struct {
	// name is the local name of the handler.
	name string
	fn   dynamic.Func
}

// A binding routes the bus signal to handler.
type binding struct {
	signal  string
	handler signalHandler
}

// planBindings pairs handlers with the signals they handle, given
// the signal names that a remote interface declares.
//
// A handler handles the signal whose mangled name is the handler's
// name. Failing that, and provided the handler's name is not itself a
// declared signal, the handler handles the signal named by its
// capitalized name. Each signal is bound to at most one handler,
// earlier handlers taking precedence.
func planBindings(signals []string, handlers []signalHandler) []binding {
	declared := mapset.New(signals...)
	remaining := declared.Clone()

	var ret []binding
	for _, h := range handlers {
		sig, ok := "", false
		for _, s := range signals {
			if remaining.Has(s) && Mangle(s) == h.name {
				sig, ok = s, true
				break
			}
		}
		if !ok && !declared.Has(h.name) {
			if c := capitalize(h.name); remaining.Has(c) {
				sig, ok = c, true
			}
		}
		if !ok {
			continue
		}
		remaining.Remove(sig)
		ret = append(ret, binding{sig, h})
	}
	return ret
}

// rebind tears down the current signal bindings and, if the
// interface is fully configured with signals enabled, starts
// building new ones.
func (f *Interface) rebind() {
	f.mu.Lock()
	f.gen++
	gen, id, enabled := f.gen, f.id, f.signalsEnabled
	cancels := f.cancels
	f.cancels = nil
	f.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if !enabled || !id.complete() {
		return
	}

	bus, err := f.buses.Bus(context.Background(), id.bus)
	if err != nil {
		f.logf("binding signals of %s: %v", id, err)
		return
	}
	err = bus.Introspect(id.service, id.path, func(xml string, err error) {
		f.introspected(gen, bus, id, xml, err)
	})
	if err != nil {
		f.logf("introspecting %s: %v", id, err)
	}
}

// introspected binds handlers to the signals declared in the
// introspection document xml, unless the bindings it was requested
// for are out of date.
func (f *Interface) introspected(gen uint64, bus Bus, id identity, xml string, err error) {
	if err != nil {
		f.logf("introspecting %s: %v", id, err)
		return
	}
	desc, err := dbus.ParseIntrospection(xml)
	if err != nil {
		f.logf("introspecting %s: %v", id, err)
		return
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	handlers := slices.Clone(f.handlers)
	f.mu.Unlock()

	plan := planBindings(desc.SignalNames(id.iface), handlers)
	if len(plan) == 0 {
		return
	}

	ctx := context.Background()
	sender := id.service
	if !strings.HasPrefix(sender, ":") {
		// Received signals carry the unique name of their sender.
		owner, err := bus.GetNameOwner(ctx, sender)
		if err != nil {
			f.logf("resolving owner of %s: %v", sender, err)
			owner = ""
		}
		sender = owner
	}

	var cancels []func()
	for _, b := range plan {
		m := dbus.MatchSignal(id.iface, b.signal).Object(id.path)
		if sender != "" {
			m = m.Sender(sender)
		}
		cancel, err := bus.Subscribe(ctx, m, func(msg *dbus.Message) {
			f.deliver(b.handler, msg)
		})
		if err != nil {
			f.logf("subscribing to %s.%s: %v", id.iface, b.signal, err)
			continue
		}
		cancels = append(cancels, cancel)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return
	}
	f.cancels = append(f.cancels, cancels...)
	f.mu.Unlock()
}

// deliver passes the arguments of the signal msg to h.
func (f *Interface) deliver(h signalHandler, msg *dbus.Message) {
	args := dynamic.DecodeAll(msg.Body)
	if len(args) > MaxSignalArgs {
		args = args[:MaxSignalArgs]
	}
	if _, err := protect(func() (dynamic.Value, error) { return h.fn(args...) }); err != nil {
		f.logf("signal handler %s: %v", h.name, err)
	}
}
