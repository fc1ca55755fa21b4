package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/bridge"
	"github.com/danderson/dyndbus/dynamic"
)

var globalArgs struct {
	UseSystemBus bool `flag:"system,Connect to system bus instead of session bus"`
	JSON         bool `flag:"json,Print values as JSON, even on a terminal"`
	Wire         bool `flag:"wire,Print message bodies as DBus wire values"`
}

func busType() bridge.BusType {
	if globalArgs.UseSystemBus {
		return bridge.SystemBus
	}
	return bridge.SessionBus
}

func main() {
	root := &command.C{
		Name:     "dyndbus",
		Usage:    "command args...",
		Help:     "Call, watch and serve DBus objects with dynamically typed values.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:     "call",
				Usage:    "call service path interface method [args]",
				Help:     callHelp,
				SetFlags: command.Flags(flax.MustBind, &callArgs),
				Run:      runCall,
			},
			{
				Name:  "typed-call",
				Usage: "typed-call service path interface method [args]",
				Help: `Call a method with explicitly typed arguments.

args is a JSON list of {"type": T, "value": V} records, where T is a
basic DBus type code like "u", or "a" followed by a basic type code.`,
				Run: runTypedCall,
			},
			{
				Name:  "get",
				Usage: "get service path interface property",
				Help:  "Get a property.",
				Run:   command.Adapt(runGet),
			},
			{
				Name:     "set",
				Usage:    "set service path interface property value",
				Help:     "Set a property. value is JSON, or @file to read it from file.",
				SetFlags: command.Flags(flax.MustBind, &setArgs),
				Run:      command.Adapt(runSet),
			},
			{
				Name:  "props",
				Usage: "props service path interface",
				Help:  "List all properties of an interface.",
				Run:   command.Adapt(runProps),
			},
			{
				Name:  "listen",
				Usage: "listen [interface] [member]",
				Help:  "Listen to bus signals, optionally only those of one interface or member.",
				Run:   runListen,
			},
			{
				Name:  "signals",
				Usage: "signals service path interface [signal...]",
				Help: `Listen to the signals of one remote interface.

With no signal names, listens to every signal that the object's
introspection data declares for the interface.`,
				Run: runSignals,
			},
			{
				Name:     "introspect",
				Usage:    "introspect service [path]",
				Help:     "Describe an object, or with --recursive, a whole object tree.",
				SetFlags: command.Flags(flax.MustBind, &introspectArgs),
				Run:      runIntrospect,
			},
			{
				Name:  "serve",
				Usage: "serve config.yaml",
				Help:  serveHelp,
				Run:   command.Adapt(runServe),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

// remote returns a bridge Interface for the given remote object.
func remote(buses bridge.Buses, service, path, iface string) (*bridge.Interface, error) {
	p := dbus.ObjectPath(path)
	if !p.Valid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	ret := bridge.NewInterface(buses)
	ret.SetBusType(busType())
	ret.SetService(service)
	ret.SetPath(p)
	ret.SetInterface(iface)
	return ret, nil
}

const callHelp = `Call a method.

args is a JSON value, or @file to read it from a file. A JSON list is
the list of arguments, any other value is the single argument. The
argument types are inferred from the values.`

var callArgs struct {
	OneWay bool `flag:"oneway,Do not wait for a reply"`
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 || len(env.Args) > 5 {
		return env.Usagef("call requires 4 or 5 arguments")
	}
	args := growTo(env.Args, 5)
	var params dynamic.Value = dynamic.Undefined{}
	if args[4] != "" {
		v, err := parseArgs(args[4])
		if err != nil {
			return err
		}
		params = v
	}

	var c bridge.Connector
	defer c.Close()
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	if callArgs.OneWay {
		f, err := remote(&c, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return f.Call(ctx, args[3], params)
	}

	body, err := dynamic.EncodeArgs(params)
	if err != nil {
		return err
	}
	conn, err := c.Conn(ctx, busType())
	if err != nil {
		return err
	}
	resp, err := conn.Peer(args[0]).Object(dbus.ObjectPath(args[1])).Interface(args[2]).Call(ctx, args[3], body...)
	if err != nil {
		return fmt.Errorf("calling %s: %w", args[3], err)
	}
	return newPrinter().body(resp)
}

func runTypedCall(env *command.Env) error {
	if len(env.Args) < 4 || len(env.Args) > 5 {
		return env.Usagef("typed-call requires 4 or 5 arguments")
	}
	args := growTo(env.Args, 5)
	var params dynamic.Value = dynamic.Undefined{}
	if args[4] != "" {
		v, err := parseArgs(args[4])
		if err != nil {
			return err
		}
		params = v
	}

	var c bridge.Connector
	defer c.Close()
	f, err := remote(&c, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	type result struct {
		v   dynamic.Value
		err error
	}
	done := make(chan result, 1)
	onSuccess := dynamic.Func(func(ret ...dynamic.Value) (dynamic.Value, error) {
		done <- result{v: dynamic.List(ret)}
		return nil, nil
	})
	onError := dynamic.Func(func(e ...dynamic.Value) (dynamic.Value, error) {
		rec, _ := e[0].(dynamic.Record)
		done <- result{err: fmt.Errorf("%s: %s", rec.Get("name"), rec.Get("message"))}
		return nil, nil
	})
	if err := f.TypedCall(ctx, args[3], params, onSuccess, onError); err != nil {
		return err
	}

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("calling %s: %w", args[3], res.err)
		}
		return newPrinter().value(res.v)
	case <-ctx.Done():
		return fmt.Errorf("calling %s: %w", args[3], ctx.Err())
	}
}

func runGet(env *command.Env, service, path, iface, prop string) error {
	var c bridge.Connector
	defer c.Close()
	f, err := remote(&c, service, path, iface)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	v, err := f.GetProperty(ctx, prop)
	if err != nil {
		return err
	}
	return newPrinter().value(v)
}

var setArgs struct {
	Type string `flag:"type,DBus type of the value (default inferred)"`
}

func runSet(env *command.Env, service, path, iface, prop, value string) error {
	h, err := dynamic.ParseHint(setArgs.Type)
	if err != nil {
		return env.Usagef("%v", err)
	}
	v, err := parseArgs(value)
	if err != nil {
		return err
	}

	var c bridge.Connector
	defer c.Close()
	f, err := remote(&c, service, path, iface)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	return f.SetTypedProperty(ctx, prop, v, h)
}

func runProps(env *command.Env, service, path, iface string) error {
	var c bridge.Connector
	defer c.Close()
	conn, err := c.Conn(env.Context(), busType())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	props, err := conn.Peer(service).Object(dbus.ObjectPath(path)).Interface(iface).GetAllProperties(ctx)
	if err != nil {
		return fmt.Errorf("listing properties of %s: %w", iface, err)
	}
	if globalArgs.Wire {
		return newPrinter().body([]dbus.Value{props})
	}
	return newPrinter().value(dynamic.Decode(props))
}

func runListen(env *command.Env) error {
	if len(env.Args) > 2 {
		return env.Usagef("listen takes at most 2 arguments")
	}
	args := growTo(env.Args, 2)

	var c bridge.Connector
	defer c.Close()
	conn, err := c.Conn(env.Context(), busType())
	if err != nil {
		return err
	}

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(env.Context(), dbus.MatchSignal(args[0], args[1])); err != nil {
		return fmt.Errorf("adding match: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Listening for signals...")
	p := newPrinter()
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-w.Chan():
			if !ok {
				return errors.New("bus connection closed")
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n", sig.Interface, sig.Member, sig.Sender, sig.Path)
			if err := p.body(sig.Body); err != nil {
				return err
			}
			if sig.Dropped > 0 {
				fmt.Printf("OVERFLOW, %d signals lost\n", sig.Dropped)
			}
		}
	}
}

func runSignals(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("signals requires at least 3 arguments")
	}
	service, path, iface := env.Args[0], env.Args[1], env.Args[2]
	names := env.Args[3:]

	var c bridge.Connector
	defer c.Close()
	if len(names) == 0 {
		conn, err := c.Conn(env.Context(), busType())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
		defer cancel()
		desc, err := conn.Peer(service).Object(dbus.ObjectPath(path)).Describe(ctx)
		if err != nil {
			return fmt.Errorf("introspecting %s: %w", path, err)
		}
		names = desc.SignalNames(iface)
		if len(names) == 0 {
			return fmt.Errorf("%s declares no signals on %s", iface, path)
		}
	}

	f, err := remote(&c, service, path, iface)
	if err != nil {
		return err
	}
	defer f.Close()

	p := newPrinter()
	for _, name := range names {
		err := f.HandleSignal(bridge.Mangle(name), dynamic.Func(func(args ...dynamic.Value) (dynamic.Value, error) {
			fmt.Printf("%s: ", name)
			return nil, p.value(dynamic.List(args))
		}))
		if err != nil {
			return err
		}
	}
	f.SetSignalsEnabled(true)
	fmt.Fprintf(os.Stderr, "Listening for %d signals...\n", len(names))
	<-env.Context().Done()
	return nil
}

var introspectArgs struct {
	Recursive bool `flag:"recursive,Describe all objects under path"`
	All       bool `flag:"all,Include the standard DBus interfaces"`
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("introspect requires 1 or 2 arguments")
	}
	args := growTo(env.Args, 2)
	if args[1] == "" {
		args[1] = "/"
	}

	var c bridge.Connector
	defer c.Close()
	conn, err := c.Conn(env.Context(), busType())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	root := conn.Peer(args[0]).Object(dbus.ObjectPath(args[1]))

	var out indenter
	if !introspectArgs.Recursive {
		desc, err := root.Describe(ctx)
		if err != nil {
			return fmt.Errorf("introspecting %s: %w", root, err)
		}
		printObject(&out, desc, introspectArgs.All)
		for _, child := range desc.Children {
			out.f("child %s", child)
		}
		return nil
	}

	var errs []error
	for obj, err := range walkObjects(ctx, root) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.indent(0)
		out.v(obj.Path())
		out.indent(1)
		printObject(&out, obj.ObjectDescription, introspectArgs.All)
	}
	return errors.Join(errs...)
}

const serveHelp = `Serve an object described by a YAML config file.

Example config:

  service: org.example.Demo
  path: /org/example/Demo
  interface: org.example.Demo
  bus: session
  xml_file: demo.xml
  methods:
    - name: Echo
      params: [any]
      echo: true
    - name: Version
      returns: s
      reply: "1.0"
  signals:
    - name: Changed
      params: [string]
  properties:
    - name: Count
      type: u
      value: 0
      writable: true

Method params are kinds: any, bool, number, string, list or record.
Calls whose arguments do not match any method are refused. Calling a
signal member emits the signal.`

func runServe(env *command.Env, configPath string) error {
	cfg, err := LoadEndpointConfig(configPath)
	if err != nil {
		return err
	}
	var c bridge.Connector
	defer c.Close()

	a := cfg.Adaptor()
	if err := a.Start(env.Context(), &c); err != nil {
		return err
	}
	defer a.Stop()
	fmt.Fprintf(os.Stderr, "Serving %s on %s bus\n", a.Path, a.BusType)

	<-env.Context().Done()
	fmt.Fprintln(os.Stderr, "shutdown")
	return nil
}
