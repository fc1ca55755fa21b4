package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/creachadair/mds/heapq"
	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

type indenter struct {
	w          io.Writer
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	out := i.w
	if out == nil {
		out = os.Stdout
	}
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(out, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := out.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

// parseArgs parses a command line argument as a dynamic value. An
// argument of the form @file reads the value from file. Values are
// JSON, and may contain comments.
func parseArgs(arg string) (dynamic.Value, error) {
	data := []byte(arg)
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		bs, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading arguments: %w", err)
		}
		data = bs
	}
	v, err := dynamic.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing arguments %q: %w", arg, err)
	}
	return v, nil
}

// printer writes dynamic values to stdout. Output is JSON unless
// stdout is a terminal.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter() *printer {
	return &printer{
		w:    os.Stdout,
		json: globalArgs.JSON || !term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (p *printer) value(v dynamic.Value) error {
	if !p.json {
		_, err := fmt.Fprintln(p.w, dynamic.Format(v))
		return err
	}
	bs, err := dynamic.MarshalJSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "%s\n", bs)
	return err
}

// body prints a message body. With --wire, the body's wire values are
// shown instead of their decoded form.
func (p *printer) body(vs []dbus.Value) error {
	if globalArgs.Wire {
		_, err := fmt.Fprintf(p.w, "%# v\n", pretty.Formatter(vs))
		return err
	}
	return p.value(dynamic.DecodeAll(vs))
}

type objectDescription struct {
	dbus.Object
	*dbus.ObjectDescription
}

// walkObjects introspects root and all its descendants, in path
// order.
func walkObjects(ctx context.Context, root dbus.Object) iter.Seq2[objectDescription, error] {
	return func(yield func(objectDescription, error) bool) {
		objs := heapq.New(dbus.Object.Compare)
		objs.Add(root)
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Describe(ctx)
			if err != nil {
				if !yield(objectDescription{obj, nil}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !yield(objectDescription{obj, desc}, nil) {
				return
			}
		}
	}
}

// printObject prints the interfaces of desc in name order, skipping
// the standard interfaces unless all is set.
func printObject(out *indenter, desc *dbus.ObjectDescription, all bool) {
	for _, name := range slices.Sorted(maps.Keys(desc.Interfaces)) {
		if !all && isStandardInterface(name) {
			continue
		}
		out.v(desc.Interfaces[name])
	}
}

func isStandardInterface(name string) bool {
	switch name {
	case "org.freedesktop.DBus.Peer", "org.freedesktop.DBus.Properties", "org.freedesktop.DBus.Introspectable":
		return true
	}
	return false
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
