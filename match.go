package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches DBus signals.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// MatchSignal returns a Match for the given signal. An empty
// interface or member matches any value.
func MatchSignal(iface, member string) *Match {
	ret := &Match{}
	if iface != "" {
		ret.iface = value.Just(iface)
	}
	if member != "" {
		ret.member = value.Just(member)
	}
	return ret
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// String returns the match in the string format that DBus wants for
// the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether msg matches the filter, using the same
// match logic that the bus uses on the match's String().
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple subscriptions are active, the
// received signals are the union of all the filters, and so each one
// needs to do additional filtering on received signals.
func (m *Match) Matches(msg *Message) bool {
	if msg.Type != MsgSignal {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && msg.Path != p && !msg.Path.IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && msg.Member != mb {
		return false
	}
	for i, want := range m.argStr {
		got, ok := argString(msg, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := argString(msg, i)
		if !ok {
			return false
		}
		if gp := ObjectPath(got); gp != want && !gp.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := argString(msg, 0)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// argString returns the i-th body value of msg, if it is a string or
// object path.
func argString(msg *Message, i int) (string, bool) {
	if i >= len(msg.Body) {
		return "", false
	}
	switch v := msg.Body[i].(type) {
	case String:
		return string(v), true
	case ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}

// Sender restricts the match to a single sending bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to sending objects rooted at the
// given path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// ArgStr restricts the match to signals whose i-th body value is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body value
// is a string or ObjectPath with the given prefix.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body value
// is a peer or interface name with the given dot-separated prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
