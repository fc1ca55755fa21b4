package dbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
)

// IntrospectionDocType is the doctype header of DBus introspection
// documents.
const IntrospectionDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">`

const (
	annotationDeprecated  = "org.freedesktop.DBus.Deprecated"
	annotationNoReply     = "org.freedesktop.DBus.Method.NoReply"
	annotationPropChanged = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

// The xml* types mirror the introspection document's elements. They
// are converted into descriptions after decoding, which is where
// signatures and access values get validated.
type xmlNode struct {
	Interfaces []xmlInterface `xml:"interface"`
	Nodes      []struct {
		Name string `xml:"name,attr"`
	} `xml:"node"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMember   `xml:"method"`
	Signals    []xmlMember   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlMember struct {
	Name        string      `xml:"name,attr"`
	Args        []xmlArg    `xml:"arg"`
	Annotations annotations `xml:"annotation"`
}

type xmlProperty struct {
	Name        string      `xml:"name,attr"`
	Type        string      `xml:"type,attr"`
	Access      string      `xml:"access,attr"`
	Annotations annotations `xml:"annotation"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

func (a xmlArg) describe() (ArgumentDescription, error) {
	sig, err := ParseSignature(a.Type)
	if err != nil {
		return ArgumentDescription{}, fmt.Errorf("arg %q: %w", a.Name, err)
	}
	if !sig.IsSingle() {
		return ArgumentDescription{}, fmt.Errorf("arg %q: signature %q is not a single type", a.Name, a.Type)
	}
	return ArgumentDescription{Name: a.Name, Type: sig}, nil
}

type annotations []struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (as annotations) get(name string) string {
	for _, a := range as {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func (as annotations) flag(name string) bool { return as.get(name) == "true" }

// ParseIntrospection parses a DBus introspection XML document.
//
// The document's descriptions come from the peer that serves it, and
// may not match the API that the peer actually offers.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var raw xmlNode
	if err := xml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parsing introspection document: %w", err)
	}

	ret := &ObjectDescription{
		Interfaces: make(map[string]*InterfaceDescription, len(raw.Interfaces)),
		Children:   make([]string, 0, len(raw.Nodes)),
	}
	for _, n := range raw.Nodes {
		ret.Children = append(ret.Children, n.Name)
	}
	for _, xi := range raw.Interfaces {
		iface, err := describeInterface(xi)
		if err != nil {
			return nil, fmt.Errorf("parsing introspection document: interface %s: %w", xi.Name, err)
		}
		ret.Interfaces[iface.Name] = iface
	}
	return ret, nil
}

func describeInterface(xi xmlInterface) (*InterfaceDescription, error) {
	ret := &InterfaceDescription{Name: xi.Name}
	for _, xm := range xi.Methods {
		m := &MethodDescription{
			Name:       xm.Name,
			Deprecated: xm.Annotations.flag(annotationDeprecated),
			NoReply:    xm.Annotations.flag(annotationNoReply),
		}
		for _, xa := range xm.Args {
			arg, err := xa.describe()
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", xm.Name, err)
			}
			// Method args default to "in".
			if xa.Direction == "out" {
				m.Out = append(m.Out, arg)
			} else {
				m.In = append(m.In, arg)
			}
		}
		ret.Methods = append(ret.Methods, m)
	}
	for _, xs := range xi.Signals {
		s := &SignalDescription{
			Name:       xs.Name,
			Deprecated: xs.Annotations.flag(annotationDeprecated),
		}
		for _, xa := range xs.Args {
			arg, err := xa.describe()
			if err != nil {
				return nil, fmt.Errorf("signal %s: %w", xs.Name, err)
			}
			s.Args = append(s.Args, arg)
		}
		ret.Signals = append(ret.Signals, s)
	}
	for _, xp := range xi.Properties {
		p, err := describeProperty(xp)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", xp.Name, err)
		}
		ret.Properties = append(ret.Properties, p)
	}
	return ret, nil
}

func describeProperty(xp xmlProperty) (*PropertyDescription, error) {
	sig, err := ParseSignature(xp.Type)
	if err != nil {
		return nil, err
	}
	ret := &PropertyDescription{
		Name:       xp.Name,
		Type:       sig,
		Deprecated: xp.Annotations.flag(annotationDeprecated),
		Changes:    ChangeSignalled,
	}
	switch xp.Access {
	case "read":
		ret.Readable = true
	case "write":
		ret.Writable = true
	case "readwrite":
		ret.Readable, ret.Writable = true, true
	default:
		return nil, fmt.Errorf("unknown access %q", xp.Access)
	}
	switch xp.Annotations.get(annotationPropChanged) {
	case "false":
		ret.Changes = ChangeUnsignalled
	case "invalidates":
		ret.Changes = ChangeInvalidates
	case "const":
		ret.Changes = ChangeNever
	}
	return ret, nil
}

// ObjectDescription describes a DBus object's interfaces and child
// objects.
type ObjectDescription struct {
	// Interfaces maps interface names to their descriptions.
	Interfaces map[string]*InterfaceDescription
	// Children are the relative paths of child objects, in document
	// order. A relative path may have several components.
	Children []string
}

// SignalNames returns the names of the signals that iface declares,
// in document order. It returns nil if the object does not offer
// iface.
func (o *ObjectDescription) SignalNames(iface string) []string {
	desc := o.Interfaces[iface]
	if desc == nil {
		return nil
	}
	ret := make([]string, 0, len(desc.Signals))
	for _, s := range desc.Signals {
		ret = append(ret, s.Name)
	}
	return ret
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
}

// String formats d as a block with one member per line, members
// sorted by kind and then by name.
func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)
	writeSorted(&ret, d.Methods, func(m *MethodDescription) string { return m.Name })
	writeSorted(&ret, d.Signals, func(s *SignalDescription) string { return s.Name })
	writeSorted(&ret, d.Properties, func(p *PropertyDescription) string { return p.Name })
	ret.WriteString("}")
	return ret.String()
}

func writeSorted[T fmt.Stringer](b *strings.Builder, vs []T, name func(T) string) {
	sorted := slices.SortedFunc(slices.Values(vs), func(x, y T) int {
		return cmp.Compare(name(x), name(y))
	})
	for _, v := range sorted {
		fmt.Fprintf(b, "  %s\n", v)
	}
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated methods should be avoided in new code.
	Deprecated bool
	// NoReply methods should be called without waiting for a reply.
	NoReply bool
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "method %s(%s)", m.Name, joinArgs(m.In))
	if len(m.Out) > 0 {
		fmt.Fprintf(&ret, " -> (%s)", joinArgs(m.Out))
	}
	writeTags(&ret, tag{"deprecated", m.Deprecated}, tag{"noreply", m.NoReply})
	return ret.String()
}

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Name string
	Args []ArgumentDescription
	// Deprecated signals should be avoided in new code.
	Deprecated bool
}

func (s SignalDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "signal %s(%s)", s.Name, joinArgs(s.Args))
	writeTags(&ret, tag{"deprecated", s.Deprecated})
	return ret.String()
}

// PropertyChange is how a property announces changes to its value
// through the PropertiesChanged signal.
type PropertyChange uint8

const (
	// ChangeSignalled properties send their new value.
	ChangeSignalled PropertyChange = iota
	// ChangeInvalidates properties report that their value changed,
	// without the new value.
	ChangeInvalidates
	// ChangeUnsignalled properties may change silently.
	ChangeUnsignalled
	// ChangeNever properties are constant.
	ChangeNever
)

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Name       string
	Type       Signature
	Readable   bool
	Writable   bool
	Changes    PropertyChange
	Deprecated bool
}

func (p PropertyDescription) String() string {
	access := "readwrite"
	switch {
	case p.Readable && !p.Writable && p.Changes == ChangeNever:
		access = "const"
	case !p.Writable:
		access = "read"
	case !p.Readable:
		access = "write"
	}
	var ret strings.Builder
	fmt.Fprintf(&ret, "property %s %s %s", p.Name, p.Type, access)
	writeTags(&ret,
		tag{"deprecated", p.Deprecated},
		tag{"invalidates", p.Changes == ChangeInvalidates},
		tag{"unsignalled", p.Changes == ChangeUnsignalled})
	return ret.String()
}

// ArgumentDescription describes an argument of a method or signal.
type ArgumentDescription struct {
	Name string // optional
	Type Signature
}

func (a ArgumentDescription) String() string {
	if a.Name == "" {
		return string(a.Type)
	}
	// Old interfaces use dashed names.
	return fmt.Sprintf("%s %s", strings.ReplaceAll(a.Name, "-", "_"), a.Type)
}

func joinArgs(args []ArgumentDescription) string {
	strs := make([]string, len(args))
	for i, a := range args {
		strs[i] = a.String()
	}
	return strings.Join(strs, ", ")
}

type tag struct {
	name string
	set  bool
}

func writeTags(b *strings.Builder, tags ...tag) {
	var set []string
	for _, t := range tags {
		if t.set {
			set = append(set, t.name)
		}
	}
	if len(set) > 0 {
		fmt.Fprintf(b, " [%s]", strings.Join(set, ","))
	}
}
