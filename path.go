package dbus

import (
	"path"
	"strings"
)

// ObjectPath is the path of an object on the bus, such as
// /org/freedesktop/DBus.
type ObjectPath string

func (ObjectPath) Type() Signature { return "o" }
func (ObjectPath) isValue()        {}

func (p ObjectPath) String() string { return string(p) }

// Valid reports whether p is a well-formed object path: "/", or a
// sequence of one or more "/"-prefixed elements made of
// [A-Za-z0-9_], with no trailing slash.
func (p ObjectPath) Valid() bool {
	if p == "/" {
		return true
	}
	if len(p) < 2 || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(string(p[1:]), "/") {
		if elem == "" {
			return false
		}
		for _, c := range []byte(elem) {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Clean returns the lexically cleaned form of p, rooted at "/".
func (p ObjectPath) Clean() ObjectPath {
	return ObjectPath(path.Clean("/" + string(p)))
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	p, parent = p.Clean(), parent.Clean()
	if parent == "/" {
		return p != "/"
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Child returns the path of the child of p named name.
func (p ObjectPath) Child(name string) ObjectPath {
	return ObjectPath(path.Join(string(p), name))
}
