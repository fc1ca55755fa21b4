package dbus

import (
	"fmt"
)

// Well-known DBus error names.
const (
	ErrNameFailed          = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject   = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameUnknownProperty = "org.freedesktop.DBus.Error.UnknownProperty"
)

// TypeError is the error returned when a value or signature cannot be
// represented in the DBus wire format.
type TypeError struct {
	// Type is the signature of the type that caused the error.
	Type string
	// Reason is an explanation of why the value isn't representable
	// by DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(sig Signature, reason string, args ...any) error {
	return TypeError{string(sig), fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}
