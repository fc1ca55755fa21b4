package dbus

// A Variant is a DBus variant ("v"): a value boxed together with its
// own type signature.
type Variant struct {
	Value Value
}

func (Variant) Type() Signature { return "v" }
func (Variant) isValue()        {}

// Unwrap returns the innermost non-variant value in v.
func (v Variant) Unwrap() Value {
	ret := v.Value
	for {
		inner, ok := ret.(Variant)
		if !ok {
			return ret
		}
		ret = inner.Value
	}
}
