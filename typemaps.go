package dbus

import (
	"github.com/creachadair/mds/mapset"
)

var (
	// typeNames maps the DBus type signature identifier of a type to
	// the name used when describing values of that type in logs and
	// in Repr output.
	typeNames = map[byte]string{
		'y': "byte",
		'b': "boolean",
		'n': "int16",
		'q': "uint16",
		'i': "int32",
		'u': "uint32",
		'x': "int64",
		't': "uint64",
		'd': "double",
		's': "string",
		'o': "objpath",
		'g': "signature",
		'h': "fd",
		'v': "variant",
		'a': "array",
		'(': "struct",
		'{': "dict entry",
	}

	// basicTypes is the set of type identifiers for the DBus basic
	// types, which are the types permitted as dict keys.
	basicTypes = mapset.New[byte](
		'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h',
	)

	// align8Types is the set of type identifiers whose values are
	// aligned to 8 bytes, and thus add padding after array headers.
	align8Types = mapset.New[byte]('(', '{', 'x', 't', 'd')
)
