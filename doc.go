// Package dbus is a DBus client that works with explicitly typed wire
// values rather than Go types.
//
// Every DBus value is represented by a [Value]: a basic value such as
// [Int32] or [String], or a container ([Variant], [Array], [Struct],
// [Dict]) that carries its own element types. Because values carry
// their types, messages can be built and inspected without any
// compile-time knowledge of the interfaces involved, which is what
// dynamic bridges and command line tools need.
//
// A [Conn] connects to a bus and offers blocking calls
// ([Conn.Call]), asynchronous calls ([Conn.CallAsync]), object
// export ([Conn.Export]), signal subscription ([Conn.Subscribe],
// [Conn.Watch]) and bus name ownership ([Conn.RequestName]).
// Callbacks run one at a time on the connection's event loop.
package dbus
