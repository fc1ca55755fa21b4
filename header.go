package dbus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danderson/dyndbus/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MsgCall MessageType = iota + 1
	MsgReturn
	MsgError
	MsgSignal
)

func (t MessageType) String() string {
	switch t {
	case MsgCall:
		return "call"
	case MsgReturn:
		return "return"
	case MsgError:
		return "error"
	case MsgSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// MessageFlags are the flags of a DBus message header.
type MessageFlags byte

const (
	// FlagNoReplyExpected indicates that the caller does not want a
	// reply to a method call.
	FlagNoReplyExpected MessageFlags = 1 << iota
	// FlagNoAutoStart asks the bus not to start the destination
	// service if it is not running.
	FlagNoAutoStart
	// FlagAllowInteractiveAuth indicates that the caller is prepared
	// to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// headerFieldTypes maps header field codes to the type of their
// value.
var headerFieldTypes = map[byte]Signature{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrName:     "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldNumFDs:      "u",
}

// maxMessageLen is the largest message the DBus specification
// permits.
const maxMessageLen = 1 << 27

// A Message is a DBus message: a method call, method return, error
// or signal.
type Message struct {
	Type  MessageType
	Flags MessageFlags
	// Serial is assigned by [Conn] when the message is sent.
	Serial uint32
	// ReplySerial is the serial of the call that a return or error
	// message responds to.
	ReplySerial uint32

	// Path is the target object of a call, or the source object of a
	// signal.
	Path ObjectPath
	// Interface is the interface of the called method or emitted
	// signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrName is the name of the error for error messages.
	ErrName string
	// Destination is the bus name the message is addressed to.
	Destination string
	// Sender is the unique bus name of the sender. The bus sets this
	// field on delivery, any value set by the sender is ignored.
	Sender string

	// Body is the message payload.
	Body []Value
	// Files are the file descriptors attached to the message,
	// referenced by index from [UnixFD] values in Body.
	Files []*os.File
}

// Signature returns the type signature of the message body.
func (m *Message) Signature() Signature {
	var b strings.Builder
	for _, v := range m.Body {
		if v != nil {
			b.WriteString(string(v.Type()))
		}
	}
	return Signature(b.String())
}

// WantReply reports whether m is a method call that expects a reply.
func (m *Message) WantReply() bool {
	return m.Type == MsgCall && m.Flags&FlagNoReplyExpected == 0
}

// Reply returns a method return message in response to m.
func (m *Message) Reply(body ...Value) *Message {
	return &Message{
		Type:        MsgReturn,
		Flags:       FlagNoReplyExpected,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Body:        body,
	}
}

// ErrorReply returns an error message in response to m.
func (m *Message) ErrorReply(name, detail string) *Message {
	ret := &Message{
		Type:        MsgError,
		Flags:       FlagNoReplyExpected,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		ErrName:     name,
	}
	if detail != "" {
		ret.Body = []Value{String(detail)}
	}
	return ret
}

// Err returns the CallError carried by an error message, or nil if m
// is not an error message.
func (m *Message) Err() error {
	if m.Type != MsgError {
		return nil
	}
	ret := CallError{Name: m.ErrName}
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(String); ok {
			ret.Detail = string(s)
		}
	}
	return ret
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Type, m.Serial)
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.ReplySerial)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " destination=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", m.Interface)
	}
	if m.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.Member)
	}
	if m.ErrName != "" {
		fmt.Fprintf(&b, " error_name=%s", m.ErrName)
	}
	if len(m.Body) > 0 {
		fmt.Fprintf(&b, " body=[%s]", Repr(m.Body...))
	}
	return b.String()
}

// Valid checks that the message header is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	if m.Path != "" && !m.Path.Valid() {
		return fmt.Errorf("invalid object path %q", m.Path)
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case MsgCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case MsgReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case MsgError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case MsgSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but DBus requires us to
		// gracefully allow them.
	}
	return nil
}

// encodeMessage returns the wire encoding of m, split into the
// header and body.
func encodeMessage(order fragments.ByteOrder, m *Message) (hdr, body []byte, err error) {
	if err := m.Valid(); err != nil {
		return nil, nil, err
	}
	body, sig, err := Marshal(order, m.Body...)
	if err != nil {
		return nil, nil, err
	}
	if len(body) > maxMessageLen {
		return nil, nil, fmt.Errorf("message body too large (%d bytes)", len(body))
	}

	type field struct {
		code byte
		val  Value
	}
	var fields []field
	add := func(code byte, v Value, present bool) {
		if present {
			fields = append(fields, field{code, v})
		}
	}
	add(fieldPath, m.Path, m.Path != "")
	add(fieldInterface, String(m.Interface), m.Interface != "")
	add(fieldMember, String(m.Member), m.Member != "")
	add(fieldErrName, String(m.ErrName), m.ErrName != "")
	add(fieldReplySerial, Uint32(m.ReplySerial), m.ReplySerial != 0)
	add(fieldDestination, String(m.Destination), m.Destination != "")
	add(fieldSender, String(m.Sender), m.Sender != "")
	add(fieldSignature, sig, sig != "")
	add(fieldNumFDs, Uint32(len(m.Files)), len(m.Files) > 0)

	e := fragments.Encoder{Order: order}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(byte(m.Flags))
	e.Uint8(1) // protocol version
	e.Uint32(uint32(len(body)))
	e.Uint32(m.Serial)
	err = e.Array(true, func() error {
		for _, f := range fields {
			err := e.Struct(func() error {
				e.Uint8(f.code)
				return marshalValue(&e, Variant{f.val})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.Pad(8)
	return e.Out, body, nil
}

// decodeMessage reads one complete message from r. getFiles is
// called to retrieve the file descriptors attached to the message.
func decodeMessage(r io.Reader, getFiles func(int) ([]*os.File, error)) (*Message, error) {
	d := fragments.Decoder{
		Order: fragments.NativeEndian,
		In:    r,
	}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	var (
		ret     Message
		sig     Signature
		numFDs  uint32
		hdrErrs []error
	)
	typ, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	ret.Type = MessageType(typ)
	flags, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	ret.Flags = MessageFlags(flags)
	version, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if bodyLen > maxMessageLen {
		return nil, fmt.Errorf("message body too large (%d bytes)", bodyLen)
	}
	if ret.Serial, err = d.Uint32(); err != nil {
		return nil, err
	}

	_, err = d.Array(true, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := unmarshalValue(&d, "v", 0)
			if err != nil {
				return err
			}
			if err := setHeaderField(&ret, &sig, &numFDs, code, v.(Variant).Value); err != nil {
				hdrErrs = append(hdrErrs, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading header fields: %w", err)
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	body, err := d.Read(int(bodyLen))
	if err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	if numFDs > 0 {
		if ret.Files, err = getFiles(int(numFDs)); err != nil {
			return nil, err
		}
	}
	if len(hdrErrs) > 0 {
		return nil, fmt.Errorf("invalid header fields: %w", errors.Join(hdrErrs...))
	}
	if ret.Body, err = Unmarshal(d.Order, sig, body); err != nil {
		return nil, fmt.Errorf("decoding message body: %w", err)
	}
	return &ret, nil
}

func setHeaderField(m *Message, sig *Signature, numFDs *uint32, code byte, v Value) error {
	want, ok := headerFieldTypes[code]
	if !ok {
		// Unknown header fields must be ignored.
		return nil
	}
	if got := v.Type(); got != want {
		return fmt.Errorf("header field %d has type %q, want %q", code, got, want)
	}
	switch code {
	case fieldPath:
		m.Path = v.(ObjectPath)
	case fieldInterface:
		m.Interface = string(v.(String))
	case fieldMember:
		m.Member = string(v.(String))
	case fieldErrName:
		m.ErrName = string(v.(String))
	case fieldReplySerial:
		m.ReplySerial = uint32(v.(Uint32))
	case fieldDestination:
		m.Destination = string(v.(String))
	case fieldSender:
		m.Sender = string(v.(String))
	case fieldSignature:
		*sig = v.(Signature)
	case fieldNumFDs:
		*numFDs = uint32(v.(Uint32))
	}
	return nil
}
