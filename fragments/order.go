package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a byte order that DBus knows how to label on the wire.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
	flag byte
}

func (w wrapStd) dbusFlag() byte { return w.flag }

func nativeFlag() byte {
	if cpu.IsBigEndian {
		return 'B'
	}
	return 'l'
}

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian, 'l'}
	NativeEndian ByteOrder = wrapStd{binary.NativeEndian, nativeFlag()}
)

// OrderForFlag returns the ByteOrder labelled by a DBus byte order
// flag.
func OrderForFlag(flag byte) (ByteOrder, error) {
	switch flag {
	case 'B':
		return BigEndian, nil
	case 'l':
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order flag %q", flag)
	}
}
