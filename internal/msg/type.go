package msg

import (
	"encoding/binary"
	"fmt"
)

// Flag bits of a mach_msg_type_t word.
const (
	bitInline     = 0x10000000
	bitLongform   = 0x20000000
	bitDeallocate = 0x40000000

	// checkedBits masks the descriptor bits compared during type
	// checking: name, size and the flag nibble, but not the count.
	checkedBits = 0xf000ffff

	maxShortNumber = 0x0fff
)

// Type describes one kind of data item carried in a typed field,
// corresponding to mach_msg_type_t. Longform types write the explicit
// name/size/count triple of mach_msg_type_long_t.
type Type struct {
	name     uint8
	size     uint16 // element width in bits
	longform bool
}

// Templates for the type names in use, values per <mach/message.h>.
var (
	Char  = Type{name: 8, size: 8, longform: true}
	Int32 = Type{name: 2, size: 32}
	Int64 = Type{name: 11, size: 64}

	// Port dispositions: how the named right travels with the message.
	MoveReceive  = Type{name: 16, size: 32}
	MoveSend     = Type{name: 17, size: 32}
	MoveSendOnce = Type{name: 18, size: 32}
	CopySend     = Type{name: 19, size: 32}
	MakeSend     = Type{name: 20, size: 32}
	MakeSendOnce = Type{name: 21, size: 32}

	// Aliases used for rights arriving in a received message.
	PortReceive  = MoveReceive
	PortSend     = MoveSend
	PortSendOnce = MoveSendOnce
)

// Name returns the mach_msg_type_name value.
func (t Type) Name() uint8 { return t.name }

// Size returns the element width in bits.
func (t Type) Size() uint16 { return t.size }

// Longform reports whether the template writes a long-form descriptor.
func (t Type) Longform() bool { return t.longform }

// IsPort reports whether the type names a port right, per
// MACH_MSG_TYPE_PORT_ANY.
func (t Type) IsPort() bool {
	return t.name >= MoveReceive.name && t.name <= MakeSendOnce.name
}

// IsPortRight reports whether the type moves a right out of the sender,
// per MACH_MSG_TYPE_PORT_ANY_RIGHT.
func (t Type) IsPortRight() bool {
	return t.name >= MoveReceive.name && t.name <= MoveSendOnce.name
}

// elemBytes returns the payload size in bytes for count elements.
func (t Type) elemBytes(count int) int {
	return int(t.size) / 8 * count
}

// descSize returns the encoded descriptor size in bytes.
func (t Type) descSize() int {
	if t.longform {
		return 12
	}
	return 4
}

// protoHeader builds the descriptor word carrying everything except the
// count, used both for writing and for checking.
func (t Type) protoHeader(inline, dealloc bool) uint32 {
	var hdr uint32
	if !t.longform {
		hdr = uint32(t.name) | uint32(t.size)<<8
	} else {
		hdr = bitLongform
	}
	if inline {
		hdr |= bitInline
	}
	if dealloc {
		hdr |= bitDeallocate
	}
	return hdr
}

// putDesc writes the descriptor for count elements at buf[off:] and
// returns the new offset. The caller has already aligned off and
// checked capacity.
func (t Type) putDesc(buf []byte, off, count int, inline, dealloc bool) int {
	hdr := t.protoHeader(inline, dealloc)
	if t.longform {
		binary.NativeEndian.PutUint32(buf[off:], hdr)
		binary.NativeEndian.PutUint16(buf[off+4:], uint16(t.name))
		binary.NativeEndian.PutUint16(buf[off+6:], t.size)
		binary.NativeEndian.PutUint32(buf[off+8:], uint32(count))
		return off + 12
	}
	binary.NativeEndian.PutUint32(buf[off:], hdr|uint32(count&maxShortNumber)<<16)
	return off + 4
}

// desc is a descriptor parsed from a buffer.
type desc struct {
	name       uint8
	size       uint16
	number     int
	inline     bool
	longform   bool
	deallocate bool
}

// parseDesc reads the descriptor at buf[off:], already aligned.
func parseDesc(buf []byte, off int) (desc, int, error) {
	if off+4 > len(buf) {
		return desc{}, off, fmt.Errorf("%w: descriptor at %d overruns buffer", ErrProtocolMismatch, off)
	}
	hdr := binary.NativeEndian.Uint32(buf[off:])
	d := desc{
		inline:     hdr&bitInline != 0,
		longform:   hdr&bitLongform != 0,
		deallocate: hdr&bitDeallocate != 0,
	}
	if d.longform {
		if off+12 > len(buf) {
			return desc{}, off, fmt.Errorf("%w: long descriptor at %d overruns buffer", ErrProtocolMismatch, off)
		}
		d.name = uint8(binary.NativeEndian.Uint16(buf[off+4:]))
		d.size = binary.NativeEndian.Uint16(buf[off+6:])
		d.number = int(binary.NativeEndian.Uint32(buf[off+8:]))
		return d, off + 12, nil
	}
	d.name = uint8(hdr)
	d.size = uint16(hdr >> 8 & 0xff)
	d.number = int(hdr >> 16 & maxShortNumber)
	return d, off + 4, nil
}

// check compares the parsed descriptor against the template, ignoring
// the element count.
func (d desc) check(t Type) error {
	if d.longform != t.longform {
		return fmt.Errorf("%w: longform bit is %v, want %v", ErrProtocolMismatch, d.longform, t.longform)
	}
	if d.name != t.name || d.size != t.size {
		return fmt.Errorf("%w: type %d/%d, want %d/%d", ErrProtocolMismatch, d.name, d.size, t.name, t.size)
	}
	if !d.inline || d.deallocate {
		return fmt.Errorf("%w: unexpected out-of-line or deallocate flag on reply field", ErrProtocolMismatch)
	}
	return nil
}
