package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/osbridge/machipc/internal/kernel"
)

// HeaderSize is the encoded size of a mach_msg_header_t.
const HeaderSize = 24

// ErrProtocolMismatch reports a reply whose bytes do not match the
// shape the caller declared for that message id.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// ErrBufferTooSmall aliases the kernel taxonomy so build-time overflows
// and kernel-side capacity failures test equal under errors.Is.
var ErrBufferTooSmall = kernel.ErrBufferTooSmall

// Header is the logical mach_msg_header_t. Size is computed during
// encoding and populated by decoding; callers never set it.
type Header struct {
	Bits       uint32
	Size       uint32
	RemotePort kernel.Name
	LocalPort  kernel.Name
	SeqNo      uint32
	ID         uint32
}

// Bits packs port dispositions into a msgh_bits value: how the
// destination right travels (remote) and what right the receiver gets
// on the reply port (local), per MACH_MSGH_BITS.
func Bits(remote, local Type) uint32 {
	return uint32(remote.name) | uint32(local.name)<<8
}

// Builder serializes one message front to back into a fixed-capacity
// buffer. Append calls fail with ErrBufferTooSmall instead of growing,
// since the capacity doubles as the receive limit for the reply.
type Builder struct {
	buf []byte
	off int
	err error
}

// NewBuilder allocates a message buffer of the given capacity and
// writes the header. The total length is patched in by Finish.
func NewBuilder(capacity int, hdr Header) *Builder {
	b := &Builder{buf: make([]byte, capacity)}
	if capacity < HeaderSize {
		b.err = fmt.Errorf("%w: capacity %d below header size", ErrBufferTooSmall, capacity)
		return b
	}
	binary.NativeEndian.PutUint32(b.buf[0:], hdr.Bits)
	// msgh_size at 4..8 is back-patched by Finish.
	binary.NativeEndian.PutUint32(b.buf[8:], uint32(hdr.RemotePort))
	binary.NativeEndian.PutUint32(b.buf[12:], uint32(hdr.LocalPort))
	binary.NativeEndian.PutUint32(b.buf[16:], hdr.SeqNo)
	binary.NativeEndian.PutUint32(b.buf[20:], hdr.ID)
	b.off = HeaderSize
	return b
}

// align pads to the next word boundary before a descriptor.
func (b *Builder) align() {
	for b.off%4 != 0 && b.off < len(b.buf) {
		b.buf[b.off] = 0
		b.off++
	}
}

// reserve checks that n more bytes fit.
func (b *Builder) reserve(n int) bool {
	if b.err != nil {
		return false
	}
	if b.off+n > len(b.buf) {
		b.err = fmt.Errorf("%w: need %d bytes at offset %d, capacity %d", ErrBufferTooSmall, n, b.off, len(b.buf))
		return false
	}
	return true
}

// Append writes one typed field: descriptor then payload. count is the
// element count declared in the descriptor; payload must be exactly
// count elements of the template's width. A zero count writes an empty,
// correctly-shaped field.
func (b *Builder) Append(t Type, count int, payload []byte) *Builder {
	return b.appendField(t, count, true, false, payload)
}

// AppendOutOfLine writes a field whose payload lives outside the
// message: the descriptor carries the out-of-line flags and the payload
// is the opaque transfer handle for the storage. dealloc asks the
// kernel to release the storage once sent.
func (b *Builder) AppendOutOfLine(t Type, count int, handle uint64, dealloc bool) *Builder {
	var word [8]byte
	binary.NativeEndian.PutUint64(word[:], handle)
	return b.appendField(t, count, false, dealloc, word[:])
}

func (b *Builder) appendField(t Type, count int, inline, dealloc bool, payload []byte) *Builder {
	if b.err != nil {
		return b
	}
	if !t.longform && count > maxShortNumber {
		b.err = fmt.Errorf("%w: count %d needs a long-form descriptor", ErrProtocolMismatch, count)
		return b
	}
	if inline && len(payload) != t.elemBytes(count) {
		b.err = fmt.Errorf("%w: payload is %d bytes, descriptor declares %d", ErrProtocolMismatch, len(payload), t.elemBytes(count))
		return b
	}
	b.align()
	if !b.reserve(t.descSize() + len(payload)) {
		return b
	}
	b.off = t.putDesc(b.buf, b.off, count, inline, dealloc)
	copy(b.buf[b.off:], payload)
	b.off += len(payload)
	return b
}

// AppendString writes an inline character field.
func (b *Builder) AppendString(s string) *Builder {
	return b.Append(Char, len(s), []byte(s))
}

// AppendBytes writes an inline character field from raw bytes.
func (b *Builder) AppendBytes(data []byte) *Builder {
	return b.Append(Char, len(data), data)
}

// AppendInt32 writes one inline 32-bit integer field.
func (b *Builder) AppendInt32(v int32) *Builder {
	var w [4]byte
	binary.NativeEndian.PutUint32(w[:], uint32(v))
	return b.Append(Int32, 1, w[:])
}

// AppendInt64 writes one inline 64-bit integer field. Sentinel values
// such as offset -1 ("current offset") pass through unreinterpreted.
func (b *Builder) AppendInt64(v int64) *Builder {
	var w [8]byte
	binary.NativeEndian.PutUint64(w[:], uint64(v))
	return b.Append(Int64, 1, w[:])
}

// AppendPort writes a port right field under the given disposition. A
// null name encodes as the null-capability sentinel.
func (b *Builder) AppendPort(disposition Type, name kernel.Name) *Builder {
	var w [4]byte
	binary.NativeEndian.PutUint32(w[:], uint32(name))
	return b.Append(disposition, 1, w[:])
}

// Len returns the bytes written so far.
func (b *Builder) Len() int { return b.off }

// Buffer exposes the full backing buffer, so the same allocation can
// receive the reply up to its capacity.
func (b *Builder) Buffer() []byte { return b.buf }

// Finish back-patches the total length into msgh_size and returns the
// encoded message. The builder stays usable as a receive buffer.
func (b *Builder) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	binary.NativeEndian.PutUint32(b.buf[4:], uint32(b.off))
	return b.buf[:b.off], nil
}
