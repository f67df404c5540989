package msg

import (
	"encoding/binary"
	"fmt"

	"github.com/osbridge/machipc/internal/kernel"
)

// Reader decodes a reply buffer with a caller-declared shape. Each
// typed getter checks the next descriptor against the expected template
// before reading the payload; a divergence fails with
// ErrProtocolMismatch and leaves the position on the offending field.
type Reader struct {
	buf []byte
	off int
	hdr Header
}

// NewReader parses the header of a received message. The buffer must
// hold at least the declared msgh_size.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d for header", ErrProtocolMismatch, len(buf), HeaderSize)
	}
	hdr := Header{
		Bits:       binary.NativeEndian.Uint32(buf[0:]),
		Size:       binary.NativeEndian.Uint32(buf[4:]),
		RemotePort: kernel.Name(binary.NativeEndian.Uint32(buf[8:])),
		LocalPort:  kernel.Name(binary.NativeEndian.Uint32(buf[12:])),
		SeqNo:      binary.NativeEndian.Uint32(buf[16:]),
		ID:         binary.NativeEndian.Uint32(buf[20:]),
	}
	if hdr.Size < HeaderSize || int(hdr.Size) > len(buf) {
		return nil, fmt.Errorf("%w: declared size %d outside [%d, %d]", ErrProtocolMismatch, hdr.Size, HeaderSize, len(buf))
	}
	return &Reader{buf: buf[:hdr.Size], off: HeaderSize, hdr: hdr}, nil
}

// Header returns the decoded message header.
func (r *Reader) Header() Header { return r.hdr }

// Remaining returns the undecoded byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) align() {
	for r.off%4 != 0 && r.off < len(r.buf) {
		r.off++
	}
}

// Check consumes the next descriptor, verifies it against the template
// and returns its element count.
func (r *Reader) Check(t Type) (int, error) {
	r.align()
	d, next, err := parseDesc(r.buf, r.off)
	if err != nil {
		return 0, err
	}
	if err := d.check(t); err != nil {
		return 0, err
	}
	if r.off = next; r.off+t.elemBytes(d.number) > len(r.buf) {
		return 0, fmt.Errorf("%w: field payload overruns message", ErrProtocolMismatch)
	}
	return d.number, nil
}

// CheckCount is Check with an exact expected element count.
func (r *Reader) CheckCount(t Type, want int) error {
	got, err := r.Check(t)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: element count %d, want %d", ErrProtocolMismatch, got, want)
	}
	return nil
}

// Int32 decodes one 32-bit integer field.
func (r *Reader) Int32() (int32, error) {
	if err := r.CheckCount(Int32, 1); err != nil {
		return 0, err
	}
	v := int32(binary.NativeEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v, nil
}

// Int64 decodes one 64-bit integer field.
func (r *Reader) Int64() (int64, error) {
	if err := r.CheckCount(Int64, 1); err != nil {
		return 0, err
	}
	v := int64(binary.NativeEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

// Bytes decodes a character field of any length.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Check(Char)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, r.buf[r.off:])
	r.off += n
	return data, nil
}

// Port decodes a port right field arriving under any port disposition,
// returning the raw name and the disposition it traveled with.
func (r *Reader) Port() (kernel.Name, Type, error) {
	r.align()
	d, next, err := parseDesc(r.buf, r.off)
	if err != nil {
		return kernel.NameNull, Type{}, err
	}
	t := Type{name: d.name, size: d.size}
	if !t.IsPort() {
		return kernel.NameNull, Type{}, fmt.Errorf("%w: type %d is not a port right", ErrProtocolMismatch, d.name)
	}
	if d.number != 1 || d.size != 32 || !d.inline {
		return kernel.NameNull, Type{}, fmt.Errorf("%w: malformed port field", ErrProtocolMismatch)
	}
	if r.off = next; r.off+4 > len(r.buf) {
		return kernel.NameNull, Type{}, fmt.Errorf("%w: port payload overruns message", ErrProtocolMismatch)
	}
	name := kernel.Name(binary.NativeEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return name, t, nil
}

// RetCodeAmount decodes the conventional two-field reply shape of an
// io-server write: a 32-bit return code followed by a 32-bit amount.
func (r *Reader) RetCodeAmount() (retCode int32, amount int32, err error) {
	if retCode, err = r.Int32(); err != nil {
		return 0, 0, err
	}
	if amount, err = r.Int32(); err != nil {
		return 0, 0, err
	}
	return retCode, amount, nil
}
