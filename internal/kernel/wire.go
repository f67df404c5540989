package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire framing for facility calls over a stream transport.
//
// Request frame, 40-byte fixed header, all integers little-endian:
//
//	0 ..1   Magic 'P''M' (0x4d50)
//	2       Version u8
//	3       Op      u8
//	4 ..7   Options u32
//	8 ..11  SendSize u32
//	12..15  RcvCapacity u32
//	16..19  RcvName u32
//	20..23  Notify u32
//	24..31  TimeoutMillis u64
//	32..35  Arg u32 (right kind, name, or fd depending on Op)
//	36..39  PayloadLen u32
//
// Response frame, 16-byte fixed header:
//
//	0 ..1   Magic, 2 Version, 3 Op
//	4 ..7   Status u32
//	8 ..11  Name u32
//	12..15  PayloadLen u32
const (
	wireMagic   = uint16(0x4d50) // 'P''M'
	wireVersion = 1

	reqHeaderSize  = 40
	respHeaderSize = 16

	// Hard cap on a single framed payload. Mach messages are small;
	// anything beyond this is a framing error, not a legitimate exchange.
	maxWirePayload = 1 << 20
)

// Facility call opcodes.
const (
	opMsg uint8 = iota + 1
	opPortAllocate
	opPortDeallocate
	opTaskSelf
	opReplyPort
	opGetDPort
)

var (
	errBadMagic   = errors.New("wire: bad magic")
	errBadVersion = errors.New("wire: unsupported version")
	errOversized  = errors.New("wire: payload exceeds cap")
)

// request is one framed facility call.
type request struct {
	Op          uint8
	Options     Option
	SendSize    uint32
	RcvCapacity uint32
	RcvName     Name
	Notify      Name
	Timeout     time.Duration
	Arg         uint32
	Payload     []byte
}

// response is the facility's framed answer.
type response struct {
	Op      uint8
	Status  Return
	Name    Name
	Payload []byte
}

func writeRequest(w io.Writer, req *request) error {
	if len(req.Payload) > maxWirePayload {
		return errOversized
	}
	buf := make([]byte, reqHeaderSize+len(req.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], wireMagic)
	buf[2] = wireVersion
	buf[3] = req.Op
	binary.LittleEndian.PutUint32(buf[4:8], uint32(req.Options))
	binary.LittleEndian.PutUint32(buf[8:12], req.SendSize)
	binary.LittleEndian.PutUint32(buf[12:16], req.RcvCapacity)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(req.RcvName))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(req.Notify))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(req.Timeout/time.Millisecond))
	binary.LittleEndian.PutUint32(buf[32:36], req.Arg)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(len(req.Payload)))
	copy(buf[reqHeaderSize:], req.Payload)
	_, err := w.Write(buf)
	return err
}

func readRequest(r io.Reader) (*request, error) {
	var hdr [reqHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != wireMagic {
		return nil, errBadMagic
	}
	if hdr[2] != wireVersion {
		return nil, errBadVersion
	}
	req := &request{
		Op:          hdr[3],
		Options:     Option(binary.LittleEndian.Uint32(hdr[4:8])),
		SendSize:    binary.LittleEndian.Uint32(hdr[8:12]),
		RcvCapacity: binary.LittleEndian.Uint32(hdr[12:16]),
		RcvName:     Name(binary.LittleEndian.Uint32(hdr[16:20])),
		Notify:      Name(binary.LittleEndian.Uint32(hdr[20:24])),
		Timeout:     time.Duration(binary.LittleEndian.Uint64(hdr[24:32])) * time.Millisecond,
		Arg:         binary.LittleEndian.Uint32(hdr[32:36]),
	}
	n := binary.LittleEndian.Uint32(hdr[36:40])
	if n > maxWirePayload {
		return nil, errOversized
	}
	if n > 0 {
		req.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return nil, fmt.Errorf("wire: short payload: %w", err)
		}
	}
	return req, nil
}

func writeResponse(w io.Writer, resp *response) error {
	if len(resp.Payload) > maxWirePayload {
		return errOversized
	}
	buf := make([]byte, respHeaderSize+len(resp.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], wireMagic)
	buf[2] = wireVersion
	buf[3] = resp.Op
	binary.LittleEndian.PutUint32(buf[4:8], uint32(resp.Status))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(resp.Name))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(resp.Payload)))
	copy(buf[respHeaderSize:], resp.Payload)
	_, err := w.Write(buf)
	return err
}

func readResponse(r io.Reader) (*response, error) {
	var hdr [respHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != wireMagic {
		return nil, errBadMagic
	}
	if hdr[2] != wireVersion {
		return nil, errBadVersion
	}
	resp := &response{
		Op:     hdr[3],
		Status: Return(binary.LittleEndian.Uint32(hdr[4:8])),
		Name:   Name(binary.LittleEndian.Uint32(hdr[8:12])),
	}
	n := binary.LittleEndian.Uint32(hdr[12:16])
	if n > maxWirePayload {
		return nil, errOversized
	}
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return nil, fmt.Errorf("wire: short payload: %w", err)
		}
	}
	return resp, nil
}
