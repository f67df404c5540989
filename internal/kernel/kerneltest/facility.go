// Package kerneltest provides an in-memory kernel IPC facility double.
//
// The double keeps a real capability table: allocations hand out fresh
// names, deallocations are checked against liveness, and receive rights
// carry message queues. Message delivery supports two paths: handlers
// registered per message id (playing a server endpoint such as the io
// server), and plain loopback enqueueing onto a receive right owned by
// the caller. Tests and the demo binary run against it; kernel.Serve
// can expose it over the wire framing as an out-of-process facility.
package kerneltest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/osbridge/machipc/internal/kernel"
)

// queueDepth bounds each receive right's pending messages.
const queueDepth = 16

// Handler consumes a request message addressed to a served endpoint and
// returns the reply body fields (everything after the header), plus the
// reply message id. A nil reply means no response is generated.
type Handler func(request []byte) (replyFields []byte, replyID uint32)

type entry struct {
	right kernel.Right
	queue chan []byte
}

// Facility is the in-memory kernel double. Safe for concurrent use.
type Facility struct {
	mu        sync.Mutex
	next      kernel.Name
	table     map[kernel.Name]*entry
	dports    map[int]kernel.Name
	handlers  map[uint32]Handler
	taskSelf  kernel.Name
	exhausted bool

	// Writes records the payload of every io-server write, in order.
	writes [][]byte
}

// New creates an empty facility with a task-self port and the built-in
// io-server write handler (message id 21000).
func New() *Facility {
	f := &Facility{
		next:     0x1000,
		table:    make(map[kernel.Name]*entry),
		dports:   make(map[int]kernel.Name),
		handlers: make(map[uint32]Handler),
	}
	f.taskSelf = f.insert(kernel.RightSend)
	f.handlers[ioWriteID] = f.ioWrite
	return f
}

// Handle registers a handler for a message id, replacing any previous
// one.
func (f *Facility) Handle(id uint32, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = h
}

// SetExhausted makes subsequent allocations fail with a resource
// shortage, for testing the allocation error path.
func (f *Facility) SetExhausted(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = v
}

// Writes returns the payloads delivered to the io server so far.
func (f *Facility) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Holds reports whether the table currently holds a right under name.
func (f *Facility) Holds(name kernel.Name) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.table[name]
	return ok
}

func (f *Facility) insert(right kernel.Right) kernel.Name {
	name := f.next
	f.next++
	e := &entry{right: right}
	if right == kernel.RightReceive {
		e.queue = make(chan []byte, queueDepth)
	}
	f.table[name] = e
	return name
}

// PortAllocate implements kernel.Facility.
func (f *Facility) PortAllocate(right kernel.Right) (kernel.Name, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return kernel.NameNull, kernel.KernResourceShortage.Err()
	}
	if right < kernel.RightSend || right > kernel.RightDeadName {
		return kernel.NameNull, kernel.KernInvalidRight.Err()
	}
	return f.insert(right), nil
}

// PortDeallocate implements kernel.Facility. Deallocating a name not in
// the table reports KernInvalidName, matching a stale or foreign
// capability.
func (f *Facility) PortDeallocate(name kernel.Name) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.table[name]; !ok {
		return kernel.KernInvalidName.Err()
	}
	delete(f.table, name)
	return nil
}

// TaskSelf implements kernel.Facility.
func (f *Facility) TaskSelf() (kernel.Name, error) {
	return f.taskSelf, nil
}

// ReplyPort implements kernel.Facility.
func (f *Facility) ReplyPort() (kernel.Name, error) {
	return f.PortAllocate(kernel.RightReceive)
}

// GetDPort implements kernel.Facility: each fd resolves to a stable
// send right naming the io endpoint for that descriptor.
func (f *Facility) GetDPort(fd int) (kernel.Name, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.dports[fd]; ok {
		return name, nil
	}
	name := f.insert(kernel.RightSend)
	f.dports[fd] = name
	return name, nil
}

// Msg implements kernel.Facility.
func (f *Facility) Msg(ctx context.Context, buf []byte, opts kernel.Option, sendSize, rcvCapacity int, rcvName kernel.Name, timeout time.Duration, notify kernel.Name) (kernel.Return, error) {
	if opts&kernel.SendMsg != 0 {
		if status := f.send(buf[:sendSize]); status != kernel.Success {
			return status, nil
		}
	}
	if opts&kernel.RcvMsg != 0 {
		return f.receive(ctx, buf, rcvCapacity, rcvName, timeout)
	}
	return kernel.Success, nil
}

// Message header offsets shared with the msg package's wire layout.
const (
	offRemotePort = 8
	offLocalPort  = 12
	offID         = 20
)

func (f *Facility) send(request []byte) kernel.Return {
	if len(request) < 24 {
		return kernel.SendInvalidDest
	}
	dest := kernel.Name(binary.NativeEndian.Uint32(request[offRemotePort:]))
	reply := kernel.Name(binary.NativeEndian.Uint32(request[offLocalPort:]))
	id := binary.NativeEndian.Uint32(request[offID:])

	f.mu.Lock()
	destEntry, ok := f.table[dest]
	handler := f.handlers[id]
	f.mu.Unlock()
	if !ok {
		return kernel.SendInvalidDest
	}

	// Served endpoint: run the handler and deliver its reply to the
	// request's reply port.
	if handler != nil && destEntry.queue == nil {
		fields, replyID := handler(request)
		if fields == nil || reply.IsNull() {
			return kernel.Success
		}
		f.mu.Lock()
		replyEntry, ok := f.table[reply]
		f.mu.Unlock()
		if !ok || replyEntry.queue == nil {
			return kernel.SendInvalidReply
		}
		replyEntry.queue <- f.buildReply(reply, replyID, fields)
		return kernel.Success
	}

	// Loopback: enqueue the message onto a receive right we hold.
	if destEntry.queue == nil {
		return kernel.SendInvalidDest
	}
	queued := make([]byte, len(request))
	copy(queued, request)
	destEntry.queue <- queued
	return kernel.Success
}

// buildReply assembles header + fields for a handler-generated reply.
func (f *Facility) buildReply(to kernel.Name, id uint32, fields []byte) []byte {
	reply := make([]byte, 24+len(fields))
	binary.NativeEndian.PutUint32(reply[0:], 0)
	binary.NativeEndian.PutUint32(reply[4:], uint32(len(reply)))
	binary.NativeEndian.PutUint32(reply[offRemotePort:], uint32(kernel.NameNull))
	binary.NativeEndian.PutUint32(reply[offLocalPort:], uint32(to))
	binary.NativeEndian.PutUint32(reply[16:], 0)
	binary.NativeEndian.PutUint32(reply[offID:], id)
	copy(reply[24:], fields)
	return reply
}

func (f *Facility) receive(ctx context.Context, buf []byte, rcvCapacity int, rcvName kernel.Name, timeout time.Duration) (kernel.Return, error) {
	f.mu.Lock()
	e, ok := f.table[rcvName]
	f.mu.Unlock()
	if !ok || e.queue == nil {
		return kernel.RcvInvalidName, nil
	}

	var (
		message []byte
		timer   <-chan time.Time
	)
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case message = <-e.queue:
	case <-timer:
		return kernel.RcvTimedOut, nil
	case <-ctx.Done():
		return kernel.RcvTimedOut, ctx.Err()
	}

	if len(message) > rcvCapacity || len(message) > len(buf) {
		// Oversized messages are dropped, and the caller learns the
		// status; RcvLarge preservation is not modeled.
		return kernel.RcvTooLarge, nil
	}
	copy(buf, message)
	return kernel.Success, nil
}

// io-server write protocol: request id 21000, reply id 21100 carrying
// retcode and amount fields.
const (
	ioWriteID      = 21000
	ioWriteReplyID = ioWriteID + 100
)

// ioWrite parses the inline data field of an io-server write request
// and produces the conventional retcode+amount reply.
func (f *Facility) ioWrite(request []byte) ([]byte, uint32) {
	data, ok := parseWriteData(request)
	if !ok {
		return retCodeAmount(int32(kernel.KernFailure), 0), ioWriteReplyID
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return retCodeAmount(0, int32(len(data))), ioWriteReplyID
}

// parseWriteData pulls the first typed field out of a write request: a
// long-form character descriptor followed by the payload bytes.
func parseWriteData(request []byte) ([]byte, bool) {
	const off = 24
	if len(request) < off+12 {
		return nil, false
	}
	hdr := binary.NativeEndian.Uint32(request[off:])
	if hdr&0x20000000 == 0 {
		// Short-form data field: count in the header word.
		n := int(hdr >> 16 & 0x0fff)
		if len(request) < off+4+n {
			return nil, false
		}
		return append([]byte(nil), request[off+4:off+4+n]...), true
	}
	n := int(binary.NativeEndian.Uint32(request[off+8:]))
	if len(request) < off+12+n {
		return nil, false
	}
	return append([]byte(nil), request[off+12:off+12+n]...), true
}

// retCodeAmount encodes the fixed reply fields: two short-form 32-bit
// integer descriptors with their values.
func retCodeAmount(retCode, amount int32) []byte {
	fields := make([]byte, 16)
	const int32Desc = 0x10012002 // inline, number 1, size 32, name 2
	binary.NativeEndian.PutUint32(fields[0:], int32Desc)
	binary.NativeEndian.PutUint32(fields[4:], uint32(retCode))
	binary.NativeEndian.PutUint32(fields[8:], int32Desc)
	binary.NativeEndian.PutUint32(fields[12:], uint32(amount))
	return fields
}

// interface check
var _ kernel.Facility = (*Facility)(nil)

// String aids test failure output.
func (f *Facility) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("kerneltest.Facility{rights: %d}", len(f.table))
}
