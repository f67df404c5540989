package kernel

import (
	"context"
	"errors"
	"time"
)

// Name is a port name: an integer capability identifier scoped to the
// owning task's namespace. The zero value is the null capability.
type Name uint32

const (
	// NameNull is the null capability. Encoding a message with an absent
	// reply or notify port uses this sentinel.
	NameNull Name = 0

	// NameDead marks a name whose right has been deallocated.
	NameDead Name = 0xffffffff
)

// IsNull reports whether n is the null capability.
func (n Name) IsNull() bool { return n == NameNull }

// Right is the permission class attached to a capability.
type Right int

// Port right kinds, numbered per mach_port_right_t.
const (
	RightSend Right = iota
	RightReceive
	RightSendOnce
	RightPortSet
	RightDeadName
)

func (r Right) String() string {
	switch r {
	case RightSend:
		return "send"
	case RightReceive:
		return "receive"
	case RightSendOnce:
		return "send-once"
	case RightPortSet:
		return "port-set"
	case RightDeadName:
		return "dead-name"
	default:
		return "unknown"
	}
}

// Option is a bitwise-or combination of send/receive options for Msg,
// mirroring the MACH_SEND_* and MACH_RCV_* constants.
type Option uint32

const (
	OptionNone    Option = 0x00000000
	SendMsg       Option = 0x00000001
	RcvMsg        Option = 0x00000002
	SendTimeout   Option = 0x00000010
	SendNotify    Option = 0x00000020
	SendInterrupt Option = 0x00000040
	SendCancel    Option = 0x00000080
	RcvTimeout    Option = 0x00000100
	RcvNotify     Option = 0x00000200
	RcvInterrupt  Option = 0x00000400
	RcvLarge      Option = 0x00000800
)

// TimeoutNone selects an unbounded wait for Msg.
const TimeoutNone time.Duration = 0

// Return is a kernel status code: either a mach_msg_return_t from a
// message exchange or a kern_return_t from a port operation. Statuses
// are surfaced unchanged; this layer adds no retry or remapping.
type Return uint32

const (
	Success Return = 0

	// kern_return_t values for port operations.
	KernNoSpace          Return = 3
	KernFailure          Return = 5
	KernResourceShortage Return = 6
	KernInvalidName      Return = 15
	KernInvalidRight     Return = 17

	// mach_msg_return_t values.
	SendInvalidDest  Return = 0x10000003
	SendTimedOut     Return = 0x10000004
	SendInvalidReply Return = 0x10000009
	RcvInvalidName   Return = 0x10004002
	RcvTimedOut      Return = 0x10004003
	RcvTooLarge      Return = 0x10004004
)

func (r Return) String() string {
	switch r {
	case Success:
		return "success"
	case KernNoSpace:
		return "no space"
	case KernFailure:
		return "failure"
	case KernResourceShortage:
		return "resource shortage"
	case KernInvalidName:
		return "invalid name"
	case KernInvalidRight:
		return "invalid right"
	case SendInvalidDest:
		return "send: invalid destination"
	case SendTimedOut:
		return "send: timed out"
	case SendInvalidReply:
		return "send: invalid reply port"
	case RcvInvalidName:
		return "receive: invalid name"
	case RcvTimedOut:
		return "receive: timed out"
	case RcvTooLarge:
		return "receive: too large"
	default:
		return "unknown kernel status"
	}
}

// Err converts a status into an error, nil on Success. Statuses with a
// taxonomy equivalent unwrap to the matching sentinel so callers can use
// errors.Is across facility implementations.
func (r Return) Err() error {
	switch r {
	case Success:
		return nil
	case KernNoSpace, KernResourceShortage:
		return &StatusError{Status: r, kind: ErrKernelResource}
	case KernInvalidName, KernInvalidRight, SendInvalidDest, RcvInvalidName:
		return &StatusError{Status: r, kind: ErrInvalidCapability}
	case SendTimedOut, RcvTimedOut:
		return &StatusError{Status: r, kind: ErrTimeout}
	case RcvTooLarge:
		return &StatusError{Status: r, kind: ErrBufferTooSmall}
	default:
		return &StatusError{Status: r}
	}
}

// Error taxonomy for kernel-call boundaries. Facility implementations
// report failures through these sentinels (wrapped in StatusError);
// nothing is silently swallowed.
var (
	ErrKernelResource    = errors.New("kernel resource exhausted")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrBufferTooSmall    = errors.New("receive buffer too small")
	ErrTimeout           = errors.New("exchange timed out")
)

// StatusError carries a raw kernel status alongside its taxonomy kind.
type StatusError struct {
	Status Return
	kind   error
}

func (e *StatusError) Error() string {
	if e.kind != nil {
		return e.kind.Error() + " (kernel status " + e.Status.String() + ")"
	}
	return "kernel status " + e.Status.String()
}

func (e *StatusError) Unwrap() error { return e.kind }

// Facility is the kernel IPC facility: the single downstream dependency
// of the bridge. All calls are blocking; Msg honors ctx for connection
// teardown but relies on timeout for exchange-level cancellation.
type Facility interface {
	// Msg performs one send and/or receive exchange. buf holds the
	// serialized message; on a receive the reply is written in place, up
	// to rcvCapacity bytes. The returned status is the kernel's verdict,
	// unmodified; the error covers transport failures only.
	Msg(ctx context.Context, buf []byte, opts Option, sendSize, rcvCapacity int, rcvName Name, timeout time.Duration, notify Name) (Return, error)

	// PortAllocate requests a new right of the given kind in the current
	// task. Fails with ErrKernelResource on exhaustion.
	PortAllocate(right Right) (Name, error)

	// PortDeallocate releases one right held under name. A dead or
	// foreign name fails with ErrInvalidCapability.
	PortDeallocate(name Name) error

	// TaskSelf returns the current task's port name.
	TaskSelf() (Name, error)

	// ReplyPort allocates a receive right suitable for one
	// request/response exchange, per mach_reply_port.
	ReplyPort() (Name, error)

	// GetDPort resolves a file-descriptor-like handle to the capability
	// naming the corresponding I/O endpoint.
	GetDPort(fd int) (Name, error)
}
