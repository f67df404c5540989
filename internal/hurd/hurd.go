// Package hurd exposes the ambient authority of a process on a
// Hurd-style system: the capabilities it holds by virtue of existing,
// such as the io-server ports behind its file descriptors.
package hurd

import (
	"fmt"
	"time"

	"github.com/osbridge/machipc/internal/ipc"
	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/port"
)

// Well-known descriptor numbers.
const (
	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2
)

// Authority resolves ambient capabilities and speaks the io-server
// protocol over them.
type Authority struct {
	facility kernel.Facility
	exchange *ipc.Exchange

	// Timeout bounds each io RPC; kernel.TimeoutNone waits
	// indefinitely.
	Timeout time.Duration

	// RecvCapacity sizes each RPC buffer. It must cover the request and
	// the largest expected reply.
	RecvCapacity int
}

// New creates an authority over the given facility and exchange.
func New(f kernel.Facility, e *ipc.Exchange) *Authority {
	return &Authority{
		facility:     f,
		exchange:     e,
		Timeout:      kernel.TimeoutNone,
		RecvCapacity: defaultRecvCapacity,
	}
}

// GetDPort resolves a file descriptor to a handle on the capability
// naming its I/O endpoint. The handle owns the resolved right.
func (a *Authority) GetDPort(fd int) (*port.Port, error) {
	name, err := a.facility.GetDPort(fd)
	if err != nil {
		return nil, fmt.Errorf("getdport %d: %w", fd, err)
	}
	return a.exchange.Registry().Wrap(name), nil
}

// Stdout returns a handle on the standard-output port.
func (a *Authority) Stdout() (*port.Port, error) { return a.GetDPort(FdStdout) }

// Stderr returns a handle on the standard-error port.
func (a *Authority) Stderr() (*port.Port, error) { return a.GetDPort(FdStderr) }
