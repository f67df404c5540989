package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/kernel/kerneltest"
	"github.com/osbridge/machipc/internal/msg"
	"github.com/osbridge/machipc/internal/port"
)

func newTestExchange(t *testing.T) (*Exchange, *kerneltest.Facility) {
	t.Helper()
	facility := kerneltest.New()
	registry := port.New(facility, nil, nil)
	return New(facility, registry, nil, nil), facility
}

func TestHelloWorldExchange(t *testing.T) {
	// The end-to-end scenario: a write request to the stdout endpoint
	// with a dedicated reply port, answered by the facility's io server.
	exchange, facility := newTestExchange(t)

	stdoutName, err := facility.GetDPort(1)
	require.NoError(t, err)
	stdout := exchange.Registry().Wrap(stdoutName)

	reply, err := exchange.Registry().Allocate(kernel.RightReceive)
	require.NoError(t, err)

	b := msg.NewBuilder(1000, msg.Header{
		Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
		RemotePort: stdout.Name(),
		LocalPort:  reply.Name(),
		ID:         21000,
	})
	b.AppendBytes([]byte("Hello, World!\n")).AppendInt64(-1)

	res, err := exchange.Call(context.Background(), b, CallOptions{
		Options:   kernel.SendMsg | kernel.RcvMsg,
		Timeout:   kernel.TimeoutNone,
		ReceiveOn: reply,
	})
	require.NoError(t, err)
	require.True(t, res.Ok())
	require.NotNil(t, res.Reader)

	retCode, amount, err := res.Reader.RetCodeAmount()
	require.NoError(t, err)
	assert.Equal(t, int32(0), retCode)
	assert.Equal(t, int32(14), amount)

	require.NoError(t, reply.Deallocate())
	require.NoError(t, stdout.Deallocate())
}

func TestCallSurfacesKernelStatus(t *testing.T) {
	exchange, _ := newTestExchange(t)

	b := msg.NewBuilder(100, msg.Header{
		Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
		RemotePort: kernel.Name(0xbeef), // no such capability
		ID:         5,
	})
	res, err := exchange.Call(context.Background(), b, CallOptions{Options: kernel.SendMsg})
	require.NoError(t, err)
	assert.Equal(t, kernel.SendInvalidDest, res.Status)
	assert.ErrorIs(t, res.Err(), kernel.ErrInvalidCapability)
	assert.Nil(t, res.Reader)
}

func TestReceiveTimeoutStatus(t *testing.T) {
	exchange, _ := newTestExchange(t)

	rcv, err := exchange.Registry().Allocate(kernel.RightReceive)
	require.NoError(t, err)

	b := msg.NewBuilder(100, msg.Header{})
	res, err := exchange.Call(context.Background(), b, CallOptions{
		Options:   kernel.RcvMsg,
		Timeout:   20 * time.Millisecond,
		ReceiveOn: rcv,
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.RcvTimedOut, res.Status)
	assert.ErrorIs(t, res.Err(), kernel.ErrTimeout)
}

func TestReplyExceedingCapacity(t *testing.T) {
	exchange, facility := newTestExchange(t)

	stdoutName, err := facility.GetDPort(1)
	require.NoError(t, err)

	reply, err := exchange.Registry().Allocate(kernel.RightReceive)
	require.NoError(t, err)

	// Capacity covers the request but not the 40-byte reply.
	b := msg.NewBuilder(26, msg.Header{
		Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
		RemotePort: stdoutName,
		LocalPort:  reply.Name(),
		ID:         21000,
	})
	res, err := exchange.Call(context.Background(), b, CallOptions{
		Options:   kernel.SendMsg | kernel.RcvMsg,
		Timeout:   kernel.TimeoutNone,
		ReceiveOn: reply,
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.RcvTooLarge, res.Status)
	assert.ErrorIs(t, res.Err(), kernel.ErrBufferTooSmall)
}

func TestNeitherSendNorReceive(t *testing.T) {
	exchange, _ := newTestExchange(t)

	b := msg.NewBuilder(100, msg.Header{})
	res, err := exchange.Call(context.Background(), b, CallOptions{Options: kernel.OptionNone})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Nil(t, res.Reader)
}

// optionCapture records the options word handed to Msg.
type optionCapture struct {
	kernel.Facility
	opts kernel.Option
}

func (c *optionCapture) Msg(ctx context.Context, buf []byte, opts kernel.Option, sendSize, rcvCapacity int, rcvName kernel.Name, timeout time.Duration, notify kernel.Name) (kernel.Return, error) {
	c.opts = opts
	return c.Facility.Msg(ctx, buf, opts, sendSize, rcvCapacity, rcvName, timeout, notify)
}

func TestFiniteTimeoutSetsTimeoutOptions(t *testing.T) {
	capture := &optionCapture{Facility: kerneltest.New()}
	registry := port.New(capture, nil, nil)
	exchange := New(capture, registry, nil, nil)

	rcv, err := registry.Allocate(kernel.RightReceive)
	require.NoError(t, err)

	b := msg.NewBuilder(100, msg.Header{})
	_, err = exchange.Call(context.Background(), b, CallOptions{
		Options:   kernel.RcvMsg,
		Timeout:   10 * time.Millisecond,
		ReceiveOn: rcv,
	})
	require.NoError(t, err)
	assert.NotZero(t, capture.opts&kernel.RcvTimeout, "receive timeout bit must accompany a finite timeout")
	assert.Zero(t, capture.opts&kernel.SendTimeout, "no send half, no send timeout bit")

	b = msg.NewBuilder(100, msg.Header{
		Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
		RemotePort: kernel.Name(0xbeef),
	})
	_, err = exchange.Call(context.Background(), b, CallOptions{
		Options: kernel.SendMsg,
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotZero(t, capture.opts&kernel.SendTimeout, "send timeout bit must accompany a finite timeout")

	// An unbounded wait leaves the options word untouched.
	b = msg.NewBuilder(100, msg.Header{
		Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
		RemotePort: kernel.Name(0xbeef),
	})
	_, err = exchange.Call(context.Background(), b, CallOptions{
		Options: kernel.SendMsg,
		Timeout: kernel.TimeoutNone,
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.SendMsg, capture.opts)
}

func TestRPCAllocatesAndReleasesReplyPort(t *testing.T) {
	exchange, facility := newTestExchange(t)

	stdoutName, err := facility.GetDPort(1)
	require.NoError(t, err)

	var replyName kernel.Name
	res, err := exchange.RPC(context.Background(), kernel.TimeoutNone, func(reply kernel.Name) *msg.Builder {
		replyName = reply
		return msg.NewBuilder(1000, msg.Header{
			Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
			RemotePort: stdoutName,
			LocalPort:  reply,
			ID:         21000,
		}).AppendBytes([]byte("hi")).AppendInt64(-1)
	})
	require.NoError(t, err)
	require.True(t, res.Ok())

	retCode, amount, err := res.Reader.RetCodeAmount()
	require.NoError(t, err)
	assert.Equal(t, int32(0), retCode)
	assert.Equal(t, int32(2), amount)

	assert.False(t, facility.Holds(replyName), "reply port is one-shot and released after the call")
}
