package kernel_test

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/kernel/kerneltest"
)

// startFacility serves an in-memory facility on a unix socket and
// returns a connected client.
func startFacility(t *testing.T) (*kernel.Client, *kerneltest.Facility) {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "kernel.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	facility := kerneltest.New()
	go kernel.NewServer(facility, nil).Serve(listener)

	client, err := kernel.Dial(socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, facility
}

func TestClientPortLifecycle(t *testing.T) {
	client, facility := startFacility(t)

	name, err := client.PortAllocate(kernel.RightReceive)
	require.NoError(t, err)
	assert.True(t, facility.Holds(name))

	require.NoError(t, client.PortDeallocate(name))
	assert.False(t, facility.Holds(name))

	err = client.PortDeallocate(name)
	require.ErrorIs(t, err, kernel.ErrInvalidCapability)
}

func TestClientTaskSelfAndDPorts(t *testing.T) {
	client, _ := startFacility(t)

	task, err := client.TaskSelf()
	require.NoError(t, err)
	assert.NotEqual(t, kernel.NameNull, task)

	stdout, err := client.GetDPort(1)
	require.NoError(t, err)
	again, err := client.GetDPort(1)
	require.NoError(t, err)
	assert.Equal(t, stdout, again, "dport resolution must be stable per fd")
}

func TestClientExhaustion(t *testing.T) {
	client, facility := startFacility(t)
	facility.SetExhausted(true)

	_, err := client.PortAllocate(kernel.RightReceive)
	require.ErrorIs(t, err, kernel.ErrKernelResource)
}

// loopback builds a minimal valid message addressed to dest.
func loopback(dest, reply kernel.Name, id uint32) []byte {
	buf := make([]byte, 24)
	binary.NativeEndian.PutUint32(buf[4:], 24)
	binary.NativeEndian.PutUint32(buf[8:], uint32(dest))
	binary.NativeEndian.PutUint32(buf[12:], uint32(reply))
	binary.NativeEndian.PutUint32(buf[20:], id)
	return buf
}

func TestClientSendReceiveLoopback(t *testing.T) {
	client, _ := startFacility(t)

	rcv, err := client.PortAllocate(kernel.RightReceive)
	require.NoError(t, err)

	sent := loopback(rcv, kernel.NameNull, 77)
	buf := make([]byte, 100)
	copy(buf, sent)

	status, err := client.Msg(context.Background(), buf, kernel.SendMsg|kernel.RcvMsg,
		len(sent), len(buf), rcv, kernel.TimeoutNone, kernel.NameNull)
	require.NoError(t, err)
	require.Equal(t, kernel.Success, status)
	assert.Equal(t, sent, buf[:len(sent)])
	assert.Equal(t, uint32(77), binary.NativeEndian.Uint32(buf[20:24]))
}

func TestClientReceiveTimeout(t *testing.T) {
	client, _ := startFacility(t)

	rcv, err := client.PortAllocate(kernel.RightReceive)
	require.NoError(t, err)

	buf := make([]byte, 100)
	start := time.Now()
	status, err := client.Msg(context.Background(), buf, kernel.RcvMsg,
		0, len(buf), rcv, 50*time.Millisecond, kernel.NameNull)
	require.NoError(t, err)
	assert.Equal(t, kernel.RcvTimedOut, status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientInvalidDestination(t *testing.T) {
	client, _ := startFacility(t)

	sent := loopback(kernel.Name(0xbeef), kernel.NameNull, 1)
	buf := make([]byte, 100)
	copy(buf, sent)

	status, err := client.Msg(context.Background(), buf, kernel.SendMsg,
		len(sent), 0, kernel.NameNull, kernel.TimeoutNone, kernel.NameNull)
	require.NoError(t, err)
	assert.Equal(t, kernel.SendInvalidDest, status)
}
