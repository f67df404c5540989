package port

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/kernel/kerneltest"
	"github.com/osbridge/machipc/internal/monitoring"
)

func newTestRegistry(t *testing.T) (*Registry, *kerneltest.Facility) {
	t.Helper()
	facility := kerneltest.New()
	return New(facility, nil, nil), facility
}

func TestAllocateDeallocate(t *testing.T) {
	for _, right := range []kernel.Right{
		kernel.RightSend,
		kernel.RightReceive,
		kernel.RightSendOnce,
		kernel.RightPortSet,
		kernel.RightDeadName,
	} {
		t.Run(right.String(), func(t *testing.T) {
			reg, facility := newTestRegistry(t)

			p, err := reg.Allocate(right)
			require.NoError(t, err)
			name := p.Name()
			assert.True(t, facility.Holds(name))

			require.NoError(t, p.Deallocate())
			assert.False(t, facility.Holds(name), "deallocate must remove the capability-table entry")

			// The handle guard reports the double release without
			// reaching the kernel.
			err = p.Deallocate()
			require.ErrorIs(t, err, kernel.ErrInvalidCapability)

			// A stale name is the kernel's call: still invalid, still
			// no crash.
			err = reg.Wrap(name).Deallocate()
			require.ErrorIs(t, err, kernel.ErrInvalidCapability)
		})
	}
}

func TestAllocateExhausted(t *testing.T) {
	reg, facility := newTestRegistry(t)
	facility.SetExhausted(true)

	_, err := reg.Allocate(kernel.RightReceive)
	require.ErrorIs(t, err, kernel.ErrKernelResource)
}

func TestWrapRoundTrip(t *testing.T) {
	reg, facility := newTestRegistry(t)

	raw, err := facility.PortAllocate(kernel.RightSend)
	require.NoError(t, err)

	p := reg.Wrap(raw)
	assert.Equal(t, raw, p.Name())
	assert.Equal(t, raw, RawName(p))
}

func TestNilHandleIsNullCapability(t *testing.T) {
	var p *Port
	assert.Equal(t, kernel.NameNull, p.Name())
	assert.Equal(t, kernel.NameNull, RawName(p))
	assert.ErrorIs(t, p.Deallocate(), kernel.ErrInvalidCapability)
	assert.Equal(t, kernel.NameNull, p.Release())
}

func TestReleaseMovesOwnership(t *testing.T) {
	reg, facility := newTestRegistry(t)

	p, err := reg.Allocate(kernel.RightReceive)
	require.NoError(t, err)
	name := p.Release()

	assert.True(t, facility.Holds(name), "release must not touch the kernel")
	assert.Equal(t, kernel.NameDead, p.Name(), "the handle is consumed")
	assert.ErrorIs(t, p.Deallocate(), kernel.ErrInvalidCapability)

	// The moved name is live and owned by the caller now.
	require.NoError(t, reg.Wrap(name).Deallocate())
}

func TestReleaseAccountsAsMoveNotDeallocation(t *testing.T) {
	facility := kerneltest.New()
	metrics := monitoring.NewWith(prometheus.NewRegistry())
	reg := New(facility, nil, metrics)

	p, err := reg.Allocate(kernel.RightSend)
	require.NoError(t, err)
	name := p.Release()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PortsMoved))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PortsDeallocated),
		"the right moved with its reference intact")

	// The new owner's release is the one deallocation.
	require.NoError(t, reg.Wrap(name).Deallocate())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PortsDeallocated))
}

func TestFinalizeAfterDeallocateIsNoOp(t *testing.T) {
	reg, facility := newTestRegistry(t)

	p, err := reg.Allocate(kernel.RightSend)
	require.NoError(t, err)
	name := p.Name()
	require.NoError(t, p.Deallocate())

	p.finalize()
	assert.False(t, facility.Holds(name))
}

func TestFinalizeReleasesLeakedRight(t *testing.T) {
	reg, facility := newTestRegistry(t)

	p, err := reg.Allocate(kernel.RightSend)
	require.NoError(t, err)
	name := p.Name()

	p.finalize()
	assert.False(t, facility.Holds(name), "finalizer must release the right exactly once")
	assert.ErrorIs(t, p.Deallocate(), kernel.ErrInvalidCapability)
}

func TestReplyPort(t *testing.T) {
	reg, facility := newTestRegistry(t)

	p, err := reg.ReplyPort()
	require.NoError(t, err)
	assert.True(t, facility.Holds(p.Name()))
	require.NoError(t, p.Deallocate())
}
