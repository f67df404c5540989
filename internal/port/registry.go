package port

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/monitoring"
	"github.com/osbridge/machipc/internal/msg"

	"go.uber.org/zap"
)

// Registry constructs handles and translates between handles and raw
// capability names. One registry per facility connection; handles keep
// a back-pointer for deallocation.
type Registry struct {
	facility kernel.Facility
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	metaOnce sync.Once
	meta     *metadata
}

// metadata is the process-wide descriptor table used when turning
// received rights into handles. Resolved once, cached for the process
// lifetime; no teardown.
type metadata struct {
	// rights maps the disposition a right traveled with to the right
	// kind the receiver now holds.
	rights map[uint8]kernel.Right
}

// New creates a registry over the given facility. logger and metrics
// may be nil.
func New(f kernel.Facility, logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{facility: f, logger: logger, metrics: metrics}
}

// metadataTable returns the cached descriptor metadata, resolving it on
// first use. Safe under concurrent first calls: sync.Once guarantees
// exactly one initialization and no half-built table is ever visible.
func (r *Registry) metadataTable() *metadata {
	r.metaOnce.Do(func() {
		r.meta = &metadata{
			rights: map[uint8]kernel.Right{
				msg.PortReceive.Name():  kernel.RightReceive,
				msg.PortSend.Name():     kernel.RightSend,
				msg.PortSendOnce.Name(): kernel.RightSendOnce,
				msg.CopySend.Name():     kernel.RightSend,
				msg.MakeSend.Name():     kernel.RightSend,
				msg.MakeSendOnce.Name(): kernel.RightSendOnce,
			},
		}
	})
	return r.meta
}

// adopt builds a handle owning the given name and arms the finalizer.
func (r *Registry) adopt(name kernel.Name) *Port {
	p := &Port{name: name, reg: r}
	runtime.SetFinalizer(p, (*Port).finalize)
	return p
}

// Wrap adopts an existing right: the caller asserts it already holds a
// reference to name, and the new handle will release it. Never fails.
func (r *Registry) Wrap(raw kernel.Name) *Port {
	r.metadataTable()
	r.metrics.RecordPortAllocated()
	return r.adopt(raw)
}

// Allocate requests a fresh right of the given kind from the current
// task. The returned handle owns exactly one right.
func (r *Registry) Allocate(right kernel.Right) (*Port, error) {
	name, err := r.facility.PortAllocate(right)
	if err != nil {
		return nil, fmt.Errorf("allocate %s right: %w", right, err)
	}
	r.metrics.RecordPortAllocated()
	r.logger.Debug("allocated port right",
		zap.Uint32("name", uint32(name)), zap.String("right", right.String()))
	return r.adopt(name), nil
}

// ReplyPort allocates a receive right for one request/response
// exchange, per mach_reply_port.
func (r *Registry) ReplyPort() (*Port, error) {
	name, err := r.facility.ReplyPort()
	if err != nil {
		return nil, fmt.Errorf("allocate reply port: %w", err)
	}
	r.metrics.RecordPortAllocated()
	return r.adopt(name), nil
}

// TaskSelf returns the current task's port name. The kernel overruns
// the task port's reference count, so no owning handle is constructed
// and this layer never deallocates the name.
func (r *Registry) TaskSelf() (kernel.Name, error) {
	return r.facility.TaskSelf()
}

// FromDescriptor adopts a right that arrived in a message field,
// mapping the disposition it traveled with to the right kind now held.
func (r *Registry) FromDescriptor(disposition msg.Type, raw kernel.Name) (*Port, kernel.Right, error) {
	if raw.IsNull() {
		return nil, 0, nil
	}
	right, ok := r.metadataTable().rights[disposition.Name()]
	if !ok {
		return nil, 0, fmt.Errorf("adopt received right: %w: disposition %d", kernel.ErrInvalidCapability, disposition.Name())
	}
	r.metrics.RecordPortAllocated()
	return r.adopt(raw), right, nil
}

// RawName extracts the capability name from a handle. A nil handle
// yields the null-capability sentinel rather than failing, so optional
// ports encode uniformly.
func RawName(p *Port) kernel.Name {
	return p.Name()
}
