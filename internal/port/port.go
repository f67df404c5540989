package port

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/osbridge/machipc/internal/kernel"

	"go.uber.org/zap"
)

// Port is an owning handle for one kernel port right. Handles are not
// safe for concurrent deallocation by design: ownership is
// single-holder, and the internal guard only turns a double release
// into a reported error instead of a corrupted capability table.
type Port struct {
	mu   sync.Mutex
	name kernel.Name
	dead bool
	reg  *Registry
}

// Name returns the capability name for use in message headers or
// direct kernel calls. Ownership stays with the handle. A nil handle
// yields the null-capability sentinel so optional reply and notify
// ports encode uniformly; a consumed handle yields the dead sentinel.
func (p *Port) Name() kernel.Name {
	if p == nil {
		return kernel.NameNull
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return kernel.NameDead
	}
	return p.name
}

// Deallocate releases the kernel right. Exactly one release reaches the
// kernel; a second call fails with ErrInvalidCapability and the name is
// replaced with the dead sentinel either way.
func (p *Port) Deallocate() error {
	if p == nil {
		return fmt.Errorf("deallocate: %w: nil handle", kernel.ErrInvalidCapability)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return fmt.Errorf("deallocate %v: %w: already deallocated", p.name, kernel.ErrInvalidCapability)
	}
	name := p.name
	p.dead = true
	runtime.SetFinalizer(p, nil)
	if err := p.reg.facility.PortDeallocate(name); err != nil {
		return fmt.Errorf("deallocate %v: %w", name, err)
	}
	p.reg.metrics.RecordPortDeallocated()
	return nil
}

// Release moves the raw name out of the handle without touching the
// kernel: the caller now owns the right, typically to embed it in an
// outgoing message under a move disposition. The handle is dead
// afterward, so two live handles never reference one right.
func (p *Port) Release() kernel.Name {
	if p == nil {
		return kernel.NameNull
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return kernel.NameDead
	}
	name := p.name
	p.dead = true
	runtime.SetFinalizer(p, nil)
	p.reg.metrics.RecordPortMoved()
	return name
}

// finalize releases the right when the owner never did. Runs on the
// finalizer goroutine; the guard makes it a no-op after any explicit
// release.
func (p *Port) finalize() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	name := p.name
	p.dead = true
	p.mu.Unlock()

	if err := p.reg.facility.PortDeallocate(name); err != nil {
		p.reg.logger.Warn("finalizer failed to release leaked port right",
			zap.Uint32("name", uint32(name)), zap.Error(err))
		return
	}
	p.reg.metrics.RecordPortLeaked()
	p.reg.logger.Warn("port right released by finalizer; owner leaked the handle",
		zap.Uint32("name", uint32(name)))
}
