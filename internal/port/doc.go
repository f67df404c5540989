// Package port manages kernel port capabilities as owning handles.
//
// A Port owns exactly one kernel right. The right is released exactly
// once: either by an explicit Deallocate, by moving the name out with
// Release, or, as a last resort, by the handle's finalizer when the
// owner lets it be collected. A second explicit Deallocate is reported
// as an invalid-capability error rather than reaching the kernel's
// capability table twice.
//
// The Registry is the bridge between raw capability names and handles.
// It carries the facility connection and the process-wide descriptor
// metadata, which is resolved lazily on first use and cached for the
// process lifetime.
package port
