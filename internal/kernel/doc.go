// Package kernel defines the boundary to the kernel IPC facility.
//
// The facility is the external collaborator that owns port rights and
// delivers messages. This package exposes it as the Facility interface
// plus the raw ABI vocabulary (port names, right kinds, message options,
// return codes) shared by every layer above.
//
// Two implementations ship:
//   - Client (via Dial): a framed unix-socket connection to an
//     out-of-process kernel facility
//   - kerneltest.Facility: an in-memory capability table for tests
//
// Everything here is synchronous. Msg may block the calling goroutine
// for up to the supplied timeout, or indefinitely with TimeoutNone.
package kernel
