// Package ipc performs message exchanges against the kernel facility.
//
// Exchange is the one blocking primitive: serialize, send and/or
// receive, decode. Kernel statuses are surfaced unchanged and nothing
// is retried here; idempotence depends on the message kind, so retries
// belong to the caller. RPC adds the request/response convention on
// top: a fresh reply port per call, a make-send-once reply right in the
// header, and the reply decoded from the same buffer.
package ipc
