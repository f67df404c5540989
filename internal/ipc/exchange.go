package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/monitoring"
	"github.com/osbridge/machipc/internal/msg"
	"github.com/osbridge/machipc/internal/port"
)

// Exchange wraps a facility with the registry, logging and metrics.
type Exchange struct {
	facility kernel.Facility
	registry *port.Registry
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// New creates an exchange. logger and metrics may be nil.
func New(f kernel.Facility, reg *port.Registry, logger *zap.Logger, metrics *monitoring.Metrics) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{facility: f, registry: reg, logger: logger, metrics: metrics}
}

// Registry returns the port registry bound to this exchange's facility.
func (e *Exchange) Registry() *port.Registry { return e.registry }

// CallOptions select what one Call does.
type CallOptions struct {
	// Options combines kernel.SendMsg, kernel.RcvMsg and modifiers.
	// Zero performs neither a send nor a receive.
	Options kernel.Option

	// Timeout bounds the exchange; kernel.TimeoutNone waits
	// indefinitely. Expiry surfaces as a timeout status, not an error.
	Timeout time.Duration

	// ReceiveOn names the receive right for the receive half.
	ReceiveOn *port.Port

	// Notify is the optional notify port; nil encodes as the null
	// capability.
	Notify *port.Port
}

// Result is the outcome of one exchange. Status is the kernel's verdict
// unchanged; Reader is non-nil only after a successful receive.
type Result struct {
	Status   kernel.Return
	Reader   *msg.Reader
	Received int
}

// Ok reports whether the kernel accepted the exchange.
func (r *Result) Ok() bool { return r.Status == kernel.Success }

// Err converts a failed status into its taxonomy error, nil on success.
func (r *Result) Err() error { return r.Status.Err() }

// Call finishes the builder and performs one exchange. The builder's
// backing buffer doubles as the receive buffer, so its capacity is the
// receive limit and must cover the largest possible reply.
func (e *Exchange) Call(ctx context.Context, b *msg.Builder, opts CallOptions) (*Result, error) {
	encoded, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	buf := b.Buffer()

	// A finite timeout is only honored under the matching timeout
	// option bits, per mach_msg; set them for whichever halves run.
	options := opts.Options
	if opts.Timeout > 0 {
		if options&kernel.SendMsg != 0 {
			options |= kernel.SendTimeout
		}
		if options&kernel.RcvMsg != 0 {
			options |= kernel.RcvTimeout
		}
	}

	traceID := uuid.NewString()
	start := time.Now()
	status, err := e.facility.Msg(ctx, buf, options,
		len(encoded), len(buf), opts.ReceiveOn.Name(), opts.Timeout, opts.Notify.Name())
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordExchange("transport_error", elapsed, len(encoded), 0)
		return nil, fmt.Errorf("exchange: %w", err)
	}
	result := &Result{Status: status}
	if status == kernel.Success && opts.Options&kernel.RcvMsg != 0 {
		reader, err := msg.NewReader(buf)
		if err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		result.Reader = reader
		result.Received = int(reader.Header().Size)
	}
	e.metrics.RecordExchange(status.String(), elapsed, len(encoded), result.Received)

	e.logger.Debug("exchange complete",
		zap.String("exchange_id", traceID),
		zap.Uint32("options", uint32(options)),
		zap.Int("sent_bytes", len(encoded)),
		zap.Int("received_bytes", result.Received),
		zap.String("status", status.String()),
		zap.Duration("duration", elapsed))
	return result, nil
}

// RPC performs one request/response exchange. A fresh reply port is
// allocated per call and released afterward, giving one-shot reply
// semantics: the header should carry the reply name under the
// make-send-once disposition. build receives the reply port name to
// place in msgh_local_port.
func (e *Exchange) RPC(ctx context.Context, timeout time.Duration, build func(reply kernel.Name) *msg.Builder) (*Result, error) {
	reply, err := e.registry.ReplyPort()
	if err != nil {
		return nil, fmt.Errorf("rpc: %w", err)
	}
	defer func() {
		if err := reply.Deallocate(); err != nil {
			e.logger.Warn("rpc reply port deallocate failed", zap.Error(err))
		}
	}()

	return e.Call(ctx, build(reply.Name()), CallOptions{
		Options:   kernel.SendMsg | kernel.RcvMsg,
		Timeout:   timeout,
		ReceiveOn: reply,
	})
}
