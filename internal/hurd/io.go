package hurd

import (
	"context"
	"fmt"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/msg"
	"github.com/osbridge/machipc/internal/port"
)

// io-server RPC ids.
const (
	// MsgIDWrite is the io_write request id.
	MsgIDWrite = 21000
)

// CurrentOffset is the conventional sentinel meaning "write at the
// stream's current offset". It passes through the codec unmodified.
const CurrentOffset int64 = -1

// defaultRecvCapacity covers a typical write request plus the
// fixed-shape reply decoded into the same buffer.
const defaultRecvCapacity = 1000

// Write performs the io-server write RPC against the endpoint named by
// p: one inline character field with the payload, one 64-bit offset
// field. It returns the amount the server reports written. The
// destination right is copied, not moved, and the reply arrives on a
// one-shot send-once right.
func (a *Authority) Write(ctx context.Context, p *port.Port, data []byte, offset int64) (int, error) {
	res, err := a.exchange.RPC(ctx, a.Timeout, func(reply kernel.Name) *msg.Builder {
		b := msg.NewBuilder(a.RecvCapacity, msg.Header{
			Bits:       msg.Bits(msg.CopySend, msg.MakeSendOnce),
			RemotePort: p.Name(),
			LocalPort:  reply,
			ID:         MsgIDWrite,
		})
		return b.AppendBytes(data).AppendInt64(offset)
	})
	if err != nil {
		return 0, fmt.Errorf("io write: %w", err)
	}
	if !res.Ok() {
		return 0, fmt.Errorf("io write: %w", res.Err())
	}

	retCode, amount, err := res.Reader.RetCodeAmount()
	if err != nil {
		return 0, fmt.Errorf("io write reply: %w", err)
	}
	if retCode != 0 {
		return 0, fmt.Errorf("io write: server returned %d", retCode)
	}
	return int(amount), nil
}
