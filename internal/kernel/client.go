package kernel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a Facility backed by a framed connection to an out-of-process
// kernel facility. Calls are serialized over the single connection; the
// facility's own queues provide any cross-caller ordering.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	addr string
}

// readGrace pads the connection read deadline beyond the exchange
// timeout so a live facility gets to report RcvTimedOut itself.
const readGrace = 5 * time.Second

// Dial connects to the kernel facility listening on the given unix
// socket path.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial kernel facility: %w", err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// roundTrip performs one framed call. The deadline covers the whole
// round trip: the exchange timeout is enforced facility-side, the
// deadline only guards against a dead peer.
func (c *Client) roundTrip(ctx context.Context, req *request) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("kernel facility connection closed")
	}

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout + readGrace)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := writeRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("write facility request: %w", err)
	}
	resp, err := readResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read facility response: %w", err)
	}
	if resp.Op != req.Op {
		return nil, fmt.Errorf("facility response op mismatch: got %d, want %d", resp.Op, req.Op)
	}
	return resp, nil
}

// Msg implements Facility.
func (c *Client) Msg(ctx context.Context, buf []byte, opts Option, sendSize, rcvCapacity int, rcvName Name, timeout time.Duration, notify Name) (Return, error) {
	var payload []byte
	if opts&SendMsg != 0 {
		if sendSize > len(buf) {
			return 0, fmt.Errorf("send size %d exceeds buffer length %d", sendSize, len(buf))
		}
		payload = buf[:sendSize]
	}
	resp, err := c.roundTrip(ctx, &request{
		Op:          opMsg,
		Options:     opts,
		SendSize:    uint32(sendSize),
		RcvCapacity: uint32(rcvCapacity),
		RcvName:     rcvName,
		Notify:      notify,
		Timeout:     timeout,
		Payload:     payload,
	})
	if err != nil {
		return 0, err
	}
	if opts&RcvMsg != 0 && resp.Status == Success {
		if len(resp.Payload) > rcvCapacity || len(resp.Payload) > len(buf) {
			return RcvTooLarge, nil
		}
		copy(buf, resp.Payload)
	}
	return resp.Status, nil
}

// PortAllocate implements Facility.
func (c *Client) PortAllocate(right Right) (Name, error) {
	resp, err := c.roundTrip(context.Background(), &request{Op: opPortAllocate, Arg: uint32(right)})
	if err != nil {
		return NameNull, err
	}
	if err := resp.Status.Err(); err != nil {
		return NameNull, err
	}
	return resp.Name, nil
}

// PortDeallocate implements Facility.
func (c *Client) PortDeallocate(name Name) error {
	resp, err := c.roundTrip(context.Background(), &request{Op: opPortDeallocate, Arg: uint32(name)})
	if err != nil {
		return err
	}
	return resp.Status.Err()
}

// TaskSelf implements Facility.
func (c *Client) TaskSelf() (Name, error) {
	resp, err := c.roundTrip(context.Background(), &request{Op: opTaskSelf})
	if err != nil {
		return NameNull, err
	}
	if err := resp.Status.Err(); err != nil {
		return NameNull, err
	}
	return resp.Name, nil
}

// ReplyPort implements Facility.
func (c *Client) ReplyPort() (Name, error) {
	resp, err := c.roundTrip(context.Background(), &request{Op: opReplyPort})
	if err != nil {
		return NameNull, err
	}
	if err := resp.Status.Err(); err != nil {
		return NameNull, err
	}
	return resp.Name, nil
}

// GetDPort implements Facility.
func (c *Client) GetDPort(fd int) (Name, error) {
	resp, err := c.roundTrip(context.Background(), &request{Op: opGetDPort, Arg: uint32(fd)})
	if err != nil {
		return NameNull, err
	}
	if err := resp.Status.Err(); err != nil {
		return NameNull, err
	}
	return resp.Name, nil
}
