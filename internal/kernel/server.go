package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
)

// Server exposes any Facility over the wire framing, so the same
// implementation can back both in-process and out-of-process callers.
type Server struct {
	facility Facility
	logger   *zap.Logger
}

// NewServer wraps a facility for serving. A nil logger disables logging.
func NewServer(f Facility, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{facility: f, logger: logger}
}

// Serve accepts connections until the listener is closed. Each
// connection is handled on its own goroutine; calls within a connection
// are processed in order.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("facility connection read failed", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(req)
		if err := writeResponse(conn, resp); err != nil {
			s.logger.Warn("facility connection write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(req *request) *response {
	resp := &response{Op: req.Op}
	switch req.Op {
	case opMsg:
		// The declared send size must fit inside the payload the client
		// actually framed; a facility slicing past it would be fed
		// attacker-controlled bounds.
		if req.Options&SendMsg != 0 && int(req.SendSize) > len(req.Payload) {
			s.logger.Warn("rejecting malformed msg frame",
				zap.Uint32("send_size", req.SendSize),
				zap.Int("payload_len", len(req.Payload)))
			resp.Status = KernFailure
			return resp
		}
		buf := req.Payload
		if cap(buf) < int(req.RcvCapacity) {
			grown := make([]byte, req.RcvCapacity)
			copy(grown, buf)
			buf = grown
		} else {
			buf = buf[:req.RcvCapacity]
		}
		status, err := s.facility.Msg(context.Background(), buf, req.Options,
			int(req.SendSize), int(req.RcvCapacity), req.RcvName, req.Timeout, req.Notify)
		if err != nil {
			s.logger.Error("facility msg failed", zap.Error(err))
			resp.Status = KernFailure
			return resp
		}
		resp.Status = status
		if req.Options&RcvMsg != 0 && status == Success {
			// Trim to the received message's declared size so the
			// frame does not carry the whole capacity back.
			resp.Payload = buf
			if len(buf) >= 8 {
				if sz := binary.NativeEndian.Uint32(buf[4:8]); sz >= 24 && int(sz) <= len(buf) {
					resp.Payload = buf[:sz]
				}
			}
		}
	case opPortAllocate:
		name, err := s.facility.PortAllocate(Right(req.Arg))
		resp.Status, resp.Name = statusOf(err), name
	case opPortDeallocate:
		resp.Status = statusOf(s.facility.PortDeallocate(Name(req.Arg)))
	case opTaskSelf:
		name, err := s.facility.TaskSelf()
		resp.Status, resp.Name = statusOf(err), name
	case opReplyPort:
		name, err := s.facility.ReplyPort()
		resp.Status, resp.Name = statusOf(err), name
	case opGetDPort:
		name, err := s.facility.GetDPort(int(req.Arg))
		resp.Status, resp.Name = statusOf(err), name
	default:
		resp.Status = KernFailure
	}
	return resp
}

// statusOf recovers the raw kernel status from a facility error.
func statusOf(err error) Return {
	if err == nil {
		return Success
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return KernFailure
}
