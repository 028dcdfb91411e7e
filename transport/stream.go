package transport

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serverStream adapts the server side of Connect. Close releases the handler.
type serverStream struct {
	stream grpc.ServerStream

	closeOnce sync.Once
	done      chan struct{}
}

func newServerStream(stream grpc.ServerStream) *serverStream {
	return &serverStream{stream: stream, done: make(chan struct{})}
}

func (s *serverStream) Send(frame []byte) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	return s.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (s *serverStream) Recv() ([]byte, error) {
	msg := &wrapperspb.BytesValue{}
	if err := s.stream.RecvMsg(msg); err != nil {
		select {
		case <-s.done:
			return nil, io.EOF
		default:
		}
		if s.stream.Context().Err() != nil {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg.GetValue(), nil
}

func (s *serverStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type clientStream struct {
	stream grpc.ClientStream
	conn   *grpc.ClientConn
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientStream(stream grpc.ClientStream, conn *grpc.ClientConn, cancel context.CancelFunc) *clientStream {
	return &clientStream{stream: stream, conn: conn, cancel: cancel, closed: make(chan struct{})}
}

func (c *clientStream) Send(frame []byte) error {
	return c.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (c *clientStream) Recv() ([]byte, error) {
	msg := &wrapperspb.BytesValue{}
	if err := c.stream.RecvMsg(msg); err != nil {
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *clientStream) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stream.CloseSend()
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
