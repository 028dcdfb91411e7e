package teleport

import (
	"errors"
	"io"
	"sync"
)

var ErrStreamClosed = errors.New("stream closed")

// Stream is a bidirectional, ordered frame transport. Recv returns io.EOF once the remote
// side has closed.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

type pipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	closeOnce *sync.Once
	done      chan struct{}
}

// Pipe returns two connected in-memory streams
func Pipe() (Stream, Stream) {
	a, b := make(chan []byte, 64), make(chan []byte, 64)
	once := &sync.Once{}
	done := make(chan struct{})
	return &pipeEnd{in: a, out: b, closeOnce: once, done: done},
		&pipeEnd{in: b, out: a, closeOnce: once, done: done}
}

func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), frame...):
		return nil
	case <-p.done:
		return ErrStreamClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// drain what was sent before the close
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close closes both ends
func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
