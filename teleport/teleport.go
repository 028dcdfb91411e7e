package teleport

/*
Teleport

A Teleport multiplexes named extensions over one Stream. Each side adds the extensions it
supports and announces them with an OPEN frame; an extension becomes active once it has
been added locally and announced by the remote peer. Active extensions exchange
request/response RPCs tagged with the extension name.

Request handlers and OnOpen run in the teleport's scope, so a slow handler never blocks
the read loop. Close sends a CLOSE frame, closes the stream and disposes the scope in the
background; Done is closed once every extension has seen OnClose.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/scope"
)

var (
	ErrClosed           = errors.New("teleport closed")
	ErrAlreadyOpen      = errors.New("teleport already open")
	ErrExtensionExists  = errors.New("extension already added")
	ErrExtensionNotOpen = errors.New("extension not open")
)

// Port is an active extension's handle on the session
type Port interface {
	Request(ctx context.Context, method string, payload []byte) ([]byte, error)
	Initiator() bool
	SessionID() ulid.ULID
}

// Extension is one protocol carried by a teleport
type Extension interface {
	OnOpen(ctx context.Context, port Port) error
	OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error)
	OnClose(err error)
}

// RemoteError is the failure reported by the remote request handler
type RemoteError struct {
	Extension string
	Method    string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Extension, e.Method, e.Message)
}

// Stats are the counters of one session
type Stats struct {
	SessionID       string
	Initiator       bool
	FramesSent      uint64
	FramesReceived  uint64
	BytesSent       uint64
	BytesReceived   uint64
	PendingRequests int
	Extensions      []string
}

type Options struct {
	// Initiator is true on the side that originated the connection
	Initiator bool
}

type extension struct {
	impl       Extension
	local      bool
	remoteOpen bool
	active     bool
}

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

type Teleport struct {
	id        ulid.ULID
	initiator bool
	stream    Stream
	log       logger.Prefixed
	scope     *scope.Scope

	sendMu sync.Mutex

	mu         sync.Mutex
	state      state
	extensions map[string]*extension
	nextID     uint64
	pending    map[uint64]chan *Frame
	closeErr   error

	readDone chan struct{}
	done     chan struct{}

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

func New(stream Stream, opts Options) *Teleport {
	id := ulid.Make()
	return &Teleport{
		id:         id,
		initiator:  opts.Initiator,
		stream:     stream,
		log:        logger.WithSource("teleport/%s", id.String()[20:]),
		scope:      scope.New(context.Background(), "teleport/"+id.String()),
		extensions: make(map[string]*extension),
		pending:    make(map[uint64]chan *Frame),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (t *Teleport) ID() ulid.ULID {
	return t.id
}

func (t *Teleport) Initiator() bool {
	return t.initiator
}

// Done is closed after Close or Abort has finished tearing the session down
func (t *Teleport) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason the session ended, nil for a clean close
func (t *Teleport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// AddExtension registers ext under name. It may be called before or after Open.
func (t *Teleport) AddExtension(name string, ext Extension) error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return ErrClosed
	}
	e, ok := t.extensions[name]
	if ok && e.local {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExtensionExists, name)
	}
	if !ok {
		e = &extension{}
		t.extensions[name] = e
	}
	e.impl = ext
	e.local = true
	open := t.state == stateOpen
	t.mu.Unlock()

	if open {
		if err := t.send(&Frame{Type: FrameOpen, Extension: name}); err != nil {
			return err
		}
		t.maybeActivate(name)
	}
	return nil
}

// Open announces the local extensions and starts reading
func (t *Teleport) Open(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case stateOpen:
		t.mu.Unlock()
		return ErrAlreadyOpen
	case stateClosed:
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = stateOpen
	names := make([]string, 0, len(t.extensions))
	for name, e := range t.extensions {
		if e.local {
			names = append(names, name)
		}
	}
	t.mu.Unlock()
	sort.Strings(names)

	go t.readLoop()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			t.Abort(err)
			return errs.New(errs.Cancelled, "teleport open", err)
		}
		if err := t.send(&Frame{Type: FrameOpen, Extension: name}); err != nil {
			t.Abort(err)
			return err
		}
	}
	t.log.Debugf("opened (initiator=%v, extensions=%v)", t.initiator, names)
	return nil
}

// Close ends the session gracefully
func (t *Teleport) Close() error {
	t.mu.Lock()
	open := t.state == stateOpen
	t.mu.Unlock()
	if open {
		_ = t.send(&Frame{Type: FrameClose})
	}
	t.shutdown(nil)
	return nil
}

// Abort ends the session without notifying the remote peer
func (t *Teleport) Abort(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.shutdown(err)
}

func (t *Teleport) Stats() Stats {
	t.mu.Lock()
	var exts []string
	for name, e := range t.extensions {
		if e.active {
			exts = append(exts, name)
		}
	}
	pending := len(t.pending)
	t.mu.Unlock()
	sort.Strings(exts)

	return Stats{
		SessionID:       t.id.String(),
		Initiator:       t.initiator,
		FramesSent:      t.framesSent.Load(),
		FramesReceived:  t.framesReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		PendingRequests: pending,
		Extensions:      exts,
	}
}

func (t *Teleport) shutdown(err error) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return
	}
	wasOpen := t.state == stateOpen
	t.state = stateClosed
	t.closeErr = err
	pending := t.pending
	t.pending = make(map[uint64]chan *Frame)
	var active []Extension
	for _, e := range t.extensions {
		if e.active {
			active = append(active, e.impl)
		}
	}
	t.mu.Unlock()

	_ = t.stream.Close()
	for _, ch := range pending {
		close(ch)
	}

	go func() {
		_ = t.scope.Dispose()
		if wasOpen {
			<-t.readDone
		}
		for _, ext := range active {
			ext.OnClose(err)
		}
		if err != nil && !errs.IsCancelled(err) {
			t.log.Debugf("closed: %v", err)
		} else {
			t.log.Debugf("closed")
		}
		close(t.done)
	}()
}

func (t *Teleport) send(f *Frame) error {
	data := f.Marshal()
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.Send(data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	t.framesSent.Add(1)
	t.bytesSent.Add(uint64(len(data)))
	return nil
}

func (t *Teleport) readLoop() {
	defer close(t.readDone)
	for {
		data, err := t.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) {
				t.shutdown(nil)
			} else {
				t.shutdown(err)
			}
			return
		}
		t.framesReceived.Add(1)
		t.bytesReceived.Add(uint64(len(data)))

		frame, err := UnmarshalFrame(data)
		if err != nil {
			t.shutdown(errs.New(errs.Protocol, "teleport read", err))
			return
		}
		if frame.Type == FrameClose {
			t.shutdown(nil)
			return
		}
		t.handle(frame)
	}
}

func (t *Teleport) handle(f *Frame) {
	switch f.Type {
	case FrameOpen:
		t.mu.Lock()
		e, ok := t.extensions[f.Extension]
		if !ok {
			e = &extension{}
			t.extensions[f.Extension] = e
		}
		e.remoteOpen = true
		t.mu.Unlock()
		t.maybeActivate(f.Extension)

	case FrameRequest:
		t.mu.Lock()
		e := t.extensions[f.Extension]
		active := e != nil && e.active
		t.mu.Unlock()
		if !active {
			_ = t.send(&Frame{Type: FrameError, Extension: f.Extension, ID: f.ID, Method: f.Method,
				Error: ErrExtensionNotOpen.Error()})
			return
		}
		t.scope.Go(func(ctx context.Context) error {
			payload, err := e.impl.OnRequest(ctx, f.Method, f.Payload)
			reply := &Frame{Type: FrameResponse, Extension: f.Extension, ID: f.ID, Method: f.Method, Payload: payload}
			if err != nil {
				reply = &Frame{Type: FrameError, Extension: f.Extension, ID: f.ID, Method: f.Method, Error: err.Error()}
			}
			if sendErr := t.send(reply); sendErr != nil {
				t.log.Debugf("failed to reply to %s.%s: %v", f.Extension, f.Method, sendErr)
			}
			return nil
		})

	case FrameResponse, FrameError:
		t.mu.Lock()
		ch, ok := t.pending[f.ID]
		delete(t.pending, f.ID)
		t.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (t *Teleport) maybeActivate(name string) {
	t.mu.Lock()
	e := t.extensions[name]
	if e == nil || e.active || !e.local || !e.remoteOpen || t.state != stateOpen {
		t.mu.Unlock()
		return
	}
	e.active = true
	impl := e.impl
	t.mu.Unlock()

	port := &port{t: t, extension: name}
	t.scope.Go(func(ctx context.Context) error {
		if err := impl.OnOpen(ctx, port); err != nil && !errs.IsCancelled(err) {
			t.log.Infof("extension %s failed: %v", name, err)
		}
		return nil
	})
}

func (t *Teleport) request(ctx context.Context, ext, method string, payload []byte) ([]byte, error) {
	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	e := t.extensions[ext]
	if e == nil || !e.active {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotOpen, ext)
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *Frame, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.send(&Frame{Type: FrameRequest, Extension: ext, ID: id, Method: method, Payload: payload}); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.forget(id)
		return nil, errs.New(errs.Cancelled, ext+"."+method, ctx.Err())
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if f.Type == FrameError {
			return nil, errs.New(errs.Protocol, ext+"."+method, &RemoteError{Extension: ext, Method: method, Message: f.Error})
		}
		return f.Payload, nil
	}
}

func (t *Teleport) forget(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

type port struct {
	t         *Teleport
	extension string
}

func (p *port) Request(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return p.t.request(ctx, p.extension, method, payload)
}

func (p *port) Initiator() bool {
	return p.t.initiator
}

func (p *port) SessionID() ulid.ULID {
	return p.t.id
}
