package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"

	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

const (
	serviceName   = "spaces.swarm.v1.Swarm"
	connectMethod = "/" + serviceName + "/Connect"
)

// ConnectHandler takes ownership of one inbound peer stream. The stream stays open after the
// handler returns, until it is closed or the server stops.
type ConnectHandler func(ctx context.Context, stream teleport.Stream) error

type swarmServer interface {
	Connect(stream grpc.ServerStream) error
}

var swarmServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*swarmServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "spaces/swarm/v1/swarm.proto",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(swarmServer).Connect(stream)
}

type GRPC struct {
	addr    string
	srv     *grpc.Server
	lis     net.Listener
	handler ConnectHandler
	log     logger.Prefixed

	mu      sync.Mutex
	serving bool
}

type swarmService struct {
	handler ConnectHandler
}

// Connect hands the stream to the handler and keeps it alive until it is closed
func (s *swarmService) Connect(stream grpc.ServerStream) error {
	ss := newServerStream(stream)
	if err := s.handler(stream.Context(), ss); err != nil {
		return err
	}
	select {
	case <-ss.done:
	case <-stream.Context().Done():
	}
	return nil
}

func (g *GRPC) setupTcp() (net.Listener, error) {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return lis, nil
}

// Start binds synchronously, so a port already in use is reported here, then serves in a
// background goroutine
func (g *GRPC) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.serving {
		return fmt.Errorf("gRPC server on %s already started", g.addr)
	}

	lis, err := g.setupTcp()
	if err != nil {
		return fmt.Errorf("failed to setup TCP: %w", err)
	}
	g.lis = lis

	g.srv.RegisterService(&swarmServiceDesc, &swarmService{handler: g.handler})

	// Register reflection service for gRPC tools (grpcurl, grpcui, etc.)
	reflection.Register(g.srv)

	g.serving = true
	go func() {
		if err := g.srv.Serve(lis); err != nil {
			g.log.Errorf("gRPC server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (g *GRPC) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lis == nil {
		return g.addr
	}
	return g.lis.Addr().String()
}

// Stop ends every stream and closes the listener
func (g *GRPC) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.serving {
		return nil
	}
	g.serving = false
	g.srv.Stop()
	return nil
}

func NewGRPC(addr string, handler ConnectHandler) (*GRPC, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("invalid address: %s", addr)
	}
	if handler == nil {
		return nil, fmt.Errorf("connect handler must be provided")
	}

	return &GRPC{
		addr:    addr,
		srv:     grpc.NewServer(),
		handler: handler,
		log:     logger.WithSource("grpc/%s", addr),
	}, nil
}

// Dial opens an outbound Connect stream to addr. Closing the stream closes the connection.
func Dial(ctx context.Context, addr string) (teleport.Stream, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopOnDial := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &swarmServiceDesc.Streams[0], connectMethod)
	stopOnDial()
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}
	return newClientStream(stream, conn, cancel), nil
}
