package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

const (
	ExtensionAdmission = "space.admission"

	methodGetCredential = "get-credential"
)

var (
	ErrAdmissionNotFound = errors.New("admission credential not found")
	ErrInvalidAdmission  = errors.New("invalid admission credential")
)

// AdmissionLookup returns the credential that admitted member to the space
type AdmissionLookup func(spaceKey, member keys.PublicKey) (*credentials.Credential, bool)

// admissionHost answers get-credential on every session, authenticated or not
type admissionHost struct {
	lookup AdmissionLookup
}

func (h *admissionHost) OnOpen(ctx context.Context, port teleport.Port) error {
	return nil
}

func (h *admissionHost) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if method != methodGetCredential {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	req, err := unmarshalAdmissionRequest(payload)
	if err != nil {
		return nil, err
	}
	if h.lookup == nil {
		return nil, ErrAdmissionNotFound
	}
	cred, ok := h.lookup(req.SpaceKey, req.Member)
	if !ok {
		return nil, ErrAdmissionNotFound
	}
	return cred.Marshal(), nil
}

func (h *admissionHost) OnClose(err error) {}

// GetAdmissionCredential asks the peer behind port for member's admission credential. A peer
// that does not know the member answers with an errs.Protocol error wrapping
// ErrAdmissionNotFound and the session stays open.
func GetAdmissionCredential(ctx context.Context, port teleport.Port, spaceKey, member keys.PublicKey) (*credentials.Credential, error) {
	resp, err := port.Request(ctx, methodGetCredential, (&admissionRequest{SpaceKey: spaceKey, Member: member}).marshal())
	if err != nil {
		var remote *teleport.RemoteError
		if errors.As(err, &remote) && remote.Message == ErrAdmissionNotFound.Error() {
			return nil, errs.New(errs.Protocol, "get admission credential", ErrAdmissionNotFound)
		}
		return nil, err
	}

	cred, err := credentials.Unmarshal(resp)
	if err != nil {
		return nil, errs.New(errs.Protocol, "get admission credential", err)
	}
	if err := checkAdmission(cred, member); err != nil {
		return nil, errs.New(errs.Verification, "get admission credential", err)
	}
	return cred, nil
}

func checkAdmission(cred *credentials.Credential, member keys.PublicKey) error {
	if cred.Type() != credentials.TypeAdmittedMember {
		return fmt.Errorf("%w: got %s", ErrInvalidAdmission, cred.Type())
	}
	if cred.Subject != member {
		return fmt.Errorf("%w: admits %s", ErrInvalidAdmission, cred.Subject.Truncate())
	}
	return credentials.VerifySignature(cred)
}

// AdmissionRequest configures RequestAdmissionCredential
type AdmissionRequest struct {
	SpaceKey keys.PublicKey
	Identity keys.PublicKey
	// PeerKey identifies this peer in the swarm. A fresh key is generated when zero.
	PeerKey  keys.PublicKey
	Topology network.Topology
	Timeout  time.Duration
}

// RequestAdmissionCredential joins the space swarm without authenticating and returns the
// first admission credential any host hands out. The swarm is always left before returning.
func RequestAdmissionCredential(ctx context.Context, net network.Manager, req AdmissionRequest) (*credentials.Credential, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if req.PeerKey.IsZero() {
		kp, err := keys.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		req.PeerKey = kp.Public
	}

	guest := &admissionGuest{
		spaceKey: req.SpaceKey,
		identity: req.Identity,
		log:      logger.WithSource("admission/%s", req.SpaceKey.Truncate()),
		result:   make(chan *credentials.Credential, 1),
		sessions: make(map[*teleport.Teleport]struct{}),
	}
	defer guest.close()

	swarm, err := net.JoinSwarm(ctx, network.SwarmOptions{
		Topic:    keys.DiscoveryKey(req.SpaceKey),
		PeerKey:  req.PeerKey,
		Topology: req.Topology,
		Protocol: guest,
	})
	if err != nil {
		return nil, err
	}
	defer swarm.Leave()

	select {
	case cred := <-guest.result:
		return cred, nil
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, "request admission credential", ctx.Err())
	}
}

// admissionGuest opens a session with only the admission extension to every host it meets
type admissionGuest struct {
	spaceKey keys.PublicKey
	identity keys.PublicKey
	log      logger.Prefixed
	result   chan *credentials.Credential

	mu       sync.Mutex
	closed   bool
	sessions map[*teleport.Teleport]struct{}
}

func (g *admissionGuest) NewSession(ctx context.Context, conn network.Connection) error {
	t := teleport.New(conn.Stream, teleport.Options{Initiator: conn.Initiator})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = t.Close()
		return teleport.ErrClosed
	}
	g.sessions[t] = struct{}{}
	g.mu.Unlock()

	go func() {
		<-t.Done()
		g.mu.Lock()
		delete(g.sessions, t)
		g.mu.Unlock()
	}()

	if err := t.AddExtension(ExtensionAdmission, &guestExtension{guest: g, peer: conn.RemotePeer}); err != nil {
		return err
	}
	return t.Open(ctx)
}

func (g *admissionGuest) close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*teleport.Teleport, 0, len(g.sessions))
	for t := range g.sessions {
		sessions = append(sessions, t)
	}
	g.mu.Unlock()

	for _, t := range sessions {
		_ = t.Close()
	}
	for _, t := range sessions {
		<-t.Done()
	}
}

type guestExtension struct {
	guest *admissionGuest
	peer  keys.PublicKey
}

func (e *guestExtension) OnOpen(ctx context.Context, port teleport.Port) error {
	g := e.guest
	cred, err := GetAdmissionCredential(ctx, port, g.spaceKey, g.identity)
	if err != nil {
		if !errs.IsCancelled(err) {
			g.log.Debugf("peer %s: %v", e.peer.Truncate(), err)
		}
		return err
	}
	select {
	case g.result <- cred:
		g.log.Infof("received admission credential from %s", e.peer.Truncate())
	default:
	}
	return nil
}

func (e *guestExtension) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return nil, ErrAdmissionNotFound
}

func (e *guestExtension) OnClose(err error) {}
