package protocol

import (
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

// Session is the protocol state of one connection to a peer
type Session struct {
	RemotePeer keys.PublicKey

	protocol *SpaceProtocol
	teleport *teleport.Teleport
	auth     *authExtension
	log      logger.Prefixed

	mu         sync.Mutex
	replicator *replicator
	blobs      *blobSync
}

func (s *Session) ID() ulid.ULID {
	return s.teleport.ID()
}

func (s *Session) Initiator() bool {
	return s.teleport.Initiator()
}

func (s *Session) AuthState() AuthState {
	return s.auth.State()
}

func (s *Session) Stats() teleport.Stats {
	return s.teleport.Stats()
}

// Done is closed once the session has shut down
func (s *Session) Done() <-chan struct{} {
	return s.teleport.Done()
}

// Feeds lists the feeds replicated in this session, empty until authenticated
func (s *Session) Feeds() []keys.PublicKey {
	s.mu.Lock()
	r := s.replicator
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Feeds()
}

func (s *Session) Close() error {
	return s.teleport.Close()
}

func (s *Session) authorized() (*replicator, *blobSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicator, s.blobs
}

func (s *Session) onAuthResult(err error) {
	p := s.protocol
	if err != nil {
		if errors.Is(err, teleport.ErrClosed) {
			p.params.Metrics.AuthSession("closed")
			return
		}
		p.params.Metrics.AuthSession("failure")
		s.log.Infof("authentication failed: %v", err)
		if p.params.OnAuthFailure != nil {
			p.params.OnAuthFailure(s, err)
		}
		s.teleport.Abort(err)
		return
	}

	p.params.Metrics.AuthSession("success")
	s.log.Infof("authenticated")

	r := newReplicator(s.log, p.params.Metrics)
	blobs := newBlobSync(p.params.Snapshots)
	if err := s.teleport.AddExtension(ExtensionReplicator, r); err != nil {
		r.close()
		return
	}
	if err := s.teleport.AddExtension(ExtensionBlobSync, blobs); err != nil {
		return
	}

	// feeds added to the protocol from here on reach this session through AddFeed
	p.mu.Lock()
	s.mu.Lock()
	s.replicator = r
	s.blobs = blobs
	s.mu.Unlock()
	feeds := p.feedList()
	p.mu.Unlock()
	for _, f := range feeds {
		r.AddFeed(f)
	}

	if p.params.OnAuthorizedConnection != nil {
		p.params.OnAuthorizedConnection(s)
	}
}

// closed runs once the teleport is done
func (s *Session) closed() {
	s.auth.stop()
	if r, _ := s.authorized(); r != nil {
		r.close()
	}
}
