package protocol

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

const (
	ExtensionAuth = "space.auth"

	methodChallenge = "challenge"
	methodVerified  = "verified"

	challengeSize      = 32
	DefaultAuthTimeout = 60 * time.Second
)

var ErrAuthTimeout = errors.New("peer did not authenticate in time")

// AuthState of a session. SUCCESS and FAILURE are terminal.
type AuthState int

const (
	AuthInitial AuthState = iota
	AuthSuccess
	AuthFailure
)

func (s AuthState) String() string {
	switch s {
	case AuthInitial:
		return "INITIAL"
	case AuthSuccess:
		return "SUCCESS"
	case AuthFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// authExtension challenges the peer and answers the peer's challenge. The session succeeds
// once we verified the peer and the peer reported it verified us. The timeout runs from
// the moment the extension is created.
type authExtension struct {
	identity SwarmIdentity
	onResult func(error)

	mu             sync.Mutex
	state          AuthState
	verifiedPeer   bool
	verifiedByPeer bool
	timer          *time.Timer
}

func newAuthExtension(identity SwarmIdentity, timeout time.Duration, onResult func(error)) *authExtension {
	a := &authExtension{identity: identity, onResult: onResult}
	a.mu.Lock()
	a.timer = time.AfterFunc(timeout, func() {
		a.finish(errs.New(errs.Auth, "authenticate", ErrAuthTimeout))
	})
	a.mu.Unlock()
	return a
}

func (a *authExtension) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *authExtension) OnOpen(ctx context.Context, port teleport.Port) error {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		a.finish(errs.New(errs.Auth, "authenticate", err))
		return err
	}

	if err := a.verifyPeer(ctx, port, challenge); err != nil {
		if errs.IsCancelled(err) {
			return err
		}
		err = errs.New(errs.Auth, "authenticate peer", err)
		a.finish(err)
		return err
	}
	a.mark(func() { a.verifiedPeer = true })

	if _, err := port.Request(ctx, methodVerified, nil); err != nil {
		if !errs.IsCancelled(err) {
			a.finish(errs.New(errs.Auth, "authenticate", err))
		}
		return err
	}
	return nil
}

func (a *authExtension) verifyPeer(ctx context.Context, port teleport.Port, challenge []byte) error {
	resp, err := port.Request(ctx, methodChallenge, challenge)
	if err != nil {
		return err
	}
	cred, err := credentials.Unmarshal(resp)
	if err != nil {
		return err
	}
	return a.identity.Authenticator.Authenticate(ctx, challenge, cred)
}

func (a *authExtension) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case methodChallenge:
		if len(payload) != challengeSize {
			return nil, fmt.Errorf("challenge must be %d bytes", challengeSize)
		}
		cred, err := a.identity.Provider.Present(ctx, payload)
		if err != nil {
			return nil, err
		}
		return cred.Marshal(), nil
	case methodVerified:
		a.mark(func() { a.verifiedByPeer = true })
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
}

func (a *authExtension) OnClose(err error) {
	if err == nil {
		err = teleport.ErrClosed
	}
	a.finish(errs.New(errs.Auth, "authenticate", err))
}

// stop releases the timer when the session ends before the extension opened
func (a *authExtension) stop() {
	a.finish(errs.New(errs.Auth, "authenticate", teleport.ErrClosed))
}

func (a *authExtension) mark(set func()) {
	a.mu.Lock()
	set()
	done := a.verifiedPeer && a.verifiedByPeer
	a.mu.Unlock()
	if done {
		a.finish(nil)
	}
}

func (a *authExtension) finish(err error) {
	a.mu.Lock()
	if a.state != AuthInitial {
		a.mu.Unlock()
		return
	}
	if err == nil {
		a.state = AuthSuccess
	} else {
		a.state = AuthFailure
	}
	a.timer.Stop()
	a.mu.Unlock()
	a.onResult(err)
}
