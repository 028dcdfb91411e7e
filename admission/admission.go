package admission

/*
Admission state machine

Reduces the credentials found on a space's control feeds into:

	members      identity -> role
	feeds        admitted feeds, in admission order
	devices      device -> identity it signs for
	invitations  delegated invitations and their status

The first credential must be SpaceGenesis issued by the space key. It admits the feed it
arrived on as the genesis CONTROL feed and its creator as OWNER. After that every
credential must arrive on an admitted CONTROL feed and be issued, directly or through a
device chain, by a trusted key: the space key, a member, or a device of a member.

Processing is deterministic and idempotent: a credential id that was already accepted
is acknowledged again without any state change or event.
*/

import (
	"errors"
	"fmt"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/event"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
)

var (
	ErrNoGenesis         = errors.New("space genesis has not been processed")
	ErrDuplicateGenesis  = errors.New("space genesis already processed")
	ErrNotControlFeed    = errors.New("credential did not arrive on an admitted control feed")
	ErrWrongSpace        = errors.New("credential is for a different space")
	ErrNotPermitted      = errors.New("issuer may not issue this assertion")
	ErrUnsupported       = errors.New("assertion is not processed on control feeds")
	ErrInvalidCredential = errors.New("invalid credential")
)

// MemberInfo describes an admitted identity
type MemberInfo struct {
	Key         keys.PublicKey
	Role        credentials.Role
	DisplayName string
	// Credential is the AdmittedMember credential; nil for a creator admitted only by genesis
	Credential *credentials.Credential
}

// FeedInfo describes an admitted feed
type FeedInfo struct {
	Key         keys.PublicKey
	Designation credentials.Designation
	IdentityKey keys.PublicKey
	DeviceKey   keys.PublicKey
	Issuer      keys.PublicKey
	Credential  *credentials.Credential
}

type InvitationStatus int

const (
	InvitationActive InvitationStatus = iota + 1
	InvitationCancelled
)

func (s InvitationStatus) String() string {
	switch s {
	case InvitationActive:
		return "ACTIVE"
	case InvitationCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Invitation is a delegated invitation tracked by the space
type Invitation struct {
	ID        string
	Role      credentials.Role
	ExpiresOn int64
	Issuer    keys.PublicKey
	Status    InvitationStatus
}

// StateMachine is the admission reducer of one space
type StateMachine struct {
	spaceKey keys.PublicKey
	log      logger.Prefixed

	mu          sync.RWMutex
	genesis     *credentials.Credential
	genesisFeed keys.PublicKey
	members     map[keys.PublicKey]*MemberInfo
	feeds       map[keys.PublicKey]*FeedInfo
	feedOrder   []keys.PublicKey
	devices     map[keys.PublicKey]keys.PublicKey
	invitations map[string]*Invitation
	processed   map[credentials.ID]struct{}
	accepted    []*credentials.Credential

	FeedAdmitted            event.Bus[FeedInfo]
	MemberAdmitted          event.Bus[MemberInfo]
	MemberRoleChanged       event.Bus[MemberInfo]
	InvitationStatusChanged event.Bus[Invitation]
	CredentialProcessed     event.Bus[*credentials.Credential]
}

func New(spaceKey keys.PublicKey) *StateMachine {
	return &StateMachine{
		spaceKey:    spaceKey,
		log:         logger.WithSource("admission/%s", spaceKey.Truncate()),
		members:     make(map[keys.PublicKey]*MemberInfo),
		feeds:       make(map[keys.PublicKey]*FeedInfo),
		devices:     make(map[keys.PublicKey]keys.PublicKey),
		invitations: make(map[string]*Invitation),
		processed:   make(map[credentials.ID]struct{}),
	}
}

func (sm *StateMachine) SpaceKey() keys.PublicKey {
	return sm.spaceKey
}

// Process applies cred received on feed fromFeed and reports whether it was accepted
func (sm *StateMachine) Process(cred *credentials.Credential, fromFeed keys.PublicKey) bool {
	if err := sm.ProcessCredential(cred, fromFeed); err != nil {
		sm.log.Infof("rejected %s from %s: %v", cred, fromFeed.Truncate(), err)
		return false
	}
	return true
}

// ProcessCredential is Process with the rejection reason. Rejections are classified
// as errs.Verification or errs.Authorization.
func (sm *StateMachine) ProcessCredential(cred *credentials.Credential, fromFeed keys.PublicKey) error {
	if cred == nil || cred.Assertion == nil {
		return errs.New(errs.Verification, "process", ErrInvalidCredential)
	}

	sm.mu.Lock()
	emit, err := sm.processLocked(cred, fromFeed)
	sm.mu.Unlock()
	if err != nil {
		return err
	}

	// handlers run outside the lock so they may query the state machine
	for _, fn := range emit {
		fn()
	}
	return nil
}

func (sm *StateMachine) processLocked(cred *credentials.Credential, fromFeed keys.PublicKey) ([]func(), error) {
	id := cred.ID()
	if _, ok := sm.processed[id]; ok {
		return nil, nil
	}
	if err := credentials.VerifySignature(cred); err != nil {
		return nil, errs.New(errs.Verification, "process", err)
	}

	var emit []func()
	if sm.genesis == nil {
		genesis, ok := cred.Assertion.(credentials.SpaceGenesis)
		if !ok {
			return nil, errs.New(errs.Authorization, "process", ErrNoGenesis)
		}
		e, err := sm.applyGenesisLocked(cred, genesis, fromFeed)
		if err != nil {
			return nil, err
		}
		emit = e
	} else {
		if info, ok := sm.feeds[fromFeed]; !ok || info.Designation != credentials.DesignationControl {
			return nil, errs.New(errs.Authorization, "process", fmt.Errorf("%w: %s", ErrNotControlFeed, fromFeed.Truncate()))
		}
		root, err := credentials.VerifyChain(cred, sm.isTrustedLocked)
		if err != nil {
			class := errs.Verification
			if errors.Is(err, credentials.ErrUntrustedIssuer) {
				class = errs.Authorization
			}
			return nil, errs.New(class, "process", err)
		}
		authority := sm.resolveLocked(root)
		e, err := sm.applyLocked(cred, authority)
		if err != nil {
			return nil, errs.New(errs.Authorization, "process", err)
		}
		emit = e
	}

	sm.processed[id] = struct{}{}
	sm.accepted = append(sm.accepted, cred)
	emit = append(emit, func() { sm.CredentialProcessed.Emit(cred) })
	return emit, nil
}

func (sm *StateMachine) applyGenesisLocked(cred *credentials.Credential, genesis credentials.SpaceGenesis, fromFeed keys.PublicKey) ([]func(), error) {
	if genesis.SpaceKey != sm.spaceKey {
		return nil, errs.New(errs.Authorization, "genesis", ErrWrongSpace)
	}
	if cred.Issuer != sm.spaceKey {
		return nil, errs.Newf(errs.Authorization, "genesis", "%v: genesis issued by %s", ErrNotPermitted, cred.Issuer.Truncate())
	}

	sm.genesis = cred
	sm.genesisFeed = fromFeed
	feed := &FeedInfo{
		Key:         fromFeed,
		Designation: credentials.DesignationControl,
		IdentityKey: genesis.CreatorIdentity,
		DeviceKey:   genesis.CreatorIdentity,
		Issuer:      cred.Issuer,
		Credential:  cred,
	}
	member := &MemberInfo{Key: genesis.CreatorIdentity, Role: credentials.RoleOwner}
	sm.feeds[fromFeed] = feed
	sm.feedOrder = append(sm.feedOrder, fromFeed)
	sm.members[member.Key] = member

	feedCopy, memberCopy := *feed, *member
	return []func(){
		func() { sm.FeedAdmitted.Emit(feedCopy) },
		func() { sm.MemberAdmitted.Emit(memberCopy) },
	}, nil
}

func (sm *StateMachine) applyLocked(cred *credentials.Credential, authority keys.PublicKey) ([]func(), error) {
	switch a := cred.Assertion.(type) {
	case credentials.SpaceGenesis:
		return nil, ErrDuplicateGenesis

	case credentials.AdmittedMember:
		if a.SpaceKey != sm.spaceKey {
			return nil, ErrWrongSpace
		}
		if !sm.canAdmitLocked(authority) || (a.Role == credentials.RoleOwner && !sm.isOwnerLocked(authority)) {
			return nil, fmt.Errorf("%w: %s cannot admit %s", ErrNotPermitted, authority.Truncate(), a.Role)
		}
		return sm.admitMemberLocked(cred, a), nil

	case credentials.AdmittedFeed:
		if a.SpaceKey != sm.spaceKey {
			return nil, ErrWrongSpace
		}
		if a.Designation != credentials.DesignationControl && a.Designation != credentials.DesignationData {
			return nil, fmt.Errorf("%w: designation %d", ErrInvalidCredential, a.Designation)
		}
		if _, ok := sm.members[a.IdentityKey]; !ok {
			return nil, fmt.Errorf("%w: feed owner %s is not a member", ErrNotPermitted, a.IdentityKey.Truncate())
		}
		if !sm.canAdmitLocked(authority) && authority != a.IdentityKey {
			return nil, fmt.Errorf("%w: %s cannot admit feeds of %s", ErrNotPermitted, authority.Truncate(), a.IdentityKey.Truncate())
		}
		if _, ok := sm.feeds[cred.Subject]; ok {
			return nil, nil
		}
		info := &FeedInfo{
			Key:         cred.Subject,
			Designation: a.Designation,
			IdentityKey: a.IdentityKey,
			DeviceKey:   a.DeviceKey,
			Issuer:      cred.Issuer,
			Credential:  cred,
		}
		sm.feeds[info.Key] = info
		sm.feedOrder = append(sm.feedOrder, info.Key)
		infoCopy := *info
		return []func(){func() { sm.FeedAdmitted.Emit(infoCopy) }}, nil

	case credentials.AuthorizedDevice:
		if authority != a.IdentityKey || cred.Subject != a.DeviceKey {
			return nil, fmt.Errorf("%w: devices are authorized by their identity", ErrNotPermitted)
		}
		if _, ok := sm.members[a.IdentityKey]; !ok {
			return nil, fmt.Errorf("%w: %s is not a member", ErrNotPermitted, a.IdentityKey.Truncate())
		}
		sm.devices[a.DeviceKey] = a.IdentityKey
		return nil, nil

	case credentials.Epoch:
		if !sm.canAdmitLocked(authority) {
			return nil, fmt.Errorf("%w: %s cannot create epochs", ErrNotPermitted, authority.Truncate())
		}
		return nil, nil

	case credentials.DelegateSpaceInvitation:
		if !sm.canAdmitLocked(authority) {
			return nil, fmt.Errorf("%w: %s cannot delegate invitations", ErrNotPermitted, authority.Truncate())
		}
		if _, ok := sm.invitations[a.InvitationID]; ok {
			return nil, nil
		}
		inv := &Invitation{ID: a.InvitationID, Role: a.Role, ExpiresOn: a.ExpiresOn, Issuer: authority, Status: InvitationActive}
		sm.invitations[inv.ID] = inv
		invCopy := *inv
		return []func(){func() { sm.InvitationStatusChanged.Emit(invCopy) }}, nil

	case credentials.CancelDelegatedInvitation:
		if !sm.canAdmitLocked(authority) {
			return nil, fmt.Errorf("%w: %s cannot cancel invitations", ErrNotPermitted, authority.Truncate())
		}
		inv, ok := sm.invitations[a.InvitationID]
		if !ok {
			inv = &Invitation{ID: a.InvitationID, Issuer: authority}
			sm.invitations[inv.ID] = inv
		}
		if inv.Status == InvitationCancelled {
			return nil, nil
		}
		inv.Status = InvitationCancelled
		invCopy := *inv
		return []func(){func() { sm.InvitationStatusChanged.Emit(invCopy) }}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cred.Type())
}

func (sm *StateMachine) admitMemberLocked(cred *credentials.Credential, a credentials.AdmittedMember) []func() {
	existing, ok := sm.members[cred.Subject]
	if !ok {
		member := &MemberInfo{Key: cred.Subject, Role: a.Role, DisplayName: a.DisplayName, Credential: cred}
		sm.members[member.Key] = member
		memberCopy := *member
		return []func(){func() { sm.MemberAdmitted.Emit(memberCopy) }}
	}

	if existing.Credential == nil {
		existing.Credential = cred
	}
	if a.DisplayName != "" {
		existing.DisplayName = a.DisplayName
	}
	if existing.Role == a.Role {
		return nil
	}
	existing.Role = a.Role
	existing.Credential = cred
	memberCopy := *existing
	return []func(){func() { sm.MemberRoleChanged.Emit(memberCopy) }}
}

func (sm *StateMachine) isTrustedLocked(key keys.PublicKey) bool {
	if key == sm.spaceKey {
		return true
	}
	if _, ok := sm.members[key]; ok {
		return true
	}
	_, ok := sm.devices[key]
	return ok
}

// resolveLocked maps a trusted key to the identity it acts for
func (sm *StateMachine) resolveLocked(key keys.PublicKey) keys.PublicKey {
	if identity, ok := sm.devices[key]; ok {
		if _, member := sm.members[key]; !member {
			return identity
		}
	}
	return key
}

func (sm *StateMachine) canAdmitLocked(authority keys.PublicKey) bool {
	if authority == sm.spaceKey {
		return true
	}
	m, ok := sm.members[authority]
	return ok && m.Role.CanAdmit()
}

func (sm *StateMachine) isOwnerLocked(authority keys.PublicKey) bool {
	if authority == sm.spaceKey {
		return true
	}
	m, ok := sm.members[authority]
	return ok && m.Role == credentials.RoleOwner
}
