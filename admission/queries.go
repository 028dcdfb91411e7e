package admission

import (
	"slices"

	"golang.org/x/exp/maps"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// GenesisFeed returns the feed genesis arrived on, or false before genesis
func (sm *StateMachine) GenesisFeed() (keys.PublicKey, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.genesisFeed, sm.genesis != nil
}

// Feeds returns the admitted feeds in admission order
func (sm *StateMachine) Feeds() []FeedInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]FeedInfo, 0, len(sm.feedOrder))
	for _, key := range sm.feedOrder {
		out = append(out, *sm.feeds[key])
	}
	return out
}

func (sm *StateMachine) Feed(key keys.PublicKey) (FeedInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info, ok := sm.feeds[key]
	if !ok {
		return FeedInfo{}, false
	}
	return *info, true
}

// Members returns the members ordered by key
func (sm *StateMachine) Members() []MemberInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	memberKeys := maps.Keys(sm.members)
	slices.SortFunc(memberKeys, func(a, b keys.PublicKey) int { return a.Compare(b) })
	out := make([]MemberInfo, 0, len(memberKeys))
	for _, key := range memberKeys {
		out = append(out, *sm.members[key])
	}
	return out
}

func (sm *StateMachine) Member(key keys.PublicKey) (MemberInfo, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.members[key]
	if !ok {
		return MemberInfo{}, false
	}
	return *m, true
}

func (sm *StateMachine) IsMember(key keys.PublicKey) bool {
	_, ok := sm.Member(key)
	return ok
}

// ResolveIdentity maps a member or an authorized device to the member identity
func (sm *StateMachine) ResolveIdentity(key keys.PublicKey) (keys.PublicKey, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if _, ok := sm.members[key]; ok {
		return key, true
	}
	identity, ok := sm.devices[key]
	return identity, ok
}

// MemberCredential returns the credential that admitted identity. The creator of the
// space falls back to the genesis credential until its AdmittedMember is processed.
func (sm *StateMachine) MemberCredential(identity keys.PublicKey) (*credentials.Credential, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.members[identity]
	if !ok {
		return nil, false
	}
	if m.Credential != nil {
		return m.Credential, true
	}
	return sm.genesis, sm.genesis != nil
}

// Invitations returns the delegated invitations ordered by id
func (sm *StateMachine) Invitations() []Invitation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := maps.Keys(sm.invitations)
	slices.Sort(ids)
	out := make([]Invitation, 0, len(ids))
	for _, id := range ids {
		out = append(out, *sm.invitations[id])
	}
	return out
}

// Credentials returns every accepted credential in processing order
func (sm *StateMachine) Credentials() []*credentials.Credential {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return slices.Clone(sm.accepted)
}

// IsProcessed reports whether the credential id was accepted
func (sm *StateMachine) IsProcessed(id credentials.ID) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.processed[id]
	return ok
}
