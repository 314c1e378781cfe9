package tunnel

import (
	"fmt"
	"net"
	"sync"
)

// Profile is the operator-created, server-held registration mapping a
// tunnel id to a visitor-facing bind address and, optionally, a
// pre-shared visitor token. Profiles are immutable once inserted into a
// ProfileRegistry; a profile's absence from the registry means "reject"
// (spec §3).
type Profile struct {
	// UniqueID is the opaque ProfileId string; its wire identifier is
	// HashID(UniqueID).
	UniqueID string
	// VisitorAddr is the address the server binds per-profile to accept
	// visitor connections, e.g. "0.0.0.0:8080".
	VisitorAddr string
	// VisitorToken, if non-empty, must be presented (hashed) by a
	// visitor via an Authenticate frame before being matched to a
	// channel.
	VisitorToken string
}

// Hash returns the profile's wire identifier.
func (p Profile) Hash() Hash { return HashID(p.UniqueID) }

// validate rejects profiles that can never be served: an unparsable
// visitor_addr, matching the original Rust ClientProfile builder which
// validated eagerly at registration time rather than failing later at
// first bind.
func (p Profile) validate() error {
	if p.UniqueID == "" {
		return fmt.Errorf("%w: empty unique id", ErrInvalidProfile)
	}
	if _, _, err := net.SplitHostPort(p.VisitorAddr); err != nil {
		return fmt.Errorf("%w: visitor_addr %q: %v", ErrInvalidProfile, p.VisitorAddr, err)
	}
	return nil
}

// hasToken reports whether visitors must authenticate before being
// queued for matching.
func (p Profile) hasToken() bool { return p.VisitorToken != "" }

// tokenHash is the expected Authenticate payload: the hash of the
// configured token, matching the wire representation of any other Hash.
func (p Profile) tokenHash() Hash { return HashID(p.VisitorToken) }

// ProfileRegistry is the concurrent map from a profile's Hash to its
// Profile. Per spec §4.5, removing a profile also terminates any
// session currently serving it; ProfileRegistry delegates that to an
// optional terminator callback wired in by Server so the registry
// itself stays free of session-manager knowledge.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[Hash]Profile

	// onRemove, if set, is invoked (outside the registry's own lock)
	// whenever a profile is removed, so the caller can tear down any
	// live session for it.
	onRemove func(Hash)
}

// NewProfileRegistry returns an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[Hash]Profile)}
}

// InsertProfile adds or replaces a profile. Profiles are otherwise
// immutable once inserted (spec §3); calling InsertProfile again with
// the same UniqueID simply updates the registered visitor_addr/token -
// it does not affect any already-running Session, which keeps using the
// visitor_addr it was started with.
func (r *ProfileRegistry) InsertProfile(p Profile) error {
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Hash()] = p
	return nil
}

// RemoveProfile removes a profile by UniqueID and, if a removal
// callback is registered, notifies it so the corresponding session (if
// any) is terminated. It is a no-op if the profile isn't registered.
func (r *ProfileRegistry) RemoveProfile(uniqueID string) {
	h := HashID(uniqueID)
	r.mu.Lock()
	_, existed := r.profiles[h]
	delete(r.profiles, h)
	r.mu.Unlock()

	if existed && r.onRemove != nil {
		r.onRemove(h)
	}
}

// Lookup returns the profile registered under hash, if any.
func (r *ProfileRegistry) Lookup(h Hash) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[h]
	return p, ok
}

// IsProfileOnline reports whether a profile is registered under hash.
// Spec §4.5 also names a sibling is_profile_active, but that one
// composes this registry with session state the registry itself has no
// access to - see Server.IsProfileActive for where that composition
// lives.
func (r *ProfileRegistry) IsProfileOnline(h Hash) bool {
	_, ok := r.Lookup(h)
	return ok
}
