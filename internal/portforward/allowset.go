package portforward

import "sync"

// AllowSet is the daemon-wide policy allow-list for local-direction
// forwards (spec §4.3). A local-direction install only records intent; the
// container already owns the actual listener, and the daemon's only job is
// to check the requested host_port against this allow-set.
//
// Resolving spec §9's open question: the source's allow-set is a flat set,
// which lets one connection's remove strip another connection's grant for
// the same host_port. Here grants are reference-counted per owner
// (connection), so Remove only ever affects the caller's own grant.
type AllowSet struct {
	mu     sync.Mutex
	owners map[int]map[string]struct{} // host_port -> set of owning connection names
}

// NewAllowSet returns an empty allow-set.
func NewAllowSet() *AllowSet {
	return &AllowSet{owners: make(map[int]map[string]struct{})}
}

// Allow grants owner permission to install a local forward on hostPort.
func (a *AllowSet) Allow(hostPort int, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.owners[hostPort]
	if !ok {
		set = make(map[string]struct{})
		a.owners[hostPort] = set
	}
	set[owner] = struct{}{}
}

// Revoke removes owner's grant for hostPort. Other owners' grants for the
// same port, if any, are untouched.
func (a *AllowSet) Revoke(hostPort int, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.owners[hostPort]
	if !ok {
		return
	}
	delete(set, owner)
	if len(set) == 0 {
		delete(a.owners, hostPort)
	}
}

// RevokeAll removes every grant owner holds, across all host ports, per
// disconnect cleanup (spec §8 "Forward containment": no allow-set entry
// outlives the Connection that installed it).
func (a *AllowSet) RevokeAll(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for hostPort, set := range a.owners {
		delete(set, owner)
		if len(set) == 0 {
			delete(a.owners, hostPort)
		}
	}
}

// Allowed reports whether hostPort has at least one outstanding grant,
// for any owner.
func (a *AllowSet) Allowed(hostPort int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.owners[hostPort]
	return ok
}

// AllowedFor reports whether owner specifically holds a grant for hostPort.
func (a *AllowSet) AllowedFor(hostPort int, owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.owners[hostPort]
	if !ok {
		return false
	}
	_, ok = set[owner]
	return ok
}
