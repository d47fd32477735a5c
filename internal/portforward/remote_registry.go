package portforward

import "sync"

// RemoteRegistry is the daemon-wide record of which connection currently
// owns a remote-direction host_port. Spec §9 leaves cross-connection
// remote-port conflicts unspecified in the original source; this resolves
// it as a hard conflict error (spec §7 `conflict`), enforced here rather
// than left to listener-bind failures (which would be ambiguous about
// cause).
//
// Every method takes the registry's own mutex, so callers need not hold
// any other lock (the SSH connection manager calls it without holding the
// connections-map lock).
type RemoteRegistry struct {
	mu    sync.Mutex
	owner map[int]string // host_port -> owning container name
}

// NewRemoteRegistry returns an empty registry.
func NewRemoteRegistry() *RemoteRegistry {
	return &RemoteRegistry{owner: make(map[int]string)}
}

// Claim records owner as holding hostPort, failing if another owner
// already holds it.
func (r *RemoteRegistry) Claim(hostPort int, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.owner[hostPort]; ok && existing != owner {
		return &conflictError{hostPort: hostPort, owner: existing}
	}
	r.owner[hostPort] = owner
	return nil
}

// Release drops owner's claim on hostPort, if it still holds it.
func (r *RemoteRegistry) Release(hostPort int, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner[hostPort] == owner {
		delete(r.owner, hostPort)
	}
}

// ReleaseAll drops every claim held by owner, used on disconnect.
func (r *RemoteRegistry) ReleaseAll(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, o := range r.owner {
		if o == owner {
			delete(r.owner, port)
		}
	}
}

type conflictError struct {
	hostPort int
	owner    string
}

func (e *conflictError) Error() string {
	return "remote host_port already bound by another container connection"
}
