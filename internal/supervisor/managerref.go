package supervisor

import "github.com/agentbox/agentboxd/internal/sshmux"

// managerRef breaks the construction-order cycle between the SSH manager
// (C4) and the fixed registry (C2): several handlers in that registry
// need to call back into the manager (port self-service, forward
// cleanup, docker_containers completions), but the manager itself can
// only be built from a finished registry. A managerRef is handed to the
// registry/completions builders empty and filled in immediately after
// sshmux.NewManager returns; every handler closure reads through it at
// dispatch time, long after the fill-in has happened.
type managerRef struct {
	mgr *sshmux.Manager
}

func (r *managerRef) get() *sshmux.Manager { return r.mgr }
