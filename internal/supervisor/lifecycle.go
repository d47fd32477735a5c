package supervisor

import (
	"github.com/agentbox/agentboxd/internal/containerstate"
	"github.com/agentbox/agentboxd/internal/sshmux"
	"github.com/agentbox/agentboxd/internal/streamcache"
	log "github.com/sirupsen/logrus"
)

// cleanupObserver purges a disconnected container's stream-cache entries
// and tracked state, keeping C5/C6 from accumulating stale data for
// containers that are never coming back (spec §4.5, §4.6, §8 scenario 6).
type cleanupObserver struct {
	cache *streamcache.Cache
	state *containerstate.Store
}

var _ sshmux.LifecycleObserver = (*cleanupObserver)(nil)

func newCleanupObserver(cache *streamcache.Cache, state *containerstate.Store) *cleanupObserver {
	return &cleanupObserver{cache: cache, state: state}
}

func (o *cleanupObserver) OnConnect(container string, conn *sshmux.Connection) {
	log.WithField("container", container).Info("supervisor: container connected")
}

func (o *cleanupObserver) OnDisconnect(container string) {
	log.WithField("container", container).Info("supervisor: container disconnected")
	o.cache.PurgeContainer(container)
	o.state.Clear(container)
}
