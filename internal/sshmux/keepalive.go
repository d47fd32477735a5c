package sshmux

import (
	"context"
	"time"

	"github.com/agentbox/agentboxd/internal/control"
	log "github.com/sirupsen/logrus"
)

// KeepaliveInterval is how often the manager pings each connected
// container (SUPPLEMENTED FEATURE: original_source issues a periodic
// ping and logs round-trip time; purely additive instrumentation, it
// never affects any invariant or the connection's liveness).
const KeepaliveInterval = 30 * time.Second

// KeepaliveTimeout bounds how long one ping waits for its pong.
const KeepaliveTimeout = 10 * time.Second

// startKeepalive pings c on a fixed interval until it closes, logging
// round-trip time at debug level. It runs as one of the connection's
// tracked goroutines so Shutdown's WaitGroup still drains cleanly.
func (m *Manager) startKeepalive(c *Connection) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), KeepaliveTimeout)
			_, err := c.Request(ctx, "ping", nil)
			cancel()
			if err != nil {
				log.WithError(err).WithField("container", c.Name).Debug("sshmux: keepalive ping failed")
				continue
			}
			log.WithField("container", c.Name).WithField("rtt", time.Since(start)).Debug("sshmux: keepalive ping")
		}
	}
}
