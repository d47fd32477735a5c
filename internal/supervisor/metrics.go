package supervisor

import (
	"sync"

	"github.com/agentbox/agentboxd/internal/sshmux"
	"github.com/agentbox/agentboxd/internal/streamcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registerMetricsOnce sync.Once

// registerMetrics exposes the admin/metrics endpoint's daemon-level
// gauges: the live connection count and the stream-cache entry count
// (there is no pending-waiter gauge). Guarded by sync.Once since the
// default Prometheus registry panics on duplicate registration and more
// than one Supervisor may be constructed within a single test binary.
func registerMetrics(mgr *sshmux.Manager, cache *streamcache.Cache) {
	registerMetricsOnce.Do(func() { registerMetricsGauges(mgr, cache) })
}

func registerMetricsGauges(mgr *sshmux.Manager, cache *streamcache.Cache) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentboxd_connections",
		Help: "Number of live container SSH connections.",
	}, func() float64 {
		return float64(mgr.Count())
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentboxd_stream_cache_sessions",
		Help: "Number of (container, session) entries currently cached.",
	}, func() float64 {
		return float64(len(cache.Keys()))
	})
}
