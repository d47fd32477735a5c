package supervisor

import (
	"net"
	"time"

	"github.com/agentbox/agentboxd/internal/sshmux"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultOverlayPollInterval is how often the overlay-address monitor
// re-reads the configured interface's addresses when no filesystem event
// has already triggered a refresh.
const DefaultOverlayPollInterval = 30 * time.Second

const sysClassNet = "/sys/class/net"

// overlayMonitor keeps Manager.BindAddresses() in sync with the live
// address set of a named network interface (e.g. a Tailscale or other
// overlay interface), so remote-direction forwards bind where the
// container can actually reach the host (spec §4.8's bind-address
// config). It combines a poll timer with an fsnotify watch on
// /sys/class/net so an interface appearing or disappearing is picked up
// promptly rather than only at the next poll tick, mirroring
// pkg/credswatcher's poll-plus-fsnotify pattern.
type overlayMonitor struct {
	mgr      *sshmux.Manager
	iface    string
	interval time.Duration
	fallback []string
}

func newOverlayMonitor(mgr *sshmux.Manager, iface string, interval time.Duration, fallback []string) *overlayMonitor {
	if interval <= 0 {
		interval = DefaultOverlayPollInterval
	}
	if len(fallback) == 0 {
		fallback = []string{"127.0.0.1"}
	}
	return &overlayMonitor{mgr: mgr, iface: iface, interval: interval, fallback: fallback}
}

// Run blocks until stop is closed, refreshing bind addresses on every
// poll tick and on every relevant fsnotify event.
func (o *overlayMonitor) Run(stop <-chan struct{}) {
	o.refresh()

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err != nil {
		log.WithError(err).Warn("supervisor: overlay monitor: fsnotify unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(sysClassNet); err != nil {
			log.WithError(err).Debug("supervisor: overlay monitor: could not watch " + sysClassNet)
		}
		events = make(chan fsnotify.Event)
		go func() {
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					events <- ev
				case <-stop:
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.refresh()
		case <-events:
			o.refresh()
		}
	}
}

// refresh re-reads o.iface's addresses and installs them as the manager's
// BindAddressSet, falling back to the configured default set if the
// interface does not exist or carries no usable addresses.
func (o *overlayMonitor) refresh() {
	addrs := o.lookupAddresses()
	if len(addrs) == 0 {
		addrs = o.fallback
	}
	o.mgr.SetBindAddresses(addrs)
}

func (o *overlayMonitor) lookupAddresses() []string {
	if o.iface == "" {
		return nil
	}
	ifc, err := net.InterfaceByName(o.iface)
	if err != nil {
		log.WithError(err).WithField("iface", o.iface).Debug("supervisor: overlay monitor: interface lookup failed")
		return nil
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}
