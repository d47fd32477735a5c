// Package supervisor wires C1–C7 together into the running daemon (C8):
// it builds the fixed registries, starts the SSH connection manager and
// the local control socket, runs the overlay-address monitor and admin
// HTTP server, and owns startup/shutdown ordering (spec §4.8).
package supervisor

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/agentbox/agentboxd/internal/containerstate"
	"github.com/agentbox/agentboxd/internal/controlsock"
	"github.com/agentbox/agentboxd/internal/external"
	"github.com/agentbox/agentboxd/internal/sshmux"
	"github.com/agentbox/agentboxd/internal/streamcache"
	"github.com/agentbox/agentboxd/pkg/admin"
	log "github.com/sirupsen/logrus"
)

// Config holds every environment-driven setting (spec §4.8 AMBIENT STACK
// "Config"): the daemon reads these from flags/os.Getenv in cmd/agentboxd
// and passes the resolved values in, rather than reaching into the
// environment itself.
type Config struct {
	// SSHSocketPath is where the SSH connection manager (C4) listens.
	SSHSocketPath string
	// ControlSocketPath is where the local control socket (C7) listens.
	ControlSocketPath string
	// AdminAddr is the admin/metrics HTTP listen address ("" disables it).
	AdminAddr string
	// EnablePprof exposes /debug/pprof/* on the admin server.
	EnablePprof bool
	// OverlayInterface is the network interface the bind-address monitor
	// watches (empty disables overlay detection, leaving the fallback set).
	OverlayInterface string
	// OverlayPollInterval overrides DefaultOverlayPollInterval when nonzero.
	OverlayPollInterval time.Duration
	// FallbackBindAddresses is used when the overlay interface has no
	// addresses (or OverlayInterface is empty). Defaults to ["127.0.0.1"].
	FallbackBindAddresses []string
}

// Supervisor owns every long-lived component's lifecycle.
type Supervisor struct {
	cfg Config

	cache     *streamcache.Cache
	state     *containerstate.Store
	mgr       *sshmux.Manager
	ctlServer *controlsock.Server
	admin     *adminServer
	overlay   *overlayMonitor

	ready atomic.Bool
	stop  chan struct{}
}

type adminServer struct {
	srv interface {
		ListenAndServe() error
		Close() error
	}
}

// New builds every component and registers the fixed handler tables, but
// starts nothing; call Run to begin serving.
func New(cfg Config) (*Supervisor, error) {
	cache := streamcache.New()
	state := containerstate.New()
	lib := newStaticLibraryLister()

	notifier := external.NotifySendNotifier{}
	clipboard := external.NewShellClipboardWriter()

	cleanup := newCleanupObserver(cache, state)

	// ref breaks the construction-order cycle between the registry (which
	// needs to call back into the manager for port self-service and
	// forward cleanup) and the manager (which needs a finished registry
	// to be constructed). See managerRef's doc comment.
	ref := &managerRef{}
	comp := newCompletions(ref, cache, state, lib)
	registry := buildC2Registry(ref, cache, state, notifier, clipboard, comp)

	mgr, err := sshmux.NewManager(registry, cleanup)
	if err != nil {
		return nil, err
	}
	ref.mgr = mgr

	ctlActions := buildControlsockActions(mgr, notifier, clipboard, comp)
	ctl := controlsock.New(cfg.ControlSocketPath, ctlActions)

	registerMetrics(mgr, cache)

	overlay := newOverlayMonitor(mgr, cfg.OverlayInterface, cfg.OverlayPollInterval, cfg.FallbackBindAddresses)

	s := &Supervisor{
		cfg:       cfg,
		cache:     cache,
		state:     state,
		mgr:       mgr,
		ctlServer: ctl,
		overlay:   overlay,
		stop:      make(chan struct{}),
	}

	if cfg.AdminAddr != "" {
		s.admin = &adminServer{srv: admin.NewServer(cfg.AdminAddr, cfg.EnablePprof, s.ready.Load)}
	}

	return s, nil
}

// Run starts the control socket, SSH manager, overlay monitor, and admin
// server in that order (spec §4.8: "C7 then C4 up, reverse down" —
// actually C4/C7 both must be live before any traffic flows, but the
// control socket accepts connections the instant host CLI tools dial it,
// so it is brought up first here to minimize the window where a CLI call
// would hit ECONNREFUSED during a restart).
func (s *Supervisor) Run() error {
	if err := s.ctlServer.Listen(); err != nil {
		return err
	}
	if err := s.mgr.Listen(s.cfg.SSHSocketPath); err != nil {
		s.ctlServer.Shutdown()
		return err
	}
	s.ready.Store(true)

	go s.overlay.Run(s.stop)

	if s.admin != nil {
		go func() {
			if err := s.admin.srv.ListenAndServe(); err != nil {
				log.WithError(err).Debug("supervisor: admin server stopped")
			}
		}()
	}

	log.WithFields(log.Fields{
		"ssh_socket":     s.cfg.SSHSocketPath,
		"control_socket": s.cfg.ControlSocketPath,
	}).Info("supervisor: serving")
	return nil
}

// Shutdown stops every component in reverse start order and blocks until
// each has drained.
func (s *Supervisor) Shutdown() {
	s.ready.Store(false)
	close(s.stop)
	if s.admin != nil {
		s.admin.srv.Close()
	}
	s.mgr.Shutdown()
	s.ctlServer.Shutdown()
	os.Remove(s.cfg.SSHSocketPath)
}
