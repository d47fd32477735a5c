// Package sshmux implements the SSH connection manager (C4): it accepts
// one persistent SSH connection per container, enforces the "one
// connection per name" invariant with an atomic replacement rule, and
// dispatches the control-channel frame stream to the daemon-side registry.
package sshmux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/frame"
	"github.com/agentbox/agentboxd/internal/portforward"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ControlChannelGracePeriod bounds how long the manager waits for a newly
// accepted SSH connection to open its control (session) channel before
// giving up and closing it (spec §4.4).
const ControlChannelGracePeriod = 10 * time.Second

// Manager owns every live Connection and is the sole authority on the
// "at most one live connection per name" invariant (spec §3).
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Connection

	registry *control.Registry
	observer LifecycleObserver
	allow    *portforward.AllowSet
	remotes  *portforward.RemoteRegistry
	bindAddrs *bindAddresses

	sshConfig *ssh.ServerConfig
	listener  net.Listener

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager. registry is the daemon-side fixed handler
// set (spec §4.8); observer receives synthetic connect/disconnect
// notifications.
func NewManager(registry *control.Registry, observer LifecycleObserver) (*Manager, error) {
	cfg, err := newServerConfig()
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Manager{
		conns:     make(map[string]*Connection),
		registry:  registry,
		observer:  observer,
		allow:     portforward.NewAllowSet(),
		remotes:   portforward.NewRemoteRegistry(),
		bindAddrs: newBindAddresses(),
		sshConfig: cfg,
		shutdown:  make(chan struct{}),
	}, nil
}

// AllowSet exposes the daemon-wide local-forward allow-list so the local
// control socket's handlers (C7) can grant/revoke host ports.
func (m *Manager) AllowSet() *portforward.AllowSet { return m.allow }

// RemoteRegistry exposes the daemon-wide remote-port-ownership registry.
func (m *Manager) RemoteRegistry() *portforward.RemoteRegistry { return m.remotes }

// Listen starts accepting SSH connections on a Unix-socket endpoint. It
// returns once the listener is bound; accepting runs in a background
// goroutine until Shutdown is called or Accept fails.
func (m *Manager) Listen(socketPath string) error {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("sshmux: listen on %s: %w", socketPath, err)
	}
	m.listener = l

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
				log.WithError(err).Error("sshmux: accept failed")
				return
			}
		}
		m.wg.Add(1)
		go m.handleRawConn(conn)
	}
}

func (m *Manager) handleRawConn(conn net.Conn) {
	defer m.wg.Done()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, m.sshConfig)
	if err != nil {
		log.WithError(err).Debug("sshmux: handshake failed")
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	name := sshConn.User()
	log.WithField("container", name).Info("sshmux: container connected")

	controlCh, err := m.awaitControlChannel(name, chans)
	if err != nil {
		log.WithError(err).WithField("container", name).Warn("sshmux: no control channel opened in time")
		sshConn.Close()
		// Drain any remaining direct-tcpip attempts so the channel goroutine exits.
		for nc := range chans {
			nc.Reject(ssh.ConnectionFailed, "control channel never opened")
		}
		return
	}

	c := newConnection(name, sshConn, controlCh)
	m.admit(c)
	m.observer.OnConnect(name, c)

	go m.serveDirectTCPIP(c, chans)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.startKeepalive(c)
	}()
	m.dispatchLoop(c)

	// Only clean up state keyed by name if c is still (was still, until
	// just now) the current connection for it: a replacement may have
	// already taken over (admit closed c's transport but a fresh
	// Connection is now live under the same name), in which case this
	// teardown must not touch the new connection's remote-port claims,
	// stream cache, or container state.
	if m.remove(name, c) {
		m.remotes.ReleaseAll(name)
		m.allow.RevokeAll(name)
		m.observer.OnDisconnect(name)
	}
	c.Close()
	log.WithField("container", name).Info("sshmux: container disconnected")
}

// awaitControlChannel waits for the first "session" channel the client
// opens, within the grace period, rejecting anything else that arrives
// first (there should be nothing else before the control channel).
func (m *Manager) awaitControlChannel(name string, chans <-chan ssh.NewChannel) (ssh.Channel, error) {
	timer := time.NewTimer(ControlChannelGracePeriod)
	defer timer.Stop()

	for {
		select {
		case nc, ok := <-chans:
			if !ok {
				return nil, fmt.Errorf("connection closed before control channel opened")
			}
			if nc.ChannelType() != "session" {
				nc.Reject(ssh.UnknownChannelType, "expected session channel first")
				continue
			}
			ch, reqs, err := nc.Accept()
			if err != nil {
				return nil, err
			}
			go ssh.DiscardRequests(reqs)
			return ch, nil
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for control channel")
		}
	}
}

// serveDirectTCPIP handles every subsequent direct-tcpip channel the
// container opens for local-direction forward traffic.
func (m *Manager) serveDirectTCPIP(c *Connection, chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go c.handleDirectTCPIP(m.allow, nc)
	}
}

// dispatchLoop reads frames off the control channel and dispatches them
// serially, in arrival order, per spec §4.2/§5.
func (m *Manager) dispatchLoop(c *Connection) {
	r := frame.NewReader(c.channel)
	for {
		var msg control.Message
		if err := r.ReadFrame(&msg); err != nil {
			log.WithError(err).WithField("container", c.Name).Debug("sshmux: control channel read ended")
			return
		}
		control.Dispatch(m.registry, c.Corr, msg, c, c.Name, c)
	}
}

// admit installs c, atomically replacing and closing any prior connection
// with the same name first (spec §4.4 replacement rule).
func (m *Manager) admit(c *Connection) {
	m.mu.Lock()
	old, exists := m.conns[c.Name]
	m.conns[c.Name] = c
	m.mu.Unlock()

	if exists {
		log.WithField("container", c.Name).Info("sshmux: superseding existing connection")
		old.Close()
	}
}

// remove deletes c from the registry iff it is still the current
// connection for its name (a replacement may have already taken over),
// reporting whether it did so the caller can gate name-keyed cleanup on
// the same identity check rather than running it unconditionally.
func (m *Manager) remove(name string, c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[name]; ok && cur == c {
		delete(m.conns, name)
		return true
	}
	return false
}

// Get returns the current connection for name, if any, through a locked
// accessor (spec §3: the manager exclusively owns Connection objects).
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	return c, ok
}

// Names returns a snapshot of every currently connected container name.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for name := range m.conns {
		out = append(out, name)
	}
	return out
}

// Count returns the number of live connections, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Request issues a correlated request to container and blocks for its
// response or until ctx is done. Returns a control.KindNotConnected error
// if no such container is connected.
func (m *Manager) Request(ctx context.Context, container, typ string, payload any) (control.Message, error) {
	c, ok := m.Get(container)
	if !ok {
		return control.Message{}, control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}
	return c.Request(ctx, typ, payload)
}

// SendEvent fires an event at container, if connected.
func (m *Manager) SendEvent(container, typ string, payload any) error {
	c, ok := m.Get(container)
	if !ok {
		return control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}
	return c.SendEvent(typ, payload)
}

// Shutdown stops accepting new connections, closes every live connection,
// and waits for all per-connection goroutines to drain (spec §4.4).
func (m *Manager) Shutdown() {
	close(m.shutdown)
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
}
