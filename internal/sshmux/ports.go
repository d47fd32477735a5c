package sshmux

import (
	"context"
	"sync"

	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/portforward"
)

// PortAddDeadline bounds how long the manager waits for a container to
// acknowledge a port_add/port_remove request before giving up (spec §4.7:
// "10 s deadline").
const PortAddDeadline = control.DefaultPortOpDeadline

// bindAddresses holds the current BindAddressSet (spec §3) under its own
// lock so the overlay-address monitor (C8) can update it independently of
// the connections map.
type bindAddresses struct {
	mu    sync.Mutex
	addrs []string
}

func newBindAddresses() *bindAddresses {
	return &bindAddresses{addrs: []string{"127.0.0.1"}}
}

func (b *bindAddresses) set(addrs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs = append([]string(nil), addrs...)
}

func (b *bindAddresses) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.addrs...)
}

// SetBindAddresses replaces the current BindAddressSet, used by the
// overlay-address monitor when the detected overlay address changes or
// disappears (spec §4.8).
func (m *Manager) SetBindAddresses(addrs []string) { m.bindAddrs.set(addrs) }

// BindAddresses returns the addresses new remote-direction listeners bind
// to.
func (m *Manager) BindAddresses() []string { return m.bindAddrs.get() }

// portAddPayload/portRemovePayload mirror the wire shapes of §6's port_add
// and port_remove control-channel requests.
type portAddPayload struct {
	Direction     string `json:"direction"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port,omitempty"`
	Name          string `json:"name,omitempty"`
}

type portRemovePayload struct {
	Direction string `json:"direction"`
	HostPort  int    `json:"host_port"`
}

// AddHostPort implements the remote-direction half of C7's add_host_port
// action: the daemon listens on hostPort across the current BindAddressSet
// and splices accepted connections into the container's containerPort
// (spec §4.3 "Remote direction"). The container is asked to acknowledge
// the forward first so it can refuse (e.g. containerPort unreachable).
func (m *Manager) AddHostPort(ctx context.Context, container string, hostPort, containerPort int, name string) (portforward.Forward, error) {
	if err := portforward.ValidateHostPort(hostPort); err != nil {
		return portforward.Forward{}, control.Errorf(control.KindInstallFailed, "%v", err)
	}

	c, ok := m.Get(container)
	if !ok {
		return portforward.Forward{}, control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}

	if err := m.remotes.Claim(hostPort, container); err != nil {
		return portforward.Forward{}, control.Errorf(control.KindConflict, "%v", err)
	}

	resp, err := c.Request(ctx, "port_add", portAddPayload{Direction: string(portforward.Remote), HostPort: hostPort, ContainerPort: containerPort, Name: name})
	if err == nil {
		err = control.CheckOK(resp)
	}
	if err != nil {
		m.remotes.Release(hostPort, container)
		return portforward.Forward{}, err
	}

	fwd := portforward.Forward{Name: name, HostPort: hostPort, ContainerPort: containerPort, Direction: portforward.Remote}
	if err := c.Forwards.Install(fwd); err != nil {
		m.remotes.Release(hostPort, container)
		return portforward.Forward{}, control.Errorf(control.KindConflict, "%v", err)
	}

	rb, err := portforward.StartRemoteBinding(m.BindAddresses(), hostPort, containerPort, c)
	if err != nil {
		c.Forwards.Remove(portforward.Remote, hostPort)
		m.remotes.Release(hostPort, container)
		return portforward.Forward{}, control.Errorf(control.KindInstallFailed, "%v", err)
	}
	c.addRemoteBinding(hostPort, rb)

	return fwd, nil
}

// RemoveHostPort tears down a remote-direction forward: it asks the
// container to acknowledge removal, then closes the local listener and
// releases the registry claim (spec §4.3 "Remove: close the listener(s)").
func (m *Manager) RemoveHostPort(ctx context.Context, container string, hostPort int) error {
	c, ok := m.Get(container)
	if !ok {
		return control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}

	resp, err := c.Request(ctx, "port_remove", portRemovePayload{Direction: string(portforward.Remote), HostPort: hostPort})
	if err == nil {
		err = control.CheckOK(resp)
	}
	if err != nil {
		return err
	}

	if _, ok := c.Forwards.Remove(portforward.Remote, hostPort); !ok {
		return control.Errorf(control.KindInvalidInput, "no remote forward installed for host_port %d", hostPort)
	}
	c.removeRemoteBinding(hostPort)
	m.remotes.Release(hostPort, container)
	return nil
}

// AddContainerPort implements the local-direction half of C7's
// add_container_port action: the container is told to open its own
// listener on containerPort and tunnel accepted connections to the
// daemon's hostPort over a direct-tcpip channel; the daemon's only
// responsibility is to allow-list hostPort for this container (spec §4.3
// "Local direction").
func (m *Manager) AddContainerPort(ctx context.Context, container string, hostPort, containerPort int, name string) (portforward.Forward, error) {
	c, ok := m.Get(container)
	if !ok {
		return portforward.Forward{}, control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}

	resp, err := c.Request(ctx, "port_add", portAddPayload{Direction: string(portforward.Local), HostPort: hostPort, ContainerPort: containerPort, Name: name})
	if err == nil {
		err = control.CheckOK(resp)
	}
	if err != nil {
		return portforward.Forward{}, err
	}

	fwd := portforward.Forward{Name: name, HostPort: hostPort, ContainerPort: containerPort, Direction: portforward.Local}
	if err := c.Forwards.Install(fwd); err != nil {
		return portforward.Forward{}, control.Errorf(control.KindConflict, "%v", err)
	}
	m.allow.Allow(hostPort, container)
	return fwd, nil
}

// RemoveContainerPort tears down a local-direction forward's allow-set
// grant and registry entry.
func (m *Manager) RemoveContainerPort(ctx context.Context, container string, hostPort int) error {
	c, ok := m.Get(container)
	if !ok {
		return control.Errorf(control.KindNotConnected, "container %s not connected", container)
	}

	resp, err := c.Request(ctx, "port_remove", portRemovePayload{Direction: string(portforward.Local), HostPort: hostPort})
	if err == nil {
		err = control.CheckOK(resp)
	}
	if err != nil {
		return err
	}

	if _, ok := c.Forwards.Remove(portforward.Local, hostPort); !ok {
		return control.Errorf(control.KindInvalidInput, "no local forward installed for host_port %d", hostPort)
	}
	m.allow.Revoke(hostPort, container)
	return nil
}

// HandleForwardRemoved reconciles daemon-side state when a container
// unilaterally tears down a forward and merely notifies the daemon via a
// forward_removed event, rather than going through RemoveHostPort/
// RemoveContainerPort (original_source behavior, supplemented per
// SPEC_FULL.md: the original only logs this; we keep the registries from
// drifting out of sync with reality).
func (m *Manager) HandleForwardRemoved(container string, direction portforward.Direction, hostPort int) {
	c, ok := m.Get(container)
	if !ok {
		return
	}
	if _, ok := c.Forwards.Remove(direction, hostPort); !ok {
		return
	}
	switch direction {
	case portforward.Remote:
		c.removeRemoteBinding(hostPort)
		m.remotes.Release(hostPort, container)
	case portforward.Local:
		m.allow.Revoke(hostPort, container)
	}
}
