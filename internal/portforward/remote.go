package portforward

import (
	"context"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
)

// PrivilegedPortCeiling is the boundary below which host ports must be
// rejected before any bind is attempted (spec §6).
const PrivilegedPortCeiling = 1024

// ValidateHostPort enforces the privileged-port rule.
func ValidateHostPort(port int) error {
	if port < PrivilegedPortCeiling {
		return fmt.Errorf("host port %d is below %d, refusing to bind a privileged port without root", port, PrivilegedPortCeiling)
	}
	return nil
}

// ChannelDialer opens a new stream toward the container's side of a
// remote-direction forward, targeting containerPort. sshmux.Connection
// implements this by opening a new SSH channel; keeping the interface here
// avoids a dependency from portforward back onto sshmux.
type ChannelDialer interface {
	DialContainerPort(ctx context.Context, containerPort int) (io.ReadWriteCloser, error)
}

// RemoteBinding is one remote-direction forward's live TCP listeners, one
// per address in the BindAddressSet at install time.
type RemoteBinding struct {
	HostPort      int
	ContainerPort int
	dialer        ChannelDialer
	listeners     []net.Listener
}

// StartRemoteBinding opens a TCP listener on hostPort for every address in
// addrs. If any bind fails, every listener already opened is closed and the
// error is returned (spec §4.3: "fail the install and release any partial
// binds").
func StartRemoteBinding(addrs []string, hostPort, containerPort int, dialer ChannelDialer) (*RemoteBinding, error) {
	if err := ValidateHostPort(hostPort); err != nil {
		return nil, err
	}

	rb := &RemoteBinding{HostPort: hostPort, ContainerPort: containerPort, dialer: dialer}
	for _, addr := range addrs {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, hostPort))
		if err != nil {
			rb.Close()
			return nil, fmt.Errorf("bind %s:%d: %w", addr, hostPort, err)
		}
		rb.listeners = append(rb.listeners, l)
	}

	for _, l := range rb.listeners {
		go rb.acceptLoop(l)
	}
	return rb, nil
}

func (rb *RemoteBinding) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.WithError(err).WithField("host_port", rb.HostPort).Debug("portforward: listener closed")
			return
		}
		go rb.splice(conn)
	}
}

func (rb *RemoteBinding) splice(conn net.Conn) {
	defer conn.Close()

	upstream, err := rb.dialer.DialContainerPort(context.Background(), rb.ContainerPort)
	if err != nil {
		log.WithError(err).WithField("container_port", rb.ContainerPort).Warn("portforward: failed to open channel to container")
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

// Close closes every listener backing this binding. In-flight spliced
// connections are cut rather than drained (spec §4.3: acceptable).
func (rb *RemoteBinding) Close() {
	for _, l := range rb.listeners {
		l.Close()
	}
}
