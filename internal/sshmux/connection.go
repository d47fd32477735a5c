package sshmux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/frame"
	"github.com/agentbox/agentboxd/internal/portforward"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// forwardedTCPIPPayload mirrors RFC 4254 §7.2's forwarded-tcpip channel
// open payload: the daemon (acting as SSH server) opens one of these
// toward the container (acting as SSH client) whenever a remote-direction
// listener accepts an inbound connection.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// directTCPIPPayload mirrors RFC 4254 §7.2's direct-tcpip channel open
// payload: the container opens one of these toward the daemon for
// local-direction forwards, asking the daemon to connect to Addr:Port on
// its side (the host's host_port).
type directTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Connection is one live container's SSH session (spec §3 Connection).
// It is owned exclusively by Manager; callers outside this package only
// ever see it through Manager's locked accessors.
type Connection struct {
	Name       string
	AcceptedAt time.Time

	sshConn   *ssh.ServerConn
	channel   ssh.Channel
	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	Corr     *control.Correlator
	Forwards *portforward.ConnRegistry

	remoteMu  sync.Mutex
	remote    map[int]*portforward.RemoteBinding // host_port -> binding, remote-direction only
}

func newConnection(name string, sshConn *ssh.ServerConn, channel ssh.Channel) *Connection {
	return &Connection{
		Name:       name,
		AcceptedAt: time.Now(),
		sshConn:    sshConn,
		channel:    channel,
		closed:     make(chan struct{}),
		Corr:       control.NewCorrelator(),
		Forwards:   portforward.NewConnRegistry(),
		remote:     make(map[int]*portforward.RemoteBinding),
	}
}

// Send writes msg as a frame on the control channel. It is safe for
// concurrent use (spec §4.4: writes happen without holding the registry
// lock, but must still be serialized against each other on one channel).
func (c *Connection) Send(msg control.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return frame.WriteTo(c.channel, msg)
}

// SendEvent implements control.Context.
func (c *Connection) SendEvent(typ string, payload any) error {
	msg, err := control.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Request sends a request and blocks for a correlated response or until
// deadline fires. Every outbound request carries an explicit deadline
// (spec §5); callers must supply one.
func (c *Connection) Request(ctx context.Context, typ string, payload any) (control.Message, error) {
	id := uuid.NewString()
	c.Corr.NewWaiter(id)

	msg, err := control.NewRequest(id, typ, payload)
	if err != nil {
		return control.Message{}, err
	}
	if err := c.Send(msg); err != nil {
		return control.Message{}, err
	}
	return c.Corr.Wait(ctx, id)
}

// DialContainerPort implements portforward.ChannelDialer: it opens a
// forwarded-tcpip channel toward the container, per RFC 4254, targeting
// containerPort. The container's agent is expected to connect the channel's
// data to a local listener on containerPort.
func (c *Connection) DialContainerPort(ctx context.Context, containerPort int) (io.ReadWriteCloser, error) {
	payload := ssh.Marshal(forwardedTCPIPPayload{
		Addr:       "0.0.0.0",
		Port:       uint32(containerPort),
		OriginAddr: "agentboxd",
		OriginPort: 0,
	})

	ch, reqs, err := c.sshConn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return nil, fmt.Errorf("open forwarded-tcpip channel to %s: %w", c.Name, err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// handleDirectTCPIP services one inbound direct-tcpip channel from the
// container (a local-direction forward's data path): it checks the
// allow-set for the requested host port and, if granted, dials it locally
// and splices.
func (c *Connection) handleDirectTCPIP(allow *portforward.AllowSet, nc ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	hostPort := int(payload.Port)
	if !allow.AllowedFor(hostPort, c.Name) {
		nc.Reject(ssh.Prohibited, "host port not in allow-set for this connection")
		return
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		log.WithError(err).WithField("container", c.Name).Warn("sshmux: failed to accept direct-tcpip channel")
		return
	}
	go ssh.DiscardRequests(reqs)
	defer ch.Close()

	upstream, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		log.WithError(err).WithField("host_port", hostPort).Warn("sshmux: failed to dial local forward target")
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, ch); done <- struct{}{} }()
	go func() { io.Copy(ch, upstream); done <- struct{}{} }()
	<-done
}

// Close tears down the SSH transport and fails every pending waiter. Safe
// to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.Corr.CloseAll()
		c.sshConn.Close()

		c.remoteMu.Lock()
		for _, rb := range c.remote {
			rb.Close()
		}
		c.remote = nil
		c.remoteMu.Unlock()
	})
}

// Done reports a channel closed when this connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// addRemoteBinding records a started remote-direction listener so Close
// can tear it down.
func (c *Connection) addRemoteBinding(hostPort int, rb *portforward.RemoteBinding) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	c.remote[hostPort] = rb
}

// removeRemoteBinding drops and closes a previously started remote
// binding, if present.
func (c *Connection) removeRemoteBinding(hostPort int) {
	c.remoteMu.Lock()
	rb, ok := c.remote[hostPort]
	delete(c.remote, hostPort)
	c.remoteMu.Unlock()
	if ok {
		rb.Close()
	}
}
