package sshmux

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/frame"
	"golang.org/x/crypto/ssh"
)

// testClient dials the manager's Unix-socket SSH listener as a given
// container name and opens the control (session) channel, returning a
// frame.Reader/Writer pair over it.
type testClient struct {
	conn    ssh.Conn
	channel ssh.Channel
}

func dialTestClient(t *testing.T, socketPath, name string) *testClient {
	t.Helper()
	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	cfg := &ssh.ClientConfig{
		User:            name,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, socketPath, cfg)
	if err != nil {
		t.Fatalf("ssh handshake: %v", err)
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			nc.Reject(ssh.UnknownChannelType, "test client accepts no channels")
		}
	}()

	ch, reqCh, err := sshConn.OpenChannel("session", nil)
	if err != nil {
		t.Fatalf("open session channel: %v", err)
	}
	go ssh.DiscardRequests(reqCh)

	return &testClient{conn: sshConn, channel: ch}
}

func (tc *testClient) close() {
	tc.conn.Close()
}

func TestManagerConnectAndPing(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ssh.sock")

	pingCalls := 0
	registry := control.NewRegistry(map[string]control.RequestHandler{
		"ping": func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
			pingCalls++
			return map[string]bool{"ok": true}, nil
		},
	}, nil)

	obs := &recordingObserver{}

	m, err := NewManager(registry, obs)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer m.Shutdown()

	client := dialTestClient(t, sockPath, "web")
	defer client.close()

	// Give the manager a moment to admit the connection.
	waitUntil(t, func() bool { return m.Count() == 1 })

	msg, err := control.NewRequest("req-1", "ping", map[string]any{})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := frame.WriteTo(client.channel, msg); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	r := frame.NewReader(client.channel)
	var resp control.Message
	if err := r.ReadFrame(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != "req-1" {
		t.Fatalf("got response id %q, want req-1", resp.ID)
	}
	if pingCalls != 1 {
		t.Fatalf("expected ping handler invoked once, got %d", pingCalls)
	}

	connected := obs.connectedSnapshot()
	if len(connected) != 1 || connected[0] != "web" {
		t.Fatalf("expected OnConnect(web), got %v", connected)
	}

	client.close()
	waitUntil(t, func() bool { return m.Count() == 0 })

	disconnected := obs.disconnectedSnapshot()
	if len(disconnected) != 1 || disconnected[0] != "web" {
		t.Fatalf("expected OnDisconnect(web), got %v", disconnected)
	}
}

func TestManagerReplacesExistingConnectionWithSameName(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ssh.sock")

	registry := control.NewRegistry(nil, nil)
	obs := &recordingObserver{}

	m, err := NewManager(registry, obs)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer m.Shutdown()

	first := dialTestClient(t, sockPath, "web")
	waitUntil(t, func() bool { return m.Count() == 1 })

	second := dialTestClient(t, sockPath, "web")
	waitUntil(t, func() bool { return len(obs.connectedSnapshot()) == 2 })

	// The first connection must have been closed by the replacement, but
	// its teardown must not fire a synthetic OnDisconnect("web") for the
	// name the new, live connection now owns.
	if m.Count() != 1 {
		t.Fatalf("expected exactly one live connection after replacement, got %d", m.Count())
	}
	time.Sleep(50 * time.Millisecond)
	if len(obs.disconnectedSnapshot()) != 0 {
		t.Fatalf("expected no OnDisconnect from the superseded connection's teardown, got %v", obs.disconnectedSnapshot())
	}
	_ = first // already closed by the manager; nothing further to do with it.

	second.close()
	waitUntil(t, func() bool { return len(obs.disconnectedSnapshot()) == 1 })
}

func TestManagerRevokesAllowSetOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ssh.sock")

	registry := control.NewRegistry(nil, nil)
	m, err := NewManager(registry, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer m.Shutdown()

	client := dialTestClient(t, sockPath, "web")
	waitUntil(t, func() bool { return m.Count() == 1 })

	m.AllowSet().Allow(4000, "web")
	if !m.AllowSet().AllowedFor(4000, "web") {
		t.Fatal("expected host port 4000 to be allowed for web")
	}

	client.close()
	waitUntil(t, func() bool { return m.Count() == 0 })
	waitUntil(t, func() bool { return !m.AllowSet().Allowed(4000) })
}

type recordingObserver struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (r *recordingObserver) OnConnect(name string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, name)
}

func (r *recordingObserver) OnDisconnect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, name)
}

func (r *recordingObserver) connectedSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...)
}

func (r *recordingObserver) disconnectedSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
