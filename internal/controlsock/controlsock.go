// Package controlsock implements the local control socket (C7): a
// filesystem-permission-restricted Unix socket that accepts one
// newline-delimited JSON request per connection from host CLI tools and
// replies with exactly one JSON response before closing (spec §4.7).
package controlsock

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReadTimeout bounds how long the server waits for the first newline of a
// request (spec §4.7: "about 5 s for the first newline").
const ReadTimeout = 5 * time.Second

// WriteTimeout bounds how long the server spends writing its single
// response before giving up on a stuck peer.
const WriteTimeout = 5 * time.Second

// socketMode restricts the control socket to its owner, per spec §6 ("owner-only, 0600").
const socketMode = 0600

// Handler answers one decoded request, returning the value to encode as
// the JSON response body. A returned error is rendered as
// {"ok": false, "error": err.Error()}.
type Handler func(req Request) (any, error)

// Request is one decoded local-socket request (spec §4.7: "{action:
// string, ...}").
type Request struct {
	Action string
	Raw    json.RawMessage
}

// Server accepts local control-socket connections and dispatches each
// request to the handler registered for its action.
type Server struct {
	socketPath string
	handlers   map[string]Handler
	listener   net.Listener
	shutdown   chan struct{}
}

// New builds a Server with a fixed action table. handlers is copied so a
// caller mutating it afterward has no effect, matching C2's immutable
// registry discipline (spec §4.2).
func New(socketPath string, handlers map[string]Handler) *Server {
	h := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		h[k] = v
	}
	return &Server{socketPath: socketPath, handlers: h, shutdown: make(chan struct{})}
}

// Listen removes any stale socket file, binds a fresh one at owner-only
// permissions, and starts accepting connections. It returns once the
// listener is ready; accept runs in the background.
func (s *Server) Listen() error {
	os.Remove(s.socketPath)

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		l.Close()
		return err
	}
	s.listener = l

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.WithError(err).Error("controlsock: accept failed")
				return
			}
		}
		go s.handle(conn)
	}
}

// handle services exactly one request on conn, per spec §4.7's "one
// request per connection, then close" protocol. Each connection gets its
// own goroutine so a slow handler never blocks the accept loop.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		return
	}
	line := scanner.Bytes()

	trimmed := trimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	resp := s.dispatch(trimmed)

	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	body, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("controlsock: failed to encode response")
		return
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		log.WithError(err).Debug("controlsock: failed to write response")
	}
}

func (s *Server) dispatch(line []byte) map[string]any {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return map[string]any{"ok": false, "error": "invalid_json"}
	}
	if envelope.Action == "" {
		return map[string]any{"ok": false, "error": "missing_action"}
	}

	handler, ok := s.handlers[envelope.Action]
	if !ok {
		return map[string]any{"ok": false, "error": "unknown_action"}
	}

	result, err := safeInvoke(handler, Request{Action: envelope.Action, Raw: json.RawMessage(line)})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	return mergeOK(result)
}

func safeInvoke(h Handler, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("action", req.Action).Error("controlsock: handler panicked")
			err = errPanicked(r)
		}
	}()
	return h(req)
}

// mergeOK folds a handler's result into a map carrying "ok": true so every
// successful response shares the {"ok": ..., ...} envelope shape (spec
// §8 scenario 1: {"ok":true,"message":"..."}), without forcing every
// handler to remember to set it.
func mergeOK(result any) map[string]any {
	out := map[string]any{"ok": true}
	switch v := result.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	default:
		out["data"] = v
	}
	return out
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// Shutdown stops accepting new connections and removes the socket file.
func (s *Server) Shutdown() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socketPath)
}
