// Package wsbridge is a thin adapter showing how an external HTTP/UI
// subscriber (spec §1: out of scope, treated as a sink) would be fed
// stream-cache updates: it registers a streamcache.Subscriber per socket
// and forwards every delivered snapshot as a JSON text frame. The
// dashboard itself is not implemented here (spec §1 non-goal).
package wsbridge

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/agentbox/agentboxd/internal/streamcache"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon serves only loopback UI clients; origin checking is left
	// to whatever reverse proxy fronts it in deployments that need one.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireUpdate is the JSON frame shape pushed to each connected socket.
type wireUpdate struct {
	Container string              `json:"container"`
	Session   string              `json:"session"`
	Snapshot  streamcache.Snapshot `json:"snapshot"`
}

// Handler upgrades one HTTP connection to a websocket and subscribes it to
// a single (container, session) key in cache for the socket's lifetime.
type Handler struct {
	cache *streamcache.Cache
}

// New builds a Handler that serves snapshots out of cache.
func New(cache *streamcache.Cache) *Handler {
	return &Handler{cache: cache}
}

// ServeSession upgrades r to a websocket and streams updates for
// (container, session) until the socket closes.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, container, session string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("wsbridge: upgrade failed")
		return
	}
	defer conn.Close()

	key := streamcache.Key{Container: container, Session: session}

	var writeMu sync.Mutex
	sendSnapshot := func(k streamcache.Key, snap streamcache.Snapshot) {
		writeMu.Lock()
		defer writeMu.Unlock()
		body, err := json.Marshal(wireUpdate{Container: k.Container, Session: k.Session, Snapshot: snap})
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			log.WithError(err).Debug("wsbridge: write failed, socket likely closed")
		}
	}

	if snap, ok := h.cache.Get(key); ok {
		sendSnapshot(key, snap)
	}

	unsubscribe := h.cache.Subscribe(key, streamcache.SubscriberFunc(sendSnapshot))
	defer unsubscribe()

	// Block until the client disconnects; this handler pushes, it never
	// reads application data from the client.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
