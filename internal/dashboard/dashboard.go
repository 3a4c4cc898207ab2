// Package dashboard streams a Ctx's live progress to any number of
// WebSocket subscribers, generalizing the teacher's peer-hub broadcast
// pattern from "peers in a session" to "subscribers of one transfer".
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multireplica/xcp/pkg/xcp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber is one connected WebSocket client and its outbound queue.
type subscriber struct {
	send chan xcp.Snapshot
}

// Hub broadcasts a Ctx's Snapshot to every connected subscriber at a fixed
// interval, in the mutex-guarded-registry-plus-buffered-channel style of
// the teacher's session peer hub.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	log         *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		log:         log,
	}
}

// Run polls ctx.Snapshot every interval and broadcasts it until stop is
// closed.
func (h *Hub) Run(ctx *xcp.Ctx, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.broadcast(ctx.Snapshot())
		}
	}
}

func (h *Hub) broadcast(snap xcp.Snapshot) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- snap:
		default:
			// Slow subscriber; drop this update rather than block the
			// broadcaster.
		}
	}
}

// ServeHTTP upgrades the connection and streams snapshots to it until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("dashboard: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s := &subscriber{send: make(chan xcp.Snapshot, 16)}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	// s.send is never closed: broadcast sends to it from a different
	// goroutine under h.mu's read lock, and closing here while a send is
	// in flight would panic. The loop below exits via the write error
	// return instead, and the channel is left for GC once unreachable.
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, s)
		h.mu.Unlock()
	}()

	for snap := range s.send {
		payload, err := json.Marshal(snap)
		if err != nil {
			h.log.Warn("dashboard: marshal snapshot", "err", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
