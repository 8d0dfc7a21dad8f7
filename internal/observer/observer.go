// Package observer implements the read-only dashboard feed of
// SPEC_FULL.md §4: a lightweight WebSocket endpoint that streams peer
// registry snapshots, using github.com/gobwas/ws rather than
// gorilla/websocket so the observer path stays on the lower-level,
// allocation-light library the pack's go-server-2/go-server-3 variants
// use for their own status feeds — distinct from the fallback
// transport's gorilla/websocket, which needs its richer read/write
// deadline and control-frame helpers for a bidirectional RPC link.
package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
)

// Source supplies the snapshot the feed broadcasts.
type Source interface {
	Snapshot() []model.PeerRecord
}

// Hub accepts observer connections and pushes a peer snapshot to each one
// on a fixed interval.
type Hub struct {
	source Source
	log    *logging.Logger
	period time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewHub constructs a Hub that polls source every period (a few seconds
// is typical; this is a dashboard feed, not a low-latency control path).
func NewHub(source Source, log *logging.Logger, period time.Duration) *Hub {
	return &Hub{source: source, log: log, period: period, conns: make(map[net.Conn]struct{})}
}

// ServeHTTP upgrades the request to a raw WebSocket connection via
// gobwas/ws's zero-copy upgrader and registers it for broadcast.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Warn("observer upgrade failed", "err", err.Error())
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	go h.drainUntilClosed(conn)
}

// drainUntilClosed discards any client frames (the feed is one-way) and
// deregisters the connection once the client disconnects.
func (h *Hub) drainUntilClosed(conn net.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

// Run broadcasts a snapshot to every connected observer every period,
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	data, err := json.Marshal(h.source.Snapshot())
	if err != nil {
		h.log.Warn("observer: failed to marshal snapshot", "err", err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
			h.log.Warn("observer: write failed, dropping connection", "err", err.Error())
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, conn)
	}
}
