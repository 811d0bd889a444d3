package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"emissionguard/internal/logging"
	"emissionguard/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	clientBuffer = 8
)

// SnapshotSource resolves the current state of a monitored vehicle.
type SnapshotSource interface {
	Get(vehicleID string) (model.Snapshot, bool)
}

// Hub streams vehicle snapshots to websocket clients. It is registered with
// the event dispatcher and pushes a fresh snapshot after every event of the
// vehicle a client watches.
type Hub struct {
	source   SnapshotSource
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn      *websocket.Conn
	vehicleID string
	send      chan model.Snapshot
	done      chan struct{}
	once      sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewHub(source SnapshotSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		source: source,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string {
	return "websocket"
}

func (h *Hub) Handle(_ context.Context, ev model.Event) error {
	if ev.VehicleID == "" || !h.watched(ev.VehicleID) {
		return nil
	}
	snap, ok := h.source.Get(ev.VehicleID)
	if !ok {
		return nil
	}
	h.broadcast(snap)
	return nil
}

func (h *Hub) watched(vehicleID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.vehicleID == vehicleID {
			return true
		}
	}
	return false
}

// broadcast queues snap for every client of its vehicle. A client whose queue
// is full misses this snapshot; the next one supersedes it anyway.
func (h *Hub) broadcast(snap model.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.vehicleID != snap.VehicleID {
			continue
		}
		select {
		case c.send <- snap:
		default:
			h.logger.Debug("client queue full, skipping snapshot", "vehicle_id", snap.VehicleID)
		}
	}
}

// Serve upgrades the request and streams snapshots of vehicleID until the
// client goes away or the hub is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, vehicleID string) {
	snap, ok := h.source.Get(vehicleID)
	if !ok {
		writeError(w, http.StatusNotFound, "vehicle is not monitored")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", "err", err)
		return
	}
	c := &client{
		conn:      conn,
		vehicleID: vehicleID,
		send:      make(chan model.Snapshot, clientBuffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "vehicle_id", vehicleID, "remote_addr", r.RemoteAddr)

	c.send <- snap
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.remove(c)
	for {
		select {
		case <-c.done:
			return
		case snap := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(snap); err != nil {
				h.logger.Warn("failed to send snapshot", "vehicle_id", c.vehicleID, "err", err)
				return
			}
		}
	}
}

// readLoop only watches for the client going away.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "vehicle_id", c.vehicleID, "err", err)
			}
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// CloseVehicle disconnects every client watching vehicleID.
func (h *Hub) CloseVehicle(vehicleID string) {
	h.mu.Lock()
	var drop []*client
	for c := range h.clients {
		if c.vehicleID == vehicleID {
			drop = append(drop, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
	for _, c := range drop {
		c.close()
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
