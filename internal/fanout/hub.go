// Package fanout pushes state updates to WebSocket clients. Changes
// are coalesced per (device, group) on a short tick so a chatty sensor
// costs each client at most one frame per tick.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvids-nest/iris/internal/state"
)

const (
	coalesceInterval = 100 * time.Millisecond

	pingInterval = 30 * time.Second
	// Two missed pongs close the connection.
	pongWait = 2*pingInterval + 5*time.Second

	writeWait = 10 * time.Second

	// sendQueueSize frames may queue per client before it is dropped
	// as a slow consumer.
	sendQueueSize = 64
)

// Groups a client sees in update frames.
const (
	GroupDoor    = "door"
	GroupLight   = "light"
	GroupWeather = "weather"
	GroupFreezer = "freezer"
	GroupAlerts  = "alerts"
)

type groupKey struct {
	deviceID string
	group    string
}

// Hub tracks connected clients and broadcasts coalesced updates.
type Hub struct {
	states *state.Store
	logger *slog.Logger

	// ActiveAlerts, when set, supplies the alert set included in the
	// on-connect snapshot so a reconnecting client does not wait for the
	// next transition. Set before serving.
	ActiveAlerts func() any

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	dirty   map[groupKey]struct{}
}

// NewHub creates a hub over states.
func NewHub(states *state.Store, logger *slog.Logger) *Hub {
	return &Hub{
		states: states,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards are served from other origins on the
			// home network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		dirty:   make(map[groupKey]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection, sends a full snapshot, and streams
// updates until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("fanout upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		remote: r.RemoteAddr,
	}

	frame := map[string]any{
		"type":    "snapshot",
		"devices": h.states.SnapshotAll(),
	}
	if h.ActiveAlerts != nil {
		frame["alerts"] = h.ActiveAlerts()
	}
	snapshot, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("fanout snapshot marshal failed", "error", err)
		conn.Close()
		return
	}
	c.send <- snapshot

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("fanout client connected", "remote", c.remote, "clients", n)

	go c.writePump()
	go c.readPump()
}

// Run consumes state changes, marking groups dirty and flushing them
// every coalesce tick, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, changes <-chan state.Change) {
	t := time.NewTicker(coalesceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c, ok := <-changes:
			if !ok {
				h.closeAll()
				return
			}
			h.mark(c)
		case <-t.C:
			h.flush()
		}
	}
}

// BroadcastAlerts pushes the full active alert set to every client.
// Wired to the alert evaluator's change hook.
func (h *Hub) BroadcastAlerts(alerts any) {
	frame, err := json.Marshal(map[string]any{
		"type":   "update",
		"group":  GroupAlerts,
		"alerts": alerts,
	})
	if err != nil {
		h.logger.Error("fanout alerts marshal failed", "error", err)
		return
	}
	h.broadcast(frame)
}

// mark records which (device, group) a change dirties.
func (h *Hub) mark(c state.Change) {
	var group string
	switch c.Kind {
	case state.KindDoor:
		group = GroupDoor
	case state.KindLight:
		group = GroupLight
	case state.KindWeather:
		group = GroupWeather
	case state.KindFreezer:
		group = GroupFreezer
	case state.KindStatus, state.KindPower, state.KindBoot, state.KindDeviceInfo:
		// Device-level changes fan out under the device's own group.
		group = c.DeviceID
	default:
		// Raw readings ride along in the section groups; incidents
		// surface through the alerts group.
		return
	}
	h.mu.Lock()
	h.dirty[groupKey{deviceID: c.DeviceID, group: group}] = struct{}{}
	h.mu.Unlock()
}

// flush builds one frame per dirty key from the current snapshot and
// broadcasts them.
func (h *Hub) flush() {
	h.mu.Lock()
	if len(h.dirty) == 0 {
		h.mu.Unlock()
		return
	}
	keys := make([]groupKey, 0, len(h.dirty))
	for k := range h.dirty {
		keys = append(keys, k)
	}
	h.dirty = make(map[groupKey]struct{})
	h.mu.Unlock()

	for _, k := range keys {
		dev, ok := h.states.SnapshotDevice(k.deviceID)
		if !ok {
			continue
		}
		frame, err := json.Marshal(map[string]any{
			"type":      "update",
			"group":     k.group,
			"device_id": k.deviceID,
			"data":      groupPayload(k.group, dev),
		})
		if err != nil {
			h.logger.Error("fanout frame marshal failed", "group", k.group, "error", err)
			continue
		}
		h.broadcast(frame)
	}
}

// groupPayload selects the slice of device state a group carries.
func groupPayload(group string, dev state.DeviceState) any {
	switch group {
	case GroupDoor:
		return dev.Door
	case GroupLight:
		return dev.Light
	case GroupWeather:
		return dev.Weather
	case GroupFreezer:
		return dev.Freezer
	default:
		return dev
	}
}

// broadcast queues a frame on every client, dropping clients whose
// queue is full.
func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("fanout dropping slow consumer", "remote", c.remote)
		c.closeReason = "slow consumer"
		close(c.send)
	}
}

var pongFrame = []byte(`{"type":"pong"}`)

// enqueuePong answers an application-level ping. Membership is checked
// under the lock so the send cannot race a close of the queue.
func (h *Hub) enqueuePong(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- pongFrame:
	default:
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
	}
}
