package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/state"
)

type frame struct {
	Type     string          `json:"type"`
	Group    string          `json:"group"`
	DeviceID string          `json:"device_id"`
	Devices  json.RawMessage `json:"devices"`
	Data     json.RawMessage `json:"data"`
	Alerts   json.RawMessage `json:"alerts"`
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return f
}

func applyTopic(t *testing.T, states *state.Store, topic, payload string) {
	t.Helper()
	ev, err := codec.NewRegistry().Decode(topic, []byte(payload), time.Now())
	if err != nil {
		t.Fatalf("decode %s: %v", topic, err)
	}
	states.Apply(ev)
}

func TestSnapshotOnConnect(t *testing.T) {
	states := state.New(state.Options{})
	applyTopic(t, states, "home/garage/door/status", "open")

	h := NewHub(states, slog.Default())
	conn := dialHub(t, h)

	f := readFrame(t, conn)
	if f.Type != "snapshot" {
		t.Fatalf("first frame type = %s, want snapshot", f.Type)
	}
	var devices map[string]state.DeviceState
	if err := json.Unmarshal(f.Devices, &devices); err != nil {
		t.Fatalf("devices: %v", err)
	}
	dev, ok := devices[codec.DeviceGarage]
	if !ok || dev.Door == nil || dev.Door.State != "open" {
		t.Errorf("snapshot devices = %+v, want garage door open", devices)
	}
}

func TestSnapshotIncludesActiveAlerts(t *testing.T) {
	states := state.New(state.Options{})
	h := NewHub(states, slog.Default())
	h.ActiveAlerts = func() any {
		return []map[string]string{{"code": "city_power_offline"}}
	}
	conn := dialHub(t, h)

	f := readFrame(t, conn)
	if f.Type != "snapshot" {
		t.Fatalf("first frame type = %s, want snapshot", f.Type)
	}
	if !strings.Contains(string(f.Alerts), "city_power_offline") {
		t.Errorf("snapshot alerts = %s, want the active set", f.Alerts)
	}
}

func TestClientPingAnsweredWithPong(t *testing.T) {
	states := state.New(state.Options{})
	h := NewHub(states, slog.Default())
	conn := dialHub(t, h)
	readFrame(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "pong" {
		t.Errorf("frame type = %s, want pong", f.Type)
	}
}

func TestFlushCoalescesPerGroup(t *testing.T) {
	states := state.New(state.Options{})
	h := NewHub(states, slog.Default())
	conn := dialHub(t, h)
	readFrame(t, conn) // snapshot

	// Burst of weather readings dirties one group once.
	for _, v := range []string{"70.1", "70.2", "70.3"} {
		for _, c := range states.Apply(mustDecode(t, "home/garage/weather/temperature", v)) {
			h.mark(c)
		}
	}
	h.flush()

	seen := map[string]int{}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		seen[f.Group]++
	}
	if seen[GroupWeather] != 1 {
		t.Errorf("weather frames = %d, want exactly 1 after coalescing", seen[GroupWeather])
	}
}

func mustDecode(t *testing.T, topic, payload string) codec.Event {
	t.Helper()
	ev, err := codec.NewRegistry().Decode(topic, []byte(payload), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestBroadcastAlerts(t *testing.T) {
	states := state.New(state.Options{})
	h := NewHub(states, slog.Default())
	conn := dialHub(t, h)
	readFrame(t, conn) // snapshot

	h.BroadcastAlerts([]map[string]string{{"code": "city_power_offline"}})

	f := readFrame(t, conn)
	if f.Type != "update" || f.Group != GroupAlerts {
		t.Fatalf("frame = %+v, want alerts update", f)
	}
	if !strings.Contains(string(f.Alerts), "city_power_offline") {
		t.Errorf("alerts payload = %s", f.Alerts)
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	states := state.New(state.Options{})
	h := NewHub(states, slog.Default())

	// A client that never drains its queue.
	c := &client{hub: h, conn: nil, send: make(chan []byte, 1), remote: "test"}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.broadcast([]byte("a"))
	h.broadcast([]byte("b"))

	if got := h.ClientCount(); got != 0 {
		t.Errorf("clients = %d, want slow consumer dropped", got)
	}
	if c.closeReason != "slow consumer" {
		t.Errorf("close reason = %q, want slow consumer", c.closeReason)
	}
	// Queue was closed so the write pump would exit.
	if _, ok := <-c.send; !ok {
		t.Fatal("expected the queued frame before close")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after drop")
	}
}
