package bus

import (
	"log/slog"
	"testing"

	"github.com/eclipse/paho.golang/autopaho"

	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/state"
)

func newTestBus(buf int) (*Bus, *state.Store) {
	states := state.New(state.Options{})
	b := New(config.BusConfig{OutboundBuffer: buf}, codec.NewRegistry(), states, slog.Default())
	return b, states
}

func TestHandleMessageAppliesEvent(t *testing.T) {
	b, states := newTestBus(0)
	b.handleMessage("home/garage/door/status", []byte("open"))

	dev, ok := states.SnapshotDevice(codec.DeviceGarage)
	if !ok {
		t.Fatal("garage controller not created from door status")
	}
	if dev.Door == nil || dev.Door.State != "open" {
		t.Errorf("door = %+v, want open", dev.Door)
	}
}

func TestHandleMessageCountsDecodeErrors(t *testing.T) {
	b, states := newTestBus(0)
	b.handleMessage("home/garage/door/status", []byte("sideways"))
	b.handleMessage("home/garage/weather/temperature", []byte("not-a-number"))

	if got := b.DecodeErrors(); got != 2 {
		t.Errorf("decode errors = %d, want 2", got)
	}
	if _, ok := states.SnapshotDevice(codec.DeviceGarage); ok {
		t.Error("malformed messages must not create device state")
	}
}

func TestHandleMessageIgnoresForeignTopics(t *testing.T) {
	b, _ := newTestBus(0)
	b.handleMessage("zigbee2mqtt/bridge/state", []byte("online"))

	if got := b.DecodeErrors(); got != 0 {
		t.Errorf("foreign topic counted as decode error: %d", got)
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	b, _ := newTestBus(0)
	cmd, err := codec.EncodeCommand(codec.CmdDoor, "open")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(cmd); err != ErrNotConnected {
		t.Errorf("Publish before Start = %v, want ErrNotConnected", err)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b, _ := newTestBus(2)
	b.cm = &autopaho.ConnectionManager{} // queue checks only need non-nil

	for _, arg := range []string{"open", "close", "toggle"} {
		cmd, _ := codec.EncodeCommand(codec.CmdDoor, arg)
		if err := b.Publish(cmd); err != nil {
			t.Fatalf("publish %s: %v", arg, err)
		}
	}
	if got := b.DroppedOutbound(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	// Oldest went away; the two newest remain in order.
	first := <-b.outbound
	second := <-b.outbound
	if string(first.Payload) != "close" || string(second.Payload) != "toggle" {
		t.Errorf("queue = %s, %s; want close, toggle", first.Payload, second.Payload)
	}
}
