package state

import (
	"strconv"
	"testing"
	"time"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
)

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testBase)
	s := New(Options{OfflineTimeout: 90 * time.Second, Clock: clk})
	return s, clk
}

func mustEvent(t *testing.T, topic, payload string, now time.Time) codec.Event {
	t.Helper()
	ev, err := codec.NewRegistry().Decode(topic, []byte(payload), now)
	if err != nil {
		t.Fatalf("decode %s: %v", topic, err)
	}
	return ev
}

func apply(t *testing.T, s *Store, clk *clock.Fake, topic, payload string) []Change {
	t.Helper()
	return s.Apply(mustEvent(t, topic, payload, clk.Now()))
}

func status(t *testing.T, s *Store, deviceID string) DeviceStatus {
	t.Helper()
	dev, ok := s.SnapshotDevice(deviceID)
	if !ok {
		t.Fatalf("device %s not in store", deviceID)
	}
	return dev.Status
}

func TestAnyMessageMarksOnline(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/garage/weather/temperature", "72.5")
	if got := status(t, s, codec.DeviceGarage); got != StatusOnline {
		t.Fatalf("status = %s, want online", got)
	}
}

func TestStatusAutomaton(t *testing.T) {
	tests := []struct {
		name  string
		steps []struct{ topic, payload string }
		want  DeviceStatus
	}{
		{
			name: "sos wins over telemetry",
			steps: []struct{ topic, payload string }{
				{"home/system/garage-controller/sos", `{"error":"sensor_fault","message":"dht22 dead"}`},
			},
			want: StatusNeedsHelp,
		},
		{
			name: "lwt marks offline",
			steps: []struct{ topic, payload string }{
				{"home/system/garage-controller/status", "running"},
				{"home/system/garage-controller/health", "offline"},
			},
			want: StatusOffline,
		},
		{
			name: "health online recovers",
			steps: []struct{ topic, payload string }{
				{"home/system/garage-controller/health", "offline"},
				{"home/system/garage-controller/health", "online"},
			},
			want: StatusOnline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk := newTestStore(t)
			for _, step := range tt.steps {
				apply(t, s, clk, step.topic, step.payload)
			}
			if got := status(t, s, codec.DeviceGarage); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOTAProgressLatch(t *testing.T) {
	s, clk := newTestStore(t)
	dev := "garage-controller"

	apply(t, s, clk, "home/system/"+dev+"/status", "running")
	apply(t, s, clk, "home/system/"+dev+"/status", "update_received")
	if got := status(t, s, dev); got != StatusUpdating {
		t.Fatalf("after update_received: status = %s, want updating", got)
	}

	// Telemetry during the update must not flip the device back online.
	apply(t, s, clk, "home/garage/weather/temperature", "71.0")
	if got := status(t, s, dev); got != StatusUpdating {
		t.Fatalf("after telemetry mid-update: status = %s, want updating", got)
	}

	apply(t, s, clk, "home/system/"+dev+"/status", "updated")
	if got := status(t, s, dev); got != StatusUpdating {
		t.Fatalf("after updated: status = %s, want updating until next heartbeat", got)
	}

	apply(t, s, clk, "home/system/"+dev+"/status", "running")
	if got := status(t, s, dev); got != StatusOnline {
		t.Fatalf("after post-update running: status = %s, want online", got)
	}
}

func TestReadingMonotonicAndIdempotent(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/garage/weather/temperature", "70.0")

	// Replay at the same timestamp with the same value emits nothing.
	if got := apply(t, s, clk, "home/garage/weather/temperature", "70.0"); len(got) != 0 {
		t.Errorf("replay emitted %d changes, want 0", len(got))
	}

	clk.Advance(10 * time.Second)
	apply(t, s, clk, "home/garage/weather/temperature", "71.5")

	dev, _ := s.SnapshotDevice(codec.DeviceGarage)
	sample := dev.Metrics[codec.MetricWeatherTempF]
	if sample.Value != 71.5 {
		t.Errorf("value = %v, want 71.5", sample.Value)
	}
	if !sample.HasPrev || sample.Prev != 70.0 {
		t.Errorf("prev = (%v, %v), want (70, true)", sample.Prev, sample.HasPrev)
	}
}

func TestOutOfOrderSectionDiscarded(t *testing.T) {
	s, clk := newTestStore(t)
	clk.Advance(time.Minute)
	apply(t, s, clk, "home/garage/weather/temperature", "70.0")

	// A consolidated status carrying an older payload timestamp must not
	// regress the weather section.
	stale := `{"timestamp":` + strconv.FormatInt(testBase.UnixMilli(), 10) +
		`,"health":"online","weather":{"temperature_f":55.0},"errors":[]}`
	apply(t, s, clk, "home/garage-controller/status", stale)

	dev, _ := s.SnapshotDevice(codec.DeviceGarage)
	if got := *dev.Weather.TemperatureF; got != 70.0 {
		t.Errorf("weather temperature = %v, want 70.0 (stale snapshot applied)", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/garage/door/status", "open")

	snap, _ := s.SnapshotDevice(codec.DeviceGarage)
	snap.Door.State = "mangled"
	snap.Metrics["fake"] = MetricSample{Value: 1}

	fresh, _ := s.SnapshotDevice(codec.DeviceGarage)
	if fresh.Door.State != "open" {
		t.Errorf("door = %s, mutation leaked into store", fresh.Door.State)
	}
	if _, ok := fresh.Metrics["fake"]; ok {
		t.Error("metrics mutation leaked into store")
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s, clk := newTestStore(t)
	dev := "garage-controller"
	sosTopic := "home/system/" + dev + "/sos"

	apply(t, s, clk, sosTopic, `{"error":"sensor_fault","message":"dht22 dead"}`)
	apply(t, s, clk, sosTopic, `{"error":"sensor_fault","message":"dht22 still dead"}`)

	open := s.OpenIncidents()
	if len(open) != 1 {
		t.Fatalf("open incidents = %d, want 1 (dedup by code)", len(open))
	}
	if open[0].Message != "dht22 still dead" {
		t.Errorf("message = %q, want latest", open[0].Message)
	}

	// One clean consolidated status is not enough to resolve.
	clean := `{"timestamp":0,"health":"online","errors":[]}`
	apply(t, s, clk, "home/"+dev+"/status", clean)
	if got := len(s.OpenIncidents()); got != 1 {
		t.Fatalf("after one clean status: open = %d, want 1", got)
	}

	// Two in a row auto-resolve.
	apply(t, s, clk, "home/"+dev+"/status", clean)
	if got := len(s.OpenIncidents()); got != 0 {
		t.Fatalf("after two clean statuses: open = %d, want 0", got)
	}
}

func TestResolveIncidentManually(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/system/garage-controller/sos", `{"error":"stuck_door"}`)

	if err := s.ResolveIncident("garage-controller", "stuck_door", "freed the rail"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveIncident("garage-controller", "stuck_door", ""); err == nil {
		t.Error("second resolve succeeded, want error")
	}
}

func TestConsolidatedErrorsOpenIncidents(t *testing.T) {
	s, clk := newTestStore(t)
	payload := `{"timestamp":0,"health":"degraded","errors":[{"code":"freezer_probe_lost","message":"probe 2 gone","since":1700000000000}]}`
	apply(t, s, clk, "home/house-monitor/status", payload)

	open := s.OpenIncidents()
	if len(open) != 1 || open[0].Code != "freezer_probe_lost" {
		t.Fatalf("open = %+v, want one freezer_probe_lost", open)
	}
	if got := status(t, s, codec.DeviceHouse); got != StatusNeedsHelp {
		t.Errorf("status = %s, want needs_help after error entry", got)
	}
}

func TestBootRecordsNetworkInfo(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/system/garage-controller/boot",
		`{"ts":`+strconv.FormatInt(testBase.UnixMilli(), 10)+`,"reason":"power_on","success":true,"ip":"192.168.1.40","rssi":-61}`)

	dev, _ := s.SnapshotDevice("garage-controller")
	if dev.IPAddress != "192.168.1.40" {
		t.Errorf("ip = %q, want 192.168.1.40", dev.IPAddress)
	}
	if dev.RSSI == nil || *dev.RSSI != -61 {
		t.Errorf("rssi = %v, want -61", dev.RSSI)
	}
	if !dev.LastBoot.Equal(testBase) {
		t.Errorf("last boot = %v, want %v", dev.LastBoot, testBase)
	}

	// A bare-timestamp boot must not wipe the network details.
	clk.Advance(time.Minute)
	apply(t, s, clk, "home/system/garage-controller/boot",
		strconv.FormatInt(clk.Now().UnixMilli(), 10))
	dev, _ = s.SnapshotDevice("garage-controller")
	if dev.IPAddress != "192.168.1.40" || dev.RSSI == nil {
		t.Errorf("network details lost on bare boot: ip=%q rssi=%v", dev.IPAddress, dev.RSSI)
	}
}

func TestSweepMarksSilentOffline(t *testing.T) {
	s, clk := newTestStore(t)
	apply(t, s, clk, "home/system/garage-controller/status", "running")

	clk.Advance(89 * time.Second)
	if got := s.Sweep(); len(got) != 0 {
		t.Fatalf("sweep before timeout transitioned %d devices", len(got))
	}

	clk.Advance(2 * time.Second)
	changes := s.Sweep()
	if len(changes) != 1 || changes[0].After != string(StatusOffline) {
		t.Fatalf("sweep changes = %+v, want one offline transition", changes)
	}
	if got := status(t, s, "garage-controller"); got != StatusOffline {
		t.Errorf("status = %s, want offline", got)
	}

	// Fresh traffic recovers the device.
	apply(t, s, clk, "home/garage/weather/temperature", "70.0")
	if got := status(t, s, "garage-controller"); got != StatusOnline {
		t.Errorf("status after recovery = %s, want online", got)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s, clk := newTestStore(t)
	ch := s.Subscribe(16)
	defer s.Unsubscribe(ch)

	apply(t, s, clk, "home/garage/door/status", "opening")

	select {
	case c := <-ch:
		if c.Kind != KindStatus && c.Kind != KindDoor {
			t.Errorf("unexpected first change kind %s", c.Kind)
		}
	default:
		t.Fatal("no change delivered to subscriber")
	}
}

func TestLaggingSubscriberKeepsCriticalChanges(t *testing.T) {
	s, clk := newTestStore(t)
	ch := s.Subscribe(4)
	defer s.Unsubscribe(ch)

	// An incident, then enough telemetry to overflow the queue.
	apply(t, s, clk, "home/system/garage-controller/sos", `{"error":"sensor_fault"}`)
	for i := 0; i < 6; i++ {
		clk.Advance(time.Second)
		apply(t, s, clk, "home/garage/weather/temperature", strconv.Itoa(70+i)+".0")
	}

	if s.DroppedChanges() == 0 {
		t.Fatal("expected readings to be dropped under backpressure")
	}
	var gotIncident, gotStatus bool
	for {
		select {
		case c := <-ch:
			switch c.Kind {
			case KindIncident:
				gotIncident = true
			case KindStatus:
				gotStatus = true
			}
			continue
		default:
		}
		break
	}
	if !gotIncident || !gotStatus {
		t.Errorf("incident delivered = %v, status delivered = %v; want both to survive eviction",
			gotIncident, gotStatus)
	}
}

func TestChangeBusDropsOldestWhenFull(t *testing.T) {
	s, clk := newTestStore(t)
	ch := s.Subscribe(2)
	defer s.Unsubscribe(ch)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		apply(t, s, clk, "home/garage/light/status", []string{"on", "off"}[i%2])
	}
	if s.DroppedChanges() == 0 {
		t.Error("expected dropped changes with a full subscriber queue")
	}
	// Queue still holds the most recent entries.
	var last Change
	for {
		select {
		case c := <-ch:
			last = c
			continue
		default:
		}
		break
	}
	if last.Kind == "" {
		t.Fatal("subscriber queue was empty")
	}
}
