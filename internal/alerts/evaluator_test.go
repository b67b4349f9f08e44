package alerts

import (
	"log/slog"
	"testing"
	"time"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/state"
)

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testCfg() config.AlertsConfig {
	return config.AlertsConfig{
		OfflineTimeoutSec: 90,
		WeatherStallSec:   120,
		FreezerTempHighF:  10,
		FreezerAjarSec:    300,
	}
}

func newHarness(t *testing.T) (*Evaluator, *state.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testBase)
	states := state.New(state.Options{Clock: clk, OfflineTimeout: 90 * time.Second})
	e := New(states, testCfg(), clk, slog.Default())
	return e, states, clk
}

func apply(t *testing.T, s *state.Store, clk *clock.Fake, topic, payload string) {
	t.Helper()
	ev, err := codec.NewRegistry().Decode(topic, []byte(payload), clk.Now())
	if err != nil {
		t.Fatalf("decode %s: %v", topic, err)
	}
	s.Apply(ev)
}

func hasAlert(alerts []Alert, code string) bool {
	for _, a := range alerts {
		if a.Code == code {
			return true
		}
	}
	return false
}

func TestFreezerTempNeedsTwoConsecutiveHighs(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/garage/freezer/temperature", "14.0")
	if hasAlert(e.Evaluate(), CodeFreezerTempHigh) {
		t.Fatal("one high reading raised the alert, want debounce")
	}

	// A glitch followed by a normal reading must not trip it either.
	clk.Advance(time.Minute)
	apply(t, s, clk, "home/garage/freezer/temperature", "2.0")
	if hasAlert(e.Evaluate(), CodeFreezerTempHigh) {
		t.Fatal("high-then-normal raised the alert")
	}

	clk.Advance(time.Minute)
	apply(t, s, clk, "home/garage/freezer/temperature", "12.0")
	clk.Advance(time.Minute)
	apply(t, s, clk, "home/garage/freezer/temperature", "13.0")
	if !hasAlert(e.Evaluate(), CodeFreezerTempHigh) {
		t.Fatal("two consecutive highs did not raise the alert")
	}
}

func TestFreezerDoorAjar(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/freezer/door/ajar_time", "299")
	if hasAlert(e.Evaluate(), CodeFreezerDoorAjar) {
		t.Fatal("ajar below threshold raised alert")
	}
	clk.Advance(time.Minute)
	apply(t, s, clk, "home/freezer/door/ajar_time", "301")
	if !hasAlert(e.Evaluate(), CodeFreezerDoorAjar) {
		t.Fatal("ajar above threshold did not raise alert")
	}
}

func TestCityPowerOffline(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/power/city/status", "offline")
	if !hasAlert(e.Evaluate(), CodeCityPowerOut) {
		t.Fatal("power offline did not raise alert")
	}

	clk.Advance(time.Minute)
	apply(t, s, clk, "home/power/city/status", "online")
	if hasAlert(e.Evaluate(), CodeCityPowerOut) {
		t.Fatal("power restore did not clear alert")
	}
}

func TestDeviceSilentOnlyAfterBeingOnline(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/system/garage-controller/status", "running")
	clk.Advance(5 * time.Minute)
	s.Sweep()
	if !hasAlert(e.Evaluate(), CodeDeviceSilent) {
		t.Fatal("silent device did not raise alert")
	}
}

func TestWeatherStale(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/garage/weather/temperature", "70.0")
	if hasAlert(e.Evaluate(), CodeWeatherStale) {
		t.Fatal("fresh weather raised stale alert")
	}
	clk.Advance(3 * time.Minute)
	if !hasAlert(e.Evaluate(), CodeWeatherStale) {
		t.Fatal("stalled weather did not raise alert")
	}
}

func TestDegradedFollowsIncidents(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/system/garage-controller/sos", `{"error":"sensor_fault","message":"dht22 dead"}`)
	if !hasAlert(e.Evaluate(), CodeDeviceDegraded) {
		t.Fatal("open incident did not raise degraded alert")
	}

	if err := s.ResolveIncident("garage-controller", "sensor_fault", "replaced sensor"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The device is still in needs_help until it reports in again.
	if !hasAlert(e.Evaluate(), CodeDeviceDegraded) {
		t.Fatal("needs_help device cleared degraded alert on resolve alone")
	}

	clk.Advance(time.Second)
	apply(t, s, clk, "home/system/garage-controller/status", "running")
	if hasAlert(e.Evaluate(), CodeDeviceDegraded) {
		t.Fatal("recovered device did not clear degraded alert")
	}
}

func TestDegradedFollowsNeedsHelpStatus(t *testing.T) {
	e, s, clk := newHarness(t)

	// A health heartbeat can report needs_help with no incident open.
	apply(t, s, clk, "home/system/house-monitor/health", "needs_help")
	active := e.Evaluate()
	if !hasAlert(active, CodeDeviceDegraded) {
		t.Fatal("needs_help status did not raise degraded alert")
	}
	// One alert, not one per predicate branch.
	count := 0
	for _, a := range active {
		if a.Code == CodeDeviceDegraded {
			count++
		}
	}
	if count != 1 {
		t.Errorf("degraded alerts = %d, want 1", count)
	}

	clk.Advance(time.Second)
	apply(t, s, clk, "home/system/house-monitor/health", "online")
	if hasAlert(e.Evaluate(), CodeDeviceDegraded) {
		t.Fatal("recovered device did not clear degraded alert")
	}
}

func TestWeatherStaleOnlyWhileOnline(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/garage/weather/temperature", "70.0")
	clk.Advance(5 * time.Minute)
	s.Sweep()

	active := e.Evaluate()
	if !hasAlert(active, CodeDeviceSilent) {
		t.Fatal("silent device did not raise device_silent")
	}
	if hasAlert(active, CodeWeatherStale) {
		t.Fatal("offline device raised weather_stale on top of device_silent")
	}
}

func TestStorageFailingAlert(t *testing.T) {
	e, _, clk := newHarness(t)

	e.StorageHealth = func() time.Time { return time.Time{} }
	if hasAlert(e.Evaluate(), CodeStorageFailing) {
		t.Fatal("healthy storage raised alert")
	}

	failStart := clk.Now()
	e.StorageHealth = func() time.Time { return failStart }
	if hasAlert(e.Evaluate(), CodeStorageFailing) {
		t.Fatal("transient failure alerted before the grace period")
	}

	clk.Advance(time.Minute)
	if !hasAlert(e.Evaluate(), CodeStorageFailing) {
		t.Fatal("sustained storage failure did not raise alert")
	}
}

func TestSinceStableAcrossReevaluation(t *testing.T) {
	e, s, clk := newHarness(t)

	apply(t, s, clk, "home/power/city/status", "offline")
	first := e.Evaluate()
	clk.Advance(time.Minute)
	second := e.Evaluate()

	if !hasAlert(second, CodeCityPowerOut) {
		t.Fatal("alert vanished")
	}
	if !first[0].Since.Equal(second[0].Since) {
		t.Errorf("since drifted: %v -> %v", first[0].Since, second[0].Since)
	}
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	e, s, clk := newHarness(t)
	var calls int
	e.OnChange = func([]Alert) { calls++ }

	apply(t, s, clk, "home/power/city/status", "offline")
	e.Evaluate()
	e.Evaluate() // steady state, no transition
	if calls != 1 {
		t.Errorf("OnChange calls = %d, want 1", calls)
	}
}
