// Package alerts derives the active alert set from the current state
// snapshot. Evaluation is a pure function of the snapshot; the
// evaluator just schedules it and tracks raise/clear transitions.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/state"
)

// Alert codes.
const (
	CodeFreezerTempHigh = "freezer_temp_high"
	CodeFreezerDoorAjar = "freezer_door_ajar"
	CodeCityPowerOut    = "city_power_offline"
	CodeDeviceDegraded  = "device_degraded"
	CodeDeviceSilent    = "device_silent"
	CodeWeatherStale    = "weather_stale"
	CodeStorageFailing  = "storage_failing"
)

// storageFailGrace keeps transient write errors quiet; the writer
// retries those on its own. Sustained failure pages.
const storageFailGrace = 30 * time.Second

// Alert is one active condition.
type Alert struct {
	Code     string    `json:"code"`
	DeviceID string    `json:"device_id"`
	Message  string    `json:"message"`
	Since    time.Time `json:"since"`
}

func (a Alert) key() string { return a.DeviceID + "/" + a.Code }

// Evaluator recomputes the active alert set on a timer and on every
// state change. Raise and clear transitions are logged and pushed to
// the optional OnChange hook.
type Evaluator struct {
	states *state.Store
	cfg    config.AlertsConfig
	clk    clock.Clock
	logger *slog.Logger

	// OnChange, when set, receives the full active set after any
	// raise or clear. Set before Run.
	OnChange func([]Alert)

	// StorageHealth, when set, reports when the persistence writer's
	// current failure run began (zero time when healthy). Set before Run.
	StorageHealth func() time.Time

	mu     sync.Mutex
	active map[string]Alert
}

// New creates an evaluator over states.
func New(states *state.Store, cfg config.AlertsConfig, clk clock.Clock, logger *slog.Logger) *Evaluator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Evaluator{
		states: states,
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		active: make(map[string]Alert),
	}
}

// Active returns the current alert set sorted by device then code.
func (e *Evaluator) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked()
}

// Run evaluates every 5 seconds and after each state change until ctx
// is cancelled.
func (e *Evaluator) Run(ctx context.Context, changes <-chan state.Change) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	e.Evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			e.Evaluate()
		case <-t.C:
			e.Evaluate()
		}
	}
}

// Evaluate recomputes the active set and returns it. Alerts keep their
// original Since across re-evaluations.
func (e *Evaluator) Evaluate() []Alert {
	now := e.clk.Now()
	var storageFailing time.Time
	if e.StorageHealth != nil {
		storageFailing = e.StorageHealth()
	}
	next := evaluate(e.states.SnapshotAll(), e.states.OpenIncidents(), e.cfg, storageFailing, now)

	e.mu.Lock()
	changed := false
	seen := make(map[string]struct{}, len(next))
	for _, a := range next {
		k := a.key()
		seen[k] = struct{}{}
		if prev, ok := e.active[k]; ok {
			a.Since = prev.Since
			e.active[k] = a
			continue
		}
		e.active[k] = a
		changed = true
		e.logger.Warn("alert raised", "code", a.Code, "device_id", a.DeviceID, "message", a.Message)
	}
	for k, a := range e.active {
		if _, ok := seen[k]; !ok {
			delete(e.active, k)
			changed = true
			e.logger.Info("alert cleared", "code", a.Code, "device_id", a.DeviceID)
		}
	}
	out := e.sortedLocked()
	e.mu.Unlock()

	if changed && e.OnChange != nil {
		e.OnChange(out)
	}
	return out
}

func (e *Evaluator) sortedLocked() []Alert {
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// evaluate derives the alert set from one snapshot. Pure.
func evaluate(devices map[string]state.DeviceState, incidents []state.Incident, cfg config.AlertsConfig, storageFailing time.Time, now time.Time) []Alert {
	var out []Alert

	for id, dev := range devices {
		if f := dev.Freezer; f != nil {
			// Critical temperature needs two consecutive high readings
			// so a single sensor glitch does not page anyone.
			if f.TemperatureF != nil && f.PrevTemperatureF != nil &&
				*f.TemperatureF > cfg.FreezerTempHighF && *f.PrevTemperatureF > cfg.FreezerTempHighF {
				out = append(out, Alert{
					Code:     CodeFreezerTempHigh,
					DeviceID: id,
					Message:  fmt.Sprintf("freezer at %.1f°F, above %.1f°F", *f.TemperatureF, cfg.FreezerTempHighF),
					Since:    f.TS,
				})
			}
			if f.DoorAjarS > int64(cfg.FreezerAjarSec) {
				out = append(out, Alert{
					Code:     CodeFreezerDoorAjar,
					DeviceID: id,
					Message:  fmt.Sprintf("freezer door ajar for %ds", f.DoorAjarS),
					Since:    f.TS,
				})
			}
		}
		if p := dev.Power; p != nil && p.City == "offline" {
			out = append(out, Alert{
				Code:     CodeCityPowerOut,
				DeviceID: id,
				Message:  "city power is out",
				Since:    p.TS,
			})
		}
		if dev.Status == state.StatusOffline && dev.WasOnline {
			out = append(out, Alert{
				Code:     CodeDeviceSilent,
				DeviceID: id,
				Message:  fmt.Sprintf("%s went silent, last seen %s", id, dev.LastSeen.Format(time.RFC3339)),
				Since:    dev.LastSeen,
			})
		}
		// A silent device already raises device_silent; staleness only
		// means a stuck sensor while the device is otherwise alive.
		if w := dev.Weather; w != nil && dev.Status == state.StatusOnline && now.Sub(w.TS) > cfg.WeatherStall() {
			out = append(out, Alert{
				Code:     CodeWeatherStale,
				DeviceID: id,
				Message:  fmt.Sprintf("no weather readings since %s", w.TS.Format(time.RFC3339)),
				Since:    w.TS,
			})
		}
	}

	degraded := make(map[string]state.Incident)
	for _, inc := range incidents {
		if cur, ok := degraded[inc.DeviceID]; !ok || inc.FirstSeen.Before(cur.FirstSeen) {
			degraded[inc.DeviceID] = inc
		}
	}
	for id, inc := range degraded {
		out = append(out, Alert{
			Code:     CodeDeviceDegraded,
			DeviceID: id,
			Message:  fmt.Sprintf("open incident %s: %s", inc.Code, inc.Message),
			Since:    inc.FirstSeen,
		})
	}
	// A needs_help status degrades the device even when it never sent a
	// structured incident.
	for id, dev := range devices {
		if dev.Status != state.StatusNeedsHelp {
			continue
		}
		if _, ok := degraded[id]; ok {
			continue
		}
		out = append(out, Alert{
			Code:     CodeDeviceDegraded,
			DeviceID: id,
			Message:  id + " reports it needs help",
			Since:    dev.LastSeen,
		})
	}

	if !storageFailing.IsZero() && now.Sub(storageFailing) > storageFailGrace {
		out = append(out, Alert{
			Code:     CodeStorageFailing,
			DeviceID: "server",
			Message:  fmt.Sprintf("sensor history writes failing since %s", storageFailing.Format(time.RFC3339)),
			Since:    storageFailing,
		})
	}
	return out
}
