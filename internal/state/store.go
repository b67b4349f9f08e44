package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
)

// deviceInfoEmitInterval throttles device_info changes driven purely by
// last_seen advancing; without it every telemetry message would emit one.
const deviceInfoEmitInterval = 30 * time.Second

// deviceRecord is the writer-owned mutable state for one device.
type deviceRecord struct {
	DeviceState

	// OTA progress latches. While an update is in flight, telemetry
	// refreshes last_seen but does not flip status back to online;
	// only status=updated followed by a health/status message does.
	otaInFlight bool
	otaDone     bool

	// emptyErrStreak counts consecutive consolidated statuses with an
	// empty errors array; two in a row auto-resolve open incidents.
	emptyErrStreak int

	lastInfoEmit time.Time
}

// Store is the authoritative in-memory snapshot. All mutations are
// serialized; snapshots are deep copies.
type Store struct {
	mu             sync.Mutex
	clk            clock.Clock
	logger         *slog.Logger
	offlineTimeout time.Duration

	devices   map[string]*deviceRecord
	incidents map[string]map[string]*Incident // device -> code -> open incident

	bus *changeBus
}

// Options configures a Store.
type Options struct {
	// OfflineTimeout marks a silent online device offline. Default 90s.
	OfflineTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = 90 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		clk:            opts.Clock,
		logger:         opts.Logger,
		offlineTimeout: opts.OfflineTimeout,
		devices:        make(map[string]*deviceRecord),
		incidents:      make(map[string]map[string]*Incident),
		bus:            newChangeBus(),
	}
}

// Subscribe returns a bounded change stream. The caller must
// Unsubscribe when done. A lagging subscriber loses its oldest queued
// changes rather than blocking the writer.
func (s *Store) Subscribe(bufSize int) <-chan Change {
	return s.bus.subscribe(bufSize)
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(ch <-chan Change) {
	s.bus.unsubscribe(ch)
}

// DroppedChanges returns the count of changes shed to lagging
// subscribers since startup.
func (s *Store) DroppedChanges() int64 {
	return s.bus.dropped.Load()
}

// SnapshotDevice returns a deep copy of one device's state.
func (s *Store) SnapshotDevice(deviceID string) (DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return dev.DeviceState.clone(), true
}

// SnapshotAll returns deep copies of every known device state.
func (s *Store) SnapshotAll() map[string]DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DeviceState, len(s.devices))
	for id, dev := range s.devices {
		out[id] = dev.DeviceState.clone()
	}
	return out
}

// HasDevice reports whether the device has ever been observed.
func (s *Store) HasDevice(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[deviceID]
	return ok
}

// OpenIncidents returns copies of all unresolved incidents, ordered by
// device then code.
func (s *Store) OpenIncidents() []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Incident
	for _, byCode := range s.incidents {
		for _, inc := range byCode {
			out = append(out, *inc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// ResolveIncident marks the open incident for (device, code) resolved.
func (s *Store) ResolveIncident(deviceID, code, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCode := s.incidents[deviceID]
	inc, ok := byCode[code]
	if !ok {
		return fmt.Errorf("no open incident for %s/%s", deviceID, code)
	}
	inc.Resolved = true
	inc.ResolutionNote = note
	resolved := *inc
	delete(byCode, code)
	s.bus.publish(Change{
		DeviceID: deviceID,
		Kind:     KindIncident,
		TS:       s.clk.Now(),
		Before:   "open",
		After:    "resolved",
		Incident: &resolved,
	})
	return nil
}

// Apply folds one decoded event into the store and returns the coarse
// changes it caused. Changes are also published to subscribers. Apply
// is idempotent under replay of the same event with equal timestamps;
// samples older than the stored timestamp are discarded.
func (s *Store) Apply(ev codec.Event) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	ts := ev.Time()
	if ts.After(now) {
		ts = now
	}

	dev := s.getOrCreate(ev.Device())
	var changes []Change

	// Status automaton first so section updates see the new status.
	if c, ok := s.transition(dev, ev, ts); ok {
		changes = append(changes, c)
	}

	if ts.After(dev.LastSeen) {
		dev.LastSeen = ts
	}

	switch e := ev.(type) {
	case *codec.TelemetryReading:
		changes = append(changes, s.applyReading(dev, e, ts)...)
	case *codec.DoorState:
		changes = append(changes, s.applyDoor(dev, e.State, false, false, ts)...)
	case *codec.LightState:
		changes = append(changes, s.applyLight(dev, e.State, ts)...)
	case *codec.PowerState:
		changes = append(changes, s.applyPower(dev, e.State, ts)...)
	case *codec.FreezerDoor:
		changes = append(changes, s.applyFreezerDoor(dev, e.State, ts)...)
	case *codec.Sos:
		changes = append(changes, s.applySos(dev, e, ts)...)
	case *codec.Boot:
		changes = append(changes, s.applyBoot(dev, e, ts)...)
	case *codec.Version:
		if e.Version != dev.Version {
			dev.Version = e.Version
			changes = append(changes, s.infoChange(dev, ts))
		}
	case *codec.ConsolidatedStatus:
		changes = append(changes, s.applyConsolidated(dev, e, ts)...)
	}

	// Emit a periodic device_info so persistence keeps last_seen fresh
	// even for devices that only stream telemetry.
	if now.Sub(dev.lastInfoEmit) >= deviceInfoEmitInterval {
		changes = append(changes, s.infoChange(dev, ts))
	}

	for _, c := range changes {
		s.bus.publish(c)
	}
	return changes
}

// getOrCreate returns the record for deviceID, creating it on first
// observation of any message from that device.
func (s *Store) getOrCreate(deviceID string) *deviceRecord {
	dev, ok := s.devices[deviceID]
	if !ok {
		dev = &deviceRecord{DeviceState: DeviceState{
			DeviceID: deviceID,
			Status:   StatusUnknown,
			Metrics:  make(map[string]MetricSample),
		}}
		s.devices[deviceID] = dev
		s.logger.Info("device observed", "device_id", deviceID)
	}
	return dev
}

// transition runs the device status automaton for ev. Explicit
// transitions (LWT offline, sos, OTA progression) take precedence over
// the general any-message-means-online rule.
func (s *Store) transition(dev *deviceRecord, ev codec.Event, ts time.Time) (Change, bool) {
	before := dev.Status
	after := before

	switch e := ev.(type) {
	case *codec.Health:
		switch e.State {
		case "offline":
			after = StatusOffline
		case "needs_help":
			after = StatusNeedsHelp
		case "error":
			after = StatusError
		case "online":
			if dev.otaInFlight && !dev.otaDone {
				after = StatusUpdating
			} else {
				after = StatusOnline
				dev.otaInFlight, dev.otaDone = false, false
			}
		}
	case *codec.StatusUpdate:
		switch e.Status {
		case "update_received", "updating":
			dev.otaInFlight, dev.otaDone = true, false
			after = StatusUpdating
		case "updated":
			// Stay updating until the next health/status message.
			dev.otaDone = true
			after = StatusUpdating
		case "offline":
			after = StatusOffline
		case "running", "alive":
			if dev.otaInFlight && !dev.otaDone {
				after = StatusUpdating
			} else {
				after = StatusOnline
				dev.otaInFlight, dev.otaDone = false, false
			}
		}
	case *codec.Sos:
		after = StatusNeedsHelp
	case *codec.ConsolidatedStatus:
		if len(e.Payload.Errors) > 0 {
			after = StatusNeedsHelp
		} else if dev.otaInFlight && !dev.otaDone {
			after = StatusUpdating
		} else {
			after = StatusOnline
		}
	default:
		// Any other message proves the device is alive.
		if dev.otaInFlight && !dev.otaDone {
			after = StatusUpdating
		} else {
			after = StatusOnline
		}
	}

	if after == StatusOnline {
		dev.WasOnline = true
	}
	if after == before {
		return Change{}, false
	}
	dev.Status = after
	return Change{
		DeviceID: dev.DeviceID,
		Kind:     KindStatus,
		TS:       ts,
		Before:   string(before),
		After:    string(after),
	}, true
}

// applyReading records a metric sample with per-metric monotonic
// timestamps and updates the derived section the metric belongs to.
func (s *Store) applyReading(dev *deviceRecord, e *codec.TelemetryReading, ts time.Time) []Change {
	cur, exists := dev.Metrics[e.Metric]
	if exists {
		if ts.Before(cur.TS) {
			return nil // out of order, discard
		}
		if ts.Equal(cur.TS) && e.Value == cur.Value {
			return nil // replay, idempotent
		}
	}
	sample := MetricSample{Value: e.Value, TS: ts}
	if exists {
		sample.Prev = cur.Value
		sample.HasPrev = true
	}
	dev.Metrics[e.Metric] = sample

	changes := []Change{{
		DeviceID: dev.DeviceID,
		Kind:     KindReading,
		TS:       ts,
		Reading:  &Reading{Metric: e.Metric, Value: e.Value, TS: ts},
	}}

	switch e.Metric {
	case codec.MetricWeatherTempF:
		w := s.weather(dev)
		w.TemperatureF = ptr(e.Value)
		w.TS = ts
		changes = append(changes, s.sectionChange(dev, KindWeather, ts))
	case codec.MetricWeatherPressure:
		w := s.weather(dev)
		w.PressureInHg = ptr(e.Value)
		w.TS = ts
		changes = append(changes, s.sectionChange(dev, KindWeather, ts))
	case codec.MetricFreezerTempF:
		f := s.freezer(dev)
		f.PrevTemperatureF = f.TemperatureF
		f.TemperatureF = ptr(e.Value)
		f.TS = ts
		changes = append(changes, s.sectionChange(dev, KindFreezer, ts))
	case codec.MetricFreezerAjarS:
		f := s.freezer(dev)
		f.DoorAjarS = int64(e.Value)
		f.TS = ts
		changes = append(changes, s.sectionChange(dev, KindFreezer, ts))
	default:
		// Probe temperatures still belong to the freezer group.
		if isFreezerProbeMetric(e.Metric) {
			changes = append(changes, s.sectionChange(dev, KindFreezer, ts))
		}
	}
	return changes
}

func (s *Store) applyDoor(dev *deviceRecord, state string, openSw, closedSw bool, ts time.Time) []Change {
	if dev.Door != nil && ts.Before(dev.Door.TS) {
		return nil
	}
	before := ""
	if dev.Door != nil {
		before = dev.Door.State
	}
	if before == state && dev.Door != nil {
		dev.Door.TS = ts
		return nil
	}
	dev.Door = &DoorInfo{State: state, OpenSwitch: openSw, ClosedSwitch: closedSw, TS: ts}
	return []Change{{DeviceID: dev.DeviceID, Kind: KindDoor, TS: ts, Before: before, After: state}}
}

func (s *Store) applyLight(dev *deviceRecord, state string, ts time.Time) []Change {
	if dev.Light != nil && ts.Before(dev.Light.TS) {
		return nil
	}
	before := ""
	if dev.Light != nil {
		before = dev.Light.State
	}
	if before == state && dev.Light != nil {
		dev.Light.TS = ts
		return nil
	}
	dev.Light = &LightInfo{State: state, TS: ts}
	return []Change{{DeviceID: dev.DeviceID, Kind: KindLight, TS: ts, Before: before, After: state}}
}

func (s *Store) applyPower(dev *deviceRecord, city string, ts time.Time) []Change {
	if dev.Power != nil && ts.Before(dev.Power.TS) {
		return nil
	}
	before := ""
	if dev.Power != nil {
		before = dev.Power.City
	}
	if before == city && dev.Power != nil {
		dev.Power.TS = ts
		return nil
	}
	dev.Power = &PowerInfo{City: city, TS: ts}
	return []Change{{DeviceID: dev.DeviceID, Kind: KindPower, TS: ts, Before: before, After: city}}
}

func (s *Store) applyFreezerDoor(dev *deviceRecord, state string, ts time.Time) []Change {
	f := s.freezer(dev)
	if ts.Before(f.TS) {
		return nil
	}
	if f.Door == state {
		f.TS = ts
		return nil
	}
	before := f.Door
	f.Door = state
	f.TS = ts
	return []Change{{DeviceID: dev.DeviceID, Kind: KindFreezer, TS: ts, Before: before, After: state}}
}

// applySos opens an incident for (device, code) or refreshes the open
// one. Repeated sos messages never create a second unresolved incident.
func (s *Store) applySos(dev *deviceRecord, e *codec.Sos, ts time.Time) []Change {
	dev.LastErrorCode = e.Code
	byCode := s.incidents[dev.DeviceID]
	if byCode == nil {
		byCode = make(map[string]*Incident)
		s.incidents[dev.DeviceID] = byCode
	}
	if inc, ok := byCode[e.Code]; ok {
		if ts.After(inc.LastSeen) {
			inc.LastSeen = ts
		}
		if e.Message != "" {
			inc.Message = e.Message
		}
		updated := *inc
		return []Change{{
			DeviceID: dev.DeviceID, Kind: KindIncident, TS: ts,
			Before: "open", After: "open", Incident: &updated,
		}}
	}
	inc := &Incident{
		DeviceID:  dev.DeviceID,
		Code:      e.Code,
		Message:   e.Message,
		FirstSeen: ts,
		LastSeen:  ts,
	}
	byCode[e.Code] = inc
	opened := *inc
	return []Change{{
		DeviceID: dev.DeviceID, Kind: KindIncident, TS: ts,
		Before: "", After: "open", Incident: &opened,
	}}
}

func (s *Store) applyBoot(dev *deviceRecord, e *codec.Boot, ts time.Time) []Change {
	if ts.After(dev.LastBoot) {
		dev.LastBoot = ts
	}
	if e.IP != "" {
		dev.IPAddress = e.IP
	}
	if e.RSSI != nil {
		dev.RSSI = clonePtr(e.RSSI)
	}
	return []Change{{
		DeviceID: dev.DeviceID,
		Kind:     KindBoot,
		TS:       ts,
		Boot:     &BootInfo{TS: ts, Reason: e.Reason, Success: e.Success},
	}}
}

// applyConsolidated folds the periodic atomic snapshot. Absent sections
// are left untouched; stale sections are never inferred as absent.
func (s *Store) applyConsolidated(dev *deviceRecord, e *codec.ConsolidatedStatus, ts time.Time) []Change {
	var changes []Change
	p := e.Payload

	if p.Door != nil {
		changes = append(changes, s.applyDoor(dev, p.Door.State, p.Door.OpenSwitch, p.Door.ClosedSwitch, ts)...)
	}
	if p.Light != nil {
		changes = append(changes, s.applyLight(dev, p.Light.State, ts)...)
	}
	if p.Power != nil {
		changes = append(changes, s.applyPower(dev, p.Power.City, ts)...)
	}
	if p.Freezer != nil && !ts.Before(s.freezer(dev).TS) {
		f := s.freezer(dev)
		f.PrevTemperatureF = f.TemperatureF
		f.TemperatureF = clonePtr(p.Freezer.TemperatureF)
		if p.Freezer.Door != "" {
			f.Door = p.Freezer.Door
		}
		f.DoorAjarS = p.Freezer.DoorAjarS
		f.TS = ts
		changes = append(changes, s.sectionChange(dev, KindFreezer, ts))
	}
	if p.Weather != nil && (dev.Weather == nil || !ts.Before(dev.Weather.TS)) {
		w := s.weather(dev)
		if p.Weather.TemperatureF != nil {
			w.TemperatureF = clonePtr(p.Weather.TemperatureF)
		}
		if p.Weather.PressureInHg != nil {
			w.PressureInHg = clonePtr(p.Weather.PressureInHg)
		}
		if p.Weather.BMP388TemperatureF != nil {
			w.BMP388TemperatureF = clonePtr(p.Weather.BMP388TemperatureF)
		}
		w.TS = ts
		changes = append(changes, s.sectionChange(dev, KindWeather, ts))
	}

	// Error entries become incidents; two consecutive empty arrays
	// resolve whatever is still open.
	if len(p.Errors) > 0 {
		dev.emptyErrStreak = 0
		for _, se := range p.Errors {
			errTS := ts
			if se.SinceMS > 0 {
				errTS = time.UnixMilli(se.SinceMS)
			}
			sos := &codec.Sos{Code: se.Code, Message: se.Message}
			changes = append(changes, s.applySos(dev, sos, errTS)...)
		}
	} else {
		dev.emptyErrStreak++
		if dev.emptyErrStreak >= 2 {
			changes = append(changes, s.resolveAllLocked(dev.DeviceID, "cleared by device status", ts)...)
		}
	}
	return changes
}

// resolveAllLocked resolves every open incident for a device. Caller
// holds s.mu.
func (s *Store) resolveAllLocked(deviceID, note string, ts time.Time) []Change {
	byCode := s.incidents[deviceID]
	if len(byCode) == 0 {
		return nil
	}
	var changes []Change
	for code, inc := range byCode {
		inc.Resolved = true
		inc.ResolutionNote = note
		resolved := *inc
		delete(byCode, code)
		changes = append(changes, Change{
			DeviceID: deviceID, Kind: KindIncident, TS: ts,
			Before: "open", After: "resolved", Incident: &resolved,
		})
	}
	return changes
}

func (s *Store) infoChange(dev *deviceRecord, ts time.Time) Change {
	dev.lastInfoEmit = s.clk.Now()
	return Change{DeviceID: dev.DeviceID, Kind: KindDeviceInfo, TS: ts}
}

func (s *Store) sectionChange(dev *deviceRecord, kind ChangeKind, ts time.Time) Change {
	return Change{DeviceID: dev.DeviceID, Kind: kind, TS: ts}
}

func (s *Store) weather(dev *deviceRecord) *WeatherInfo {
	if dev.Weather == nil {
		dev.Weather = &WeatherInfo{}
	}
	return dev.Weather
}

func (s *Store) freezer(dev *deviceRecord) *FreezerInfo {
	if dev.Freezer == nil {
		dev.Freezer = &FreezerInfo{}
	}
	return dev.Freezer
}

func isFreezerProbeMetric(metric string) bool {
	return len(metric) > len("freezer_") && metric[:len("freezer_")] == "freezer_" &&
		metric != codec.MetricFreezerAjarS
}
