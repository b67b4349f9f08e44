// Package state maintains the authoritative in-memory view of device
// and sensor state. One writer serializes all mutations; readers get
// copy-on-read snapshots and never hold references into writer-owned
// storage. Changes fan out to subscribers on bounded channels.
package state

import "time"

// DeviceStatus is the device lifecycle state. "unknown" is the initial
// in-memory state and is never published to clients.
type DeviceStatus string

const (
	StatusUnknown   DeviceStatus = "unknown"
	StatusOnline    DeviceStatus = "online"
	StatusOffline   DeviceStatus = "offline"
	StatusNeedsHelp DeviceStatus = "needs_help"
	StatusUpdating  DeviceStatus = "updating"
	StatusError     DeviceStatus = "error"
)

// MetricSample is the latest value for one metric, with the previous
// value retained for consecutive-reading alert predicates.
type MetricSample struct {
	Value   float64   `json:"value"`
	TS      time.Time `json:"ts"`
	Prev    float64   `json:"-"`
	HasPrev bool      `json:"-"`
}

// DoorInfo is the garage door section of a device state.
type DoorInfo struct {
	State        string    `json:"state"`
	OpenSwitch   bool      `json:"open_switch"`
	ClosedSwitch bool      `json:"closed_switch"`
	TS           time.Time `json:"ts"`
}

// LightInfo is the flood light section.
type LightInfo struct {
	State string    `json:"state"`
	TS    time.Time `json:"ts"`
}

// PowerInfo is the city power section.
type PowerInfo struct {
	City string    `json:"city"`
	TS   time.Time `json:"ts"`
}

// FreezerInfo is the freezer section. PrevTemperatureF backs the
// two-consecutive-readings critical-temperature predicate.
type FreezerInfo struct {
	TemperatureF     *float64  `json:"temperature_f"`
	PrevTemperatureF *float64  `json:"-"`
	Door             string    `json:"door,omitempty"`
	DoorAjarS        int64     `json:"door_ajar_s"`
	TS               time.Time `json:"ts"`
}

// WeatherInfo is the weather section.
type WeatherInfo struct {
	TemperatureF       *float64  `json:"temperature_f"`
	PressureInHg       *float64  `json:"pressure_inhg"`
	BMP388TemperatureF *float64  `json:"bmp388_temperature_f,omitempty"`
	TS                 time.Time `json:"ts"`
}

// Incident is an open or resolved problem report. At most one
// unresolved incident exists per (device, code).
type Incident struct {
	DeviceID       string    `json:"device_id"`
	Code           string    `json:"code"`
	Message        string    `json:"message"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Resolved       bool      `json:"resolved"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
}

// DeviceState is the derived current view of one device. Snapshots
// returned by the store are deep copies.
type DeviceState struct {
	DeviceID      string                  `json:"device_id"`
	Status        DeviceStatus            `json:"status"`
	LastSeen      time.Time               `json:"last_seen,omitzero"`
	Version       string                  `json:"version,omitempty"`
	LastBoot      time.Time               `json:"last_boot,omitzero"`
	LastErrorCode string                  `json:"last_error_code,omitempty"`
	IPAddress     string                  `json:"ip_address,omitempty"`
	RSSI          *int                    `json:"rssi,omitempty"`
	Metrics       map[string]MetricSample `json:"metrics,omitempty"`
	Door          *DoorInfo               `json:"door,omitempty"`
	Light         *LightInfo              `json:"light,omitempty"`
	Power         *PowerInfo              `json:"power,omitempty"`
	Freezer       *FreezerInfo            `json:"freezer,omitempty"`
	Weather       *WeatherInfo            `json:"weather,omitempty"`

	// WasOnline records that the device has been online at least once
	// this process lifetime; the device-silent alert keys off it.
	WasOnline bool `json:"-"`
}

// clone returns a deep copy safe to hand to readers.
func (d *DeviceState) clone() DeviceState {
	out := *d
	if d.Metrics != nil {
		out.Metrics = make(map[string]MetricSample, len(d.Metrics))
		for k, v := range d.Metrics {
			out.Metrics[k] = v
		}
	}
	out.Door = clonePtr(d.Door)
	out.Light = clonePtr(d.Light)
	out.Power = clonePtr(d.Power)
	out.RSSI = clonePtr(d.RSSI)
	if d.Freezer != nil {
		f := *d.Freezer
		f.TemperatureF = clonePtr(d.Freezer.TemperatureF)
		f.PrevTemperatureF = clonePtr(d.Freezer.PrevTemperatureF)
		out.Freezer = &f
	}
	if d.Weather != nil {
		w := *d.Weather
		w.TemperatureF = clonePtr(d.Weather.TemperatureF)
		w.PressureInHg = clonePtr(d.Weather.PressureInHg)
		w.BMP388TemperatureF = clonePtr(d.Weather.BMP388TemperatureF)
		out.Weather = &w
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
