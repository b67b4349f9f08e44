// Package codec maps bus topics to typed events and logical commands
// to publishable (topic, payload) pairs. All decoders are pure: they
// never block and never touch shared state.
package codec

import "time"

// Topic constants for the home/ hierarchy. The subscription set comes
// from Registry.Patterns; publish topics are built by the command
// encoders.
const (
	TopicDoorStatus      = "home/garage/door/status"
	TopicDoorCommand     = "home/garage/door/command"
	TopicLightStatus     = "home/garage/light/status"
	TopicLightCommand    = "home/garage/light/command"
	TopicWeatherTemp     = "home/garage/weather/temperature"
	TopicWeatherPressure = "home/garage/weather/pressure"
	TopicGarageFreezer   = "home/garage/freezer/temperature"
	TopicPowerStatus     = "home/power/city/status"
	TopicPowerHeartbeat  = "home/power/city/heartbeat"
	TopicFreezerDoor     = "home/freezer/door/status"
	TopicFreezerAjar     = "home/freezer/door/ajar_time"
)

// Well-known device IDs. Fixed-topic sensors (garage, freezer, power)
// are attributed to the device that physically publishes them.
const (
	DeviceGarage = "garage-controller"
	DeviceHouse  = "house-monitor"
)

// Metric name constants for sensor readings.
const (
	MetricWeatherTempF    = "weather_temperature_f"
	MetricWeatherPressure = "weather_pressure_inhg"
	MetricBMP388TempF     = "bmp388_temperature_f"
	MetricFreezerTempF    = "freezer_temperature_f"
	MetricFreezerAjarS    = "freezer_door_ajar_s"
	MetricPowerHeartbeat  = "power_heartbeat_ms"
)

// Event is the closed set of decoded bus messages. Downstream
// components switch on the concrete type; nothing outside this package
// constructs new variants.
type Event interface {
	// Device returns the device the event is attributed to.
	Device() string
	// Time returns the event timestamp: payload-carried when present,
	// otherwise server-assigned at ingest.
	Time() time.Time
	isEvent()
}

// base carries the fields every event shares.
type base struct {
	DeviceID string
	TS       time.Time
}

func (b base) Device() string  { return b.DeviceID }
func (b base) Time() time.Time { return b.TS }
func (base) isEvent()          {}

// StatusUpdate is a lifecycle status string on home/system/+/status:
// running, update_received, updating, updated, alive, offline.
type StatusUpdate struct {
	base
	Status string
}

// TelemetryReading is a single numeric sample for a named metric.
type TelemetryReading struct {
	base
	Metric string
	Value  float64
}

// DoorState reports the garage door position.
type DoorState struct {
	base
	State string // open, closed, opening, closing, error
}

// LightState reports the garage flood light.
type LightState struct {
	base
	State string // on, off
}

// PowerState reports city power presence.
type PowerState struct {
	base
	State string // online, offline
}

// FreezerDoor reports the house freezer door position.
type FreezerDoor struct {
	base
	State string // open, closed
}

// Sos is a device-originated incident report.
type Sos struct {
	base
	Code    string
	Message string
}

// Boot is a device boot notification. IP and RSSI are the network
// details observed at boot, when the firmware reports them.
type Boot struct {
	base
	Reason  string
	Success bool
	IP      string
	RSSI    *int
}

// Version reports the device's running application version.
type Version struct {
	base
	Version string
}

// Health is the device health heartbeat on home/system/+/health.
// "offline" arrives via the broker's LWT when a device session dies.
type Health struct {
	base
	State string // online, error, needs_help, offline
}

// ConsolidatedStatus is the periodic atomic snapshot a device publishes
// to home/<device_id>/status. Absent sections mean the device lacks
// that capability; they must not be inferred as cleared.
type ConsolidatedStatus struct {
	base
	Payload StatusPayload
}

// StatusPayload is the normative consolidated-status JSON shape.
type StatusPayload struct {
	Timestamp int64           `json:"timestamp"`
	UptimeS   int64           `json:"uptime_s"`
	Health    string          `json:"health"` // online, degraded
	Power     *PowerSection   `json:"power,omitempty"`
	Freezer   *FreezerSection `json:"freezer,omitempty"`
	Weather   *WeatherSection `json:"weather,omitempty"`
	Door      *DoorSection    `json:"door,omitempty"`
	Light     *LightSection   `json:"light,omitempty"`
	Errors    []StatusError   `json:"errors"`
	Memory    *MemorySection  `json:"memory,omitempty"`
}

// PowerSection reports city power as seen by the device.
type PowerSection struct {
	City string `json:"city"` // online, offline
}

// FreezerSection reports freezer temperature and door state.
type FreezerSection struct {
	TemperatureF *float64 `json:"temperature_f"`
	Door         string   `json:"door"` // open, closed
	DoorAjarS    int64    `json:"door_ajar_s"`
}

// WeatherSection reports environmental readings.
type WeatherSection struct {
	TemperatureF       *float64 `json:"temperature_f"`
	PressureInHg       *float64 `json:"pressure_inhg"`
	BMP388TemperatureF *float64 `json:"bmp388_temperature_f"`
}

// DoorSection reports the garage door with raw switch states.
type DoorSection struct {
	State        string `json:"state"`
	OpenSwitch   bool   `json:"open_switch"`
	ClosedSwitch bool   `json:"closed_switch"`
}

// LightSection reports the flood light.
type LightSection struct {
	State string `json:"state"` // on, off
}

// StatusError is one entry of the consolidated errors array. Extra
// fields devices may attach are preserved verbatim.
type StatusError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	SinceMS int64          `json:"since"`
	Extra   map[string]any `json:"-"`
}

// MemorySection reports device heap usage.
type MemorySection struct {
	Free      int64 `json:"free"`
	Allocated int64 `json:"allocated"`
}
