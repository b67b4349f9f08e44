package codec

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// registerDefaults wires every subscribed topic pattern to its decoder.
// Registration order matters only for equally specific patterns.
func (r *Registry) registerDefaults() {
	r.Register("home/garage/door/status", decodeEnum(DeviceGarage, doorStates, func(b base, s string) Event {
		return &DoorState{base: b, State: s}
	}))
	r.Register("home/garage/light/status", decodeEnum(DeviceGarage, onOff, func(b base, s string) Event {
		return &LightState{base: b, State: s}
	}))
	r.Register("home/garage/weather/temperature", decodeMetric(DeviceGarage, MetricWeatherTempF))
	r.Register("home/garage/weather/pressure", decodeMetric(DeviceGarage, MetricWeatherPressure))
	r.Register("home/garage/freezer/temperature", decodeMetric(DeviceGarage, MetricFreezerTempF))
	r.Register("home/power/city/status", decodeEnum(DeviceHouse, onlineOffline, func(b base, s string) Event {
		return &PowerState{base: b, State: s}
	}))
	r.Register("home/power/city/heartbeat", decodeHeartbeat)
	r.Register("home/freezer/temperature/+", decodeFreezerProbe)
	r.Register("home/freezer/door/status", decodeEnum(DeviceHouse, openClosed, func(b base, s string) Event {
		return &FreezerDoor{base: b, State: s}
	}))
	r.Register("home/freezer/door/ajar_time", decodeAjar)
	r.Register("home/system/+/status", decodeStatus)
	r.Register("home/system/+/sos", decodeSos)
	r.Register("home/system/+/health", decodeHealth)
	r.Register("home/system/+/version", decodeVersion)
	r.Register("home/system/+/boot", decodeBoot)
	r.Register("home/+/status", decodeConsolidated)
}

var (
	doorStates    = []string{"open", "closed", "opening", "closing", "error"}
	onOff         = []string{"on", "off"}
	onlineOffline = []string{"online", "offline"}
	openClosed    = []string{"open", "closed"}
	statusValues  = []string{"running", "update_received", "updating", "updated", "alive", "offline"}
	healthValues  = []string{"online", "error", "needs_help", "offline"}
)

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// systemDevice extracts <device_id> from home/system/<device_id>/<leaf>.
func systemDevice(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

// decodeEnum builds a decoder for a fixed-device string-enum topic.
func decodeEnum(device string, allowed []string, build func(base, string) Event) DecodeFunc {
	return func(topic string, payload []byte, now time.Time) (Event, error) {
		s := strings.TrimSpace(string(payload))
		if !contains(allowed, s) {
			return nil, &DecodeError{Topic: topic, Reason: "unexpected value " + strconv.Quote(s)}
		}
		return build(base{DeviceID: device, TS: now}, s), nil
	}
}

// decodeMetric builds a decoder for a decimal-string telemetry topic.
func decodeMetric(device, metric string) DecodeFunc {
	return func(topic string, payload []byte, now time.Time) (Event, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return nil, &DecodeError{Topic: topic, Reason: "not a number", Err: err}
		}
		return &TelemetryReading{base: base{DeviceID: device, TS: now}, Metric: metric, Value: v}, nil
	}
}

// decodeFreezerProbe handles home/freezer/temperature/<probe>. Each
// probe is a distinct metric series (freezer_<probe>_temperature_f).
func decodeFreezerProbe(topic string, payload []byte, now time.Time) (Event, error) {
	parts := strings.Split(topic, "/")
	probe := parts[len(parts)-1]
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "not a number", Err: err}
	}
	metric := "freezer_" + probe + "_temperature_f"
	return &TelemetryReading{base: base{DeviceID: DeviceHouse, TS: now}, Metric: metric, Value: v}, nil
}

func decodeAjar(topic string, payload []byte, now time.Time) (Event, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "not an integer", Err: err}
	}
	return &TelemetryReading{base: base{DeviceID: DeviceHouse, TS: now}, Metric: MetricFreezerAjarS, Value: float64(secs)}, nil
}

func decodeHeartbeat(topic string, payload []byte, now time.Time) (Event, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "not an integer", Err: err}
	}
	return &TelemetryReading{base: base{DeviceID: DeviceHouse, TS: now}, Metric: MetricPowerHeartbeat, Value: float64(ms)}, nil
}

func decodeStatus(topic string, payload []byte, now time.Time) (Event, error) {
	s := strings.TrimSpace(string(payload))
	if !contains(statusValues, s) {
		return nil, &DecodeError{Topic: topic, Reason: "unexpected status " + strconv.Quote(s)}
	}
	return &StatusUpdate{base: base{DeviceID: systemDevice(topic), TS: now}, Status: s}, nil
}

func decodeHealth(topic string, payload []byte, now time.Time) (Event, error) {
	s := strings.TrimSpace(string(payload))
	if !contains(healthValues, s) {
		return nil, &DecodeError{Topic: topic, Reason: "unexpected health " + strconv.Quote(s)}
	}
	return &Health{base: base{DeviceID: systemDevice(topic), TS: now}, State: s}, nil
}

func decodeVersion(topic string, payload []byte, now time.Time) (Event, error) {
	v := strings.TrimSpace(string(payload))
	if v == "" {
		return nil, &DecodeError{Topic: topic, Reason: "empty version"}
	}
	return &Version{base: base{DeviceID: systemDevice(topic), TS: now}, Version: v}, nil
}

// sosPayload is the device SOS JSON shape.
type sosPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id"`
}

func decodeSos(topic string, payload []byte, now time.Time) (Event, error) {
	var p sosPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "bad sos json", Err: err}
	}
	if p.Error == "" {
		return nil, &DecodeError{Topic: topic, Reason: "sos missing error code"}
	}
	device := p.DeviceID
	if device == "" {
		device = systemDevice(topic)
	}
	ts := now
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}
	msg := p.Message
	if msg == "" {
		msg = p.Details
	}
	return &Sos{base: base{DeviceID: device, TS: ts}, Code: p.Error, Message: msg}, nil
}

// bootPayload is the boot JSON shape. Some firmware revisions publish a
// bare millisecond timestamp instead; both are accepted.
type bootPayload struct {
	TS      int64  `json:"ts"`
	Reason  string `json:"reason"`
	Success *bool  `json:"success"`
	IP      string `json:"ip"`
	RSSI    *int   `json:"rssi"`
}

func decodeBoot(topic string, payload []byte, now time.Time) (Event, error) {
	device := systemDevice(topic)
	raw := strings.TrimSpace(string(payload))

	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return &Boot{base: base{DeviceID: device, TS: time.UnixMilli(ms)}, Success: true}, nil
	}

	var p bootPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "bad boot payload", Err: err}
	}
	ts := now
	if p.TS > 0 {
		ts = time.UnixMilli(p.TS)
	}
	success := true
	if p.Success != nil {
		success = *p.Success
	}
	return &Boot{base: base{DeviceID: device, TS: ts}, Reason: p.Reason, Success: success, IP: p.IP, RSSI: p.RSSI}, nil
}

func decodeConsolidated(topic string, payload []byte, now time.Time) (Event, error) {
	parts := strings.Split(topic, "/")
	device := parts[1]
	var p StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "bad status json", Err: err}
	}
	ts := now
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}
	return &ConsolidatedStatus{base: base{DeviceID: device, TS: ts}, Payload: p}, nil
}

// UnmarshalJSON preserves fields beyond the normative code/message/since
// triple; devices attach ad-hoc diagnostic context there.
func (e *StatusError) UnmarshalJSON(data []byte) error {
	type alias StatusError
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err == nil {
		delete(extra, "code")
		delete(extra, "message")
		delete(extra, "since")
		if len(extra) > 0 {
			a.Extra = extra
		}
	}
	*e = StatusError(a)
	return nil
}
