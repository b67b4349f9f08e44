package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChangeKind classifies a coarse state change.
type ChangeKind string

const (
	// KindStatus is a device status automaton transition.
	KindStatus ChangeKind = "status"
	// KindDoor, KindLight, KindPower, KindFreezer and KindWeather are
	// section transitions used for client fan-out grouping.
	KindDoor    ChangeKind = "door"
	KindLight   ChangeKind = "light"
	KindPower   ChangeKind = "power"
	KindFreezer ChangeKind = "freezer"
	KindWeather ChangeKind = "weather"
	// KindReading is an appended sensor sample.
	KindReading ChangeKind = "reading"
	// KindBoot is a device boot event.
	KindBoot ChangeKind = "boot"
	// KindDeviceInfo covers version/ip/rssi/last_seen updates.
	KindDeviceInfo ChangeKind = "device_info"
	// KindIncident covers incident open/update/resolve.
	KindIncident ChangeKind = "incident"
)

// Reading is the payload of a KindReading change.
type Reading struct {
	Metric string
	Value  float64
	TS     time.Time
}

// BootInfo is the payload of a KindBoot change.
type BootInfo struct {
	TS      time.Time
	Reason  string
	Success bool
}

// Change is a coarse record emitted whenever a device-visible field
// transitions. Before/After carry the old and new string values for
// status-like kinds; typed payloads ride on the optional fields.
type Change struct {
	DeviceID string
	Kind     ChangeKind
	TS       time.Time
	Before   string
	After    string

	Reading  *Reading
	Boot     *BootInfo
	Incident *Incident
}

// changeBus broadcasts changes to subscribers on bounded channels.
// A lagging subscriber loses queued changes rather than blocking the
// writer: the oldest non-critical entry is evicted first, so status,
// incident, boot and device_info changes survive readings under
// backpressure. Drops are counted.
type changeBus struct {
	mu         sync.RWMutex
	subs       map[chan Change]struct{}
	recvToSend map[<-chan Change]chan Change
	dropped    atomic.Int64
}

func newChangeBus() *changeBus {
	return &changeBus{
		subs:       make(map[chan Change]struct{}),
		recvToSend: make(map[<-chan Change]chan Change),
	}
}

// publish delivers c to every subscriber without blocking. Only the
// store's writer path calls publish, so the drain-and-requeue sequence
// cannot race another sender on the same channel.
func (b *changeBus) publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		b.evictAndSend(ch, c)
	}
}

// evictAndSend makes room on a full subscriber queue. The victim is the
// oldest non-critical queued change; when everything queued is critical
// the oldest entry goes regardless, since the writer must not block.
func (b *changeBus) evictAndSend(ch chan Change, c Change) {
	n := len(ch)
	queued := make([]Change, 0, n+1)
	for i := 0; i < n; i++ {
		select {
		case q := <-ch:
			queued = append(queued, q)
		default:
		}
	}
	queued = append(queued, c)
	if len(queued) > cap(ch) {
		victim := 0
		for i, q := range queued {
			if !criticalKind(q.Kind) {
				victim = i
				break
			}
		}
		queued = append(queued[:victim], queued[victim+1:]...)
		b.dropped.Add(1)
	}
	for _, q := range queued {
		select {
		case ch <- q:
		default:
			b.dropped.Add(1)
		}
	}
}

// criticalKind reports whether a change must survive backpressure.
// Matches the persistence writer's never-shed set.
func criticalKind(k ChangeKind) bool {
	switch k {
	case KindStatus, KindDeviceInfo, KindBoot, KindIncident:
		return true
	}
	return false
}

func (b *changeBus) subscribe(bufSize int) <-chan Change {
	ch := make(chan Change, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

func (b *changeBus) unsubscribe(ch <-chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}
