package codec

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DecodeError reports a malformed payload or an unhandled topic inside
// the home/ hierarchy. It is logged and counted by the caller, never
// fatal.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Topic, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFunc turns a raw message into an event. topic is the concrete
// topic the message arrived on (never the pattern); now is the
// server-assigned ingest time used when the payload carries none.
type DecodeFunc func(topic string, payload []byte, now time.Time) (Event, error)

type registration struct {
	pattern string
	levels  []string
	decode  DecodeFunc
	order   int
}

// specificity counts literal (non-wildcard) levels. The registry
// resolves the most specific matching pattern first; ties break by
// registration order.
func (r registration) specificity() int {
	n := 0
	for _, l := range r.levels {
		if l != "+" && l != "#" {
			n++
		}
	}
	return n
}

// Registry maps topic patterns to decoders. Build it once at startup
// with Register calls; Decode is then safe for concurrent use.
type Registry struct {
	regs []registration
}

// NewRegistry returns a registry preloaded with the full home/
// subscription set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.registerDefaults()
	return r
}

// Register adds a decoder for a topic pattern. Patterns use the bus's
// single-level (+) and multi-level (#) wildcards.
func (r *Registry) Register(pattern string, decode DecodeFunc) {
	reg := registration{
		pattern: pattern,
		levels:  strings.Split(pattern, "/"),
		decode:  decode,
		order:   len(r.regs),
	}
	r.regs = append(r.regs, reg)
	// Most specific first; ties keep registration order.
	sort.SliceStable(r.regs, func(i, j int) bool {
		return r.regs[i].specificity() > r.regs[j].specificity()
	})
}

// Decode resolves the most specific matching pattern for topic and
// runs its decoder. Topics outside the home/ hierarchy return
// (nil, nil) and are silently ignored; topics under home/ with no
// registered pattern (or with bad payloads) return a *DecodeError.
func (r *Registry) Decode(topic string, payload []byte, now time.Time) (Event, error) {
	if !strings.HasPrefix(topic, "home/") {
		return nil, nil
	}
	levels := strings.Split(topic, "/")
	for _, reg := range r.regs {
		if matchLevels(reg.levels, levels) {
			ev, err := reg.decode(topic, payload, now)
			if err != nil {
				if de, ok := err.(*DecodeError); ok {
					return nil, de
				}
				return nil, &DecodeError{Topic: topic, Reason: "bad payload", Err: err}
			}
			return ev, nil
		}
	}
	return nil, &DecodeError{Topic: topic, Reason: "no decoder for topic"}
}

// Patterns returns the subscription patterns in registration order,
// for the bus adapter to subscribe with.
func (r *Registry) Patterns() []string {
	byOrder := make([]registration, len(r.regs))
	copy(byOrder, r.regs)
	sort.Slice(byOrder, func(i, j int) bool { return byOrder[i].order < byOrder[j].order })
	out := make([]string, len(byOrder))
	for i, reg := range byOrder {
		out[i] = reg.pattern
	}
	return out
}

// matchLevels implements bus wildcard matching: + matches exactly one
// level, # matches the remainder (and must be last).
func matchLevels(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return i == len(pattern)-1
		}
		if i >= len(topic) {
			return false
		}
		if p != "+" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

// MatchTopic reports whether a single pattern matches a concrete topic.
func MatchTopic(pattern, topic string) bool {
	return matchLevels(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}
