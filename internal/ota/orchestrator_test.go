package ota

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/state"
)

type capturePublisher struct {
	published []codec.Command
	err       error
}

func (p *capturePublisher) Publish(cmd codec.Command) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, cmd)
	return nil
}

func newOrchestrator(t *testing.T) (*Orchestrator, *capturePublisher, *clock.Fake) {
	t.Helper()
	pub := &capturePublisher{}
	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	o := NewOrchestrator(testBuilder(t), pub, clk, slog.Default())
	return o, pub, clk
}

func TestTriggerPublishesManifest(t *testing.T) {
	o, pub, _ := newOrchestrator(t)

	attempt, err := o.Trigger("garage-controller", "main", StrategyRaw)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if attempt.Status != AttemptPending || attempt.Files == 0 {
		t.Errorf("attempt = %+v, want pending with files", attempt)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	cmd := pub.published[0]
	if cmd.Topic != "home/system/garage-controller/update" {
		t.Errorf("topic = %s", cmd.Topic)
	}
	var m Manifest
	if err := json.Unmarshal(cmd.Payload, &m); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if m.Ref != "main" || len(m.Files) != attempt.Files {
		t.Errorf("manifest = %+v, want ref main with %d files", m, attempt.Files)
	}
}

func TestTriggerRefusesConcurrentAttempt(t *testing.T) {
	o, _, _ := newOrchestrator(t)

	if _, err := o.Trigger("garage-controller", "main", StrategyRaw); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := o.Trigger("garage-controller", "main", StrategyRaw); err == nil {
		t.Fatal("second trigger accepted while first is active")
	}
	// A different device is fine.
	if _, err := o.Trigger("house-monitor", "main", StrategyRaw); err != nil {
		t.Errorf("other device trigger: %v", err)
	}
}

func TestAttemptSettlesOnRecovery(t *testing.T) {
	o, _, clk := newOrchestrator(t)
	attempt, err := o.Trigger("garage-controller", "main", StrategyRaw)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	o.observe(state.Change{DeviceID: "garage-controller", Kind: state.KindStatus,
		TS: clk.Now(), Before: "online", After: "updating"})
	o.observe(state.Change{DeviceID: "garage-controller", Kind: state.KindStatus,
		TS: clk.Now().Add(time.Minute), Before: "updating", After: "online"})

	got := o.Attempts()[0]
	if got.ID != attempt.ID || got.Status != AttemptSucceeded {
		t.Errorf("attempt = %+v, want succeeded", got)
	}

	// Settled attempt frees the device for the next update.
	if _, err := o.Trigger("garage-controller", "main", StrategyRaw); err != nil {
		t.Errorf("retrigger after success: %v", err)
	}
}

func TestAttemptFailsOnNeedsHelp(t *testing.T) {
	o, _, clk := newOrchestrator(t)
	if _, err := o.Trigger("garage-controller", "main", StrategyRaw); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	o.observe(state.Change{DeviceID: "garage-controller", Kind: state.KindStatus,
		TS: clk.Now(), Before: "online", After: "updating"})
	o.observe(state.Change{DeviceID: "garage-controller", Kind: state.KindStatus,
		TS: clk.Now(), Before: "updating", After: "needs_help"})

	got := o.Attempts()[0]
	if got.Status != AttemptFailed || !strings.Contains(got.Note, "needs_help") {
		t.Errorf("attempt = %+v, want failed with note", got)
	}
}

func TestOnlineBeforeUpdatingDoesNotSettle(t *testing.T) {
	o, _, clk := newOrchestrator(t)
	if _, err := o.Trigger("garage-controller", "main", StrategyRaw); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// A stray online transition before the device acknowledged the
	// update must not count as success.
	o.observe(state.Change{DeviceID: "garage-controller", Kind: state.KindStatus,
		TS: clk.Now(), Before: "offline", After: "online"})

	if got := o.Attempts()[0]; got.Status != AttemptPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
}
