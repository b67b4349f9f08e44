package ota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvids-nest/iris/internal/clock"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/state"
)

// Publisher is the outbound side of the bus.
type Publisher interface {
	Publish(codec.Command) error
}

// AttemptStatus is the lifecycle of one update attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
)

// Attempt records one update push and its outcome.
type Attempt struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Ref        string        `json:"ref"`
	Strategy   URLStrategy   `json:"strategy"`
	Files      int           `json:"files"`
	Status     AttemptStatus `json:"status"`
	Note       string        `json:"note,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

const maxAttemptHistory = 50

// Orchestrator publishes update manifests and follows each attempt
// through the device's status transitions.
type Orchestrator struct {
	builder *Builder
	pub     Publisher
	clk     clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	current  map[string]*Attempt // device -> active attempt
	attempts []*Attempt          // newest first
}

// NewOrchestrator wires the builder to the bus.
func NewOrchestrator(builder *Builder, pub Publisher, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Orchestrator{
		builder: builder,
		pub:     pub,
		clk:     clk,
		logger:  logger,
		current: make(map[string]*Attempt),
	}
}

// Preview builds the manifest without publishing it.
func (o *Orchestrator) Preview(deviceID, ref string, strategy URLStrategy) (*Manifest, error) {
	return o.builder.Build(deviceID, ref, strategy)
}

// Trigger builds and publishes the manifest for one device. Only one
// attempt per device may be active at a time.
func (o *Orchestrator) Trigger(deviceID, ref string, strategy URLStrategy) (*Attempt, error) {
	o.mu.Lock()
	if cur, ok := o.current[deviceID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("update already active for %s (attempt %s)", deviceID, cur.ID)
	}
	o.mu.Unlock()

	m, err := o.builder.Build(deviceID, ref, strategy)
	if err != nil {
		return nil, err
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("manifest for %s at %s is empty", deviceID, ref)
	}

	cmd, err := codec.EncodeUpdate(deviceID, m)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("attempt id: %w", err)
	}
	attempt := &Attempt{
		ID:        id.String(),
		DeviceID:  deviceID,
		Ref:       ref,
		Strategy:  strategy,
		Files:     len(m.Files),
		Status:    AttemptPending,
		StartedAt: o.clk.Now(),
	}

	if err := o.pub.Publish(cmd); err != nil {
		return nil, fmt.Errorf("publish update: %w", err)
	}

	o.mu.Lock()
	o.current[deviceID] = attempt
	o.attempts = append([]*Attempt{attempt}, o.attempts...)
	if len(o.attempts) > maxAttemptHistory {
		o.attempts = o.attempts[:maxAttemptHistory]
	}
	o.mu.Unlock()

	o.logger.Info("update triggered",
		"device_id", deviceID, "ref", ref, "files", attempt.Files, "attempt", attempt.ID)
	return attempt, nil
}

// Attempts returns recent attempts, newest first.
func (o *Orchestrator) Attempts() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attempt, len(o.attempts))
	for i, a := range o.attempts {
		out[i] = *a
	}
	return out
}

// Run follows device status transitions until ctx is cancelled,
// settling active attempts as they progress.
func (o *Orchestrator) Run(ctx context.Context, changes <-chan state.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind == state.KindStatus {
				o.observe(c)
			}
		}
	}
}

// observe settles the active attempt for a device based on its status
// transition: updating means in progress, online after updating means
// success, needs_help or offline means failure.
func (o *Orchestrator) observe(c state.Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	attempt, ok := o.current[c.DeviceID]
	if !ok {
		return
	}
	switch state.DeviceStatus(c.After) {
	case state.StatusUpdating:
		attempt.Status = AttemptInProgress
	case state.StatusOnline:
		if attempt.Status == AttemptInProgress {
			attempt.Status = AttemptSucceeded
			attempt.FinishedAt = c.TS
			delete(o.current, c.DeviceID)
			o.logger.Info("update succeeded", "device_id", c.DeviceID, "attempt", attempt.ID)
		}
	case state.StatusNeedsHelp, state.StatusError:
		attempt.Status = AttemptFailed
		attempt.Note = "device reported " + c.After
		attempt.FinishedAt = c.TS
		delete(o.current, c.DeviceID)
		o.logger.Error("update failed", "device_id", c.DeviceID, "attempt", attempt.ID, "status", c.After)
	case state.StatusOffline:
		attempt.Status = AttemptFailed
		attempt.Note = "device went silent during update"
		attempt.FinishedAt = c.TS
		delete(o.current, c.DeviceID)
		o.logger.Error("update failed, device silent", "device_id", c.DeviceID, "attempt", attempt.ID)
	}
}
