// Package command validates operator actions and turns them into bus
// publishes. It is the single write path from the HTTP surface to
// devices.
package command

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/corvids-nest/iris/internal/bus"
	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/ota"
	"github.com/corvids-nest/iris/internal/state"
)

var (
	// ErrUnknownDevice rejects commands addressed to a device the
	// server has never observed.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrBusUnavailable means the broker connection is not up.
	ErrBusUnavailable = errors.New("bus unavailable")
)

// Publisher is the outbound bus interface the dispatcher needs.
type Publisher interface {
	Publish(codec.Command) error
}

// Dispatcher validates and publishes device commands.
type Dispatcher struct {
	states *state.Store
	pub    Publisher
	ota    *ota.Orchestrator
	logger *slog.Logger
}

// New creates a dispatcher.
func New(states *state.Store, pub Publisher, orch *ota.Orchestrator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{states: states, pub: pub, ota: orch, logger: logger}
}

// Door publishes a garage door action: open, close or toggle.
func (d *Dispatcher) Door(action string) error {
	cmd, err := codec.EncodeCommand(codec.CmdDoor, action)
	if err != nil {
		return err
	}
	return d.publish(cmd, "door", action)
}

// Light publishes a flood light action: on, off or toggle.
func (d *Dispatcher) Light(action string) error {
	cmd, err := codec.EncodeCommand(codec.CmdLight, action)
	if err != nil {
		return err
	}
	return d.publish(cmd, "light", action)
}

// Reboot asks a known device to restart.
func (d *Dispatcher) Reboot(deviceID string) error {
	if !d.states.HasDevice(deviceID) {
		return fmt.Errorf("reboot %s: %w", deviceID, ErrUnknownDevice)
	}
	cmd, err := codec.EncodeCommand(codec.CmdReboot, deviceID)
	if err != nil {
		return err
	}
	return d.publish(cmd, "reboot", deviceID)
}

// Ping asks a known device for a liveness response.
func (d *Dispatcher) Ping(deviceID string) error {
	if !d.states.HasDevice(deviceID) {
		return fmt.Errorf("ping %s: %w", deviceID, ErrUnknownDevice)
	}
	cmd, err := codec.EncodeCommand(codec.CmdPing, deviceID)
	if err != nil {
		return err
	}
	return d.publish(cmd, "ping", deviceID)
}

// TriggerUpdate starts an OTA push for a known device.
func (d *Dispatcher) TriggerUpdate(deviceID, ref string, strategy ota.URLStrategy) (*ota.Attempt, error) {
	if !d.states.HasDevice(deviceID) {
		return nil, fmt.Errorf("update %s: %w", deviceID, ErrUnknownDevice)
	}
	attempt, err := d.ota.Trigger(deviceID, ref, strategy)
	if err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			return nil, fmt.Errorf("update %s: %w", deviceID, ErrBusUnavailable)
		}
		return nil, err
	}
	return attempt, nil
}

// PreviewUpdate builds the manifest an update would publish.
func (d *Dispatcher) PreviewUpdate(deviceID, ref string, strategy ota.URLStrategy) (*ota.Manifest, error) {
	return d.ota.Preview(deviceID, ref, strategy)
}

func (d *Dispatcher) publish(cmd codec.Command, kind, arg string) error {
	if err := d.pub.Publish(cmd); err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			return fmt.Errorf("%s %s: %w", kind, arg, ErrBusUnavailable)
		}
		return fmt.Errorf("%s %s: %w", kind, arg, err)
	}
	d.logger.Info("command published", "kind", kind, "arg", arg, "topic", cmd.Topic)
	return nil
}
