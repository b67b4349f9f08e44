package state

import (
	"context"
	"time"
)

// Sweep marks every online device that has been silent longer than the
// offline timeout as offline. Returns the transitions it caused.
func (s *Store) Sweep() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var changes []Change
	for _, dev := range s.devices {
		if dev.Status != StatusOnline && dev.Status != StatusUpdating {
			continue
		}
		if now.Sub(dev.LastSeen) <= s.offlineTimeout {
			continue
		}
		before := dev.Status
		dev.Status = StatusOffline
		dev.otaInFlight, dev.otaDone = false, false
		s.logger.Warn("device silent, marking offline",
			"device_id", dev.DeviceID,
			"last_seen", dev.LastSeen,
		)
		changes = append(changes, Change{
			DeviceID: dev.DeviceID,
			Kind:     KindStatus,
			TS:       now,
			Before:   string(before),
			After:    string(StatusOffline),
		})
	}
	for _, c := range changes {
		s.bus.publish(c)
	}
	return changes
}

// RunSweeper runs Sweep once per second until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
