package storage

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/corvids-nest/iris/internal/state"
)

const (
	backoffMin = 100 * time.Millisecond
	backoffMax = 10 * time.Second
)

// WriterOptions configures the persistence writer.
type WriterOptions struct {
	// BatchSize flushes the reading buffer when it fills. Default 128.
	BatchSize int
	// BatchInterval flushes a partial buffer on a timer. Default 250ms.
	BatchInterval time.Duration
	// MaxPending caps buffered readings while the database is down.
	// Beyond it, the oldest readings are shed; status, incident and
	// boot writes are never shed. Default 4096.
	MaxPending int
	// Retention drops sensor readings older than this. Zero disables
	// pruning.
	Retention time.Duration
	Logger    *slog.Logger
}

// Writer drains the state change stream into SQLite. Readings are
// batched; device, incident and boot writes go through with retry.
type Writer struct {
	store  *Store
	states *state.Store
	opts   WriterOptions
	logger *slog.Logger

	pending  []ReadingRow
	critical []state.Change
	shed     int64

	// failingSince is the unix-ms start of the current write failure
	// run, 0 when healthy. Read by the alert evaluator.
	failingSince atomic.Int64
}

// NewWriter creates a writer persisting changes from states into store.
func NewWriter(store *Store, states *state.Store, opts WriterOptions) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 250 * time.Millisecond
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{store: store, states: states, opts: opts, logger: opts.Logger}
}

// Run consumes changes until ctx is cancelled, then makes a final
// flush attempt. Database failures back off exponentially; ingestion
// keeps buffering meanwhile.
func (w *Writer) Run(ctx context.Context, changes <-chan state.Change) {
	flushTick := time.NewTicker(w.opts.BatchInterval)
	defer flushTick.Stop()

	var pruneC <-chan time.Time
	if w.opts.Retention > 0 {
		pruneTick := time.NewTicker(24 * time.Hour)
		defer pruneTick.Stop()
		pruneC = pruneTick.C
		w.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushOnce(flushCtx)
			cancel()
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			w.enqueue(c)
			if len(w.pending) >= w.opts.BatchSize || len(w.critical) > 0 {
				w.flush(ctx)
			}
		case <-flushTick.C:
			w.flush(ctx)
		case <-pruneC:
			w.prune(ctx)
		}
	}
}

func (w *Writer) enqueue(c state.Change) {
	switch c.Kind {
	case state.KindReading:
		if c.Reading == nil {
			return
		}
		w.pending = append(w.pending, ReadingRow{
			DeviceID: c.DeviceID,
			Metric:   c.Reading.Metric,
			Value:    c.Reading.Value,
			TS:       c.Reading.TS,
		})
		if len(w.pending) > w.opts.MaxPending {
			drop := len(w.pending) - w.opts.MaxPending
			w.pending = w.pending[drop:]
			w.shed += int64(drop)
			w.logger.Warn("shedding buffered readings", "dropped", drop, "total_shed", w.shed)
		}
	case state.KindStatus, state.KindDeviceInfo, state.KindBoot, state.KindIncident:
		w.critical = append(w.critical, c)
	default:
		// Section changes describe current state only; the readings
		// stream already carries the history.
	}
}

// flush retries with backoff until everything pending is written or
// ctx is cancelled.
func (w *Writer) flush(ctx context.Context) {
	backoff := backoffMin
	for {
		if w.flushOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// flushOnce attempts one write pass. Returns true when nothing is left.
func (w *Writer) flushOnce(ctx context.Context) bool {
	for len(w.critical) > 0 {
		if err := w.writeCritical(ctx, w.critical[0]); err != nil {
			w.logger.Error("persist change failed", "kind", w.critical[0].Kind, "error", err)
			w.markFailure()
			return false
		}
		w.critical = w.critical[1:]
	}
	if len(w.pending) > 0 {
		if err := w.store.InsertReadings(ctx, w.pending); err != nil {
			w.logger.Error("persist readings failed", "count", len(w.pending), "error", err)
			w.markFailure()
			return false
		}
		w.pending = w.pending[:0]
	}
	w.failingSince.Store(0)
	return true
}

func (w *Writer) markFailure() {
	if w.failingSince.Load() == 0 {
		w.failingSince.Store(time.Now().UnixMilli())
	}
}

// FailingSince returns when the current run of write failures began, or
// the zero time when the last flush succeeded. Live state keeps serving
// either way; this only feeds the system-level alert.
func (w *Writer) FailingSince() time.Time {
	ms := w.failingSince.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (w *Writer) writeCritical(ctx context.Context, c state.Change) error {
	switch c.Kind {
	case state.KindStatus, state.KindDeviceInfo:
		return w.upsertDevice(ctx, c.DeviceID)
	case state.KindBoot:
		if c.Boot != nil {
			if err := w.store.InsertBoot(ctx, BootRow{
				DeviceID: c.DeviceID,
				TS:       c.Boot.TS,
				Reason:   c.Boot.Reason,
				Success:  c.Boot.Success,
			}); err != nil {
				return err
			}
		}
		return w.upsertDevice(ctx, c.DeviceID)
	case state.KindIncident:
		if c.Incident == nil {
			return nil
		}
		if c.Incident.Resolved {
			return w.store.ResolveIncident(ctx, c.Incident.DeviceID, c.Incident.Code, c.Incident.ResolutionNote, c.Incident.LastSeen)
		}
		return w.store.UpsertIncident(ctx, IncidentRow{
			DeviceID:  c.Incident.DeviceID,
			Code:      c.Incident.Code,
			Message:   c.Incident.Message,
			FirstSeen: c.Incident.FirstSeen,
			LastSeen:  c.Incident.LastSeen,
		})
	}
	return nil
}

func (w *Writer) upsertDevice(ctx context.Context, deviceID string) error {
	dev, ok := w.states.SnapshotDevice(deviceID)
	if !ok {
		return nil
	}
	return w.store.UpsertDevice(ctx, DeviceRow{
		DeviceID:  dev.DeviceID,
		Status:    string(dev.Status),
		Version:   dev.Version,
		IPAddress: dev.IPAddress,
		RSSI:      dev.RSSI,
		LastSeen:  dev.LastSeen,
		LastBoot:  dev.LastBoot,
	})
}

func (w *Writer) prune(ctx context.Context) {
	cutoff := time.Now().Add(-w.opts.Retention)
	n, err := w.store.PruneReadingsBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("prune readings failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("pruned old readings", "rows", n, "cutoff", cutoff)
	}
}

// jitter spreads d by +/-20% so parallel retries do not align.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
