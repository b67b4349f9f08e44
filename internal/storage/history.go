package storage

import (
	"context"
	"fmt"
	"time"
)

// HistoryPoint is one aggregated bucket of a metric series. Buckets
// with no samples are omitted, never zero-filled.
type HistoryPoint struct {
	TS    time.Time `json:"ts"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Count int       `json:"count"`
}

// ParseBucket maps a query-string bucket name to a duration. Buckets
// align to UTC wall-clock boundaries.
func ParseBucket(name string) (time.Duration, error) {
	switch name {
	case "", "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown bucket %q", name)
	}
}

// ReadingHistory returns bucketed aggregates for one metric series over
// [from, to). Bucket boundaries are UTC-aligned via integer division on
// the millisecond timestamps.
func (s *Store) ReadingHistory(ctx context.Context, deviceID, metric string, from, to time.Time, bucket time.Duration) ([]HistoryPoint, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	bucketMS := bucket.Milliseconds()

	rows, err := s.db.QueryContext(ctx, `
		SELECT (ts / ?) * ? AS bucket, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM sensor_readings
		WHERE device_id = ? AND metric = ? AND ts >= ? AND ts < ?
		GROUP BY bucket ORDER BY bucket
	`, bucketMS, bucketMS, deviceID, metric, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query history %s/%s: %w", deviceID, metric, err)
	}
	defer rows.Close()

	var out []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		var ts int64
		if err := rows.Scan(&ts, &p.Avg, &p.Min, &p.Max, &p.Count); err != nil {
			return nil, fmt.Errorf("scan history point: %w", err)
		}
		p.TS = time.UnixMilli(ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
