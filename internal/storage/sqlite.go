// Package storage persists device state, sensor history, incidents and
// boot events to SQLite. The in-memory store stays authoritative for
// current state; this layer exists for history queries and restarts.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed persistence layer. All timestamps are stored
// as integer unix milliseconds in UTC.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and applies the schema. driver
// is normally "sqlite3"; tests pass "sqlite" for the cgo-free driver.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- Device registry, last-writer-wins on every column
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version TEXT,
		ip_address TEXT,
		rssi INTEGER,
		last_seen INTEGER NOT NULL,
		last_boot INTEGER
	);

	-- Append-only sensor samples
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_series ON sensor_readings(device_id, metric, ts);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON sensor_readings(ts);

	-- Incidents; at most one unresolved row per (device, code)
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		code TEXT NOT NULL,
		message TEXT,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution_note TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open
		ON incidents(device_id, code) WHERE resolved = 0;
	CREATE INDEX IF NOT EXISTS idx_incidents_device ON incidents(device_id, first_seen);

	-- Boot history
	CREATE TABLE IF NOT EXISTS device_boots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		reason TEXT,
		success INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_boots_device ON device_boots(device_id, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceRow is one row of the devices table.
type DeviceRow struct {
	DeviceID  string
	Status    string
	Version   string
	IPAddress string
	RSSI      *int
	LastSeen  time.Time
	LastBoot  time.Time
}

// ReadingRow is one sensor sample.
type ReadingRow struct {
	DeviceID string
	Metric   string
	Value    float64
	TS       time.Time
}

// IncidentRow is one incident record.
type IncidentRow struct {
	ID             string
	DeviceID       string
	Code           string
	Message        string
	FirstSeen      time.Time
	LastSeen       time.Time
	Resolved       bool
	ResolutionNote string
}

// BootRow is one boot event.
type BootRow struct {
	DeviceID string
	TS       time.Time
	Reason   string
	Success  bool
}

// UpsertDevice writes the device row, last writer wins.
func (s *Store) UpsertDevice(ctx context.Context, d DeviceRow) error {
	var lastBoot any
	if !d.LastBoot.IsZero() {
		lastBoot = d.LastBoot.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, status, version, ip_address, rssi, last_seen, last_boot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			ip_address = excluded.ip_address,
			rssi = excluded.rssi,
			last_seen = excluded.last_seen,
			last_boot = COALESCE(excluded.last_boot, devices.last_boot)
	`, d.DeviceID, d.Status, d.Version, d.IPAddress, d.RSSI, d.LastSeen.UnixMilli(), lastBoot)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// InsertReadings appends a batch of samples in one transaction.
func (s *Store) InsertReadings(ctx context.Context, rows []ReadingRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_readings (device_id, metric, value, ts) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.DeviceID, r.Metric, r.Value, r.TS.UnixMilli()); err != nil {
			return fmt.Errorf("insert reading %s/%s: %w", r.DeviceID, r.Metric, err)
		}
	}
	return tx.Commit()
}

// UpsertIncident records an open incident, refreshing last_seen and
// message when the (device, code) pair already has an unresolved row.
func (s *Store) UpsertIncident(ctx context.Context, inc IncidentRow) error {
	id := inc.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("incident id: %w", err)
		}
		id = u.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, device_id, code, message, first_seen, last_seen, resolved)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id, code) WHERE resolved = 0 DO UPDATE SET
			message = excluded.message,
			last_seen = excluded.last_seen
	`, id, inc.DeviceID, inc.Code, inc.Message, inc.FirstSeen.UnixMilli(), inc.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert incident %s/%s: %w", inc.DeviceID, inc.Code, err)
	}
	return nil
}

// ResolveIncident marks the open incident for (device, code) resolved.
// Resolving an already-resolved or unknown incident is a no-op.
func (s *Store) ResolveIncident(ctx context.Context, deviceID, code, note string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET resolved = 1, resolution_note = ?, last_seen = ?
		WHERE device_id = ? AND code = ? AND resolved = 0
	`, note, at.UnixMilli(), deviceID, code)
	if err != nil {
		return fmt.Errorf("resolve incident %s/%s: %w", deviceID, code, err)
	}
	return nil
}

// InsertBoot appends a boot event.
func (s *Store) InsertBoot(ctx context.Context, b BootRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_boots (device_id, ts, reason, success) VALUES (?, ?, ?, ?)
	`, b.DeviceID, b.TS.UnixMilli(), b.Reason, b.Success)
	if err != nil {
		return fmt.Errorf("insert boot %s: %w", b.DeviceID, err)
	}
	return nil
}

// Devices returns all known device rows ordered by id.
func (s *Store) Devices(ctx context.Context) ([]DeviceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, status, COALESCE(version, ''), COALESCE(ip_address, ''),
			rssi, last_seen, COALESCE(last_boot, 0)
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var d DeviceRow
		var lastSeen, lastBoot int64
		if err := rows.Scan(&d.DeviceID, &d.Status, &d.Version, &d.IPAddress, &d.RSSI, &lastSeen, &lastBoot); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.LastSeen = time.UnixMilli(lastSeen).UTC()
		if lastBoot > 0 {
			d.LastBoot = time.UnixMilli(lastBoot).UTC()
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Incidents returns incident rows, newest first. When openOnly is set
// only unresolved incidents are returned.
func (s *Store) Incidents(ctx context.Context, openOnly bool, limit int) ([]IncidentRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, device_id, code, COALESCE(message, ''), first_seen, last_seen,
			resolved, COALESCE(resolution_note, '')
		FROM incidents
	`
	if openOnly {
		q += " WHERE resolved = 0"
	}
	q += " ORDER BY first_seen DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRow
	for rows.Next() {
		var r IncidentRow
		var first, last int64
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Code, &r.Message, &first, &last, &r.Resolved, &r.ResolutionNote); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		r.FirstSeen = time.UnixMilli(first).UTC()
		r.LastSeen = time.UnixMilli(last).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Boots returns the most recent boot events for a device.
func (s *Store) Boots(ctx context.Context, deviceID string, limit int) ([]BootRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, ts, COALESCE(reason, ''), success
		FROM device_boots WHERE device_id = ? ORDER BY ts DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query boots: %w", err)
	}
	defer rows.Close()

	var out []BootRow
	for rows.Next() {
		var b BootRow
		var ts int64
		if err := rows.Scan(&b.DeviceID, &ts, &b.Reason, &b.Success); err != nil {
			return nil, fmt.Errorf("scan boot: %w", err)
		}
		b.TS = time.UnixMilli(ts).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// PruneReadingsBefore deletes sensor samples older than cutoff and
// returns the number of rows removed. Devices, incidents and boots are
// kept indefinitely.
func (s *Store) PruneReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	return res.RowsAffected()
}
