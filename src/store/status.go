package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HTTPOfflineAfter is how long an HTTP-mode device may go quiet before it
// is considered offline (spec.md §3).
const HTTPOfflineAfter = 10 * 60 * 1000 // ms

// DeviceStatus is the durable online/offline projection for one device
// (spec.md §3).
type DeviceStatus struct {
	DeviceID     int64
	Status       int // 0=offline, 1=online
	Mode         string
	LastActiveAt int64
}

// UpdateDeviceOnlineStatus upserts the status row for deviceID.
func (s *Store) UpdateDeviceOnlineStatus(ctx context.Context, deviceID int64, online bool, mode string) error {
	status := 0
	if online {
		status = 1
	}
	stmt, err := s.prepare(ctx, `
		INSERT INTO device_status (device_id, status, mode, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET status = excluded.status, mode = excluded.mode, last_active_at = excluded.last_active_at`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, deviceID, status, mode, nowMillis())
	if err != nil {
		return fmt.Errorf("upsert device status: %w", err)
	}
	return nil
}

// MarkDeviceOffline flips deviceID's status row to offline without
// touching its mode.
func (s *Store) MarkDeviceOffline(ctx context.Context, deviceID int64) error {
	stmt, err := s.prepare(ctx, `UPDATE device_status SET status = 0, last_active_at = ? WHERE device_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, nowMillis(), deviceID)
	return err
}

// MarkInactiveHTTPDevicesOffline sets offline every device whose mode is
// http, whose status is online, and whose last activity predates the
// 10-minute cutoff (spec.md §3, §4.1).
func (s *Store) MarkInactiveHTTPDevicesOffline(ctx context.Context) (int64, error) {
	cutoff := nowMillis() - HTTPOfflineAfter
	stmt, err := s.prepare(ctx, `UPDATE device_status SET status = 0 WHERE mode = 'http' AND status = 1 AND last_active_at < ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark inactive http devices offline: %w", err)
	}
	return res.RowsAffected()
}

// GetDeviceStatus returns the status row for deviceID.
func (s *Store) GetDeviceStatus(ctx context.Context, deviceID int64) (*DeviceStatus, error) {
	stmt, err := s.prepare(ctx, `SELECT device_id, status, mode, last_active_at FROM device_status WHERE device_id = ?`)
	if err != nil {
		return nil, err
	}
	var st DeviceStatus
	err = stmt.QueryRowContext(ctx, deviceID).Scan(&st.DeviceID, &st.Status, &st.Mode, &st.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
