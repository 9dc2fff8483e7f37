package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Device is a durable device identity record (spec.md §3).
type Device struct {
	ID        int64
	UUID      string
	AuthKey   string
	ClientID  sql.NullString
	Username  sql.NullString
	Password  sql.NullString
	CreatedAt int64
	UpdatedAt int64
}

// CreateDevice inserts a new device with the given uuid and authKey.
func (s *Store) CreateDevice(ctx context.Context, uuid, authKey string) (*Device, error) {
	stmt, err := s.prepare(ctx, `INSERT INTO devices (uuid, auth_key, created_at, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	now := nowMillis()
	res, err := stmt.ExecContext(ctx, uuid, authKey, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Device{ID: id, UUID: uuid, AuthKey: authKey, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.UUID, &d.AuthKey, &d.ClientID, &d.Username, &d.Password, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const deviceColumns = `id, uuid, auth_key, client_id, username, password, created_at, updated_at`

// GetDeviceByUUID looks up a device by its stable uuid.
func (s *Store) GetDeviceByUUID(ctx context.Context, uuid string) (*Device, error) {
	stmt, err := s.prepare(ctx, `SELECT `+deviceColumns+` FROM devices WHERE uuid = ?`)
	if err != nil {
		return nil, err
	}
	return s.scanDevice(stmt.QueryRowContext(ctx, uuid))
}

// GetDeviceByAuthKey looks up a device by its authKey secret.
func (s *Store) GetDeviceByAuthKey(ctx context.Context, authKey string) (*Device, error) {
	stmt, err := s.prepare(ctx, `SELECT `+deviceColumns+` FROM devices WHERE auth_key = ?`)
	if err != nil {
		return nil, err
	}
	return s.scanDevice(stmt.QueryRowContext(ctx, authKey))
}

// GetDeviceByClientID looks up a device by its current MQTT clientId.
func (s *Store) GetDeviceByClientID(ctx context.Context, clientID string) (*Device, error) {
	stmt, err := s.prepare(ctx, `SELECT `+deviceColumns+` FROM devices WHERE client_id = ?`)
	if err != nil {
		return nil, err
	}
	return s.scanDevice(stmt.QueryRowContext(ctx, clientID))
}

// GetDeviceByID looks up a device by surrogate id.
func (s *Store) GetDeviceByID(ctx context.Context, id int64) (*Device, error) {
	stmt, err := s.prepare(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return s.scanDevice(stmt.QueryRowContext(ctx, id))
}

// UpdateDeviceConnection rewrites the MQTT credential triple for the
// device identified by authKey, invalidating whatever triple was issued
// before (spec.md §3 invariant).
func (s *Store) UpdateDeviceConnection(ctx context.Context, authKey, clientID, username, password string) error {
	stmt, err := s.prepare(ctx, `UPDATE devices SET client_id = ?, username = ?, password = ?, updated_at = ? WHERE auth_key = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, clientID, username, password, nowMillis(), authKey)
	if err != nil {
		return fmt.Errorf("update device connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device and its group memberships/bridge shares
// (cascade), used by the Management Adapter's device CRUD surface.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	stmt, err := s.prepare(ctx, `DELETE FROM devices WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, id)
	return err
}

// GetAllDevices returns every device row, used by management listings.
func (s *Store) GetAllDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UUID, &d.AuthKey, &d.ClientID, &d.Username, &d.Password, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
