package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Group is a durable named device set (spec.md §3).
type Group struct {
	ID   int64
	Name string
}

// CreateGroup inserts a new group, or returns the existing one if name is
// already taken (newly registered devices are always joined to a group
// named after their own uuid, so this path is hit routinely).
func (s *Store) CreateGroup(ctx context.Context, name string) (*Group, error) {
	if existing, err := s.GetGroupByName(ctx, name); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	stmt, err := s.prepare(ctx, `INSERT INTO groups (name) VALUES (?)`)
	if err != nil {
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Group{ID: id, Name: name}, nil
}

// GetGroupByName looks up a group by its unique name.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	stmt, err := s.prepare(ctx, `SELECT id, name FROM groups WHERE name = ?`)
	if err != nil {
		return nil, err
	}
	var g Group
	err = stmt.QueryRowContext(ctx, name).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// AddDeviceToGroup links deviceID and groupID. Re-adding an existing
// membership is a no-op.
func (s *Store) AddDeviceToGroup(ctx context.Context, deviceID, groupID int64) error {
	stmt, err := s.prepare(ctx, `INSERT OR IGNORE INTO device_groups (device_id, group_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, deviceID, groupID)
	if err != nil {
		return fmt.Errorf("add device to group: %w", err)
	}
	return nil
}

// GetDeviceGroups returns the names of every group deviceID belongs to.
func (s *Store) GetDeviceGroups(ctx context.Context, deviceID int64) ([]string, error) {
	stmt, err := s.prepare(ctx, `SELECT g.name FROM groups g JOIN device_groups dg ON dg.group_id = g.id WHERE dg.device_id = ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetGroupDevices returns every device belonging to groupName.
func (s *Store) GetGroupDevices(ctx context.Context, groupName string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.uuid, d.auth_key, d.client_id, d.username, d.password, d.created_at, d.updated_at
		FROM devices d
		JOIN device_groups dg ON dg.device_id = d.id
		JOIN groups g ON g.id = dg.group_id
		WHERE g.name = ?`, groupName)
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

// IsDeviceInGroup is the Identity Store fallback consulted after a Device
// Cache miss (spec.md §4.4).
func (s *Store) IsDeviceInGroup(ctx context.Context, deviceID int64, groupName string) (bool, error) {
	stmt, err := s.prepare(ctx, `
		SELECT 1 FROM device_groups dg
		JOIN groups g ON g.id = dg.group_id
		WHERE dg.device_id = ? AND g.name = ?`)
	if err != nil {
		return false, err
	}
	var one int
	err = stmt.QueryRowContext(ctx, deviceID, groupName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
