package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PeerBroker is a durable federation remote record (spec.md §3).
type PeerBroker struct {
	BrokerID string
	URL      string
	Token    string
	Enabled  bool
}

// BridgeSharedDevice is one row of the per-peer device-sharing ACL
// (spec.md §3).
type BridgeSharedDevice struct {
	BrokerID    string
	DeviceID    int64
	Permissions string
}

// UpsertPeerBroker creates or updates a peer broker record.
func (s *Store) UpsertPeerBroker(ctx context.Context, p PeerBroker) error {
	stmt, err := s.prepare(ctx, `
		INSERT INTO bridge_remotes (broker_id, url, token, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET url = excluded.url, token = excluded.token, enabled = excluded.enabled`)
	if err != nil {
		return err
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err = stmt.ExecContext(ctx, p.BrokerID, p.URL, p.Token, enabled)
	if err != nil {
		return fmt.Errorf("upsert peer broker: %w", err)
	}
	return nil
}

// GetPeerBroker looks up one peer by brokerId.
func (s *Store) GetPeerBroker(ctx context.Context, brokerID string) (*PeerBroker, error) {
	stmt, err := s.prepare(ctx, `SELECT broker_id, url, token, enabled FROM bridge_remotes WHERE broker_id = ?`)
	if err != nil {
		return nil, err
	}
	var p PeerBroker
	var enabled int
	err = stmt.QueryRowContext(ctx, brokerID).Scan(&p.BrokerID, &p.URL, &p.Token, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	return &p, nil
}

// ListPeerBrokers returns every configured peer broker.
func (s *Store) ListPeerBrokers(ctx context.Context) ([]PeerBroker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT broker_id, url, token, enabled FROM bridge_remotes ORDER BY broker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerBroker
	for rows.Next() {
		var p PeerBroker
		var enabled int
		if err := rows.Scan(&p.BrokerID, &p.URL, &p.Token, &enabled); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePeerBroker removes a peer broker and its share rows (cascade).
func (s *Store) DeletePeerBroker(ctx context.Context, brokerID string) error {
	stmt, err := s.prepare(ctx, `DELETE FROM bridge_remotes WHERE broker_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, brokerID)
	return err
}

// AddBridgeShare grants permissions on deviceID to brokerID.
func (s *Store) AddBridgeShare(ctx context.Context, brokerID string, deviceID int64, permissions string) error {
	stmt, err := s.prepare(ctx, `
		INSERT INTO bridge_shared_devices (broker_id, device_id, permissions) VALUES (?, ?, ?)
		ON CONFLICT(broker_id, device_id) DO UPDATE SET permissions = excluded.permissions`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, brokerID, deviceID, permissions)
	if err != nil {
		return fmt.Errorf("add bridge share: %w", err)
	}
	return nil
}

// RemoveBridgeShare revokes brokerID's access to deviceID.
func (s *Store) RemoveBridgeShare(ctx context.Context, brokerID string, deviceID int64) error {
	stmt, err := s.prepare(ctx, `DELETE FROM bridge_shared_devices WHERE broker_id = ? AND device_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, brokerID, deviceID)
	return err
}

// ListBridgeShares returns every share row for brokerID, joined with the
// device's uuid and clientId so callers can build a BridgeShareSyncMessage
// without a second round trip.
type BridgeShareEntry struct {
	BrokerID    string
	DeviceID    int64
	UUID        string
	ClientID    sql.NullString
	Permissions string
}

func (s *Store) ListBridgeShares(ctx context.Context, brokerID string) ([]BridgeShareEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bsd.broker_id, bsd.device_id, d.uuid, d.client_id, bsd.permissions
		FROM bridge_shared_devices bsd
		JOIN devices d ON d.id = bsd.device_id
		WHERE bsd.broker_id = ?`, brokerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BridgeShareEntry
	for rows.Next() {
		var e BridgeShareEntry
		if err := rows.Scan(&e.BrokerID, &e.DeviceID, &e.UUID, &e.ClientID, &e.Permissions); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBridgeShare returns the share row for (brokerID, deviceID), or
// ErrNotFound if none exists.
func (s *Store) GetBridgeShare(ctx context.Context, brokerID string, deviceID int64) (*BridgeSharedDevice, error) {
	stmt, err := s.prepare(ctx, `SELECT broker_id, device_id, permissions FROM bridge_shared_devices WHERE broker_id = ? AND device_id = ?`)
	if err != nil {
		return nil, err
	}
	var b BridgeSharedDevice
	err = stmt.QueryRowContext(ctx, brokerID, deviceID).Scan(&b.BrokerID, &b.DeviceID, &b.Permissions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CountBridgeShares reports how many share rows exist for brokerID, used to
// implement the "zero rows means open policy" default of spec.md §4.7.
func (s *Store) CountBridgeShares(ctx context.Context, brokerID string) (int, error) {
	stmt, err := s.prepare(ctx, `SELECT COUNT(*) FROM bridge_shared_devices WHERE broker_id = ?`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx, brokerID).Scan(&n)
	return n, err
}
