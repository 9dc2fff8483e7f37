// Package store implements the Identity Store: durable device, group and
// peer-broker records behind a prepared-statement cache over SQLite
// (spec.md §4.1).
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the Identity Store. All exported methods are safe for concurrent
// use: statement preparation is serialized behind stmtMu and the prepared
// statements themselves are executed without holding it; the pool is
// limited to one connection (see Open), so database calls from concurrent
// callers still run one at a time (spec.md §5).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens (creating if necessary) the SQLite database at dataDir/meshbroker.db,
// applies the schema, and tunes the engine for the write pattern described in
// spec.md §4.1: WAL journaling, NORMAL synchronous durability, and an
// enlarged page cache.
func Open(ctx context.Context, dataDir string, logger *slog.Logger) (*Store, error) {
	path := filepath.Join(dataDir, "meshbroker.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY under WAL

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000", // ~20MB page cache
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger, stmts: make(map[string]*sql.Stmt)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle to collaborators that need raw SQL
// access outside the Identity Store's own operation set (the timeseries
// sink sharding its own tables).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases every cached prepared statement and the database handle.
func (s *Store) Close() error {
	s.resetStatementCache()
	return s.db.Close()
}

// resetStatementCache closes and clears every cached prepared statement.
// Called on Close and available to tests that re-run migrations.
func (s *Store) resetStatementCache() {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
}

// prepare returns a cached prepared statement for query, preparing and
// caching it on first use. Preparation is serialized; execution is not.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	if stmt, ok := s.stmts[query]; ok {
		s.stmtMu.Unlock()
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		s.stmtMu.Unlock()
		return nil, err
	}
	s.stmts[query] = stmt
	s.stmtMu.Unlock()
	return stmt, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	auth_key TEXT NOT NULL UNIQUE,
	client_id TEXT,
	username TEXT,
	password TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_client_id ON devices(client_id) WHERE client_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS device_groups (
	device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	UNIQUE(device_id, group_id)
);

CREATE TABLE IF NOT EXISTS device_status (
	device_id INTEGER NOT NULL UNIQUE REFERENCES devices(id) ON DELETE CASCADE,
	status INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'mqtt',
	last_active_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bridge_remotes (
	broker_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	token TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bridge_shared_devices (
	broker_id TEXT NOT NULL REFERENCES bridge_remotes(broker_id) ON DELETE CASCADE,
	device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	permissions TEXT NOT NULL,
	UNIQUE(broker_id, device_id)
);

CREATE TABLE IF NOT EXISTS broker_identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	broker_id TEXT NOT NULL,
	bridge_token TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// BootstrapIfEmpty auto-provisions exactly one device with a random uuid
// and authKey when the devices table is empty, logging the generated
// credentials to stdout as required by spec.md §4.1.
func (s *Store) BootstrapIfEmpty(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return fmt.Errorf("count devices: %w", err)
	}
	if count > 0 {
		return nil
	}

	deviceUUID := uuid.NewString()
	authKey := randomHex(32)

	dev, err := s.CreateDevice(ctx, deviceUUID, authKey)
	if err != nil {
		return fmt.Errorf("bootstrap device: %w", err)
	}
	grp, err := s.CreateGroup(ctx, deviceUUID)
	if err != nil {
		return fmt.Errorf("bootstrap group: %w", err)
	}
	if err := s.AddDeviceToGroup(ctx, dev.ID, grp.ID); err != nil {
		return fmt.Errorf("bootstrap membership: %w", err)
	}

	s.logger.Info("bootstrapped initial device",
		"uuid", deviceUUID, "authKey", authKey)
	fmt.Printf("bootstrapped device uuid=%s authKey=%s\n", deviceUUID, authKey)
	return nil
}

// GetOrCreateBrokerIdentity returns this instance's brokerId and bridge
// token, generating and persisting them on first run per spec.md §6.
func (s *Store) GetOrCreateBrokerIdentity(ctx context.Context, envBrokerID, envToken string) (brokerID, token string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT broker_id, bridge_token FROM broker_identity WHERE id = 1`)
	err = row.Scan(&brokerID, &token)
	if err == nil {
		return brokerID, token, nil
	}
	if err != sql.ErrNoRows {
		return "", "", fmt.Errorf("load broker identity: %w", err)
	}

	brokerID = envBrokerID
	if brokerID == "" {
		brokerID = "broker-" + randomHex(16)
	}
	token = envToken
	if token == "" {
		token = randomHex(64)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broker_identity (id, broker_id, bridge_token) VALUES (1, ?, ?)`,
		brokerID, token)
	if err != nil {
		return "", "", fmt.Errorf("persist broker identity: %w", err)
	}
	return brokerID, token, nil
}

func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
