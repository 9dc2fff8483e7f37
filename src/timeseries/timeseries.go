// Package timeseries implements the per-day sharded numeric datapoint sink
// (spec.md §4.1, §4.8): each UTC day's writes land in their own ts_YYYYMMDD
// table, created lazily and dropped wholesale once past the retention
// window.
package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Point is one numeric sample recorded against a device.
type Point struct {
	DeviceUUID string
	DataKey    string
	Value      float64
	Timestamp  int64 // ms since epoch
}

// Page is the paginated query result shape spec.md §4.8 requires external
// callers to see regardless of internal sharding strategy.
type Page struct {
	Data       []Point `json:"data"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	TotalPages int     `json:"totalPages"`
}

// Sink is the timeseries sink, wrapped by an adapter in src/app to satisfy
// broker.TimeseriesSink.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger

	retention time.Duration

	mu      sync.Mutex
	known   map[string]bool // table names already confirmed to exist this run
}

// New wraps db (the Identity Store's own *sql.DB) with timeseries sharding.
// retentionDays is how many calendar days of shards to retain.
func New(db *sql.DB, retentionDays int, logger *slog.Logger) *Sink {
	return &Sink{
		db:        db,
		logger:    logger,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		known:     make(map[string]bool),
	}
}

func shardName(ts time.Time) string {
	return "ts_" + ts.UTC().Format("20060102")
}

func (s *Sink) ensureShard(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[table] {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_uuid TEXT NOT NULL,
			data_key TEXT NOT NULL,
			value REAL NOT NULL,
			ts INTEGER NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("create shard %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_lookup ON %s(device_uuid, data_key, ts)`, table, table))
	if err != nil {
		return fmt.Errorf("index shard %s: %w", table, err)
	}
	s.known[table] = true
	return nil
}

// Record appends one datapoint, shifting it into the shard for its
// timestamp's UTC calendar day.
func (s *Sink) Record(ctx context.Context, p Point) error {
	table := shardName(time.UnixMilli(p.Timestamp))
	if err := s.ensureShard(ctx, table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (device_uuid, data_key, value, ts) VALUES (?, ?, ?, ?)`, table),
		p.DeviceUUID, p.DataKey, p.Value, p.Timestamp)
	if err != nil {
		return fmt.Errorf("insert into shard %s: %w", table, err)
	}
	return nil
}

// Query implements the pagination contract of spec.md §4.8: results
// descending by timestamp, optionally filtered by dataKey and a [start,end]
// window, spanning however many daily shards the window touches.
func (s *Sink) Query(ctx context.Context, deviceUUID string, dataKey string, start, end int64, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	tables, err := s.shardsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return &Page{Data: []Point{}, Page: page, PageSize: pageSize}, nil
	}

	where, args := s.buildWhere(deviceUUID, dataKey, start, end)

	var union []string
	for _, t := range tables {
		union = append(union, fmt.Sprintf(`SELECT device_uuid, data_key, value, ts FROM %s %s`, t, where))
	}
	unionSQL := "SELECT * FROM (" + joinUnion(union) + ") ORDER BY ts DESC"

	var total int
	countArgs := repeatArgs(args, len(tables))
	countSQL := "SELECT COUNT(*) FROM (" + unionSQL + ")"
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count timeseries rows: %w", err)
	}

	pagedSQL := unionSQL + " LIMIT ? OFFSET ?"
	pagedArgs := append(append([]any{}, countArgs...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, pagedSQL, pagedArgs...)
	if err != nil {
		return nil, fmt.Errorf("query timeseries rows: %w", err)
	}
	defer rows.Close()

	data := []Point{}
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.DeviceUUID, &p.DataKey, &p.Value, &p.Timestamp); err != nil {
			return nil, err
		}
		data = append(data, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := total / pageSize
	if total%pageSize != 0 {
		totalPages++
	}

	return &Page{Data: data, Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

func (s *Sink) buildWhere(deviceUUID, dataKey string, start, end int64) (string, []any) {
	clauses := []string{"device_uuid = ?"}
	args := []any{deviceUUID}
	if dataKey != "" {
		clauses = append(clauses, "data_key = ?")
		args = append(args, dataKey)
	}
	if start > 0 {
		clauses = append(clauses, "ts >= ?")
		args = append(args, start)
	}
	if end > 0 {
		clauses = append(clauses, "ts <= ?")
		args = append(args, end)
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func joinUnion(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " UNION ALL " + p
	}
	return out
}

func repeatArgs(args []any, n int) []any {
	out := make([]any, 0, len(args)*n)
	for i := 0; i < n; i++ {
		out = append(out, args...)
	}
	return out
}

// shardsInRange lists the ts_YYYYMMDD tables that could hold rows for
// [start,end] (0 means unbounded on that side), intersected with tables
// that actually exist.
func (s *Sink) shardsInRange(ctx context.Context, start, end int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'ts_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		all = append(all, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if start <= 0 && end <= 0 {
		return all, nil
	}

	var startDay, endDay string
	if start > 0 {
		startDay = shardName(time.UnixMilli(start))
	}
	if end > 0 {
		endDay = shardName(time.UnixMilli(end))
	}

	var out []string
	for _, name := range all {
		if startDay != "" && name < startDay {
			continue
		}
		if endDay != "" && name > endDay {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// SweepRetention drops every shard older than the configured retention
// window. Intended to run on a daily timer (spec.md §5).
func (s *Sink) SweepRetention(ctx context.Context) error {
	cutoff := shardName(time.Now().Add(-s.retention))

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'ts_%' AND name < ?`, cutoff)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range stale {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return fmt.Errorf("drop stale shard %s: %w", table, err)
		}
		s.mu.Lock()
		delete(s.known, table)
		s.mu.Unlock()
		s.logger.Info("dropped expired timeseries shard", "table", table)
	}
	return nil
}

// Run drives SweepRetention once a day until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepRetention(ctx); err != nil {
				s.logger.Error("timeseries retention sweep failed", "error", err)
			}
		}
	}
}
