package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // sqlite driver (cgo-free)
)

// SQLLedger stores events in a single table through database/sql. It works
// against SQLite and Postgres with the same statements.
type SQLLedger struct {
	db  *sql.DB
	now func() int64
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS receipt_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ns BIGINT NOT NULL,
	kind TEXT NOT NULL,
	out_cid TEXT NOT NULL,
	in_cid TEXT,
	map TEXT NOT NULL,
	stage TEXT NOT NULL,
	receipt_key TEXT NOT NULL,
	receipt_url TEXT,
	extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_receipt_events_map ON receipt_events(map);
CREATE INDEX IF NOT EXISTS idx_receipt_events_ts ON receipt_events(ts_ns);
`

const pgSchema = `
CREATE TABLE IF NOT EXISTS receipt_events (
	seq BIGSERIAL PRIMARY KEY,
	ts_ns BIGINT NOT NULL,
	kind TEXT NOT NULL,
	out_cid TEXT NOT NULL,
	in_cid TEXT,
	map TEXT NOT NULL,
	stage TEXT NOT NULL,
	receipt_key TEXT NOT NULL,
	receipt_url TEXT,
	extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_receipt_events_map ON receipt_events(map);
CREATE INDEX IF NOT EXISTS idx_receipt_events_ts ON receipt_events(ts_ns);
`

// NewSQLiteLedger opens a SQLite-backed ledger at dsn (":memory:" works).
func NewSQLiteLedger(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	l := &SQLLedger{db: db, now: func() int64 { return time.Now().UnixNano() }}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("ledger: sqlite schema: %w", err)
	}
	return l, nil
}

// NewPostgresLedger opens a Postgres-backed ledger.
func NewPostgresLedger(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	l := &SQLLedger{db: db, now: func() int64 { return time.Now().UnixNano() }}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("ledger: postgres schema: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.TsNS == 0 {
		ev.TsNS = l.now()
	}
	var extra []byte
	if ev.Extra != nil {
		var err error
		extra, err = json.Marshal(ev.Extra)
		if err != nil {
			return Event{}, fmt.Errorf("ledger: marshal extra: %w", err)
		}
	}
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO receipt_events (ts_ns, kind, out_cid, in_cid, map, stage, receipt_key, receipt_url, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		ev.TsNS, ev.Kind, ev.OutCID, nullable(ev.InCID), ev.Map, ev.Stage,
		ev.ReceiptKey, nullable(ev.ReceiptURL), nullableBytes(extra),
	)
	if err := row.Scan(&ev.Seq); err != nil {
		return Event{}, fmt.Errorf("ledger: insert: %w", err)
	}
	return ev, nil
}

func (l *SQLLedger) List(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

func (l *SQLLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT seq, ts_ns, kind, out_cid, COALESCE(in_cid, ''), map, stage, receipt_key, COALESCE(receipt_url, ''), extra
		FROM receipt_events WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Map != "" {
		query += " AND map = " + arg(f.Map)
	}
	if f.CIDPrefix != "" {
		query += " AND out_cid LIKE " + arg(f.CIDPrefix+"%")
	}
	if f.SinceNS > 0 {
		query += " AND ts_ns >= " + arg(f.SinceNS)
	}
	query += " ORDER BY ts_ns DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var extra sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.TsNS, &ev.Kind, &ev.OutCID, &ev.InCID,
			&ev.Map, &ev.Stage, &ev.ReceiptKey, &ev.ReceiptURL, &extra); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &ev.Extra); err != nil {
				return nil, fmt.Errorf("ledger: decode extra: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
