// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite records transfer history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS

	"github.com/safeboot-ota/safeboot"
)

// ErrNotFound is returned when a transfer does not exist.
var ErrNotFound = errors.New("not found")

// Transfer states stored in addition to the session states
const (
	StateRejected = "rejected"
)

// DB persists one row per transfer session and one per scheduled restart.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

var _ safeboot.EventHandler = (*DB)(nil)

// New creates a DB. The expected tables must already exist.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Open creates or opens a SQLite database file using a single non-pooled
// connection. If a password is specified, then the xts VFS will be used
// with a text key.
func Open(filename, password string) (*DB, error) {
	query := "?_pragma=busy_timeout(1000)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// Init ensures all tables are created. It does not recognize if tables have
// been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfers
			( id BLOB PRIMARY KEY
			, binding TEXT NOT NULL
			, kind INTEGER NOT NULL
			, declared INTEGER NOT NULL
			, written INTEGER NOT NULL DEFAULT 0
			, state TEXT NOT NULL
			, error TEXT
			, started_at INTEGER NOT NULL DEFAULT (CAST(unixepoch('subsec') * 1000 AS INTEGER))
			, ended_at INTEGER
			)`,
		`CREATE INDEX IF NOT EXISTS transfers_started_at
			ON transfers(started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS restarts
			( scheduled_at INTEGER NOT NULL
			)`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// HandleEvent implements safeboot.EventHandler. Storage errors are logged
// and never affect the transfer.
func (db *DB) HandleEvent(ctx context.Context, event safeboot.Event) {
	if err := db.record(db.debugCtx(context.WithoutCancel(ctx)), event); err != nil {
		slog.Warn("error recording transfer event", "event", event.Type, "session", event.SessionID, "err", err)
	}
}

func (db *DB) record(ctx context.Context, event safeboot.Event) error {
	at := event.Timestamp.UnixMilli()

	switch event.Type {
	case safeboot.EventTypeTransferStarted:
		return insert(ctx, db.db, "transfers", map[string]any{
			"id":         event.SessionID[:],
			"binding":    event.Binding,
			"kind":       int(event.Kind),
			"declared":   event.Declared,
			"written":    event.Written,
			"state":      safeboot.StateStreaming,
			"started_at": at,
		}, nil)

	case safeboot.EventTypeTransferCommitted, safeboot.EventTypeTransferAborted:
		// Sessions that fail to begin never emit a started event, so the
		// row may not exist yet and its start time defaults to now
		kvs := map[string]any{
			"id":       event.SessionID[:],
			"binding":  event.Binding,
			"kind":     int(event.Kind),
			"declared": event.Declared,
			"written":  event.Written,
			"state":    safeboot.StateCommitted,
			"ended_at": at,
		}
		if event.Type == safeboot.EventTypeTransferAborted {
			kvs["state"] = safeboot.StateAborted
			kvs["error"] = errorText(event.Error)
		}
		return insert(ctx, db.db, "transfers", kvs, []string{"id"})

	case safeboot.EventTypeTransferRejected:
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		return insert(ctx, db.db, "transfers", map[string]any{
			"id":         id[:],
			"binding":    event.Binding,
			"kind":       int(event.Kind),
			"declared":   event.Declared,
			"state":      StateRejected,
			"error":      errorText(event.Error),
			"started_at": at,
			"ended_at":   at,
		}, nil)

	case safeboot.EventTypeRestartScheduled:
		return insert(ctx, db.db, "restarts", map[string]any{"scheduled_at": at}, nil)

	default:
		return nil
	}
}

func errorText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// Transfer is one recorded transfer.
type Transfer struct {
	ID       uuid.UUID
	Binding  string
	Kind     safeboot.ImageKind
	Declared int64
	Written  int64
	State    string
	Error    string
	Started  time.Time

	// Ended is zero while the transfer is in progress.
	Ended time.Time
}

var transferColumns = []string{"id", "binding", "kind", "declared", "written", "state", "error", "started_at", "ended_at"}

type transferRow struct {
	id       []byte
	kind     int
	errText  sql.NullString
	started  int64
	ended    sql.NullInt64
	transfer Transfer
}

func (r *transferRow) dest() []any {
	return []any{&r.id, &r.transfer.Binding, &r.kind, &r.transfer.Declared, &r.transfer.Written,
		&r.transfer.State, &r.errText, &r.started, &r.ended}
}

func (r *transferRow) result() (Transfer, error) {
	id, err := uuid.FromBytes(r.id)
	if err != nil {
		return Transfer{}, fmt.Errorf("invalid transfer id: %w", err)
	}
	t := r.transfer
	t.ID = id
	t.Kind = safeboot.ImageKind(r.kind)
	t.Error = r.errText.String
	t.Started = time.UnixMilli(r.started)
	if r.ended.Valid {
		t.Ended = time.UnixMilli(r.ended.Int64)
	}
	return t, nil
}

// Transfer returns the transfer with the given session ID.
func (db *DB) Transfer(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	var row transferRow
	if err := query(db.debugCtx(ctx), db.db, "transfers", transferColumns,
		map[string]any{"id": id[:]}, row.dest()...); err != nil {
		return nil, err
	}
	t, err := row.result()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Transfers returns up to limit transfers, newest first. A limit of zero or
// less returns all of them.
func (db *DB) Transfers(ctx context.Context, limit int) ([]Transfer, error) {
	ctx = db.debugCtx(ctx)
	stmt := fmt.Sprintf("SELECT %s FROM transfers ORDER BY started_at DESC, rowid DESC",
		"`"+strings.Join(transferColumns, "`, `")+"`")
	var args []any
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}
	debug(ctx, "sqlite: %s\n%+v", stmt, args)

	rows, err := db.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transfers []Transfer
	for rows.Next() {
		var row transferRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("error scanning transfer: %w", err)
		}
		t, err := row.result()
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error querying transfers: %w", err)
	}
	return transfers, nil
}

// Restarts returns the time of every scheduled restart, oldest first.
func (db *DB) Restarts(ctx context.Context) ([]time.Time, error) {
	ctx = db.debugCtx(ctx)
	const stmt = "SELECT scheduled_at FROM restarts ORDER BY scheduled_at ASC"
	debug(ctx, "sqlite: %s", stmt)

	rows, err := db.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("error querying restarts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var times []time.Time
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("error scanning restart: %w", err)
		}
		times = append(times, time.UnixMilli(at))
	}
	return times, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insert adds a row. If upsertOnConflict names the key columns, a row
// conflicting on them is updated with every other column instead.
func insert(ctx context.Context, db execer, table string, kvs map[string]any, upsertOnConflict []string) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var upsert string
	if len(upsertOnConflict) > 0 {
		var updates, whereClauses []string
		for _, key := range columns {
			excluded := fmt.Sprintf("`%s` = excluded.`%s`", key, key)
			if slices.Contains(upsertOnConflict, key) {
				whereClauses = append(whereClauses, excluded)
			} else {
				updates = append(updates, excluded)
			}
		}

		upsert = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET ", strings.Join(upsertOnConflict, "`, `"))
		upsert += strings.Join(updates, ", ")
		upsert += " WHERE "
		upsert += strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)%s",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		upsert,
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func query(ctx context.Context, db querier, table string, columns []string, where map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}

	clauses, whereVals := whereClauses(where)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		strings.Join(clauses, " AND "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func whereClauses(where map[string]any) ([]string, []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = where[key]
	}
	return clauses, vals
}
