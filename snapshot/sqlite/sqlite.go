// Package sqlite stores snapshots in a SQLite database.
//
// The database runs in WAL mode with foreign keys enforced, so
// deleting a snapshot removes its entries. A snapshot and its entries
// are written in one transaction. Queries use statements prepared when
// the store is opened.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/snapshot"
)

//go:embed schema.sql
var schemaSQL string

type store struct {
	db     *sql.DB
	stmts  statements
	logger *slog.Logger
}

var _ snapshot.Store = (*store)(nil)

// New opens, creating if needed, the database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (snapshot.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return open(ctx, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}, {"busy_timeout", "5000"}}), dbPath, logger)
}

// NewInMemory opens a private in-memory database.
func NewInMemory(ctx context.Context, logger *slog.Logger) (snapshot.Store, error) {
	return open(ctx, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}), ":memory:", logger)
}

func open(ctx context.Context, source, label string, logger *slog.Logger) (snapshot.Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "snapshot", "db", label)

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &store{db: db, logger: logger}
	if err := s.stmts.prepare(ctx, db); err != nil {
		s.stmts.close()
		db.Close()
		return nil, err
	}
	logger.Debug("opened snapshot database")
	return s, nil
}

func (s *store) Close() error {
	s.stmts.close()
	return s.db.Close()
}

func (s *store) Save(ctx context.Context, snap snapshot.Snapshot) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	m := snap.Map
	if _, err := tx.StmtContext(ctx, s.stmts.insertSnapshot).ExecContext(ctx,
		snap.ID.String(), m.Name, m.Type.String(), m.KeySize, m.ValueSize, m.MaxEntries,
		snap.ValueLayout, snap.TakenAt.UTC().Format(time.RFC3339Nano), len(snap.Entries),
	); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}

	insert := tx.StmtContext(ctx, s.stmts.insertEntry)
	for i, e := range snap.Entries {
		if _, err := insert.ExecContext(ctx, snap.ID.String(), i, e.Key, e.Value); err != nil {
			return fmt.Errorf("insert entry %d of snapshot %s: %w", i, snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", snap.ID, err)
	}
	s.logger.Debug("saved snapshot", "id", snap.ID, "map", m.Name, "entries", len(snap.Entries), "elapsed", time.Since(start))
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (snapshot.Summary, error) {
	var (
		sum     snapshot.Summary
		id      string
		mapType string
		takenAt string
	)
	if err := row.Scan(&id, &sum.Map.Name, &mapType, &sum.Map.KeySize, &sum.Map.ValueSize,
		&sum.Map.MaxEntries, &sum.ValueLayout, &takenAt, &sum.EntryCount); err != nil {
		return sum, err
	}

	var err error
	if sum.ID, err = uuid.Parse(id); err != nil {
		return sum, fmt.Errorf("corrupt snapshot id %q: %w", id, err)
	}
	if sum.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return sum, fmt.Errorf("corrupt timestamp on snapshot %s: %w", id, err)
	}
	sum.Map.Type = bpfmap.NewMapType(mapType)
	sum.Map.FD = -1
	return sum, nil
}

func (s *store) Get(ctx context.Context, id uuid.UUID) (snapshot.Snapshot, error) {
	sum, err := scanSummary(s.stmts.getSnapshot.QueryRowContext(ctx, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound{ID: id.String()}
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}

	rows, err := s.stmts.getEntries.QueryContext(ctx, id.String())
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("get entries of snapshot %s: %w", id, err)
	}
	defer rows.Close()

	snap := snapshot.Snapshot{Summary: sum, Entries: make([]snapshot.Entry, 0, sum.EntryCount)}
	for rows.Next() {
		var e snapshot.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("scan entry of snapshot %s: %w", id, err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("read entries of snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *store) List(ctx context.Context, mapName string) ([]snapshot.Summary, error) {
	rows, err := s.stmts.list.QueryContext(ctx, mapName)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.stmts.deleteSnapshot.ExecContext(ctx, id.String())
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	if n == 0 {
		return snapshot.ErrSnapshotNotFound{ID: id.String()}
	}
	s.logger.Debug("deleted snapshot", "id", id)
	return nil
}

func (s *store) Resolve(ctx context.Context, prefix string) (uuid.UUID, error) {
	if id, err := uuid.Parse(prefix); err == nil {
		return id, nil
	}
	if !isIDPrefix(prefix) {
		return uuid.Nil, snapshot.ErrSnapshotNotFound{ID: prefix}
	}
	rows, err := s.stmts.findByPrefix.QueryContext(ctx, strings.ToLower(prefix))
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve snapshot %q: %w", prefix, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, fmt.Errorf("resolve snapshot %q: %w", prefix, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, fmt.Errorf("resolve snapshot %q: %w", prefix, err)
	}

	switch len(ids) {
	case 0:
		return uuid.Nil, snapshot.ErrSnapshotNotFound{ID: prefix}
	case 1:
		return uuid.Parse(ids[0])
	}
	return uuid.Nil, snapshot.ErrAmbiguousID{Prefix: prefix, Matches: len(ids)}
}

// isIDPrefix reports whether s could start a snapshot id as stored:
// non-empty and made only of hex digits and dashes.
func isIDPrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F', c == '-':
		default:
			return false
		}
	}
	return true
}
