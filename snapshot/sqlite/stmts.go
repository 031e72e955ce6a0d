package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

type statements struct {
	insertSnapshot *sql.Stmt
	insertEntry    *sql.Stmt
	getSnapshot    *sql.Stmt
	getEntries     *sql.Stmt
	list           *sql.Stmt
	deleteSnapshot *sql.Stmt
	findByPrefix   *sql.Stmt
}

func (s *statements) prepare(ctx context.Context, db *sql.DB) error {
	const sqlInsertSnapshot = `
		INSERT INTO snapshots
		(id, map_name, map_type, key_size, value_size, max_entries, value_layout, taken_at, entry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	const sqlInsertEntry = `
		INSERT INTO snapshot_entries (snapshot_id, seq, key, value) VALUES (?, ?, ?, ?)`

	const sqlGetSnapshot = `
		SELECT id, map_name, map_type, key_size, value_size, max_entries, value_layout, taken_at, entry_count
		FROM snapshots WHERE id = ?`

	const sqlGetEntries = `
		SELECT key, value FROM snapshot_entries WHERE snapshot_id = ? ORDER BY seq`

	const sqlList = `
		SELECT id, map_name, map_type, key_size, value_size, max_entries, value_layout, taken_at, entry_count
		FROM snapshots
		WHERE ?1 = '' OR map_name = ?1
		ORDER BY taken_at DESC, id`

	const sqlDeleteSnapshot = "DELETE FROM snapshots WHERE id = ?"

	const sqlFindByPrefix = "SELECT id FROM snapshots WHERE substr(id, 1, length(?1)) = ?1 ORDER BY id LIMIT 2"

	for _, p := range []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&s.insertSnapshot, "InsertSnapshot", sqlInsertSnapshot},
		{&s.insertEntry, "InsertEntry", sqlInsertEntry},
		{&s.getSnapshot, "GetSnapshot", sqlGetSnapshot},
		{&s.getEntries, "GetEntries", sqlGetEntries},
		{&s.list, "List", sqlList},
		{&s.deleteSnapshot, "DeleteSnapshot", sqlDeleteSnapshot},
		{&s.findByPrefix, "FindByPrefix", sqlFindByPrefix},
	} {
		stmt, err := db.PrepareContext(ctx, p.query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", p.name, err)
		}
		*p.dst = stmt
	}
	return nil
}

func (s *statements) close() {
	for _, stmt := range []*sql.Stmt{
		s.insertSnapshot,
		s.insertEntry,
		s.getSnapshot,
		s.getEntries,
		s.list,
		s.deleteSnapshot,
		s.findByPrefix,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}
