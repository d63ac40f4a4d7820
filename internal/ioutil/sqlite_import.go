// Package ioutil bulk-loads external data into an OxiDB index, using
// modernc.org/sqlite purely as an import source: it reads an existing
// SQLite table's rows into an index without adding a SQL layer to the
// engine itself.
package ioutil

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/oxidb/oxidb/internal/storage"

	"github.com/oxidb/oxidb"
)

// OpenSQLite opens a SQLite database file using the pure-Go modernc.org/
// sqlite driver, registered under driver name "sqlite".
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ioutil: open sqlite %s: %w", path, err)
	}
	return db, nil
}

// ImportFromSQLite reads every (keyCol, valCol) pair from table and inserts
// it into h inside one OxiDB transaction, committing once at the end. valCol
// must be an integer column; its values are widened to storage.ValueID.
func ImportFromSQLite(e *oxidb.Engine, db *sql.DB, table, keyCol, valCol string, h *oxidb.IndexHandle) (int, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT %s, %s FROM %s", keyCol, valCol, table))
	if err != nil {
		return 0, fmt.Errorf("ioutil: query %s: %w", table, err)
	}
	defer rows.Close()

	tx, err := e.Begin()
	if err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		var key []byte
		var val int64
		if err := rows.Scan(&key, &val); err != nil {
			tx.Abort()
			return n, fmt.Errorf("ioutil: scan row %d: %w", n, err)
		}
		if err := h.Insert(tx, key, storage.ValueID(val)); err != nil {
			tx.Abort()
			return n, fmt.Errorf("ioutil: insert row %d: %w", n, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		tx.Abort()
		return n, fmt.Errorf("ioutil: iterate %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("ioutil: commit import of %s: %w", table, err)
	}
	return n, nil
}
