package ioutil

import (
	"path/filepath"
	"testing"

	"github.com/oxidb/oxidb"
)

func TestImportFromSQLite(t *testing.T) {
	sqlitePath := filepath.Join(t.TempDir(), "source.sqlite")
	db, err := OpenSQLite(sqlitePath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE items (name BLOB, id INTEGER)`); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	rows := []struct {
		name string
		id   int64
	}{
		{"alpha", 1},
		{"beta", 2},
		{"gamma", 3},
	}
	for _, r := range rows {
		if _, err := db.Exec(`INSERT INTO items (name, id) VALUES (?, ?)`, r.name, r.id); err != nil {
			t.Fatalf("INSERT: %v", err)
		}
	}

	oxPath := filepath.Join(t.TempDir(), "dest.oxidb")
	e, err := oxidb.Open(oxPath, oxidb.Options{})
	if err != nil {
		t.Fatalf("oxidb.Open: %v", err)
	}
	defer e.Close()

	idx, err := e.IndexCreate("items")
	if err != nil {
		t.Fatalf("IndexCreate: %v", err)
	}

	n, err := ImportFromSQLite(e, db, "items", "name", "id", idx)
	if err != nil {
		t.Fatalf("ImportFromSQLite: %v", err)
	}
	if n != len(rows) {
		t.Fatalf("ImportFromSQLite imported %d rows, want %d", n, len(rows))
	}

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Commit()
	for _, r := range rows {
		cur, err := idx.Search(tx, []byte(r.name))
		if err != nil {
			t.Fatalf("Search(%s): %v", r.name, err)
		}
		_, v, ok := cur.Next()
		if !ok || int64(v) != r.id {
			t.Fatalf("Search(%s) = (%v, %v), want (%d, true)", r.name, v, ok, r.id)
		}
	}
}
