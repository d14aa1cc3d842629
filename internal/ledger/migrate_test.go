package ledger

import (
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestOpenMigratesToHighestVersion(t *testing.T) {
	l := openTestLedger(t)
	v, err := currentVersion(l.DB())
	if err != nil {
		t.Fatalf("currentVersion: %v", err)
	}
	if v != HighestVersion() {
		t.Fatalf("fresh ledger at version %d, want %d", v, HighestVersion())
	}
	if HighestVersion() < 4 {
		t.Fatalf("HighestVersion = %d, embedded migrations missing", HighestVersion())
	}
}

func TestMigrateDownAndBackUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	mustInsert(t, l, idA, "survivor", time.Now().UTC())

	if err := EnsureAtVersion(l.DB(), path, 0); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if v, _ := currentVersion(l.DB()); v != 0 {
		t.Fatalf("version after down = %d", v)
	}
	if _, err := l.DB().Exec(`SELECT * FROM media`); err == nil {
		t.Fatalf("media table still present after down migration")
	}

	if err := EnsureAtVersion(l.DB(), path, HighestVersion()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	// Down migrations dropped the data; the schema must be usable again.
	mustInsert(t, l, idB, "fresh", time.Now().UTC())

	// Migrating a populated database leaves a backup copy next to it.
	baks, err := filepath.Glob(path + ".bak.*")
	if err != nil || len(baks) == 0 {
		t.Fatalf("no backup file created (err %v)", err)
	}
}

func TestMigrateMissingScriptFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	// A migration set whose down script is missing cannot roll back.
	fsys := fstest.MapFS{
		"migrations/1_thing_up.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE thing (id TEXT);`)},
	}
	if err := ensureAtVersionFS(l.DB(), path, 0, fsys, "migrations"); err == nil {
		t.Fatalf("rollback with missing down script should fail")
	}
}

func TestMigrationFilesParsing(t *testing.T) {
	fsys := fstest.MapFS{
		"m/1_create_up.sql":   &fstest.MapFile{Data: []byte(``)},
		"m/1_create_down.sql": &fstest.MapFile{Data: []byte(``)},
		"m/2_index_up.sql":    &fstest.MapFile{Data: []byte(``)},
		"m/README.md":         &fstest.MapFile{Data: []byte(``)},
	}
	migs, err := migrationFiles(fsys, "m")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("parsed %d versions, want 2", len(migs))
	}
	if migs[1].up == "" || migs[1].down == "" || migs[2].up == "" {
		t.Fatalf("scripts misassigned: %+v", migs)
	}
	if migs[2].down != "" {
		t.Fatalf("version 2 has phantom down script")
	}
}
