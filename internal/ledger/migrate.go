package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var migrationRe = regexp.MustCompile(`^(\d+)_.*_(up|down)\.sql$`)

// migration holds the up and down script names for one schema version.
type migration struct {
	up   string
	down string
}

// migrationFiles scans dir for <N>_<name>_up.sql / <N>_<name>_down.sql pairs.
func migrationFiles(fsys fs.FS, dir string) (map[int]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: read migrations dir: %w", err)
	}
	out := make(map[int]migration)
	for _, e := range entries {
		m := migrationRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		mg := out[version]
		if m[2] == "up" {
			mg.up = dir + "/" + e.Name()
		} else {
			mg.down = dir + "/" + e.Name()
		}
		out[version] = mg
	}
	return out, nil
}

// HighestVersion returns the newest schema version shipped with the binary.
func HighestVersion() int {
	migs, err := migrationFiles(embeddedMigrations, "migrations")
	if err != nil {
		return 0
	}
	max := 0
	for v := range migs {
		if v > max {
			max = v
		}
	}
	return max
}

// ensureSchemaTable creates _schema_migrations if missing.
func ensureSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS _schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// currentVersion returns the highest applied version, 0 for a fresh database.
func currentVersion(db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT max(version) FROM _schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// EnsureAtVersion brings the schema at dbPath to target, applying up or down
// scripts as needed. Each migration runs in its own transaction. Before the
// first migration touches a populated database, a file-copy backup
// <dbPath>.bak.<unix> is taken and retained even on failure.
func EnsureAtVersion(db *sql.DB, dbPath string, target int) error {
	return ensureAtVersionFS(db, dbPath, target, embeddedMigrations, "migrations")
}

func ensureAtVersionFS(db *sql.DB, dbPath string, target int, fsys fs.FS, dir string) error {
	if err := ensureSchemaTable(db); err != nil {
		return fmt.Errorf("ledger: ensure schema table: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("ledger: read schema version: %w", err)
	}
	if current == target {
		return nil
	}
	migs, err := migrationFiles(fsys, dir)
	if err != nil {
		return err
	}
	if target > current {
		if _, ok := migs[target]; !ok && target != 0 {
			return fmt.Errorf("ledger: no migration for target version %d", target)
		}
	}

	// Backup only when the database already holds schema (and therefore
	// possibly rows). A fresh file needs no copy.
	if current > 0 {
		if err := backupFile(dbPath); err != nil {
			return fmt.Errorf("ledger: backup before migration: %w", err)
		}
	}

	if target > current {
		versions := sortedVersions(migs)
		for _, v := range versions {
			if v <= current || v > target {
				continue
			}
			if migs[v].up == "" {
				return fmt.Errorf("ledger: missing up migration for version %d", v)
			}
			if err := applyMigration(db, fsys, migs[v].up, v, true); err != nil {
				return err
			}
		}
		return nil
	}
	versions := sortedVersions(migs)
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v > current || v <= target {
			continue
		}
		if migs[v].down == "" {
			return fmt.Errorf("ledger: missing down migration for version %d", v)
		}
		if err := applyMigration(db, fsys, migs[v].down, v, false); err != nil {
			return err
		}
	}
	return nil
}

func sortedVersions(migs map[int]migration) []int {
	out := make([]int, 0, len(migs))
	for v := range migs {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func applyMigration(db *sql.DB, fsys fs.FS, script string, version int, up bool) error {
	sqlText, err := fs.ReadFile(fsys, script)
	if err != nil {
		return fmt.Errorf("ledger: read migration %s: %w", script, err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin migration %d: %w", version, err)
	}
	if _, err := tx.Exec(string(sqlText)); err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger: apply %s: %w", script, err)
	}
	if up {
		_, err = tx.Exec(`INSERT INTO _schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC())
	} else {
		_, err = tx.Exec(`DELETE FROM _schema_migrations WHERE version = ?`, version)
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger: record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit migration %d: %w", version, err)
	}
	return nil
}

// backupFile copies src to src.bak.<unix>. In-memory databases are skipped.
func backupFile(src string) error {
	if src == "" || src == ":memory:" {
		return nil
	}
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()
	dst := fmt.Sprintf("%s.bak.%d", src, time.Now().Unix())
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return out.Close()
}
