// Package ledger is the durable record of every media item mediabin knows
// about. The ledger doubles as the download queue: the ready set is simply
// the rows in status 'pending'. SQLite via database/sql; schema managed by
// the numbered migrations in migrations/.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a media row. Transitions are monotone:
// pending -> downloading -> complete | error. The only reverse transition is
// ResetDownloadingToPending at daemon startup.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// ErrDuplicateItem is returned by InsertPending when the id already exists.
// Callers treat it as "already known", not as a failure.
var ErrDuplicateItem = errors.New("ledger: item already present")

// Item is one media row.
type Item struct {
	ID                 string
	Title              string
	OriginURL          string
	VideoURL           string
	ThumbnailURL       string
	TimestampCreated   time.Time
	TimestampInstalled *time.Time
	TimestampUpdated   *time.Time
	ObjectPath         string
	Status             Status
}

// Ledger wraps the SQLite handle. Safe for concurrent use; statement-level
// atomicity comes from SQLite itself.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// newest schema version. The parent directory is created.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// WAL lets the media server's per-request readers coexist with the
	// scheduler's writes; busy_timeout covers the rest.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	if err := EnsureAtVersion(db, path, HighestVersion()); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, path: path}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// DB exposes the raw handle for migrations tooling and tests.
func (l *Ledger) DB() *sql.DB { return l.db }

// InsertPending inserts a new row in status 'pending'. A duplicate id yields
// ErrDuplicateItem and leaves the existing row untouched.
func (l *Ledger) InsertPending(it Item) error {
	_, err := l.db.Exec(`INSERT INTO media (
		id, title, origin_url, video_url, thumbnail_url,
		timestamp_created, object_path, status
	) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
		it.ID, it.Title, it.OriginURL, it.VideoURL, it.ThumbnailURL,
		it.TimestampCreated, it.ObjectPath)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateItem
		}
		return fmt.Errorf("ledger: insert %s: %w", it.ID, err)
	}
	return nil
}

// PromoteToDownloading moves a pending row to 'downloading'. Only the
// scheduler calls this, under its own lock.
func (l *Ledger) PromoteToDownloading(id string) error {
	_, err := l.db.Exec(`UPDATE media SET status = 'downloading' WHERE id = ? AND status = 'pending'`, id)
	return err
}

// MarkComplete records a finished download; installed and updated timestamps
// are both set to now.
func (l *Ledger) MarkComplete(id string, now time.Time) error {
	_, err := l.db.Exec(`UPDATE media SET status = 'complete',
		timestamp_installed = ?, timestamp_updated = ? WHERE id = ?`, now, now, id)
	return err
}

// MarkError records a failed download.
func (l *Ledger) MarkError(id string) error {
	_, err := l.db.Exec(`UPDATE media SET status = 'error' WHERE id = ?`, id)
	return err
}

// ResetDownloadingToPending recovers rows a dead daemon left mid-download.
// Called exactly once at startup, before the scheduler runs. Returns the
// number of recovered rows.
func (l *Ledger) ResetDownloadingToPending() (int, error) {
	res, err := l.db.Exec(`UPDATE media SET status = 'pending' WHERE status = 'downloading'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// NextPending returns one pending row's (id, origin_url). ok is false when
// the queue is empty. The caller promotes the row under the scheduler lock.
func (l *Ledger) NextPending() (id, originURL string, ok bool, err error) {
	err = l.db.QueryRow(`SELECT id, origin_url FROM media WHERE status = 'pending'
		ORDER BY timestamp_created ASC LIMIT 1`).Scan(&id, &originURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return id, originURL, true, nil
}

// ListComplete returns completed rows ordered by timestamp_updated DESC,
// timestamp_installed DESC, title ASC. titleLike filters by case-insensitive
// substring; whitespace-separated words match in order ("foo bar" matches
// "Foo and Bar"). tags intersects against the tags table.
func (l *Ledger) ListComplete(titleLike string, tags []string) ([]Item, error) {
	query := `SELECT m.id, m.title, m.origin_url, m.video_url, m.thumbnail_url,
		m.timestamp_created, m.timestamp_installed, m.timestamp_updated,
		m.object_path, m.status FROM media m`
	where := []string{`m.status = 'complete'`}
	var args []any

	if len(tags) > 0 {
		query += ` JOIN tags t ON m.id = t.resource_id`
		where = append(where, `t.tag IN (`+placeholders(len(tags))+`)`)
		for _, tag := range tags {
			args = append(args, tag)
		}
	}
	if words := strings.Fields(titleLike); len(words) > 0 {
		where = append(where, `lower(m.title) LIKE ?`)
		args = append(args, "%"+strings.ToLower(strings.Join(words, "%"))+"%")
	}
	query += ` WHERE ` + strings.Join(where, ` AND `)
	if len(tags) > 0 {
		query += ` GROUP BY m.id HAVING count(DISTINCT t.tag) = ?`
		args = append(args, len(tags))
	}
	query += ` ORDER BY m.timestamp_updated DESC, m.timestamp_installed DESC, m.title ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list complete: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// TitlesByIDs returns id -> title for the given ids. The IN clause is
// expanded explicitly; an empty list returns an empty map without querying.
func (l *Ledger) TitlesByIDs(ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := l.db.Query(`SELECT id, title FROM media WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		out[id] = title
	}
	return out, rows.Err()
}

// PendingTitles returns titles of rows still in status 'pending' (not yet
// promoted by the scheduler), plus rows whose ids are in extraIDs (jobs the
// scheduler holds but whose fetcher has not started moving bytes).
func (l *Ledger) PendingTitles(extraIDs []string) ([]string, error) {
	query := `SELECT title FROM media WHERE status = 'pending'`
	var args []any
	if len(extraIDs) > 0 {
		query += ` UNION ALL SELECT title FROM media WHERE id IN (` + placeholders(len(extraIDs)) + `)`
		for _, id := range extraIDs {
			args = append(args, id)
		}
	}
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns a single row by id.
func (l *Ledger) Get(id string) (Item, error) {
	rows, err := l.db.Query(`SELECT id, title, origin_url, video_url, thumbnail_url,
		timestamp_created, timestamp_installed, timestamp_updated,
		object_path, status FROM media WHERE id = ?`, id)
	if err != nil {
		return Item{}, err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, sql.ErrNoRows
	}
	return items[0], nil
}

// StatusCounts returns row counts per status; used by tests and `du`.
func (l *Ledger) StatusCounts() (map[Status]int, error) {
	rows, err := l.db.Query(`SELECT status, count(*) FROM media GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// AddTag attaches a tag to a media id. Duplicate pairs are ignored.
func (l *Ledger) AddTag(resourceID, tag string) error {
	_, err := l.db.Exec(`INSERT OR IGNORE INTO tags (resource_id, tag) VALUES (?, ?)`, resourceID, tag)
	return err
}

// DatadirLocation returns the metadata singleton's data directory, or "" when
// not yet initialised.
func (l *Ledger) DatadirLocation() (string, error) {
	var loc string
	err := l.db.QueryRow(`SELECT datadir_location FROM metadata LIMIT 1`).Scan(&loc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return loc, err
}

// InitDatadir returns the stored data directory, writing def on first call.
// The singleton is immutable once set. The directory is created on disk.
func (l *Ledger) InitDatadir(def string) (string, error) {
	loc, err := l.DatadirLocation()
	if err != nil {
		return "", err
	}
	if loc == "" {
		if _, err := l.db.Exec(`INSERT INTO metadata (datadir_location) VALUES (?)`, def); err != nil {
			return "", fmt.Errorf("ledger: init datadir: %w", err)
		}
		loc = def
	}
	if err := os.MkdirAll(loc, 0o755); err != nil {
		return "", fmt.Errorf("ledger: create datadir: %w", err)
	}
	return loc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var installed, updated sql.NullTime
		var title, origin, video, thumb sql.NullString
		if err := rows.Scan(&it.ID, &title, &origin, &video, &thumb,
			&it.TimestampCreated, &installed, &updated, &it.ObjectPath, &it.Status); err != nil {
			return nil, err
		}
		it.Title, it.OriginURL, it.VideoURL, it.ThumbnailURL =
			title.String, origin.String, video.String, thumb.String
		if installed.Valid {
			t := installed.Time
			it.TimestampInstalled = &t
		}
		if updated.Valid {
			t := updated.Time
			it.TimestampUpdated = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
