// Package mediaserver hosts the read-only HTTP endpoint that serves
// completed media back out: a JSON listing and a range-capable player route.
// Each request opens a fresh ledger connection, so the server never holds
// the scheduler's write path open.
package mediaserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

// idPattern: media ids are 32 lowercase hex chars; anything else on the play
// route is a 404 without touching the ledger.
const idLength = 32

// Server is the media HTTP host. DataDir is where object paths resolve.
type Server struct {
	LedgerPath string
	DataDir    string
	Addr       string // e.g. ":80" or "100.x.y.z:80"

	srv *http.Server
}

// ListItem is one row of GET /media/list.
type ListItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Handler builds the route table; exported for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	})
	mux.HandleFunc("/media/list", s.handleList)
	mux.HandleFunc("/media/play/", s.handlePlay)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("mediaserver: listening on %s", s.Addr)
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// openLedger opens a fresh read connection for one request.
func (s *Server) openLedger() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.LedgerPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// handleList returns completed items as {"items":[{id,title}]}, ordered
// timestamp_updated DESC, timestamp_installed DESC, title ASC. Brotli
// compression when the client accepts it.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	db, err := s.openLedger()
	if err != nil {
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, title FROM media WHERE status = 'complete'
		ORDER BY timestamp_updated DESC, timestamp_installed DESC, title ASC`)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	items := make([]ListItem, 0)
	for rows.Next() {
		var it ListItem
		var title sql.NullString
		if err := rows.Scan(&it.ID, &title); err != nil {
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		it.Title = title.String
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	var out = struct {
		Items []ListItem `json:"items"`
	}{Items: items}

	if acceptsBrotli(r) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		json.NewEncoder(bw).Encode(out)
		return
	}
	json.NewEncoder(w).Encode(out)
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "br" {
			return true
		}
	}
	return false
}

// handlePlay streams <datadir>/<object_path>/video.mp4 for a complete item.
// http.ServeContent supplies Accept-Ranges and 206 handling.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/media/play/")
	if len(id) != idLength || !isHex(id) {
		http.NotFound(w, r)
		return
	}

	db, err := s.openLedger()
	if err != nil {
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	defer db.Close()

	var objectPath, status string
	err = db.QueryRow(`SELECT object_path, status FROM media WHERE id = ?`, id).
		Scan(&objectPath, &status)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && status != "complete") {
		// Only complete rows are authoritative on disk.
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	path := filepath.Join(s.DataDir, filepath.FromSlash(objectPath), "video.mp4")
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, "video.mp4", fi.ModTime(), f)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// TailscaleAddr returns "<tailscale0-ip>:<port>", for binding the media
// server to the tailnet only.
func TailscaleAddr(port int) (string, error) {
	ifc, err := net.InterfaceByName("tailscale0")
	if err != nil {
		return "", fmt.Errorf("mediaserver: tailscale0 interface: %w", err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return fmt.Sprintf("%s:%d", ip4, port), nil
		}
	}
	return "", fmt.Errorf("mediaserver: tailscale0 has no IPv4 address")
}
