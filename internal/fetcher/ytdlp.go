package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mediabin/mediabin/internal/contentaddr"
)

// progressInterval throttles StatusDownloading emission.
const progressInterval = 500 * time.Millisecond

// progressPrefix tags machine-readable progress lines on yt-dlp stdout.
const progressPrefix = "MBPROG "

// YTDLP shells out to the yt-dlp binary. Zero value is not usable; call
// NewYTDLP.
type YTDLP struct {
	Binary string
}

// NewYTDLP returns a fetcher using the given yt-dlp binary (name or path).
func NewYTDLP(binary string) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{Binary: binary}
}

// FetchInfo runs `yt-dlp -J` and parses the info JSON. Blocking; respects ctx.
func (y *YTDLP) FetchInfo(ctx context.Context, url string) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, y.Binary,
		"-J", "--no-playlist", "--skip-download", "--no-warnings", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fetcher: probe %s: %w (%s)", url, err, tail(stderr.String(), 200))
	}
	info, err := ParseInfoJSON(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("fetcher: probe %s: %w", url, err)
	}
	return info, nil
}

// ParseInfoJSON decodes a yt-dlp info dict and derives the content address.
func ParseInfoJSON(data []byte) (*VideoInfo, error) {
	var raw struct {
		ID        string  `json:"id"`
		Extractor string  `json:"extractor"`
		Title     string  `json:"title"`
		Uploader  string  `json:"uploader"`
		Webpage   string  `json:"webpage_url"`
		URL       string  `json:"url"`
		Thumbnail string  `json:"thumbnail"`
		Duration  float64 `json:"duration"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse info json: %w", err)
	}
	if raw.ID == "" || raw.Extractor == "" {
		return nil, fmt.Errorf("info json missing id or extractor")
	}
	id := contentaddr.ID(raw.Extractor, raw.ID)
	info := &VideoInfo{
		ID:           id,
		ObjectPath:   contentaddr.ObjectPath(id),
		SourceID:     raw.ID,
		Extractor:    raw.Extractor,
		Title:        raw.Title,
		Uploader:     raw.Uploader,
		OriginURL:    raw.Webpage,
		VideoURL:     raw.URL,
		ThumbnailURL: raw.Thumbnail,
		Duration:     int(raw.Duration),
	}
	if raw.Timestamp > 0 {
		info.Timestamp = time.Unix(raw.Timestamp, 0).UTC()
	}
	return info, nil
}

// NewJob prepares a download job for opts.
func (y *YTDLP) NewJob(opts DownloadOptions) Job {
	return &ytdlpJob{binary: y.Binary, opts: opts}
}

type ytdlpJob struct {
	binary string
	opts   DownloadOptions

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled bool
	started   bool
}

// Start launches yt-dlp with the artifact output template and sidecar flags,
// then consumes its stdout for progress lines. Progress events are throttled
// by a rate limiter; the terminal event comes from the process exit status.
func (j *ytdlpJob) Start(onStatus StatusFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("fetcher: job %s already started", j.opts.ID)
	}
	if err := os.MkdirAll(j.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("fetcher: create artifact dir: %w", err)
	}

	tmpl := progressPrefix + "%(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.speed)s %(progress.eta)s"
	cmd := exec.Command(j.binary,
		"-o", filepath.Join(j.opts.Dir, "video.%(ext)s"),
		"-f", "best",
		"--no-playlist",
		"--no-warnings",
		"--write-thumbnail",
		"--write-info-json",
		"--newline",
		"--progress-template", "download:"+tmpl,
		j.opts.URL)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("fetcher: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fetcher: start yt-dlp: %w", err)
	}
	j.cmd = cmd
	j.started = true

	onStatus(j.opts.ID, StatusPending{})

	go j.consume(stdout, &stderr, onStatus)
	return nil
}

func (j *ytdlpJob) consume(stdout io.Reader, stderr *bytes.Buffer, onStatus StatusFunc) {
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		st, ok := ParseProgressLine(sc.Text())
		if !ok {
			continue
		}
		if j.isCancelled() {
			continue
		}
		if !limiter.Allow() {
			continue
		}
		onStatus(j.opts.ID, st)
	}

	err := j.cmd.Wait()
	if j.isCancelled() {
		// Cancelled jobs emit nothing further; the scheduler already
		// forgot about us.
		return
	}
	if err != nil {
		onStatus(j.opts.ID, StatusError{
			Message: fmt.Sprintf("download failed for %s", j.opts.URL),
			Details: tail(stderr.String(), 500),
		})
		return
	}
	onStatus(j.opts.ID, StatusFinished{Filepath: j.finalVideoPath()})
}

// finalVideoPath globs the artifact dir for the video file yt-dlp produced
// (the extension is only known after download).
func (j *ytdlpJob) finalVideoPath() string {
	matches, err := filepath.Glob(filepath.Join(j.opts.Dir, "video.*"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".json", ".jpg", ".jpeg", ".png", ".webp", ".part":
			continue
		}
		return m
	}
	return ""
}

// Cancel interrupts the yt-dlp process. Cooperative: the consume goroutine
// sees the flag and suppresses any terminal event.
func (j *ytdlpJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	cmd := j.cmd
	j.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}
}

func (j *ytdlpJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// ParseProgressLine parses one machine-readable progress line into a
// StatusDownloading. Lines without the progress prefix return ok=false.
// Field layout: "MBPROG <downloaded> <total> <speed> <eta>", any field may be
// the literal "NA".
func ParseProgressLine(line string) (StatusDownloading, bool) {
	if !strings.HasPrefix(line, progressPrefix) {
		return StatusDownloading{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, progressPrefix))
	if len(fields) < 2 {
		return StatusDownloading{}, false
	}
	st := StatusDownloading{}
	st.DownloadedBytes = parseBytes(fields[0])
	st.TotalBytes = parseBytes(fields[1])
	if len(fields) > 2 && fields[2] != "NA" {
		st.Speed = fields[2]
	}
	if len(fields) > 3 && fields[3] != "NA" {
		st.ETA = fields[3]
	}
	if st.TotalBytes > 0 {
		st.Progress = float64(st.DownloadedBytes) / float64(st.TotalBytes) * 100
	}
	return st, true
}

func parseBytes(s string) int64 {
	if s == "" || s == "NA" {
		return 0
	}
	// yt-dlp may render byte counts as floats (e.g. "1048576.0").
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
