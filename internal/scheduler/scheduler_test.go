package scheduler

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mediabin/mediabin/internal/fetcher"
	"github.com/mediabin/mediabin/internal/ledger"
)

// fakeFetcher resolves every URL to deterministic metadata and hands out jobs
// that do nothing until the test drives their status callbacks.
type fakeFetcher struct {
	mu       sync.Mutex
	jobs     map[string]*fakeJob
	started  chan string
	probeErr error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		jobs:    make(map[string]*fakeJob),
		started: make(chan string, 64),
	}
}

func (f *fakeFetcher) FetchInfo(ctx context.Context, url string) (*fetcher.VideoInfo, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	id := fmt.Sprintf("%x", md5.Sum([]byte(url)))
	return &fetcher.VideoInfo{
		ID:         id,
		ObjectPath: id[:4] + "/" + id[4:8] + "/" + id,
		Title:      "title of " + url,
		OriginURL:  url,
	}, nil
}

func (f *fakeFetcher) NewJob(opts fetcher.DownloadOptions) fetcher.Job {
	return &fakeJob{f: f, opts: opts}
}

func (f *fakeFetcher) job(id string) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type fakeJob struct {
	f    *fakeFetcher
	opts fetcher.DownloadOptions

	mu        sync.Mutex
	onStatus  fetcher.StatusFunc
	cancelled bool
}

func (j *fakeJob) Start(onStatus fetcher.StatusFunc) error {
	j.mu.Lock()
	j.onStatus = onStatus
	j.mu.Unlock()
	j.f.mu.Lock()
	j.f.jobs[j.opts.ID] = j
	j.f.mu.Unlock()
	onStatus(j.opts.ID, fetcher.StatusPending{})
	j.f.started <- j.opts.ID
	return nil
}

func (j *fakeJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *fakeJob) emit(st fetcher.Status) {
	j.mu.Lock()
	fn := j.onStatus
	j.mu.Unlock()
	fn(j.opts.ID, st)
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *ledger.Ledger, *fakeFetcher) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	f := newFakeFetcher()
	s := New(l, f, t.TempDir(), maxConcurrent, 10*time.Millisecond)
	go s.Run()
	t.Cleanup(s.Close)
	return s, l, f
}

func waitStart(t *testing.T, f *fakeFetcher) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("no job started in time")
		return ""
	}
}

func waitStatus(t *testing.T, l *ledger.Ledger, id string, want ledger.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		it, err := l.Get(id)
		if err == nil && it.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	it, _ := l.Get(id)
	t.Fatalf("row %s stuck in %s, want %s", id, it.Status, want)
}

func TestEnqueueAndComplete(t *testing.T) {
	s, l, f := newTestScheduler(t, 3)
	title, err := s.Enqueue("https://example.com/one")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if title != "title of https://example.com/one" {
		t.Fatalf("title = %q", title)
	}

	id := waitStart(t, f)
	waitStatus(t, l, id, ledger.StatusDownloading)

	f.job(id).emit(fetcher.StatusFinished{Filepath: "video.mp4"})
	waitStatus(t, l, id, ledger.StatusComplete)
	if s.ActiveCount() != 0 {
		t.Fatalf("active count after finish = %d", s.ActiveCount())
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	s, _, _ := newTestScheduler(t, 3)
	if _, err := s.Enqueue("https://example.com/dup"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := s.Enqueue("https://example.com/dup")
	if !errors.Is(err, ledger.ErrDuplicateItem) {
		t.Fatalf("second enqueue: err = %v, want ErrDuplicateItem", err)
	}
}

func TestEnqueueProbeFailure(t *testing.T) {
	s, l, f := newTestScheduler(t, 3)
	f.probeErr = errors.New("no such video")
	if _, err := s.Enqueue("https://example.com/broken"); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("err = %v, want ErrNoMetadata", err)
	}
	counts, _ := l.StatusCounts()
	if len(counts) != 0 {
		t.Fatalf("failed probe left rows behind: %v", counts)
	}
}

func TestConcurrencyBound(t *testing.T) {
	s, l, f := newTestScheduler(t, 2)
	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(fmt.Sprintf("https://example.com/v%d", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	first := waitStart(t, f)
	second := waitStart(t, f)

	// With both slots busy, nothing else may start even across poll ticks.
	select {
	case id := <-f.started:
		t.Fatalf("third job %s started past the bound", id)
	case <-time.After(100 * time.Millisecond):
	}
	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
	counts, _ := l.StatusCounts()
	if counts[ledger.StatusDownloading] != 2 || counts[ledger.StatusPending] != 3 {
		t.Fatalf("counts = %v", counts)
	}

	// Freeing a slot promotes exactly one more.
	f.job(first).emit(fetcher.StatusFinished{Filepath: "video.mp4"})
	third := waitStart(t, f)
	if third == first || third == second {
		t.Fatalf("restarted an already running job: %s", third)
	}
	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("active after refill = %d, want 2", got)
	}
}

func TestErroredJobFreesSlot(t *testing.T) {
	s, l, f := newTestScheduler(t, 1)
	s.Enqueue("https://example.com/bad")
	s.Enqueue("https://example.com/good")

	first := waitStart(t, f)
	f.job(first).emit(fetcher.StatusError{Message: "network gone"})
	waitStatus(t, l, first, ledger.StatusError)

	second := waitStart(t, f)
	if second == first {
		t.Fatalf("errored job restarted")
	}
	waitStatus(t, l, second, ledger.StatusDownloading)
}

func TestSnapshotTracksProgress(t *testing.T) {
	s, _, f := newTestScheduler(t, 2)
	s.Enqueue("https://example.com/a")
	id := waitStart(t, f)

	// A freshly started job shows up as held-but-pending first.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, pending := s.Snapshot()
		if len(pending) == 1 && pending[0] == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fresh job never appeared as pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.job(id).emit(fetcher.StatusDownloading{Progress: 42, DownloadedBytes: 42, TotalBytes: 100})
	var downloading []JobStatus
	deadline = time.Now().Add(2 * time.Second)
	for {
		downloading, _ = s.Snapshot()
		if len(downloading) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never reached the snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := downloading[0].Status.(fetcher.StatusDownloading)
	if downloading[0].ID != id || st.Progress != 42 {
		t.Fatalf("snapshot = %+v", downloading[0])
	}
}

func TestCloseCancelsJobs(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()
	f := newFakeFetcher()
	s := New(l, f, t.TempDir(), 1, 10*time.Millisecond)
	go s.Run()

	s.Enqueue("https://example.com/slow")
	id := waitStart(t, f)
	s.Close()

	job := f.job(id)
	job.mu.Lock()
	cancelled := job.cancelled
	job.mu.Unlock()
	if !cancelled {
		t.Fatalf("Close did not cancel the in-flight job")
	}

	// The interrupted row is recovered on the next startup.
	n, err := l.ResetDownloadingToPending()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d rows, want 1", n)
	}
}
