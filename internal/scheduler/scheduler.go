// Package scheduler drains the ledger's pending queue with bounded
// concurrency. The ledger is the source of truth; the in-memory maps here
// only mirror rows currently in status 'downloading' (plus their latest
// fetcher status) so `ps` can answer without touching the fetcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mediabin/mediabin/internal/fetcher"
	"github.com/mediabin/mediabin/internal/ledger"
)

var (
	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediabin_downloads_active",
		Help: "Jobs currently held by the scheduler (downloading or about to).",
	})
	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabin_enqueued_total",
		Help: "Media items accepted into the pending queue.",
	})
	completedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabin_downloads_completed_total",
		Help: "Downloads that reached status complete.",
	})
	erroredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabin_downloads_errored_total",
		Help: "Downloads that reached status error.",
	})
)

// probeTimeout bounds the metadata probe during enqueue.
const probeTimeout = 60 * time.Second

// ErrNoMetadata is returned by Enqueue when the extractor yields nothing for
// the URL. No ledger row is created.
var ErrNoMetadata = errors.New("scheduler: could not fetch metadata for url")

type statusEvent struct {
	id     string
	status fetcher.Status
}

// Scheduler owns the single worker goroutine, the in-flight job map and the
// status map. Two locks, fixed acquisition order: downloads before statuses.
type Scheduler struct {
	ledger        *ledger.Ledger
	fetcher       fetcher.Fetcher
	datadir       string
	maxConcurrent int
	pollInterval  time.Duration

	enqueueCh chan struct{}
	statusCh  chan statusEvent
	exitCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	muDownloads sync.Mutex
	downloads   map[string]fetcher.Job

	muStatuses sync.Mutex
	statuses   map[string]fetcher.Status
}

// New builds a scheduler; call Run to start it.
func New(l *ledger.Ledger, f fetcher.Fetcher, datadir string, maxConcurrent int, pollInterval time.Duration) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Scheduler{
		ledger:        l,
		fetcher:       f,
		datadir:       datadir,
		maxConcurrent: maxConcurrent,
		pollInterval:  pollInterval,
		enqueueCh:     make(chan struct{}, 1),
		statusCh:      make(chan statusEvent, 256),
		exitCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		downloads:     make(map[string]fetcher.Job),
		statuses:      make(map[string]fetcher.Status),
	}
}

// Run is the scheduling loop. It wakes on enqueue signals, fetcher status
// events, or the poll ticker, and exits when Close is called. Call once, in
// its own goroutine.
func (s *Scheduler) Run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitCh:
			return
		case ev := <-s.statusCh:
			s.applyStatus(ev)
		case <-s.enqueueCh:
			s.fill()
		case <-ticker.C:
			s.fill()
		}
	}
}

// Close cancels every in-flight job and joins the loop. Rows left in status
// 'downloading' are recovered by ResetDownloadingToPending at next startup.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.muDownloads.Lock()
		for id, job := range s.downloads {
			log.Printf("scheduler: cancelling job %s", id)
			job.Cancel()
		}
		s.muDownloads.Unlock()
		close(s.exitCh)
		<-s.doneCh
	})
}

// Enqueue probes metadata for url and inserts a pending row. Duplicate ids
// surface as ledger.ErrDuplicateItem ("already known"); a failed probe as
// ErrNoMetadata. On success the worker is signalled and the title returned.
func (s *Scheduler) Enqueue(url string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	info, err := s.fetcher.FetchInfo(ctx, url)
	if err != nil {
		log.Printf("scheduler: probe %s: %v", url, err)
		return "", ErrNoMetadata
	}
	it := ledger.Item{
		ID:               info.ID,
		Title:            info.Title,
		OriginURL:        info.OriginURL,
		VideoURL:         info.VideoURL,
		ThumbnailURL:     info.ThumbnailURL,
		TimestampCreated: time.Now().UTC(),
		ObjectPath:       info.ObjectPath,
	}
	if !info.Timestamp.IsZero() {
		it.TimestampCreated = info.Timestamp
	}
	if err := s.ledger.InsertPending(it); err != nil {
		return info.Title, err
	}
	enqueuedTotal.Inc()
	s.Kick()
	return info.Title, nil
}

// Kick signals the worker that the pending set may be non-empty. Non-blocking.
func (s *Scheduler) Kick() {
	select {
	case s.enqueueCh <- struct{}{}:
	default:
	}
}

// fill promotes pending rows into jobs until the concurrency bound is hit or
// the queue is empty. Promotion and map insertion are atomic under the
// downloads lock, so a row is promoted at most once per daemon lifetime.
func (s *Scheduler) fill() {
	for {
		s.muDownloads.Lock()
		if len(s.downloads) >= s.maxConcurrent {
			s.muDownloads.Unlock()
			return
		}
		id, url, ok, err := s.ledger.NextPending()
		if err != nil {
			s.muDownloads.Unlock()
			log.Printf("scheduler: next pending: %v", err)
			return
		}
		if !ok {
			s.muDownloads.Unlock()
			return
		}
		if err := s.startJob(id, url); err != nil {
			s.muDownloads.Unlock()
			log.Printf("scheduler: start job %s: %v", id, err)
			if err := s.ledger.MarkError(id); err != nil {
				log.Printf("scheduler: mark error %s: %v", id, err)
			}
			erroredTotal.Inc()
			continue
		}
		s.muDownloads.Unlock()
	}
}

// startJob runs with muDownloads held.
func (s *Scheduler) startJob(id, url string) error {
	row, err := s.ledger.Get(id)
	if err != nil {
		return fmt.Errorf("load row: %w", err)
	}
	if err := s.ledger.PromoteToDownloading(id); err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	job := s.fetcher.NewJob(fetcher.DownloadOptions{
		ID:  id,
		URL: url,
		Dir: filepath.Join(s.datadir, filepath.FromSlash(row.ObjectPath)),
	})
	// The fetcher calls back from its own goroutines; deliver through the
	// status channel so only the scheduler loop touches ledger state.
	onStatus := func(id string, st fetcher.Status) {
		select {
		case s.statusCh <- statusEvent{id: id, status: st}:
		case <-s.exitCh:
		}
	}
	if err := job.Start(onStatus); err != nil {
		return err
	}
	s.downloads[id] = job
	s.muStatuses.Lock()
	s.statuses[id] = fetcher.StatusPending{}
	s.muStatuses.Unlock()
	activeDownloads.Set(float64(len(s.downloads)))
	log.Printf("scheduler: starting job %s (%s)", id, url)
	return nil
}

// applyStatus reconciles one fetcher event with the ledger and the maps.
// Terminal statuses hit the ledger before the maps are cleaned, so a row is
// never invisible to both.
func (s *Scheduler) applyStatus(ev statusEvent) {
	switch st := ev.status.(type) {
	case fetcher.StatusPending, fetcher.StatusDownloading:
		s.muStatuses.Lock()
		if _, live := s.statuses[ev.id]; live {
			s.statuses[ev.id] = ev.status
		}
		s.muStatuses.Unlock()
	case fetcher.StatusError:
		log.Printf("scheduler: job %s failed: %s", ev.id, st.Message)
		if err := s.ledger.MarkError(ev.id); err != nil {
			log.Printf("scheduler: mark error %s: %v", ev.id, err)
		}
		erroredTotal.Inc()
		s.forget(ev.id)
		s.Kick()
	case fetcher.StatusFinished:
		log.Printf("scheduler: job %s finished: %s", ev.id, st.Filepath)
		if err := s.ledger.MarkComplete(ev.id, time.Now().UTC()); err != nil {
			log.Printf("scheduler: mark complete %s: %v", ev.id, err)
		}
		completedTotal.Inc()
		s.forget(ev.id)
		s.Kick()
	}
}

func (s *Scheduler) forget(id string) {
	s.muDownloads.Lock()
	s.muStatuses.Lock()
	delete(s.downloads, id)
	delete(s.statuses, id)
	activeDownloads.Set(float64(len(s.downloads)))
	s.muStatuses.Unlock()
	s.muDownloads.Unlock()
}

// JobStatus pairs an id with its latest fetcher status for `ps`.
type JobStatus struct {
	ID     string
	Status fetcher.Status
}

// Snapshot returns jobs currently moving bytes and job ids still waiting in
// the fetcher (held but pending). Downloads-then-statuses lock order.
func (s *Scheduler) Snapshot() (downloading []JobStatus, pendingIDs []string) {
	s.muDownloads.Lock()
	s.muStatuses.Lock()
	defer s.muStatuses.Unlock()
	defer s.muDownloads.Unlock()
	for id, st := range s.statuses {
		switch st.(type) {
		case fetcher.StatusDownloading:
			downloading = append(downloading, JobStatus{ID: id, Status: st})
		case fetcher.StatusPending:
			pendingIDs = append(pendingIDs, id)
		}
	}
	return downloading, pendingIDs
}

// ActiveCount reports how many jobs the scheduler holds right now.
func (s *Scheduler) ActiveCount() int {
	s.muDownloads.Lock()
	defer s.muDownloads.Unlock()
	return len(s.downloads)
}
