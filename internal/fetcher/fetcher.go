// Package fetcher wraps the external media extractor (yt-dlp). The daemon
// core only sees the small contract here: a blocking metadata probe, a
// background download job, and a stream of status events ending in exactly
// one terminal event (unless cancelled).
package fetcher

import (
	"context"
	"time"
)

// VideoInfo is the metadata a probe yields, already enriched with the
// content-addressed identity used across the ledger, scheduler and HTTP
// routes.
type VideoInfo struct {
	ID         string // 32-hex content address (contentaddr.ID)
	ObjectPath string // relative artifact dir (contentaddr.ObjectPath)

	SourceID     string // extractor-native id
	Extractor    string // e.g. "youtube"
	Title        string
	Uploader     string
	OriginURL    string // page URL
	VideoURL     string // direct media URL when known
	ThumbnailURL string
	Duration     int // seconds; 0 when unknown
	Timestamp    time.Time
}

// Status is one of StatusPending, StatusDownloading, StatusFinished,
// StatusError. Downloading events repeat; Finished/Error occur exactly once
// per job and nothing follows them.
type Status interface{ isStatus() }

// StatusPending means the job exists but no bytes have moved yet.
type StatusPending struct{}

// StatusDownloading is a progress sample, rate-limited to one per 500 ms.
type StatusDownloading struct {
	Progress        float64 // 0..100
	DownloadedBytes int64
	TotalBytes      int64  // 0 when unknown
	Speed           string // e.g. "4.88MiB/s"
	ETA             string // e.g. "00:56"
}

// StatusFinished is the successful terminal event.
type StatusFinished struct {
	Filepath string // final video file under the artifact dir
}

// StatusError is the failing terminal event.
type StatusError struct {
	Message string
	Details string
}

func (StatusPending) isStatus()     {}
func (StatusDownloading) isStatus() {}
func (StatusFinished) isStatus()    {}
func (StatusError) isStatus()       {}

// StatusFunc receives job status events. It may be invoked from goroutines
// the caller does not own and must be safe for concurrent use.
type StatusFunc func(id string, status Status)

// DownloadOptions names the artifact to produce: the media at URL goes into
// Dir as video.<ext> plus thumbnail and info-json sidecars.
type DownloadOptions struct {
	ID  string // ledger id, echoed on every status event
	URL string
	Dir string // absolute artifact directory (<datadir>/<object_path>)
}

// Job is a single background download.
type Job interface {
	// Start begins the download and returns once the job is launched.
	// Events flow through onStatus until a terminal event.
	Start(onStatus StatusFunc) error
	// Cancel stops the job cooperatively. No terminal event is emitted
	// after Cancel returns.
	Cancel()
}

// Fetcher is the extractor back end the scheduler drives.
type Fetcher interface {
	// FetchInfo probes metadata without downloading bytes. A nil info with
	// nil error never occurs; failures return an error.
	FetchInfo(ctx context.Context, url string) (*VideoInfo, error)
	// NewJob prepares (but does not start) a download job.
	NewJob(opts DownloadOptions) Job
}
