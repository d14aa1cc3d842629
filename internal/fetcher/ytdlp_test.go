package fetcher

import (
	"strings"
	"testing"
)

func TestParseProgressLine(t *testing.T) {
	st, ok := ParseProgressLine("MBPROG 52428800 104857600 4.88MiB/s 00:56")
	if !ok {
		t.Fatalf("valid line not parsed")
	}
	if st.DownloadedBytes != 52428800 || st.TotalBytes != 104857600 {
		t.Fatalf("bytes = %d/%d", st.DownloadedBytes, st.TotalBytes)
	}
	if st.Progress < 49.9 || st.Progress > 50.1 {
		t.Fatalf("progress = %f, want 50", st.Progress)
	}
	if st.Speed != "4.88MiB/s" || st.ETA != "00:56" {
		t.Fatalf("speed/eta = %q/%q", st.Speed, st.ETA)
	}
}

func TestParseProgressLineNAFields(t *testing.T) {
	st, ok := ParseProgressLine("MBPROG 1024 NA NA NA")
	if !ok {
		t.Fatalf("NA line not parsed")
	}
	if st.TotalBytes != 0 || st.Progress != 0 {
		t.Fatalf("unknown total must leave progress zero: %+v", st)
	}
	if st.Speed != "" || st.ETA != "" {
		t.Fatalf("NA speed/eta should be empty: %+v", st)
	}
}

func TestParseProgressLineFloatBytes(t *testing.T) {
	// yt-dlp sometimes renders byte counts as floats.
	st, ok := ParseProgressLine("MBPROG 1048576.0 2097152.0 NA NA")
	if !ok {
		t.Fatalf("float line not parsed")
	}
	if st.DownloadedBytes != 1048576 || st.TotalBytes != 2097152 {
		t.Fatalf("bytes = %d/%d", st.DownloadedBytes, st.TotalBytes)
	}
}

func TestParseProgressLineRejectsNoise(t *testing.T) {
	for _, line := range []string{
		"[download] Destination: video.mp4",
		"MBPROG",
		"MBPROG 123",
		"",
	} {
		if _, ok := ParseProgressLine(line); ok {
			t.Fatalf("noise line parsed as progress: %q", line)
		}
	}
}

func TestParseInfoJSON(t *testing.T) {
	data := []byte(`{
		"id": "dQw4w9WgXcQ",
		"extractor": "youtube",
		"title": "Some Video",
		"uploader": "someone",
		"webpage_url": "https://youtube.com/watch?v=dQw4w9WgXcQ",
		"thumbnail": "https://i.ytimg.com/x.jpg",
		"duration": 212.5,
		"timestamp": 1600000000
	}`)
	info, err := ParseInfoJSON(data)
	if err != nil {
		t.Fatalf("ParseInfoJSON: %v", err)
	}
	if info.ID != "a44b0bfce345072d2f3d62366766e212" {
		t.Fatalf("content address = %s", info.ID)
	}
	if !strings.HasPrefix(info.ObjectPath, "a44b/0bfc/") {
		t.Fatalf("object path = %s", info.ObjectPath)
	}
	if info.Title != "Some Video" || info.Duration != 212 {
		t.Fatalf("fields = %+v", info)
	}
	if info.Timestamp.IsZero() || info.Timestamp.Unix() != 1600000000 {
		t.Fatalf("timestamp = %v", info.Timestamp)
	}
}

func TestParseInfoJSONMissingIdentity(t *testing.T) {
	if _, err := ParseInfoJSON([]byte(`{"title": "anon"}`)); err == nil {
		t.Fatalf("info without id/extractor must fail")
	}
	if _, err := ParseInfoJSON([]byte(`not json`)); err == nil {
		t.Fatalf("malformed json must fail")
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 10); got != "short" {
		t.Fatalf("tail short = %q", got)
	}
	long := strings.Repeat("x", 30) + "END"
	got := tail(long, 5)
	if got != "...xxEND" {
		t.Fatalf("tail long = %q", got)
	}
}
