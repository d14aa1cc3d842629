package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"testing/iotest"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

func TestCallRoundTrip(t *testing.T) {
	in := Call{
		Name:        "register_new_download",
		Args:        []any{"https://example.com/v"},
		Kwargs:      map[string]any{"title_like": "foo"},
		StdoutIsTTY: true,
	}
	got, ok := roundTrip(t, in).(Call)
	if !ok {
		t.Fatalf("decoded wrong frame type")
	}
	if got.Name != in.Name || !got.StdoutIsTTY || got.StderrIsTTY {
		t.Fatalf("call fields lost: %+v", got)
	}
	if got.StringArg(0, "url") != "https://example.com/v" {
		t.Fatalf("StringArg = %q", got.StringArg(0, "url"))
	}
}

func TestChunkAndTerminatorRoundTrip(t *testing.T) {
	if got := roundTrip(t, StdoutChunk{Text: "hello\n"}).(StdoutChunk); got.Text != "hello\n" {
		t.Fatalf("stdout chunk = %q", got.Text)
	}
	if got := roundTrip(t, StderrChunk{Text: "oops"}).(StderrChunk); got.Text != "oops" {
		t.Fatalf("stderr chunk = %q", got.Text)
	}
	res, err := NewResult(map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	got := roundTrip(t, res).(Result)
	var v map[string]int
	if err := json.Unmarshal(got.Value, &v); err != nil || v["count"] != 3 {
		t.Fatalf("result value = %s (err %v)", got.Value, err)
	}
	e := roundTrip(t, ErrorResult{Message: "nope", Kind: "handler_error"}).(ErrorResult)
	if e.Message != "nope" || e.Kind != "handler_error" {
		t.Fatalf("error result = %+v", e)
	}
}

func TestReadFrameReassemblesPartialReads(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, StdoutChunk{Text: "split me"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(iotest.OneByteReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame over one-byte reader: %v", err)
	}
	if got.(StdoutChunk).Text != "split me" {
		t.Fatalf("chunk = %q", got.(StdoutChunk).Text)
	}
}

func TestReadFrameEOF(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("empty stream: err = %v, want ErrConnectionClosed", err)
	}
	// Header present, payload truncated.
	var buf bytes.Buffer
	WriteFrame(&buf, StdoutChunk{Text: "truncated"})
	short := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(short)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("truncated payload: err = %v, want ErrConnectionClosed", err)
	}
}

func TestReadFrameUnknownType(t *testing.T) {
	payload, _ := json.Marshal(envelope{Type: "shrug", Data: json.RawMessage(`{}`)})
	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)

	_, err := ReadFrame(&buf)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("unknown type: err = %v, want *ProtocolError", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("oversized length: err = %v, want *ProtocolError", err)
	}
}

func TestStringSliceKwarg(t *testing.T) {
	c := Call{Kwargs: map[string]any{"tags": []any{"music", 7, "live"}}}
	got := c.StringSliceKwarg("tags")
	if len(got) != 2 || got[0] != "music" || got[1] != "live" {
		t.Fatalf("StringSliceKwarg = %v", got)
	}
	if c.StringSliceKwarg("missing") != nil {
		t.Fatalf("missing kwarg should be nil")
	}
}
