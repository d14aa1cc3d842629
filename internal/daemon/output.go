package daemon

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mediabin/mediabin/internal/ipc"
)

// Output is the handler-visible stdout/stderr capability. Every Write on the
// returned writers becomes one StdoutChunk/StderrChunk frame on the owning
// client connection, flushed immediately. Background code (scheduler,
// fetcher) has no Output and logs to the daemon log via the log package.
//
// All frames on one connection (chunks and the terminator) are serialized by
// the shared per-connection write mutex.
type Output struct {
	mu   *sync.Mutex
	conn net.Conn

	stdoutTTY bool
	stderrTTY bool
}

func newOutput(mu *sync.Mutex, conn net.Conn, call ipc.Call) *Output {
	return &Output{mu: mu, conn: conn, stdoutTTY: call.StdoutIsTTY, stderrTTY: call.StderrIsTTY}
}

// StdoutIsTTY reports whether the client's stdout is a terminal, so handlers
// can suppress colour.
func (o *Output) StdoutIsTTY() bool { return o.stdoutTTY }

// StderrIsTTY reports whether the client's stderr is a terminal.
func (o *Output) StderrIsTTY() bool { return o.stderrTTY }

// Stdout returns the streamed standard-output writer.
func (o *Output) Stdout() io.Writer { return chunkWriter{o: o, stderr: false} }

// Stderr returns the streamed standard-error writer.
func (o *Output) Stderr() io.Writer { return chunkWriter{o: o, stderr: true} }

// Printf writes formatted text to the client's stdout.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.Stdout(), format, args...)
}

// Errorf writes formatted text to the client's stderr.
func (o *Output) Errorf(format string, args ...any) {
	fmt.Fprintf(o.Stderr(), format, args...)
}

func (o *Output) writeFrame(f ipc.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ipc.WriteFrame(o.conn, f)
}

type chunkWriter struct {
	o      *Output
	stderr bool
}

func (w chunkWriter) Write(p []byte) (int, error) {
	var f ipc.Frame
	if w.stderr {
		f = ipc.StderrChunk{Text: string(p)}
	} else {
		f = ipc.StdoutChunk{Text: string(p)}
	}
	if err := w.o.writeFrame(f); err != nil {
		return 0, err
	}
	return len(p), nil
}
