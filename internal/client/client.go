// Package client is the short-lived side of the IPC protocol: it dials the
// daemon socket, sends one Call frame, relays streamed stdout/stderr chunks
// to the real terminal, and returns the terminating result.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mediabin/mediabin/internal/ipc"
)

// dialTimeout bounds the connect attempt; the daemon is local, so a slow
// dial means it is not there.
const dialTimeout = 3 * time.Second

// ErrDaemonUnreachable means the daemon socket could not be reached or the
// connection died mid-call. Never retried automatically.
var ErrDaemonUnreachable = errors.New("client: cannot connect to daemon")

// RemoteError is an ErrorResult surfaced by the daemon.
type RemoteError struct {
	Message string
	Kind    string
}

func (e *RemoteError) Error() string { return e.Message }

// Client calls commands on a running daemon.
type Client struct {
	SocketPath string
}

// New returns a client for the daemon socket at path.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Call invokes a remote command. Streamed chunks are written to the real
// stdout/stderr as they arrive; the decoded Result value is returned. An
// ErrorResult becomes a *RemoteError; transport failures map to
// ErrDaemonUnreachable.
func (c *Client) Call(name string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.SocketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	call := ipc.Call{
		Name:        name,
		Args:        args,
		Kwargs:      kwargs,
		StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd()),
		StderrIsTTY: isatty.IsTerminal(os.Stderr.Fd()),
	}
	if err := ipc.WriteFrame(conn, call); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
		}
		switch f := frame.(type) {
		case ipc.StdoutChunk:
			fmt.Fprint(os.Stdout, f.Text)
		case ipc.StderrChunk:
			fmt.Fprint(os.Stderr, f.Text)
		case ipc.Result:
			return f.Value, nil
		case ipc.ErrorResult:
			return nil, &RemoteError{Message: f.Message, Kind: f.Kind}
		default:
			return nil, &ipc.ProtocolError{Reason: fmt.Sprintf("unexpected %T frame from daemon", f)}
		}
	}
}

// CallInto is Call plus JSON-decoding of the result value into v.
func (c *Client) CallInto(v any, name string, args []any, kwargs map[string]any) error {
	raw, err := c.Call(name, args, kwargs)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
