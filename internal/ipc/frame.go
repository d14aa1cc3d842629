// Package ipc implements the length-framed request/response protocol spoken
// between the mediabin client and the daemon over the local unix socket.
//
// Wire format: an 8-byte big-endian unsigned length, then exactly that many
// bytes of a JSON-encoded envelope {"type": ..., "data": ...}. Only the five
// frame variants below exist; anything else is a protocol error and the
// connection must be closed.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// Frame type tags on the wire.
const (
	TypeCall   = "call"
	TypeStdout = "stdout"
	TypeStderr = "stderr"
	TypeResult = "result"
	TypeError  = "error"
)

// MaxFrameSize caps a single frame payload. A larger length prefix means the
// peer is not speaking our protocol.
const MaxFrameSize = 64 << 20

// ErrConnectionClosed is returned when the stream ends before a complete
// frame was read.
var ErrConnectionClosed = errors.New("ipc: connection closed")

// ProtocolError reports a malformed or unknown frame. The connection carrying
// it is unusable and must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "ipc: protocol error: " + e.Reason }

// Call asks the daemon to run a registered command. Args are positional JSON
// primitives; Kwargs are named ones. The tty booleans let handlers suppress
// colour for non-tty clients.
type Call struct {
	Name        string         `json:"name"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	StdoutIsTTY bool           `json:"stdout_is_tty"`
	StderrIsTTY bool           `json:"stderr_is_tty"`
}

// StdoutChunk carries handler standard-output text back to the client.
type StdoutChunk struct {
	Text string `json:"text"`
}

// StderrChunk carries handler standard-error text back to the client.
type StderrChunk struct {
	Text string `json:"text"`
}

// Result terminates a call with its value (any JSON value, often an object).
type Result struct {
	Value json.RawMessage `json:"value"`
}

// ErrorResult terminates a call with a failure. Kind is a stable machine
// name (e.g. "unknown_command", "handler_error").
type ErrorResult struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Frame is one of Call, StdoutChunk, StderrChunk, Result, ErrorResult.
type Frame interface{ frameType() string }

func (Call) frameType() string        { return TypeCall }
func (StdoutChunk) frameType() string { return TypeStdout }
func (StderrChunk) frameType() string { return TypeStderr }
func (Result) frameType() string      { return TypeResult }
func (ErrorResult) frameType() string { return TypeError }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WriteFrame encodes f and sends it with its length prefix as a single
// gather write, so two goroutines writing distinct frames never interleave
// bytes (callers still serialize frames on one conn with a mutex).
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ipc: encode %s frame: %w", f.frameType(), err)
	}
	env, err := json.Marshal(envelope{Type: f.frameType(), Data: data})
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(env)))
	bufs := net.Buffers{hdr[:], env}
	_, err = bufs.WriteTo(w)
	return err
}

// ReadFrame reads one complete frame. Partial reads are reassembled; EOF
// before a complete frame yields ErrConnectionClosed. Unknown frame types
// yield *ProtocolError.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, closedOr(err)
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d out of range", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedOr(err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope: " + err.Error()}
	}
	return decodeFrame(env)
}

func decodeFrame(env envelope) (Frame, error) {
	var f Frame
	var err error
	switch env.Type {
	case TypeCall:
		var v Call
		err = json.Unmarshal(env.Data, &v)
		f = v
	case TypeStdout:
		var v StdoutChunk
		err = json.Unmarshal(env.Data, &v)
		f = v
	case TypeStderr:
		var v StderrChunk
		err = json.Unmarshal(env.Data, &v)
		f = v
	case TypeResult:
		var v Result
		err = json.Unmarshal(env.Data, &v)
		f = v
	case TypeError:
		var v ErrorResult
		err = json.Unmarshal(env.Data, &v)
		f = v
	default:
		return nil, &ProtocolError{Reason: "unknown frame type " + env.Type}
	}
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed %s frame: %v", env.Type, err)}
	}
	return f, nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}

// NewResult marshals v into a Result frame.
func NewResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("ipc: encode result value: %w", err)
	}
	return Result{Value: data}, nil
}

// StringArg returns call argument i as a string, or "" when absent or not a
// string. Keyword arguments win over positionals of the same name.
func (c Call) StringArg(i int, kwarg string) string {
	if v, ok := c.Kwargs[kwarg]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if i >= 0 && i < len(c.Args) {
		if s, ok := c.Args[i].(string); ok {
			return s
		}
	}
	return ""
}

// StringSliceKwarg returns a keyword argument as a string slice. JSON arrays
// arrive as []any; non-string elements are skipped.
func (c Call) StringSliceKwarg(kwarg string) []string {
	v, ok := c.Kwargs[kwarg]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
