// Package daemon hosts the long-lived mediabin process: pid-file
// single-instance locking, the unix-socket accept loop, the command registry
// and per-connection dispatch, and the output router that streams handler
// stdout/stderr back to the calling client.
package daemon

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/mediabin/mediabin/internal/ipc"
)

// handlerDrainTimeout bounds how long shutdown waits for in-flight handlers.
const handlerDrainTimeout = 5 * time.Second

// Daemon is the accept-loop host. Populate the registry before Run; it is
// read-only afterwards.
type Daemon struct {
	PidPath    string
	SocketPath string
	Registry   *Registry
	MaxConns   int // cap on concurrent client connections; 0 = unlimited

	// OnStop runs after the accept loop stops and in-flight handlers have
	// drained, before the pid file and socket are removed.
	OnStop func()

	listener net.Listener
	stopping chan struct{}
	conns    sync.WaitGroup
}

// Run writes the pid file, binds the socket, installs signal handlers and
// serves until SIGTERM/SIGHUP/SIGINT. On return the pid file and socket are
// removed.
func (d *Daemon) Run() error {
	if d.Registry == nil {
		return fmt.Errorf("daemon: no registry")
	}
	if err := os.MkdirAll(filepath.Dir(d.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create daemon dir: %w", err)
	}
	if err := writePidFile(d.PidPath, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	// A stale socket from a crashed daemon would fail the bind.
	if err := os.Remove(d.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", d.SocketPath, err)
	}
	if d.MaxConns > 0 {
		ln = netutil.LimitListener(ln, d.MaxConns)
	}
	d.listener = ln
	d.stopping = make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("daemon: received %s, shutting down", sig)
		close(d.stopping)
		d.listener.Close()
	}()

	log.Printf("daemon: listening on %s (pid %d)", d.SocketPath, os.Getpid())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stopping:
			default:
				log.Printf("daemon: accept: %v", err)
			}
			break
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConn(conn)
		}()
	}

	d.drainConns()
	if d.OnStop != nil {
		d.OnStop()
	}
	signal.Stop(sigCh)
	os.Remove(d.PidPath)
	os.Remove(d.SocketPath)
	log.Printf("daemon: stopped")
	return nil
}

// drainConns waits for in-flight handlers, bounded; a stuck handler must not
// block shutdown forever.
func (d *Daemon) drainConns() {
	done := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(handlerDrainTimeout):
		log.Printf("daemon: handlers still running after %s, abandoning", handlerDrainTimeout)
	}
}

// handleConn serves sequential Call frames on one connection until the client
// disconnects or breaks protocol.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	log.Printf("daemon: client connected")
	var writeMu sync.Mutex
	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			var perr *ipc.ProtocolError
			switch {
			case errors.Is(err, ipc.ErrConnectionClosed):
				log.Printf("daemon: client disconnected")
			case errors.As(err, &perr):
				log.Printf("daemon: closing connection: %v", perr)
			default:
				log.Printf("daemon: read error: %v", err)
			}
			return
		}
		call, ok := frame.(ipc.Call)
		if !ok {
			log.Printf("daemon: closing connection: unexpected %T frame", frame)
			return
		}
		if err := d.dispatch(conn, &writeMu, call); err != nil {
			// Write failure: client went away mid-call. The handler's
			// side effects are already committed; just drop the conn.
			log.Printf("daemon: client disconnected before response: %v", err)
			return
		}
	}
}

// dispatch runs one call and writes its terminating frame. Handler errors and
// panics become ErrorResult; only a connection write failure is returned.
func (d *Daemon) dispatch(conn net.Conn, writeMu *sync.Mutex, call ipc.Call) error {
	fn, ok := d.Registry.Lookup(call.Name)
	if !ok {
		return writeTerm(conn, writeMu, ipc.ErrorResult{
			Message: fmt.Sprintf("unknown command %q (have %v)", call.Name, d.Registry.Names()),
			Kind:    "unknown_command",
		})
	}

	out := newOutput(writeMu, conn, call)
	value, err := runHandler(fn, out, call)
	if err != nil {
		return writeTerm(conn, writeMu, ipc.ErrorResult{Message: err.Error(), Kind: "handler_error"})
	}
	res, err := ipc.NewResult(value)
	if err != nil {
		return writeTerm(conn, writeMu, ipc.ErrorResult{Message: err.Error(), Kind: "encode_error"})
	}
	return writeTerm(conn, writeMu, res)
}

// runHandler isolates handler panics so a bad command cannot take the daemon
// down.
func runHandler(fn HandlerFunc, out *Output, call ipc.Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("daemon: handler %q panicked: %v", call.Name, r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn(out, CallArgs{Args: call.Args, Kwargs: call.Kwargs})
}

func writeTerm(conn net.Conn, writeMu *sync.Mutex, f ipc.Frame) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return ipc.WriteFrame(conn, f)
}
