// Command mediabin: single-user media acquisition. A short-lived CLI talks to
// a long-lived local daemon over a unix socket; the daemon fetches metadata,
// downloads media with bounded concurrency, records everything in a SQLite
// ledger, and optionally serves the results over HTTP.
//
//	mediabin --start-service [--ledger-path P] [--serve] [--port N] [--tailscale]
//	mediabin --stop-service | --restart-service
//	mediabin i <url>        enqueue a download
//	mediabin ps             list current/pending jobs
//	mediabin ls [-q S] [-t TAG]...  list completed titles
//	mediabin du             disk usage under the data directory
//
// Exit codes: 0 ok, 1 daemon unreachable or precondition failed, 2 bad flags.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/mediabin/mediabin/internal/client"
	"github.com/mediabin/mediabin/internal/config"
	"github.com/mediabin/mediabin/internal/daemon"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[mediabin] ")
	cfg := config.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "daemon":
			// Hidden entry point for the spawned child.
			os.Exit(runDaemon(cfg, os.Args[2:]))
		case "i":
			os.Exit(cmdInstall(cfg, os.Args[2:]))
		case "ps":
			os.Exit(cmdPs(cfg, os.Args[2:]))
		case "ls":
			os.Exit(cmdLs(cfg, os.Args[2:]))
		case "du":
			os.Exit(cmdDu(cfg, os.Args[2:]))
		}
	}
	os.Exit(runLifecycle(cfg, os.Args[1:]))
}

// runLifecycle handles --start-service / --stop-service / --restart-service.
func runLifecycle(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("mediabin", flag.ExitOnError)
	start := fs.Bool("start-service", false, "Start the mediabin daemon service")
	stop := fs.Bool("stop-service", false, "Stop the mediabin daemon service")
	restart := fs.Bool("restart-service", false, "Restart the mediabin daemon service (stop then start)")
	ledgerPath := fs.String("ledger-path", "", "Path to the SQLite ledger file (remembered across restarts)")
	serve := fs.Bool("serve", false, "Also run the read-only media HTTP server")
	port := fs.Int("port", cfg.ServePort, "Media HTTP server port")
	tailscale := fs.Bool("tailscale", cfg.Tailscale, "Bind the media server to the tailscale0 interface only")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mediabin [flags] | i <url> | ps | ls | du\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	n := 0
	for _, v := range []bool{*start, *stop, *restart} {
		if v {
			n++
		}
	}
	if n > 1 {
		fmt.Fprintln(os.Stderr, "cannot combine --start-service, --stop-service and --restart-service")
		return 2
	}
	if n == 0 {
		fs.Usage()
		return 0
	}

	if *stop || *restart {
		fmt.Println("Stopping mediabin daemon service...")
		switch err := daemon.Stop(cfg.PidFile()); {
		case err == nil:
			fmt.Println("Stopped.")
		case errors.Is(err, daemon.ErrNotRunning):
			fmt.Println("No service to stop.")
			if *stop {
				return 1
			}
		default:
			fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
			return 1
		}
	}

	if *start || *restart {
		if daemon.IsRunning(cfg.PidFile()) {
			fmt.Fprintln(os.Stderr, "Daemon is already running.")
			return 1
		}
		fmt.Println("Starting mediabin daemon service...")
		spawnArgs := []string{"daemon"}
		if *ledgerPath != "" {
			spawnArgs = append(spawnArgs, "-ledger-path", *ledgerPath)
		}
		if *serve {
			spawnArgs = append(spawnArgs, "-serve", "-port", strconv.Itoa(*port))
			if *tailscale {
				spawnArgs = append(spawnArgs, "-tailscale")
			}
		}
		pid, err := daemon.Spawn(cfg.LogFile(), spawnArgs...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			return 1
		}
		fmt.Printf("Started with pid: %d\n", pid)
	}
	return 0
}

func cmdInstall(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("i", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "Usage: mediabin i <url>") }
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	url := fs.Arg(0)
	c := client.New(cfg.SocketFile())
	if err := c.CallInto(nil, "register_new_download", []any{url}, nil); err != nil {
		return reportCallError(err)
	}
	return 0
}

func cmdPs(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	fs.Parse(args)
	c := client.New(cfg.SocketFile())
	if err := c.CallInto(nil, "list_current_procs", nil, nil); err != nil {
		return reportCallError(err)
	}
	return 0
}

// stringList collects repeated -t flags.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdLs(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	query := fs.String("q", "", "Filter by title (case-insensitive, partial match)")
	var tags stringList
	fs.Var(&tags, "t", "Filter by tag (repeatable; results must carry all given tags)")
	fs.Parse(args)

	kwargs := map[string]any{}
	if *query != "" {
		kwargs["title_like"] = *query
	}
	if len(tags) > 0 {
		anyTags := make([]any, len(tags))
		for i, t := range tags {
			anyTags[i] = t
		}
		kwargs["tags"] = anyTags
	}
	c := client.New(cfg.SocketFile())
	if err := c.CallInto(nil, "list_media", nil, kwargs); err != nil {
		return reportCallError(err)
	}
	return 0
}

func cmdDu(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("du", flag.ExitOnError)
	fs.Parse(args)
	c := client.New(cfg.SocketFile())
	if err := c.CallInto(nil, "disk_usage", nil, nil); err != nil {
		return reportCallError(err)
	}
	return 0
}

// reportCallError prints a remote or transport failure once and maps it to
// exit code 1. Unreachable daemons are never retried.
func reportCallError(err error) int {
	var remote *client.RemoteError
	switch {
	case errors.Is(err, client.ErrDaemonUnreachable):
		fmt.Fprintln(os.Stderr, "Cannot connect to daemon. Is it running? (mediabin --start-service)")
	case errors.As(err, &remote):
		fmt.Fprintf(os.Stderr, "Error: %s\n", remote.Message)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}
