package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/mediabin/mediabin/internal/coloring"
	"github.com/mediabin/mediabin/internal/config"
	"github.com/mediabin/mediabin/internal/daemon"
	"github.com/mediabin/mediabin/internal/fetcher"
	"github.com/mediabin/mediabin/internal/ledger"
	"github.com/mediabin/mediabin/internal/mediaserver"
	"github.com/mediabin/mediabin/internal/scheduler"
)

// runDaemon is the spawned child's entry point. It wires ledger, scheduler,
// fetcher and (optionally) the media HTTP server together, then serves the
// unix socket until signalled.
func runDaemon(cfg *config.Config, args []string) int {
	flags := flag.NewFlagSet("daemon", flag.ExitOnError)
	ledgerPath := flags.String("ledger-path", "", "SQLite ledger file")
	serve := flags.Bool("serve", false, "run the media HTTP server")
	port := flags.Int("port", cfg.ServePort, "media HTTP server port")
	tailscale := flags.Bool("tailscale", cfg.Tailscale, "bind the media server to tailscale0 only")
	flags.Parse(args)

	path, err := cfg.ResolveLedgerPath(*ledgerPath)
	if err != nil {
		log.Printf("daemon: resolve ledger path: %v", err)
		return 1
	}
	led, err := ledger.Open(path)
	if err != nil {
		log.Printf("daemon: open ledger: %v", err)
		return 1
	}
	log.Printf("daemon: ledger at %s", path)

	// Rows a previous daemon left mid-download go back to the queue.
	if n, err := led.ResetDownloadingToPending(); err != nil {
		log.Printf("daemon: recover downloading rows: %v", err)
		led.Close()
		return 1
	} else if n > 0 {
		log.Printf("daemon: requeued %d interrupted download(s)", n)
	}

	datadir, err := led.InitDatadir(filepath.Join(filepath.Dir(path), "media_data"))
	if err != nil {
		log.Printf("daemon: init datadir: %v", err)
		led.Close()
		return 1
	}
	log.Printf("daemon: datadir at %s", datadir)

	sched := scheduler.New(led, fetcher.NewYTDLP(cfg.YTDLPPath), datadir,
		cfg.MaxConcurrentDownloads, cfg.PollInterval)
	go sched.Run()

	var (
		serveCancel context.CancelFunc
		serveDone   chan struct{}
	)
	if *serve {
		addr := fmt.Sprintf(":%d", *port)
		if *tailscale {
			addr, err = mediaserver.TailscaleAddr(*port)
			if err != nil {
				log.Printf("daemon: %v", err)
				sched.Close()
				led.Close()
				return 1
			}
		}
		srv := &mediaserver.Server{LedgerPath: path, DataDir: datadir, Addr: addr}
		var ctx context.Context
		ctx, serveCancel = context.WithCancel(context.Background())
		serveDone = make(chan struct{})
		go func() {
			defer close(serveDone)
			if err := srv.Run(ctx); err != nil {
				log.Printf("daemon: media server: %v", err)
			}
		}()
	}

	reg := daemon.NewRegistry()
	registerHandlers(reg, led, sched, datadir)

	d := &daemon.Daemon{
		PidPath:    cfg.PidFile(),
		SocketPath: cfg.SocketFile(),
		Registry:   reg,
		MaxConns:   cfg.MaxClientConns,
		OnStop: func() {
			if serveCancel != nil {
				serveCancel()
				<-serveDone
			}
			sched.Close()
			led.Close()
		},
	}
	if err := d.Run(); err != nil {
		log.Printf("daemon: %v", err)
		return 1
	}
	return 0
}

// registerHandlers binds the remote command set. Handlers render their own
// terminal output through out; colour is gated on the client's tty flags.
func registerHandlers(reg *daemon.Registry, led *ledger.Ledger, sched *scheduler.Scheduler, datadir string) {
	reg.MustRegister("register_new_download", func(out *daemon.Output, call daemon.CallArgs) (any, error) {
		url := call.StringArg(0, "url")
		if url == "" {
			return nil, errors.New("missing url")
		}
		title, err := sched.Enqueue(url)
		switch {
		case errors.Is(err, ledger.ErrDuplicateItem):
			out.Printf("%q already downloaded or is currently in the queue\n", title)
			return nil, nil
		case errors.Is(err, scheduler.ErrNoMetadata):
			return nil, fmt.Errorf("Failed to get url %s", url)
		case err != nil:
			return nil, err
		}
		out.Printf("Queued %q\n", title)
		return map[string]any{"title": title}, nil
	})

	reg.MustRegister("list_current_procs", func(out *daemon.Output, call daemon.CallArgs) (any, error) {
		tty := out.StdoutIsTTY()
		downloading, heldPending := sched.Snapshot()

		ids := make([]string, len(downloading))
		for i, js := range downloading {
			ids[i] = js.ID
		}
		titles, err := led.TitlesByIDs(ids)
		if err != nil {
			return nil, err
		}
		sort.Slice(downloading, func(i, j int) bool {
			return titles[downloading[i].ID] < titles[downloading[j].ID]
		})
		for _, js := range downloading {
			st, ok := js.Status.(fetcher.StatusDownloading)
			if !ok {
				continue
			}
			pct := fmt.Sprintf("%6.2f%%", st.Progress)
			line := fmt.Sprintf("%s  %s", coloring.Wrap(coloring.ForProgress(st.Progress), pct, tty),
				titles[js.ID])
			if st.Speed != "" {
				line += "  " + coloring.Wrap(coloring.MediumGray, st.Speed, tty)
			}
			if st.ETA != "" {
				line += "  " + coloring.Wrap(coloring.MediumGray, "ETA "+st.ETA, tty)
			}
			out.Printf("%s\n", line)
		}

		pending, err := led.PendingTitles(heldPending)
		if err != nil {
			return nil, err
		}
		sort.Strings(pending)
		for _, title := range pending {
			out.Printf("%s  %s\n", coloring.Wrap(coloring.DarkGray, "pending", tty),
				coloring.Wrap(coloring.LightGray, title, tty))
		}
		if len(downloading) == 0 && len(pending) == 0 {
			out.Printf("No active downloads.\n")
		}
		return map[string]any{"downloading": len(downloading), "pending": len(pending)}, nil
	})

	reg.MustRegister("list_media", func(out *daemon.Output, call daemon.CallArgs) (any, error) {
		items, err := led.ListComplete(call.StringArg(0, "title_like"), call.StringSlice("tags"))
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			out.Printf("- %s\n", it.Title)
		}
		return map[string]any{"count": len(items)}, nil
	})

	reg.MustRegister("disk_usage", func(out *daemon.Output, call daemon.CallArgs) (any, error) {
		items, err := led.ListComplete("", nil)
		if err != nil {
			return nil, err
		}
		type usage struct {
			title string
			bytes uint64
		}
		var rows []usage
		var total uint64
		for _, it := range items {
			n := dirSize(filepath.Join(datadir, filepath.FromSlash(it.ObjectPath)))
			rows = append(rows, usage{title: it.Title, bytes: n})
			total += n
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].bytes > rows[j].bytes })
		for _, r := range rows {
			out.Printf("%10s  %s\n", humanize.Bytes(r.bytes), r.title)
		}
		out.Printf("%10s  total (%d items)\n", humanize.Bytes(total), len(rows))
		return map[string]any{"total_bytes": total, "items": len(rows)}, nil
	})

	reg.MustRegister("get_datadir_location", func(out *daemon.Output, call daemon.CallArgs) (any, error) {
		out.Printf("%s\n", datadir)
		return map[string]any{"datadir": datadir}, nil
	})
}

// dirSize sums regular file sizes under dir; missing dirs count as zero.
func dirSize(dir string) uint64 {
	var total uint64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total
}
