// CLAUDE:SUMMARY CLI entry point for shelfwatch: run daemon (scheduler, HTTP API, config watch), one-shot check, item management, status, digest, metrics, audit, MCP stdio.
// Command shelfwatch watches the availability of library items and notifies
// configured channels when it changes.
//
// Usage:
//
//	shelfwatch [-config shelfwatch.yaml] [-log-level info] <command> [args]
//
// Commands:
//
//	run            check on the configured interval until interrupted
//	check          run one cycle and print the changes
//	ls             list tracked items
//	add <marc>...  start tracking items (pinned mode)
//	del <id>...    stop tracking items (pinned mode)
//	status         print the snapshot, lock and channel summary
//	digest         send the status digest to every channel now
//	metrics <name> print recent points of a cycle metric
//	audit          list recorded API and MCP actions
//	mcp            serve the MCP tools over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/mattn/go-isatty"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/shelfwatch/kit"
	"github.com/hazyhaar/shelfwatch/shelf"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", os.Getenv("SHELFWATCH_CONFIG"), "path to shelfwatch.yaml config file")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default from config)")
	watch := flag.Bool("watch", true, "run: reload channels and pinned items when the config file changes")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := shelf.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelfwatch: %v\n", err)
		os.Exit(1)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = kit.WithTransport(ctx, kit.TransportCLI)

	if err := run(ctx, logger, cfg, *configPath, *watch, args); err != nil {
		logger.Error("shelfwatch: fatal", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: shelfwatch [flags] <command> [args]

commands:
  run            check on the configured interval until interrupted
  check          run one cycle and print the changes
  ls             list tracked items
  add <marc>...  start tracking items (pinned mode)
  del <id>...    stop tracking items (pinned mode)
  status         print the snapshot, lock and channel summary
  digest         send the status digest to every channel now
  metrics <name> print recent points of a cycle metric
  audit          list recorded API and MCP actions
  mcp            serve the MCP tools over stdio

flags:
`)
	flag.PrintDefaults()
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, logger *slog.Logger, cfg *shelf.Config, configPath string, watch bool, args []string) error {
	svc, err := shelf.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	out := os.Stdout
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		return runDaemon(ctx, logger, svc, cfg, configPath, watch)
	case "check":
		res, err := svc.CheckNow(ctx)
		if err != nil {
			return err
		}
		printResult(out, res)
		return nil
	case "ls":
		snap, err := svc.Items(ctx)
		if err != nil {
			return err
		}
		printItems(out, snap.Records())
		return nil
	case "add":
		res, err := svc.Track(ctx, rest...)
		if err != nil {
			return err
		}
		printItems(out, res.Tracked)
		for _, m := range res.NotFound {
			fmt.Fprintf(out, "not found: %s\n", m)
		}
		for _, m := range res.Failed {
			fmt.Fprintf(out, "fetch failed, not added: %s\n", m)
		}
		if len(res.NotFound)+len(res.Failed) > 0 {
			return fmt.Errorf("%s not added", english.Plural(len(res.NotFound)+len(res.Failed), "item", ""))
		}
		return nil
	case "del":
		removed, err := svc.Untrack(ctx, rest...)
		for _, r := range removed {
			fmt.Fprintf(out, "removed: %s\n", r.Description())
		}
		return err
	case "status":
		rep, err := svc.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, rep)
		return nil
	case "digest":
		outcomes, err := svc.SendStatus(ctx)
		if err != nil {
			return err
		}
		return printOutcomes(out, outcomes)
	case "metrics":
		if len(rest) != 1 {
			return fmt.Errorf("metrics: want one of %s", strings.Join(shelf.MetricNames, ", "))
		}
		points, err := svc.Metrics(ctx, rest[0], time.Time{}, 50)
		if err != nil {
			return err
		}
		printMetrics(out, points)
		return nil
	case "audit":
		entries, err := svc.AuditTrail(ctx, shelf.AuditFilter{Limit: 50})
		if err != nil {
			return err
		}
		printAudit(out, entries)
		return nil
	case "mcp":
		srv := mcp.NewServer(&mcp.Implementation{Name: "shelfwatch", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("shelfwatch: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runDaemon(ctx context.Context, logger *slog.Logger, svc *shelf.Service, cfg *shelf.Config, configPath string, watch bool) error {
	if watch && configPath != "" {
		go func() {
			if err := svc.WatchConfig(ctx, configPath); err != nil {
				logger.Warn("shelfwatch: config watch stopped", "error", err)
			}
		}()
	}

	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("shelfwatch: HTTP API listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("shelfwatch: HTTP API", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("shelfwatch: started",
		"version", version,
		"source", cfg.Source.Kind,
		"store", cfg.Store.Path,
		"interval", cfg.Check.Interval)
	return svc.Run(ctx)
}

func printResult(w io.Writer, res *shelf.Result) {
	fmt.Fprintf(w, "%s, %d tracked, took %s\n",
		english.Plural(len(res.Events), "change", ""), res.Tracked, res.Duration.Round(time.Millisecond))
	for _, e := range res.Events {
		fmt.Fprintf(w, "  [%s] %s\n", e.Label(), e.Item.Description())
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "  unknown this cycle: %s\n", strings.Join(res.Failed, ", "))
	}
	for _, o := range res.Notified {
		if !o.OK() {
			fmt.Fprintf(w, "  channel %s failed: %v\n", o.Channel, o.Err)
		}
	}
}

func printItems(w io.Writer, recs []shelf.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tID\tTITLE\tCHANGED")
	for _, r := range recs {
		changed := "-"
		if !r.ChangedAt.IsZero() {
			changed = humanize.Time(r.ChangedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.StateLabel(), r.ID, r.Title, changed)
	}
	tw.Flush()
}

func printStatus(w io.Writer, rep *shelf.StatusReport) {
	fmt.Fprintf(w, "source:    %s (%s store)\n", rep.Source, rep.Backend)
	fmt.Fprintf(w, "items:     %s, %d available\n", english.Plural(rep.Tracked, "item", ""), rep.Available)
	fmt.Fprintf(w, "digest:    %s\n", rep.Digest)
	if rep.Telemetry != "" {
		fmt.Fprintf(w, "telemetry: %s\n", rep.Telemetry)
	}
	if len(rep.Channels) == 0 {
		fmt.Fprintln(w, "channels:  none")
	} else {
		fmt.Fprintf(w, "channels:  %s\n", strings.Join(rep.Channels, ", "))
	}
	switch {
	case rep.Lock.Stale:
		fmt.Fprintf(w, "lock:      free, stale marker from %s (pid %d on %s)\n",
			rep.Lock.Owner.ID, rep.Lock.Owner.PID, rep.Lock.Owner.Host)
	case rep.Lock.Owner != nil:
		fmt.Fprintf(w, "lock:      held by %s (pid %d on %s) since %s\n",
			rep.Lock.Owner.ID, rep.Lock.Owner.PID, rep.Lock.Owner.Host, humanize.Time(rep.Lock.Owner.AcquiredAt))
	case rep.Lock.Held:
		fmt.Fprintf(w, "lock:      held (%s)\n", rep.Lock.Path)
	default:
		fmt.Fprintln(w, "lock:      free")
	}
	if last := rep.LastCycle; last != nil {
		fmt.Fprintf(w, "last:      %s in %s\n", english.Plural(len(last.Events), "change", ""), last.Duration.Round(time.Millisecond))
	}
}

func printOutcomes(w io.Writer, outcomes []shelf.Outcome) error {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "nothing sent (no items or no channels)")
		return nil
	}
	failed := 0
	for _, o := range outcomes {
		if o.OK() {
			fmt.Fprintf(w, "%-16s ok    %s\n", o.Channel, o.Duration.Round(time.Millisecond))
			continue
		}
		failed++
		fmt.Fprintf(w, "%-16s FAIL  %v\n", o.Channel, o.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%s failed", english.Plural(failed, "channel", ""))
	}
	return nil
}

func printMetrics(w io.Writer, points []shelf.Metric) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tVALUE\tCYCLE")
	for _, p := range points {
		cycle := p.Labels["cycle_id"]
		if cycle == "" {
			cycle = "-"
		}
		fmt.Fprintf(tw, "%s\t%s %s\t%s\n", humanize.Time(p.Timestamp), humanize.Ftoa(p.Value), p.Unit, cycle)
	}
	tw.Flush()
}

func printAudit(w io.Writer, entries []shelf.AuditEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tOPERATION\tTRANSPORT\tUSER\tSTATUS\tPARAMETERS")
	for _, e := range entries {
		user := e.User
		if user == "" {
			user = "-"
		}
		status := e.Status
		if e.Error != "" {
			status += ": " + e.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", humanize.Time(e.Timestamp), e.Operation, e.Transport, user, status, e.Parameters)
	}
	tw.Flush()
}
