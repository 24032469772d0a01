// mandari-sync is the ingestion CLI and daemon: it registers OParl sources,
// runs one-off syncs, and schedules periodic incremental plus daily full
// syncs with a Prometheus metrics endpoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mandari/ingest/internal/circuitbreaker"
	"github.com/mandari/ingest/internal/client"
	"github.com/mandari/ingest/internal/config"
	"github.com/mandari/ingest/internal/events"
	"github.com/mandari/ingest/internal/extractor"
	"github.com/mandari/ingest/internal/metrics"
	"github.com/mandari/ingest/internal/search"
	"github.com/mandari/ingest/internal/storage"
	"github.com/mandari/ingest/internal/sync"
)

const version = "1.0.0"

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailure)
	}

	verb := os.Args[1]
	switch verb {
	case "version":
		fmt.Printf("mandari-sync v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch verb {
	case "add-source":
		code = cmdAddSource(ctx, cfg, os.Args[2:])
	case "list-sources":
		code = cmdListSources(ctx, cfg)
	case "init-sources":
		code = cmdInitSources(ctx, cfg, os.Args[2:])
	case "sync":
		code = cmdSync(ctx, cfg, os.Args[2:])
	case "status":
		code = cmdStatus(ctx, cfg)
	case "daemon":
		code = cmdDaemon(ctx, cfg, os.Args[2:])
	case "test-connection":
		code = cmdTestConnection(ctx, cfg, os.Args[2:])
	case "metrics":
		code = cmdMetrics(cfg)
	case "circuit-breakers":
		code = cmdCircuitBreakers(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", verb)
		printUsage()
		code = exitFailure
	}

	if code == exitOK && ctx.Err() != nil {
		code = exitInterrupted
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`mandari-sync v` + version + ` - OParl ingestion for municipal council data

Usage: mandari-sync <command> [flags]

Commands:
  add-source <url>        Register an OParl endpoint and discover its bodies
  list-sources            List registered sources
  init-sources            Seed sources from a YAML file
                            [--file sources.yaml] [--priority 1|2|3]
  sync                    Run one sync now
                            [--body URL ...] [--source URL] [--all] [--full]
  status                  Show row counts and sync watermarks
  daemon                  Run the periodic sync scheduler
                            [--interval MINUTES] [--full-sync-hour 0-23]
  test-connection <url>   Probe an endpoint without persisting anything
  metrics                 Print the daemon's Prometheus metrics
  circuit-breakers        Print per-host circuit breaker state
  version                 Print version

Environment:
  DATABASE_URL            Postgres DSN (required)
  REDIS_URL               Event bus (default: redis://localhost:6379/0)
  MEILISEARCH_URL         Search backend (default: http://localhost:7700)
  METRICS_PORT            Exposition port (default: 9090)

Examples:
  mandari-sync add-source https://oparl.stadt.de/system --name "Stadt" --priority 1
  mandari-sync sync --all --full
  mandari-sync daemon --interval 15 --full-sync-hour 3`)
}

// ----------------------------------------------------------------
// wiring
// ----------------------------------------------------------------

// app bundles the long-lived collaborators one command needs.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	rec      metrics.Recorder
	coll     *metrics.Collector
	breakers *circuitbreaker.Registry
	client   *client.Client
	redis    *events.RedisPublisher
	emitter  *events.Emitter
	indexer  *search.Indexer
	orch     *sync.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	a.store = store

	if cfg.MetricsEnabled {
		a.coll = metrics.NewCollector()
		a.rec = a.coll
	} else {
		a.rec = metrics.NewFallback()
	}

	a.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		IgnoredStatus:    map[int]bool{http.StatusNotFound: true},
		OnStateChange: func(host string, to circuitbreaker.State) {
			a.rec.SetBreakerState(host, int(to))
		},
	})

	a.client = client.New(client.Options{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		WaitTime:      cfg.WaitTime,
		MaxConcurrent: cfg.MaxConcurrent,
	}, a.breakers, a.rec)

	// A dead event bus degrades to a no-op emitter, never a startup failure.
	if cfg.EventsEnabled {
		pub, err := events.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: event bus unavailable, events disabled: %v\n", err)
		} else {
			a.redis = pub
		}
	}
	if a.redis != nil {
		a.emitter = events.NewEmitter(a.redis)
	} else {
		a.emitter = events.NewEmitter(nil)
	}

	if cfg.MeilisearchURL != "" {
		a.indexer = search.New(cfg.MeilisearchURL, cfg.MeilisearchKey)
		if err := a.indexer.Healthy(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: search backend unavailable, indexing disabled: %v\n", err)
			a.indexer = nil
		} else if err := a.indexer.EnsureSettings(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: search settings rejected: %v\n", err)
		}
	}

	ex := extractor.New(a.store, extractor.DefaultOptions())
	a.orch = sync.NewOrchestrator(a.client, a.store, ex, a.indexer, a.emitter, a.rec, sync.DefaultOptions())
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// ----------------------------------------------------------------
// add-source / list-sources / init-sources
// ----------------------------------------------------------------

func cmdAddSource(ctx context.Context, cfg *config.Config, args []string) int {
	var url, name string
	priority := 3
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--priority":
			i++
			if i < len(args) {
				priority, _ = strconv.Atoi(args[i])
			}
		default:
			if url == "" && !strings.HasPrefix(args[i], "--") {
				url = args[i]
			}
		}
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "Error: source URL is required")
		return exitFailure
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	if err := a.store.AddSource(ctx, url, name, priority); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	bodies, err := a.orch.RegisterSource(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: source registered but discovery failed: %v\n", err)
		return exitFailure
	}

	fmt.Printf("Source registered: %s\n", url)
	for _, b := range bodies {
		fmt.Printf("  body: %s (%s, %d lists)\n", b.Name, b.ExternalID, len(b.ListURLs))
	}
	return exitOK
}

func cmdListSources(ctx context.Context, cfg *config.Config) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	sources, err := a.store.Sources(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if len(sources) == 0 {
		fmt.Println("No sources registered.")
		return exitOK
	}

	for _, src := range sources {
		state := "active"
		if !src.Active {
			state = "inactive"
		}
		name := src.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("[P%d] %-8s %-30s %s\n", src.Priority, state, name, src.URL)
	}
	return exitOK
}

func cmdInitSources(ctx context.Context, cfg *config.Config, args []string) int {
	file := "sources.yaml"
	priorityFilter := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file":
			i++
			if i < len(args) {
				file = args[i]
			}
		case "--priority":
			i++
			if i < len(args) {
				priorityFilter, _ = strconv.Atoi(args[i])
			}
		}
	}

	seeds, err := config.LoadSources(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	var registered, failed int
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		if priorityFilter != 0 && seed.Priority != priorityFilter {
			continue
		}
		if err := a.store.AddSource(ctx, seed.URL, seed.Name, seed.Priority); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", seed.URL, err)
			failed++
			continue
		}
		if _, err := a.orch.RegisterSource(ctx, seed.URL); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: discovery failed: %v\n", seed.URL, err)
			failed++
			continue
		}
		fmt.Printf("  %s ok\n", seed.URL)
		registered++
	}

	fmt.Printf("Registered %d source(s), %d failed.\n", registered, failed)
	if failed > 0 {
		return exitFailure
	}
	return exitOK
}

// ----------------------------------------------------------------
// sync
// ----------------------------------------------------------------

func cmdSync(ctx context.Context, cfg *config.Config, args []string) int {
	var bodyURLs []string
	var sourceURL string
	var all, full bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--body":
			i++
			if i < len(args) {
				bodyURLs = append(bodyURLs, args[i])
			}
		case "--source":
			i++
			if i < len(args) {
				sourceURL = args[i]
			}
		case "--all":
			all = true
		case "--full":
			full = true
		}
	}
	if len(bodyURLs) == 0 && sourceURL == "" && !all {
		fmt.Fprintln(os.Stderr, "Error: pass --body URL, --source URL or --all")
		return exitFailure
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	var results []sync.BodyResult
	switch {
	case all:
		results, err = a.orch.SyncAll(ctx, full)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}

	case sourceURL != "":
		bodies, err := a.orch.RegisterSource(ctx, sourceURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
		for _, b := range bodies {
			stored, err := a.store.BodyByExternalID(ctx, b.ExternalID)
			if err != nil {
				stored = b
			}
			results = append(results, a.orch.SyncBody(ctx, stored, full))
		}

	default:
		for _, u := range bodyURLs {
			body, err := a.store.BodyByExternalID(ctx, u)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return exitFailure
			}
			results = append(results, a.orch.SyncBody(ctx, body, full))
		}
	}

	var failures int
	for _, res := range results {
		status := "ok"
		if len(res.Errors) > 0 || res.Err != nil {
			status = "failed"
			failures++
		}
		fmt.Printf("%-6s %s  created=%d updated=%d unchanged=%d errors=%d (%s)\n",
			status, res.Body, res.Created, res.Updated, res.Unchanged,
			len(res.Errors), res.Duration.Round(time.Millisecond))
	}

	if ctx.Err() != nil {
		return exitInterrupted
	}
	if failures > 0 {
		return exitFailure
	}
	return exitOK
}

// ----------------------------------------------------------------
// status
// ----------------------------------------------------------------

func cmdStatus(ctx context.Context, cfg *config.Config) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	fmt.Println("Row counts:")
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("  %-18s %d\n", table, counts[table])
	}

	bodies, err := a.store.Bodies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Printf("\nBodies (%d):\n", len(bodies))
	for _, b := range bodies {
		last := "never"
		if b.LastSync != nil {
			last = b.LastSync.Format(time.RFC3339)
		}
		lastFull := "never"
		if b.LastFullSync != nil {
			lastFull = b.LastFullSync.Format(time.RFC3339)
		}
		fmt.Printf("  %-30s last_sync=%s last_full_sync=%s\n", b.Name, last, lastFull)
	}
	return exitOK
}

// ----------------------------------------------------------------
// daemon
// ----------------------------------------------------------------

func cmdDaemon(ctx context.Context, cfg *config.Config, args []string) int {
	interval := cfg.SyncIntervalMinutes
	fullHour := cfg.SyncFullHour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--interval":
			i++
			if i < len(args) {
				interval, _ = strconv.Atoi(args[i])
			}
		case "--full-sync-hour":
			i++
			if i < len(args) {
				fullHour, _ = strconv.Atoi(args[i])
			}
		}
	}
	if interval < 1 {
		fmt.Fprintln(os.Stderr, "Error: --interval must be at least 1 minute")
		return exitFailure
	}
	if fullHour < 0 || fullHour > 23 {
		fmt.Fprintln(os.Stderr, "Error: --full-sync-hour must be 0-23")
		return exitFailure
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	var metricsSrv *metrics.Server
	if cfg.MetricsEnabled && a.coll != nil {
		metricsSrv = metrics.NewServer(a.coll, cfg.MetricsPort)
		metricsSrv.Start()
	}

	scheduler := sync.NewScheduler(a.orch, interval, fullHour)
	if err := scheduler.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	fmt.Printf("Daemon running (incremental every %dm, full sync at %02d:00). Ctrl-C to stop.\n",
		interval, fullHour)

	<-ctx.Done()
	fmt.Println("Shutting down...")

	scheduler.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Stop(shutdownCtx)
		cancel()
	}
	return exitOK
}

// ----------------------------------------------------------------
// test-connection
// ----------------------------------------------------------------

func cmdTestConnection(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: endpoint URL is required")
		return exitFailure
	}
	url := args[0]

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer a.close()

	report, err := a.orch.TestConnection(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection test failed: %v\n", err)
		return exitFailure
	}

	fmt.Printf("Endpoint %s: %d body/bodies in %s\n",
		report.EntryURL, len(report.Bodies), report.Elapsed.Round(time.Millisecond))
	for _, body := range report.Bodies {
		fmt.Printf("\n%s\n  %s\n", body.Name, body.ExternalID)
		for _, probe := range body.Lists {
			if probe.Reachable {
				fmt.Printf("  %-15s ok (%d item(s) on page 1)\n", probe.Kind, probe.Items)
			} else {
				fmt.Printf("  %-15s FAILED status=%d %s\n", probe.Kind, probe.Status, probe.Err)
			}
		}
	}
	return exitOK
}

// ----------------------------------------------------------------
// metrics / circuit-breakers (read the daemon's exposition endpoint)
// ----------------------------------------------------------------

func cmdMetrics(cfg *config.Config) int {
	body, err := fetchExposition(cfg.MetricsPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is the daemon running?)\n", err)
		return exitFailure
	}
	fmt.Print(body)
	return exitOK
}

func cmdCircuitBreakers(cfg *config.Config) int {
	body, err := fetchExposition(cfg.MetricsPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is the daemon running?)\n", err)
		return exitFailure
	}

	var found bool
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "circuit_breaker_state") || strings.HasPrefix(line, "cb_failures_total") {
			fmt.Println(line)
			found = true
		}
	}
	if !found {
		fmt.Println("No circuit breaker activity recorded.")
	}
	return exitOK
}

func fetchExposition(port int) (string, error) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
