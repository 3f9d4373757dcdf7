// Command candlesync ingests OHLCV candles from an exchange into storage and
// keeps the series gap-free.
//
// Usage:
//
//	candlesync backfill [-config file] [-start t] [-end t]
//	candlesync tail     [-config file]
//	candlesync report   [-config file] [-window d]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/candlesync/internal/config"
	"github.com/quantfold/candlesync/internal/exchange"
	"github.com/quantfold/candlesync/internal/ingest"
	"github.com/quantfold/candlesync/internal/logger"
	"github.com/quantfold/candlesync/internal/models"
	"github.com/quantfold/candlesync/internal/retry"
	"github.com/quantfold/candlesync/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "candlesync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: candlesync <backfill|tail|report> [flags]")
	}
	command, args := args[0], args[1:]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "path to JSON config file")
	startFlag := flags.String("start", "", "backfill window start (RFC3339)")
	endFlag := flags.String("end", "", "backfill window end (RFC3339)")
	windowFlag := flags.Duration("window", 24*time.Hour, "report coverage window")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		return err
	}

	coord, err := ingest.NewCoordinator(ingest.Config{
		Store:             store,
		Client:            openExchange(cfg),
		MaxConcurrency:    cfg.Ingest.MaxConcurrency,
		RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
		BatchSize:         cfg.Ingest.BatchSize,
		Retry: retry.Policy{
			MaxRetries: cfg.Ingest.MaxRetries,
			BaseDelay:  cfg.Ingest.BackoffBase.Std(),
			MaxDelay:   retry.DefaultMaxDelay,
			Jitter:     retry.DefaultJitter,
		},
		Lookback:  cfg.Ingest.LookbackWindow.Std(),
		Retention: cfg.RetentionPolicies(),
		Derived:   cfg.DerivedTimeframes(),
		Logger:    log,
	})
	if err != nil {
		return err
	}

	req := ingest.RunRequest{
		Symbols:    cfg.Ingest.Symbols,
		Timeframes: cfg.Timeframes(),
	}

	switch command {
	case "backfill":
		window, err := parseWindow(*startFlag, *endFlag)
		if err != nil {
			return err
		}
		req.Window = window
		return runBackfill(ctx, coord, req)
	case "tail":
		tailer, err := ingest.NewTailer(coord, req, cfg.Ingest.TailInterval.Std())
		if err != nil {
			return err
		}
		if err := tailer.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	case "report":
		return runReport(ctx, coord, cfg, *windowFlag)
	default:
		return fmt.Errorf("unknown command %q (want backfill, tail or report)", command)
	}
}

// runBackfill starts one run and prints progress until it settles. The first
// interrupt requests a cooperative stop so the batch in flight still commits;
// a second interrupt aborts the run outright.
func runBackfill(ctx context.Context, coord *ingest.Coordinator, req ingest.RunRequest) error {
	// The run gets its own context, detached from the signal context: a
	// cooperative stop must not cancel the fetch in flight, whose results
	// are still written.
	runCtx, abort := context.WithCancel(context.Background())
	defer abort()

	runID, err := coord.Start(runCtx, req)
	if err != nil {
		return err
	}
	fmt.Printf("run %s started: %d streams\n", runID, len(req.Symbols)*len(req.Timeframes))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Wait(context.Background())
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	interrupts := ctx.Done()
	var hardStop chan os.Signal
	defer func() {
		if hardStop != nil {
			signal.Stop(hardStop)
		}
	}()

	for {
		select {
		case <-interrupts:
			fmt.Println("interrupt received, stopping run (interrupt again to abort)")
			_ = coord.Stop()
			interrupts = nil
			hardStop = make(chan os.Signal, 1)
			signal.Notify(hardStop, os.Interrupt, syscall.SIGTERM)
		case <-hardStop:
			fmt.Println("second interrupt, aborting run")
			abort()
			<-done
			printSnapshot(coord)
			return nil
		case <-ticker.C:
			printSnapshot(coord)
		case <-done:
			printSnapshot(coord)
			if snap, ok := coord.Status(); ok {
				for _, sp := range snap.FailedStreams() {
					fmt.Printf("  failed %s: %s\n", sp.Stream.Key(), sp.LastError)
				}
				if len(snap.FailedStreams()) > 0 {
					return fmt.Errorf("%d streams failed", len(snap.FailedStreams()))
				}
			}
			return nil
		}
	}
}

func printSnapshot(coord *ingest.Coordinator) {
	snap, ok := coord.Status()
	if !ok {
		return
	}
	pending, active, done, failed := snap.Counts()
	fmt.Printf("[%s] %s %.1f%% rows=%d pending=%d active=%d done=%d failed=%d\n",
		snap.UpdatedAt.Format(time.TimeOnly), snap.Status, snap.Percent(),
		snap.RowsWritten, pending, active, done, failed)
}

// runReport prints per-stream coverage for the trailing window.
func runReport(ctx context.Context, coord *ingest.Coordinator, cfg *config.Config, window time.Duration) error {
	report, err := coord.BuildReport(ctx, cfg.Ingest.Symbols, cfg.Timeframes(), window)
	if err != nil {
		return err
	}

	fmt.Printf("coverage over the last %s (generated %s)\n", window, report.GeneratedAt.Format(time.RFC3339))
	for _, sr := range report.Streams {
		latest := "-"
		if !sr.Latest.IsZero() {
			latest = sr.Latest.Format(time.RFC3339)
		}
		fmt.Printf("  %-16s %5d/%5d bars (%5.1f%%) latest=%s\n",
			sr.Stream.Key(), sr.RowsInWindow, sr.ExpectedBars, sr.Coverage(), latest)
	}
	return nil
}

func parseWindow(start, end string) (models.TimeRange, error) {
	var window models.TimeRange
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return window, fmt.Errorf("invalid -start: %w", err)
		}
		window.Start = t.UTC()
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return window, fmt.Errorf("invalid -end: %w", err)
		}
		window.End = t.UTC()
	}
	return window, nil
}

func openStore(cfg *config.Config) (storage.CandleStore, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return storage.NewPostgresStore(context.Background(), cfg.Storage.DSN, nil)
	case "duckdb":
		return storage.NewDuckDBStore(cfg.Storage.Path, nil)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func openExchange(cfg *config.Config) exchange.Client {
	if cfg.Exchange.Type == "mock" {
		return exchange.NewMockClient()
	}
	var opts []exchange.BinanceOption
	if cfg.Exchange.BaseURL != "" {
		opts = append(opts, exchange.WithBaseURL(cfg.Exchange.BaseURL))
	}
	return exchange.NewBinanceClient(opts...)
}
