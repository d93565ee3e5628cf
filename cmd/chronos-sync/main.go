package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/quota"
	"github.com/chronos-sync/chronos/internal/repair"
	"github.com/chronos-sync/chronos/internal/source"
	chronossync "github.com/chronos-sync/chronos/internal/sync"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Chronos Calendar Repair Engine

Scans calendars on a configured backend (CalDAV or Google Calendar) for
keyword-prefixed event titles like "BDAY: John Smith 25.12.1990", parses the
payload, rewrites the title, and marks each event with signed idempotency
markers so repeated sweeps never double-process an event.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help              Show this help message and exit
    -v, --verbose           Enable verbose output (show DEBUG logs)
    --config FILE           Path to YAML config file (required)
    --cron SPEC             Run sweeps on a cron schedule instead of once
                            (overrides sync.cron from the config file)
    --once                  Run a single sweep and exit, ignoring any
                            configured cron schedule
    --metrics-addr ADDR     Serve Prometheus metrics on ADDR (e.g. :9090)
    --token-file FILE       Persist per-calendar sync tokens to FILE so
                            incremental listing survives restarts

ENVIRONMENT VARIABLES:
    CHRONOS_CALDAV_PASSWORD    CalDAV password (overrides the config file)
    CHRONOS_SIGNATURE_SECRET   Keys the HMAC over idempotency signatures

EXAMPLES:
    # One sweep over all configured calendars
    %s --config /etc/chronos/config.yaml --once

    # Sweep every 15 minutes with metrics exposed
    %s --config /etc/chronos/config.yaml --cron "*/15 * * * *" --metrics-addr :9090

`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to YAML config file (required)")
	cronSpec := flag.String("cron", "", "Cron schedule for periodic sweeps (overrides config)")
	once := flag.Bool("once", false, "Run a single sweep and exit")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	tokenFile := flag.String("token-file", "", "Path to the sync token file")
	flag.Parse()

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}
	if *verboseFlag || *verboseFlagShort {
		log.SetLevel(log.LevelDebug)
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "--config FILE is required. Use --help for more information.")
		os.Exit(2)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("failed to load config", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := repair.CompileRules(cfg.Rules, cfg.ReservedPrefixes)
	if err != nil {
		log.Error("failed to compile repair rules", err)
		os.Exit(1)
	}

	manager, err := source.NewManager(ctx, cfg, nil)
	if err != nil {
		log.Error("failed to initialize calendar backend", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := repair.NewMetrics(registry)

	repairer := repair.NewRepairer(rules, &cfg.Parsing, cfg.SignatureSecret, metrics)
	quotas := quota.New(cfg.Quota)

	var tokens *chronossync.TokenStore
	if *tokenFile != "" {
		tokens, err = chronossync.NewTokenStore(*tokenFile)
		if err != nil {
			log.Error("failed to open sync token file", err, "path", *tokenFile)
			os.Exit(1)
		}
	}

	syncer := chronossync.NewSyncer(manager, repairer, quotas, cfg.Sync, tokens)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", err)
			}
		}()
	}

	schedule := cfg.Sync.Cron
	if *cronSpec != "" {
		schedule = *cronSpec
	}
	if *once || schedule == "" {
		if err := runSweep(ctx, syncer); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := runSweep(ctx, syncer); err != nil {
			log.Error("scheduled sweep failed", err)
		}
	}); err != nil {
		log.Error("invalid cron schedule", err, "schedule", schedule)
		os.Exit(1)
	}
	log.Info("starting scheduled sweeps", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	log.Info("shutting down")
	<-c.Stop().Done()
}

func runSweep(ctx context.Context, syncer *chronossync.Syncer) error {
	report, err := syncer.Sync(ctx)
	if err != nil {
		log.Error("sweep failed", err)
		return err
	}
	var listed, repaired, review, conflicts, failed int
	for _, c := range report.Calendars {
		listed += c.Listed
		repaired += c.Repaired
		review += c.NeedsReview
		conflicts += c.Conflicts
		failed += c.Failed
		if c.Err != nil {
			log.Warn("calendar finished with error", "calendar", c.CalendarID, "reason", c.Err)
		}
	}
	log.Info("sweep finished",
		"calendars", len(report.Calendars), "listed", listed, "repaired", repaired,
		"needs_review", review, "conflicts", conflicts, "failed", failed,
		"requests", report.Requests, "aborted", report.Aborted,
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return nil
}
