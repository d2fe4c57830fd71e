package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bqsink/internal/config"
	"bqsink/internal/metrics"
	"bqsink/internal/metrics/datadog"
	"bqsink/internal/metrics/prompush"

	// register all backends with the warehouse factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "bqsink/internal/warehouse/all"
)

// main is the entry point for the sink binary. It loads the sink config,
// optionally initializes a metrics backend, and streams NDJSON records from
// the input into the pipeline.
func main() {
	var (
		cfgPath           string
		inputPath         string
		metricsBackendFlg string
		pushGatewayURLFlg string
		datadogAddrFlg    string
		workers           int
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "configs/sample.json", "sink config JSON path")
	flag.StringVar(&inputPath, "input", "-", "NDJSON input path, or - for stdin")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (pushgateway, datadog, none)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&datadogAddrFlg, "datadog-addr", "127.0.0.1:8125", "DogStatsD address for the datadog backend")
	flag.IntVar(&workers, "workers", 4, "concurrent record processors")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()

	issues := config.ValidateSink(cfg)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}

	// If validate flag is set, only validate the configuration and exit
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	// Decide metrics backend: flag → env → default.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "pushgateway":
		// Decide Pushgateway URL: flag → env → default.
		gwURL := pushGatewayURLFlg
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}

		jobName := cfg.ScraperName
		if jobName == "" {
			jobName = "bqsink"
		}

		b, err := prompush.NewBackend(jobName, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
		} else {
			log.Printf("metrics: url=%v, backend=%v, job_name=%v", gwURL, backendName, jobName)
			metrics.SetBackend(b)
		}

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:      datadogAddrFlg,
			Namespace: "bqsink.",
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: addr=%v, backend=%v", datadogAddrFlg, backendName)
			metrics.SetBackend(b)
		}

	case "", "none":
		// metrics disabled; nop backend remains
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()

	if *verbose {
		log.Printf("sink: warehouse=%s dataset=%s table=%s batch_size=%d",
			cfg.Warehouse, cfg.Dataset, cfg.Table, cfg.BatchSize)
	}

	if err := runStreamed(ctx, cfg, inputPath, workers); err != nil {
		log.Fatalf("%v", err)
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
