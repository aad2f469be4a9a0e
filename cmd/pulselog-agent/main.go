// Package main implements the pulselog agent: the telemetry outbox
// pipeline wrapped in a standalone process with an HTTP surface for
// out-of-process producers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pulselog/pulselog/internal/app"
	"github.com/pulselog/pulselog/internal/config"
	"github.com/pulselog/pulselog/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		collector   string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the event database")
	flag.StringVar(&collector, "collector", "", "Collector base URL")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pulselog-agent - durable offline-tolerant telemetry outbox\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pulselog-agent [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pulselog-agent --collector https://telemetry.example.com --data-dir /var/lib/pulselog\n")
		fmt.Fprintf(os.Stderr, "  pulselog-agent --config /etc/pulselog/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PULSELOG_DATA_DIR             Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PULSELOG_COLLECTOR_BASE_URL   Collector base URL\n")
		fmt.Fprintf(os.Stderr, "  PULSELOG_HTTP_ADDR            HTTP API listen address\n")
		fmt.Fprintf(os.Stderr, "  PULSELOG_ARCHIVE_TYPE         Archive storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("pulselog-agent %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Flags win over file and environment
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if collector != "" {
		cfg.Collector.BaseURL = collector
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if cfg.Device.AppVersion == "" {
		cfg.Device.AppVersion = version
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	sm := server.NewShutdownManager(0)
	sm.RegisterCloser(a)
	if err := sm.ListenForSignals(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
	log.Printf("pulselog-agent stopped")
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
