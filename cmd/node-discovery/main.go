package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"socks-fleet/pkg/config"
	"socks-fleet/pkg/discovery"
	"socks-fleet/pkg/store"
	"socks-fleet/pkg/version"
)

var (
	configFile = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	interval   = kingpin.Flag("interval", "Refresh every interval instead of once (e.g. 6h).").Duration()
	socksProxy = kingpin.Flag("socks-proxy", "Fetch the directory through this SOCKS5 proxy.").String()
)

func main() {
	kingpin.Version(version.String())
	kingpin.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "node-discovery: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *interval > 0 {
		cfg.Discovery.Interval = *interval
	}
	if *socksProxy != "" {
		cfg.Discovery.SocksProxy = *socksProxy
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := store.Open(ctx, cfg.Catalog.Driver, cfg.Catalog.DSN, log)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	client, err := discovery.NewClient(cfg.Discovery.Options, log)
	if err != nil {
		return err
	}
	refresher := discovery.NewRefresher(client, catalog, log)

	if cfg.Discovery.Interval <= 0 {
		log.Infof("fetching tor exit nodes from %s", cfg.Discovery.URL)
		_, err := refresher.Refresh(ctx)
		return err
	}
	log.Infof("refreshing tor exit nodes every %v", cfg.Discovery.Interval)
	refresher.Run(ctx, cfg.Discovery.Interval)
	return nil
}
