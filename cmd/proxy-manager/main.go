package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"socks-fleet/pkg/api"
	"socks-fleet/pkg/auth"
	"socks-fleet/pkg/config"
	"socks-fleet/pkg/engine"
	"socks-fleet/pkg/fleet"
	"socks-fleet/pkg/metrics"
	"socks-fleet/pkg/registry"
	"socks-fleet/pkg/store"
	"socks-fleet/pkg/version"
)

var (
	app        = kingpin.New("proxy-manager", "Launches and tracks Tor SOCKS proxies pinned to geo-categorized exit nodes.")
	configFile = app.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()

	serveCmd      = app.Command("serve", "Run the HTTP control plane.").Default()
	listenAddress = serveCmd.Flag("web.listen-address", "Address to listen on, overrides the config file.").String()

	hashCmd      = app.Command("hash-password", "Print a bcrypt hash for api.admin_password_hash.")
	hashPassword = hashCmd.Arg("password", "Password to hash.").Required().String()

	tokenCmd  = app.Command("token", "Print an operator JWT signed with the configured secret.")
	tokenUser = tokenCmd.Flag("user", "Token subject.").Default("admin").String()
)

func main() {
	app.Version(version.String())
	var err error
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case hashCmd.FullCommand():
		err = printHash(*hashPassword)
	case tokenCmd.FullCommand():
		err = printToken(*tokenUser)
	case serveCmd.FullCommand():
		err = serve()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy-manager: %v\n", err)
		os.Exit(1)
	}
}

func printHash(password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func printToken(user string) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	iss, err := auth.NewIssuer(cfg.API.JWTSecret, cfg.API.TokenTTL)
	if err != nil {
		return err
	}
	tok, err := iss.Generate(user)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func serve() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *listenAddress != "" {
		cfg.Listen = *listenAddress
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Close()
	log.Infof("proxy-manager %s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := store.Open(ctx, cfg.Catalog.Driver, cfg.Catalog.DSN, log)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()

	eng := engine.Connect(ctx, log)
	if c, ok := eng.(io.Closer); ok {
		defer c.Close()
	}

	fc := cfg.FleetConfig()
	if err := os.MkdirAll(fc.ConfigDir, 0o755); err != nil {
		log.Warnf("config dir %s: %v", fc.ConfigDir, err)
	}

	reg := metrics.NewRegistry()
	reconciler := fleet.NewReconciler(eng, catalog, metrics.NewGauges(reg), fc.ListPrefix(), log)
	hub := api.NewEventHub(cfg.API.RecentEvents, log)
	observers := []fleet.Observer{hub}
	if cfg.Consul.Enabled {
		c, err := registry.NewConsul(cfg.Consul.Options, log)
		if err != nil {
			log.Warnf("consul registry disabled: %v", err)
		} else {
			observers = append(observers, c)
		}
	}
	mgr := fleet.NewManager(fc, eng, catalog, reconciler, log, observers...)
	mgr.Reconcile(ctx)
	if cfg.Reconcile.Interval > 0 {
		go reconcileLoop(ctx, mgr, cfg.Reconcile.Interval)
	}

	// A nil issuer disables login and JWT checks; config validation
	// already rejects an admin login without a secret.
	var issuer *auth.Issuer
	if cfg.API.AdminPasswordHash != "" {
		if issuer, err = auth.NewIssuer(cfg.API.JWTSecret, cfg.API.TokenTTL); err != nil {
			return err
		}
	}
	server := api.NewServer(mgr, hub, issuer, reg, cfg.APIOptions(), log)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.API.TLS.Enabled() {
		tlsCfg, err := cfg.API.TLS.Config()
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("listening on %s tls=%v docker_connected=%v", cfg.Listen, srv.TLSConfig != nil, mgr.RuntimeConnected())
		if srv.TLSConfig != nil {
			errc <- srv.ListenAndServeTLS("", "")
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func reconcileLoop(ctx context.Context, mgr *fleet.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Reconcile(ctx)
		}
	}
}
