package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"vpnrelay/internal/addrutil"
	"vpnrelay/internal/config"
	"vpnrelay/internal/controller"
	"vpnrelay/internal/execx"
	"vpnrelay/internal/fingerprint"
	"vpnrelay/internal/logging"
	"vpnrelay/internal/metrics"
	"vpnrelay/internal/registry"
	"vpnrelay/internal/relay"
	"vpnrelay/internal/routing"
	"vpnrelay/internal/stunutil"
)

const shutdownTimeout = 10 * time.Second

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "control listen address")
	relayListen := fs.String("relay-listen", "", "relay listen address")
	registryPath := fs.String("registry", "", "node registry YAML path")
	recordsPath := fs.String("records", "", "connection records CSV path")
	logLevel := fs.String("log-level", "", "log level")
	connect := fs.Bool("connect", false, "start a session at startup")
	country := fs.String("country", "", "preferred country for --connect")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideServe(&cfg, *listen, *relayListen, *registryPath, *recordsPath, *logLevel)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		log.WithError(err).Warn("unknown log level, using info")
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Registry.Watch && reg.Path() != "" {
		go func() {
			if err := reg.Watch(ctx, log.WithField("component", "registry")); err != nil {
				log.WithError(err).Warn("registry watch stopped")
			}
		}()
	}

	meta := fingerprint.Generate(time.Now())
	rec := metrics.NewRecorder(cfg.Telemetry.RecordsPath, log)
	router := routing.NewManager(execx.NewOSRunner(os.Stdout, os.Stderr), routing.Options{
		Enabled:     cfg.Routing.Enabled,
		Via:         cfg.Routing.Via,
		Dev:         cfg.Routing.Dev,
		Table:       cfg.Routing.Table,
		Routes:      cfg.Routing.Routes,
		ProfilePath: cfg.Routing.ProfilePath,
		RelayPort:   addrutil.PortOf(cfg.Relay.Listen),
	}, meta.Fingerprint, log)

	mgr := relay.NewManager(relay.Config{
		ListenAddr:   cfg.Relay.Listen,
		DialTimeout:  cfg.Relay.DialTimeout,
		DialAttempts: cfg.Relay.DialAttempts,
		GracePeriod:  cfg.Relay.GracePeriod,
		StopGrace:    cfg.Relay.StopGrace,
		ChunkSize:    cfg.Relay.ChunkSize,
		MaxConns:     cfg.Relay.MaxConns,
	}, reg, relay.WithRouter(router), relay.WithObserver(rec), relay.WithLogger(log))

	var metricsHandler http.Handler
	if cfg.Telemetry.PrometheusEnabled() {
		metricsHandler = rec.Handler()
	}
	srv := controller.NewServer(mgr, reg, meta, controller.Options{
		AllowOrigin:    cfg.Control.AllowOrigin,
		RequestLog:     cfg.Control.RequestLog,
		StatusInterval: cfg.Control.StatusInterval,
		Metrics:        metricsHandler,
		Checker:        stunutil.Prober{Servers: cfg.STUNServers},
		Log:            log,
	})

	ln, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		fatal(err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	if *connect {
		if err := mgr.Start(*country); err != nil {
			log.WithError(err).Warn("initial connect failed")
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("control server stopped")
		}
	}

	shutdown(srv, mgr, log)
}

func shutdown(srv *controller.Server, mgr *relay.Manager, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("control shutdown")
	}
	if err := mgr.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("relay shutdown")
	}
}

func overrideServe(cfg *config.Config, listen, relayListen, registryPath, recordsPath, logLevel string) {
	if listen != "" {
		cfg.Control.Listen = listen
	}
	if relayListen != "" {
		cfg.Relay.Listen = relayListen
	}
	if registryPath != "" {
		cfg.Registry.Path = registryPath
	}
	if recordsPath != "" {
		cfg.Telemetry.RecordsPath = recordsPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}
