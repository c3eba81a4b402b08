package main

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/usercache/pkg/bus"
	"github.com/odvcencio/usercache/pkg/syncserver"
	"github.com/odvcencio/usercache/pkg/telemetry"
)

func runServe(ctx context.Context, a *app, args []string) error {
	sc := a.cfg.Server

	fs := newFlagSet(a, "serve")
	listen := fs.String("listen", sc.Listen, "address for the sync HTTP endpoints")
	dataDir := fs.String("data-dir", sc.DataDir, "directory for per-device databases")
	memory := fs.Bool("memory", false, "keep device data in memory")
	withNATS := fs.Bool("nats", false, "also answer sync requests on NATS at server.nats_url")
	maxInFlight := fs.Int("max-in-flight", 64, "concurrent sync requests before clients get 429 (0 = unlimited)")
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	logger := a.logger("cli")

	stopTracing, err := a.startTracing()
	if err != nil {
		return err
	}
	defer stopTracing()

	dir := *dataDir
	if *memory {
		dir = ""
	}
	registry, err := syncserver.NewRegistry(dir)
	if err != nil {
		return err
	}
	defer registry.Close()

	reg := newMetricsRegistry()
	srv := syncserver.New(registry, syncserver.Options{
		Logger:      logger,
		Metrics:     syncserver.NewMetrics(reg),
		MaxInFlight: *maxInFlight,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Routes())
	if a.cfg.Telemetry.MetricsAddr == "" {
		mux.Handle("/metrics", telemetry.Handler(reg))
	}

	var natsBus *bus.NATSBus
	if *withNATS {
		natsBus, err = bus.NewNATSBus(bus.Config{URL: sc.NATSURL, Name: "usercache-server", Logger: logger})
		if err != nil {
			return err
		}
		defer natsBus.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, *listen, mux, logger.Component("syncserver")) })
	g.Go(func() error { return a.serveMetrics(gctx, reg, logger) })
	if natsBus != nil {
		g.Go(func() error { return srv.ServeBus(gctx, natsBus, sc.SubjectPrefix) })
	}

	logger.Info("sync server started", "listen", *listen, "data_dir", dir, "nats", *withNATS)
	return g.Wait()
}
