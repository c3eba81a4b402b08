package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/usercache/pkg/bus"
	"github.com/odvcencio/usercache/pkg/config"
	"github.com/odvcencio/usercache/pkg/syncer"
	"github.com/odvcencio/usercache/pkg/telemetry"
	"github.com/odvcencio/usercache/pkg/usercache"
)

// newTransport builds the configured sync transport. The cleanup func
// releases any connection it opened.
func (a *app) newTransport(deviceID string) (syncer.Transport, func(), error) {
	sc := a.cfg.Sync
	switch sc.Transport {
	case config.TransportNATS:
		b, err := bus.NewNATSBus(bus.Config{
			URL:     sc.NATSURL,
			Name:    "usercache-" + deviceID,
			Timeout: sc.Timeout,
			Logger:  a.logger("sync"),
		})
		if err != nil {
			return nil, nil, withExitCode(err, exitFailure)
		}
		t, err := syncer.NewBusTransport(b, sc.SubjectPrefix, sc.Timeout)
		if err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		return t, func() { _ = b.Close() }, nil
	default:
		t, err := syncer.NewHTTPTransport(sc.ServerURL, nil)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	}
}

func runSync(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "sync")
	watch := fs.Bool("watch", false, "keep syncing on the configured interval until interrupted")
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	deviceID, err := a.cfg.EnsureDeviceID()
	if err != nil {
		return err
	}
	logger := a.logger("cli")

	stopTracing, err := a.startTracing()
	if err != nil {
		return err
	}
	defer stopTracing()

	reg := newMetricsRegistry()
	hub := telemetry.NewHub()
	defer hub.Close()

	store, err := a.openStore(
		usercache.WithObserver(telemetry.NewCacheMetrics(reg)),
		usercache.WithObserver(hub),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, closeTransport, err := a.newTransport(deviceID)
	if err != nil {
		return err
	}
	defer closeTransport()

	s, err := syncer.New(store, transport, syncer.Options{
		DeviceID:           deviceID,
		Interval:           a.cfg.Sync.Interval,
		Timeout:            a.cfg.Sync.Timeout,
		MinTriggerInterval: a.cfg.Sync.MinTriggerInterval,
		Transport:          a.cfg.Sync.Transport,
		Logger:             logger,
		Metrics:            telemetry.NewSyncMetrics(reg),
	})
	if err != nil {
		return err
	}

	if !*watch {
		report, err := s.RunOnce(ctx)
		fmt.Fprintf(a.stdout, "batch %s: uploaded %d, downloaded %d, imported %d, failed %d\n",
			report.BatchID, report.Uploaded, report.Downloaded, report.Imported, len(report.Failed))
		return err
	}

	events, unsubscribe := hub.Subscribe(telemetry.DocumentWrites)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error {
		s.TriggerOn(gctx, events)
		return nil
	})
	g.Go(func() error { return a.serveMetrics(gctx, reg, logger) })
	if _, err := os.Stat(a.configPath); a.configPath != "" && err == nil {
		g.Go(func() error {
			return config.Watch(gctx, a.configPath, logger, func(*config.Config) {
				logger.Info("config changed; restart to apply, syncing now")
				s.Trigger()
			})
		})
	}
	return g.Wait()
}
