package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/odvcencio/usercache/pkg/logging"
	"github.com/odvcencio/usercache/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// startTracing installs the stdout span exporter when tracing is enabled.
// The returned func flushes and stops it.
func (a *app) startTracing() (func(), error) {
	if !a.cfg.Telemetry.Tracing {
		return func() {}, nil
	}
	tp, err := telemetry.NewTracerProvider(telemetry.TracingOptions{
		ServiceName: "usercache",
		Version:     version,
		Writer:      a.stderr,
		SampleRatio: a.cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// serveHTTP runs handler on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// serveMetrics exposes reg on /metrics at the configured address. It returns
// immediately when no address is configured.
func (a *app) serveMetrics(ctx context.Context, reg *prometheus.Registry, logger *logging.Logger) error {
	addr := a.cfg.Telemetry.MetricsAddr
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	return serveHTTP(ctx, addr, mux, logger.Component("metrics"))
}
