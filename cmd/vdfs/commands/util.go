package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	internal "github.com/ZanzyTHEbar/virtual-davfs/vdfs"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/cache"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/config"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/remote"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// app wires configuration, logging, metrics, the WebDAV client and the cache.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	client   *remote.WebDAV
	cache    *cache.Manager
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(GetConfigFile())
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := internal.NewLogger(level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := remote.NewWebDAV(remote.WebDAVConfig{
		URL:        cfg.Remote.URL,
		Username:   cfg.Remote.Username,
		Password:   cfg.Remote.Password,
		Timeout:    cfg.Remote.Timeout,
		MaxRetries: cfg.Remote.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	manager, err := cache.NewManager(client, paths.NewTranslator(cfg.Remote.BasePath),
		cache.WithStaleAfter(cfg.Cache.StaleAfter),
		cache.WithWarmWorkers(cfg.Cache.WarmWorkers),
		cache.WithExcludes(cfg.Cache.Exclude),
		cache.WithLogger(logger),
		cache.WithMetrics(cache.NewMetrics(registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		client:   client,
		cache:    manager,
	}, nil
}

// serveMetrics exposes the registry on metrics.listen until ctx is done.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info().Str("listen", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing cache")
	}
}
