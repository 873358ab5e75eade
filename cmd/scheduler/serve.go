// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/dispatch"
	swlog "github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/metrics"
)

// runServe is the resident mode: ticker-driven dispatch passes, queue
// workers, a governor sampling loop, config reload and the HTTP surface.
func runServe(ctx context.Context, cfg config.Settings, configPath string) int {
	logger := swlog.WithComponent("serve")

	c, err := build(cfg, "")
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return dispatch.CodeInternalErr
	}
	defer func() { _ = c.store.Close() }()

	reloader := config.NewReloader(configPath, cfg)

	g, gctx := errgroup.WithContext(ctx)

	// Config reload watcher. Accepted reloads re-apply the log level here;
	// the dispatch and governor loops below pick up interval and scheduler
	// changes by reading the current snapshot each cycle. Store, probe and
	// queue settings still need a restart.
	g.Go(func() error {
		return reloader.Watch(gctx)
	})
	g.Go(func() error {
		updates := reloader.Subscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				swlog.SetLevel(next.LogLevel)
				logger.Info().Str("log_level", next.LogLevel).Msg("reloaded settings applied")
			}
		}
	})

	// Queue workers.
	g.Go(func() error {
		return c.queue.Run(gctx)
	})

	// Governor sampling loop.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(reloader.Current().Governor.MonitoringInterval):
				level, err := c.gov.Check(gctx)
				if err != nil {
					logger.Error().Err(err).Msg("governor check failed")
					continue
				}
				metrics.GovernorLevel.Set(float64(level))
				if depth, err := c.store.PendingJobCount(gctx); err == nil {
					metrics.QueueDepth.Set(float64(depth))
				}
			}
		}
	})

	// Periodic dispatch passes on the live settings snapshot. A held lease
	// just means another process is running the pass; everything else gets
	// logged.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(reloader.Current().Scheduler.RunInterval):
				d := dispatch.New(c.store, reloader.Current(), c.executor, c.policy,
					c.gov, c.queue, c.health, c.hook)
				report := d.Run(gctx)
				if report.Code != dispatch.CodeSuccess && report.Code != dispatch.CodeLeaseHeld {
					logger.Warn().Int("code", report.Code).Str("message", report.Message).
						Msg("dispatch pass did not succeed")
				}
			}
		}
	})

	// HTTP surface.
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           newRouter(cfg, c),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("http surface up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("serve loop failed")
		return dispatch.CodeInternalErr
	}
	logger.Info().Msg("shut down cleanly")
	return dispatch.CodeSuccess
}

func newRouter(cfg config.Settings, c *components) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.Server.RequestsPerIP, cfg.Server.RatePeriod))

	r.Get("/healthz", c.health.ServeHealth)
	r.Get("/readyz", c.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
