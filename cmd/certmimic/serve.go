package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"certmimic/internal/metrics"
	"certmimic/internal/proxy"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intercepting proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := g.cfg, g.log
			log.Infof("starting certmimic, mode=%s, listen=%s", cfg.Mode, cfg.Listen)

			p, err := proxy.New(cfg, log, nil)
			if err != nil {
				return err
			}

			var metricsSrv *http.Server
			if cfg.Metrics.Addr != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           metrics.NewRouter(p.Stats()),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Infof("metrics listening on %s", cfg.Metrics.Addr)
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Errorf("metrics server error: %v", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- p.ListenAndServe() }()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			log.Info("shutting down...")

			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.Shutdown(sctx); err != nil {
				log.Errorf("shutdown proxy error: %v", err)
			}
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(sctx)
			}
			return nil
		},
	}
}
