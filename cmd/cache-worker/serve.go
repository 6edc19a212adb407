package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericselin/cache-worker/cache"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the origin through the cache worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.config.Validate(); err != nil {
				return err
			}
			return serve(cmd, opts)
		},
	}

	cmd.Flags().String("listen", "", "Address to listen on")
	cmd.Flags().String("origin", "", "Origin URL to fetch from")
	cmd.Flags().String("origin-host", "", "Hostname of origin")
	cmd.Flags().String("cache-name", "", "Cache name of the worker version")
	cmd.Flags().Duration("skip-waiting-delay", 0, "Time between announcing an update and activating it")

	return cmd
}

func serve(cmd *cobra.Command, opts *options) error {
	ctx := cmd.Context()
	c := opts.config

	storage, err := cache.NewSQLiteStorage(c.DB)
	if err != nil {
		return err
	}
	defer storage.Close()

	a, err := newApp(c, storage, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()

	// registration failures are logged by the page, the origin is still served
	a.page.Load(ctx)

	server := &http.Server{Addr: c.Listen, Handler: a.router()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	log.Info().Msgf("Serving %s on %s with worker %s", c.Origin, c.Listen, c.CacheName)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-serveErr:
			return err
		case <-hup:
			if err := opts.load(cmd); err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			if err := opts.config.Validate(); err != nil {
				log.Error().Err(err).Msg("Reloaded config is invalid")
				continue
			}
			log.Info().Str("cache", opts.config.CacheName).Msg("Config reloaded, checking for worker update")
			if err := a.update(ctx, opts.config); err != nil {
				log.Error().Err(err).Msg("Worker update failed")
			}
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
}
