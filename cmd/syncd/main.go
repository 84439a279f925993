// cmd/syncd/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/briangreenhill/loadsync/auth"
	"github.com/briangreenhill/loadsync/connectivity"
	"github.com/briangreenhill/loadsync/credentials"
	"github.com/briangreenhill/loadsync/engine"
	"github.com/briangreenhill/loadsync/internal/config"
	"github.com/briangreenhill/loadsync/internal/http/routes"
	"github.com/briangreenhill/loadsync/internal/jobs"
	"github.com/briangreenhill/loadsync/repository"
	"github.com/briangreenhill/loadsync/storage"
	"github.com/briangreenhill/loadsync/storage/pgstore"
	"github.com/briangreenhill/loadsync/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("syncd failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logger.Level(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.prober.Run(ctx)
	if err := a.eng.StartSyncListener(ctx); err != nil {
		return err
	}

	if cfg.UsesRedis() {
		worker := jobs.NewServer(cfg.RedisAddr, logger.With().Str("component", "worker").Logger())
		if err := worker.Start(jobs.NewServeMux(a.eng, logger)); err != nil {
			return fmt.Errorf("start sync worker: %w", err)
		}
		defer worker.Shutdown()
		logger.Info().Str("redis", cfg.RedisAddr).Msg("sync worker running")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("api", cfg.APIURL).Msg("starting syncd")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// app is everything syncd runs, wired but not started
type app struct {
	eng     *engine.Engine
	prober  *connectivity.Prober
	server  *routes.Server
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{}
	partial := a
	defer func() {
		if err != nil {
			partial.Close()
		}
	}()

	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	client, err := transport.New(cfg.APIURL,
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, err
	}

	refresher, err := newRefresher(cfg, client)
	if err != nil {
		return nil, err
	}

	a.prober = connectivity.NewProber(client,
		connectivity.WithProbePath(cfg.Probe.Path),
		connectivity.WithInterval(cfg.Probe.Interval),
		connectivity.WithProbeTimeout(cfg.Probe.Timeout),
		connectivity.WithLogger(logger.With().Str("component", "prober").Logger()),
	)

	opts, err := engineOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.eng, err = engine.New(kv, client, a.prober, refresher, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.eng.Close)

	var tasks *asynq.Client
	if cfg.UsesRedis() {
		tasks = asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() {
			if err := tasks.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		})
	}
	a.server = routes.New(routes.ServerOptions{Engine: a.eng, Tasks: tasks, Logger: logger})
	return a, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		fs, err := storage.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func newRefresher(cfg *config.Config, client *transport.Client) (auth.Refresher, error) {
	if cfg.Refresh.Mode == "oauth2" {
		conf := &oauth2.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			Scopes:       cfg.OAuth2.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuth2.TokenURL},
		}
		r, err := auth.NewOAuth2Refresher(conf, &http.Client{Timeout: cfg.RequestTimeout})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return auth.NewAPIRefresher(client, cfg.Refresh.Path), nil
}

func engineOptions(cfg *config.Config, logger zerolog.Logger) ([]engine.Option, error) {
	fallback, err := repository.ParseFallback(cfg.ReadFallback)
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithDefaultTTL(cfg.DefaultTTL),
		engine.WithTTLs(cfg.TTLs),
		engine.WithFallback(fallback),
		engine.WithMaxAttempts(cfg.Sync.MaxAttempts),
		engine.OnSessionExpired(func() {
			logger.Warn().Msg("session expired; login required")
		}),
	}
	if cfg.Sync.DropRejected {
		opts = append(opts, engine.WithDropRejected())
	}
	if cfg.CredentialKey != "" {
		sealer, err := credentials.NewSecretBoxSealerFromString(cfg.CredentialKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithSealer(sealer))
	}
	return opts, nil
}
