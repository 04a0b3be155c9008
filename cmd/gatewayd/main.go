// Command gatewayd runs the offline gateway as a loopback agent. The view
// layer sends its mutations here; the agent forwards them to the remote API
// while online and queues the deferrable ones while offline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-gateway/internal/config"
	"github.com/tbourn/go-offline-gateway/internal/connectivity"
	"github.com/tbourn/go-offline-gateway/internal/credentials"
	"github.com/tbourn/go-offline-gateway/internal/drainer"
	"github.com/tbourn/go-offline-gateway/internal/gateway"
	httpapi "github.com/tbourn/go-offline-gateway/internal/http"
	"github.com/tbourn/go-offline-gateway/internal/http/handlers"
	"github.com/tbourn/go-offline-gateway/internal/kv"
	"github.com/tbourn/go-offline-gateway/internal/notify"
	"github.com/tbourn/go-offline-gateway/internal/observability"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
	"github.com/tbourn/go-offline-gateway/internal/queue"
	"github.com/tbourn/go-offline-gateway/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}
	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gatewayd stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	// Fallback storage holds the credential and, without SQLite, the queue.
	var state kv.Store = kv.NewMemoryStore()
	if cfg.Queue.KVPath != "" {
		fs, err := kv.OpenFile(cfg.Queue.KVPath)
		if err != nil {
			return err
		}
		defer fs.Close()
		state = fs
	}

	store, backend, err := queue.Open(cfg.Queue, state)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := pipeline.New(pipeline.Options{
		BaseURL:         cfg.Upstream.BaseURL,
		RequestTimeout:  cfg.Upstream.RequestTimeout,
		RefreshEndpoint: cfg.Upstream.RefreshEndpoint,
		RefreshSkew:     cfg.Upstream.RefreshSkew,
		UserAgent:       cfg.Upstream.UserAgent,
	}, credentials.NewStore(state))
	if err != nil {
		return err
	}

	monitor := connectivity.New(false)
	monitor.OnChange(observability.SetOnline)
	if cfg.Connectivity.ProbeInterval > 0 {
		prober, err := connectivity.NewDialProber(cfg.Upstream.BaseURL, cfg.Connectivity.ProbeTimeout)
		if err != nil {
			return err
		}
		monitor.Sample(ctx, prober)
		connectivity.Watch(ctx, monitor, prober, cfg.Connectivity.ProbeInterval)
	} else {
		// Without a prober the host app reports state; assume online until told otherwise.
		monitor.Report(true)
	}
	observability.SetOnline(monitor.IsOnline())

	feed := notify.NewFeed(cfg.NotifyBuffer)
	notifier := notify.Multi{feed, notify.LogNotifier{}}

	gw := gateway.New(client, monitor, store, notifier)
	dr := drainer.New(client, monitor, store, notifier, drainer.Options{
		RPS:           cfg.Queue.DrainRPS,
		Burst:         cfg.Queue.DrainBurst,
		RetryInterval: cfg.Queue.DrainInterval,
	})
	dr.Start(ctx)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, handlers.Deps{
		Gateway:       gw,
		Queue:         store,
		Drainer:       dr,
		Feed:          feed,
		Connectivity:  monitor,
		Session:       client,
		QueueBackend:  backend,
		LoginEndpoint: cfg.Upstream.LoginEndpoint,
	}, cfg)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("queue_backend", backend).
			Bool("online", monitor.IsOnline()).
			Str("version", version).
			Msg("gatewayd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			dr.Wait()
			return err
		}
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	dr.Wait()
	return nil
}
