package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/rohmanhakim/offline-agent/internal/build"
	"github.com/rohmanhakim/offline-agent/internal/cachestore"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/fetcher"
	"github.com/rohmanhakim/offline-agent/internal/interceptor"
	mylog "github.com/rohmanhakim/offline-agent/internal/log"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/internal/proxy"
	"github.com/rohmanhakim/offline-agent/internal/runtime"
	"github.com/rohmanhakim/offline-agent/internal/telemetry"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Precache the app shell and serve it cache-first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func initLogging(cfg config.Config) error {
	level := logLevel
	if level == "" && os.Getenv(mylog.EnvLogLevel) == "" {
		level = cfg.LogLevel()
	}
	return mylog.InitLogger(level)
}

// openStorage returns the cache store selected by cfg.
func openStorage(cfg config.Config) (cachestore.Storage, error) {
	switch cfg.StoreBackend() {
	case config.StoreSQLite:
		storage, err := cachestore.OpenSQLite(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return cachestore.NewMemoryStorage(), nil
	}
}

func newFetcher(cfg config.Config, sink metadata.MetadataSink) *fetcher.NetworkFetcher {
	f := fetcher.NewNetworkFetcher(sink, cfg.Origin())
	f.Init(&http.Client{Timeout: cfg.Timeout()}, cfg.UserAgent())
	return f
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "offline-agent", build.FullVersion())
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	recorder := metadata.NewRecorder(log.Log)

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	networkFetcher := newFetcher(cfg, recorder)
	registration := runtime.NewRegistration(recorder)
	worker := interceptor.New(cfg, storage, networkFetcher, recorder).NewWorker()

	origin := cfg.Origin()
	log.WithFields(log.Fields{
		"origin":     origin.String(),
		"cache_name": cfg.CacheName(),
		"store":      string(cfg.StoreBackend()),
	}).Info("installing")

	if err := registration.Register(ctx, worker); err != nil {
		// Without an installed worker every request passes through.
		log.WithError(err).Warn("install failed, serving without offline cache")
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}
	log.WithField("addr", listener.Addr().String()).Info("offline agent listening")

	server := proxy.NewServer(cfg, registration, storage, networkFetcher, recorder)
	return server.Serve(ctx, listener)
}
