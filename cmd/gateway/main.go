// Command gateway runs the aggregation gateway: a rate-limited,
// authenticated API that answers data requests by querying several upstream
// providers concurrently and reconciling their answers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
	"github.com/R3E-Network/aggregation_gateway/internal/cache"
	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/internal/gateway"
	"github.com/R3E-Network/aggregation_gateway/internal/httpapi"
	"github.com/R3E-Network/aggregation_gateway/internal/middleware"
	"github.com/R3E-Network/aggregation_gateway/internal/orchestrator"
	"github.com/R3E-Network/aggregation_gateway/internal/provider"
	"github.com/R3E-Network/aggregation_gateway/internal/registry"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		logger.NewDefault("gateway").WithError(err).Error("configuration rejected")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	providers := make([]aggregate.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, aggregate.Provider{
			ID:         p.ID,
			Endpoint:   p.Endpoint,
			Weight:     p.Weight,
			Namespaces: p.Namespaces,
			Methods:    p.Methods,
			ResultPath: p.ResultPath,
		})
	}

	reg := registry.New(providers, cfg.Health, log.WithField("component", "registry"))
	client := provider.NewHTTPClient(cfg.Fetch.PerCallTimeout)

	prober := registry.NewProber(reg, client, cfg.Health, log.WithField("component", "prober"))
	if err := prober.Start(); err != nil {
		log.WithError(err).Error("failed to start recovery prober")
		os.Exit(1)
	}
	defer prober.Stop()

	var cacheOpts []cache.Option
	if cfg.Cache.RedisAddress != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := cache.NewRedisStore(ctx, cfg.Cache.RedisAddress, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		cancel()
		if err != nil {
			log.WithError(err).Warn("shared cache unavailable, continuing with local cache only")
		} else {
			defer store.Close()
			cacheOpts = append(cacheOpts, cache.WithRemote(store))
		}
	}
	resultCache := cache.New(cfg.Cache.Capacity, log.WithField("component", "cache"), cacheOpts...)

	orch := orchestrator.New(reg, client, cfg.Fetch, log.WithField("component", "orchestrator"))
	gate := middleware.NewCredentialGate(cfg.Auth, log.WithField("component", "auth"))
	limiter := middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst, log.WithField("component", "ratelimit"))

	stop := make(chan struct{})
	defer close(stop)
	limiter.StartCleanup(time.Minute, stop)

	svc, err := gateway.New(cfg, gate, limiter, resultCache, orch, reg, log.WithField("component", "gateway"))
	if err != nil {
		log.WithError(err).Error("configuration rejected")
		os.Exit(1)
	}

	router := httpapi.NewRouter(svc, log.WithField("component", "httpapi"))
	server := httpapi.NewServer(cfg.Server.ListenAddress, router, log.WithField("component", "httpserver"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server failed")
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
