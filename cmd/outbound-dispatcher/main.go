package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-outbound/pkg/api"
	"github.com/zoff-tech/go-outbound/pkg/broker"
	"github.com/zoff-tech/go-outbound/pkg/channel"
	"github.com/zoff-tech/go-outbound/pkg/config"
	"github.com/zoff-tech/go-outbound/pkg/idempotency"
	"github.com/zoff-tech/go-outbound/pkg/logging"
	"github.com/zoff-tech/go-outbound/pkg/metrics"
	"github.com/zoff-tech/go-outbound/pkg/observability"
	"github.com/zoff-tech/go-outbound/pkg/outbound"
	"github.com/zoff-tech/go-outbound/pkg/processor"
	"github.com/zoff-tech/go-outbound/pkg/quota"
	"github.com/zoff-tech/go-outbound/pkg/reconciler"
	"github.com/zoff-tech/go-outbound/pkg/session"
	"github.com/zoff-tech/go-outbound/pkg/store"
	"github.com/zoff-tech/go-outbound/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/outbound-dispatcher")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatcher stopped", zap.Error(err))
	}
	logger.Info("dispatcher stopped")
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger) error {
	if cfg.Observability.TracingURL != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return err
		}
		defer shutdownTelemetry()
	}

	repos, err := store.NewRepositories(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repos.Close(); err != nil {
			logger.Error("failed to close repositories", zap.Error(err))
		}
	}()

	messageBroker, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := messageBroker.Close(); err != nil {
			logger.Error("failed to close broker", zap.Error(err))
		}
	}()
	events := broker.NewLifecyclePublisher(messageBroker, cfg.Broker.EventsTopic, cfg.Broker.DeadLetterTopic)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	quotas, closeQuota, err := newQuotaManager(cfg, repos, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeQuota(); err != nil {
			logger.Error("failed to close quota store", zap.Error(err))
		}
	}()
	sessions := session.NewTracker(repos.Sessions, cfg.Session.WindowDuration, logger)

	senders, err := channel.NewRegistryFromConfig(cfg.Channels, &http.Client{Timeout: cfg.Dispatch.SendTimeout}, logger)
	if err != nil {
		return err
	}

	dispatcher := processor.NewDispatchProcessor(repos.Messages, senders, cfg.Dispatch,
		processor.WithSessionChecker(sessions),
		processor.WithThrottleGate(quotas),
		processor.WithSoftLimiter(quota.NewSoftLimiter(cfg.Dispatch.SoftRatePerSecond, cfg.Dispatch.SoftBurst)),
		processor.WithEventPublisher(events),
		processor.WithMetrics(recorder),
		processor.WithLogger(logger.Named("dispatcher")),
	)
	callbacks := reconciler.NewReconciler(repos.Messages,
		reconciler.WithEventPublisher(events),
		reconciler.WithMetrics(recorder),
		reconciler.WithLogger(logger.Named("reconciler")),
	)
	aggregator := observability.NewAggregator(repos.Messages, cfg.Alerts,
		observability.WithQuota(quotas),
		observability.WithMetrics(recorder),
		observability.WithLogger(logger.Named("observability")),
	)
	service := outbound.NewService(repos.Messages, idempotency.NewGuard(repos.Messages), cfg.Dispatch.MaxAttempts,
		outbound.WithQuota(quotas),
		outbound.WithSessions(sessions),
		outbound.WithEventPublisher(events),
		outbound.WithLogger(logger.Named("outbound")),
	)

	handler := api.NewHandler(service, callbacks, aggregator, quotas,
		api.WithLogger(logger.Named("api")),
		api.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		api.WithWebhookVerifyToken(cfg.HTTP.WebhookVerifyToken),
	)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, recorder, reg, cfg.Observability.MetricsPath),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		aggregator.RunGaugeRefresh(ctx, cfg.Alerts.GaugeRefresh)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newQuotaManager builds the quota manager and returns a func that releases
// the Redis client when quota.store is redis.
func newQuotaManager(cfg *config.Settings, repos *store.Repositories, logger *zap.Logger) (*quota.Manager, func() error, error) {
	closeFn := func() error { return nil }
	tiers, err := quota.NewStaticTiers(cfg.Quota)
	if err != nil {
		return nil, closeFn, err
	}
	projector, err := quota.NewCostProjector(repos.Messages, cfg.Quota)
	if err != nil {
		return nil, closeFn, err
	}
	opts := []quota.Option{
		quota.WithCostProjector(projector),
		quota.WithThrottleBackoff(cfg.Quota.ThrottleBackoff),
		quota.WithLogger(logger.Named("quota")),
	}

	counters := repos.Quota
	if cfg.Quota.Store == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counters = quota.NewRedisCounter(client, quota.DefaultRetention)
		opts = append(opts, quota.WithThrottler(quota.NewRedisThrottle(client)))
		closeFn = client.Close
	}
	return quota.NewManager(counters, tiers, opts...), closeFn, nil
}
