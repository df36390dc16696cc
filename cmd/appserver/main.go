// Command appserver runs the card monitoring evaluation service: the
// HTTP entry point, the hot-reload coordinator, and the outbox
// consumer that drives derived MONITORING evaluations from upstream
// AUTH events, wired together per spec §5/§6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cardrisk/monitor/applications/evaluation"
	"github.com/cardrisk/monitor/applications/httpapi"
	"github.com/cardrisk/monitor/domain/admission"
	"github.com/cardrisk/monitor/domain/evaluator"
	"github.com/cardrisk/monitor/domain/loader"
	"github.com/cardrisk/monitor/domain/outbox"
	"github.com/cardrisk/monitor/domain/registry"
	"github.com/cardrisk/monitor/domain/reload"
	"github.com/cardrisk/monitor/domain/velocity"
	"github.com/cardrisk/monitor/infrastructure/logging"
	"github.com/cardrisk/monitor/infrastructure/metrics"
	"github.com/cardrisk/monitor/infrastructure/middleware"
	"github.com/cardrisk/monitor/infrastructure/redisconn"
	"github.com/cardrisk/monitor/infrastructure/worker"
	"github.com/cardrisk/monitor/pkg/config"
	"github.com/cardrisk/monitor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, FilePrefix: cfg.Logging.FilePrefix})
	httpLog := logging.New("monitor", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("monitor")

	ctx := context.Background()

	// The KV pool holds at least one connection per admitted request.
	poolSize := cfg.Redis.PoolSize
	if cfg.LoadShedding.MaxConcurrent > poolSize {
		poolSize = cfg.LoadShedding.MaxConcurrent
	}
	redisClient := redisconn.New(redisconn.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    poolSize,
		DialTimeout: time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
	})

	blobLoader, err := loader.New(ctx, loader.Config{
		Bucket:          cfg.Blob.Bucket,
		Prefix:          cfg.Blob.Prefix,
		Env:             cfg.Blob.Env,
		Region:          cfg.Blob.Region,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
		Endpoint:        cfg.Blob.Endpoint,
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to build artifact loader")
		os.Exit(1)
	}

	reg := registry.New()

	required := requiredRulesetKeys(cfg.Reload.RequiredRulesetKeys)

	coordinator := reload.New(blobLoader, reg, required, log)
	if err := coordinator.ValidateAndLoad(ctx); err != nil {
		log.WithError(err).Error("startup artifact validation failed")
		os.Exit(1)
	}

	velocityCounter := velocity.New(redisClient, log,
		velocity.WithDeadline(time.Duration(cfg.Velocity.DeadlineMs)*time.Millisecond),
	)

	eval := evaluator.New(velocityCounter, evaluator.DebugConfig{
		Enabled:                 cfg.Debug.Enabled,
		SampleRate:              cfg.Debug.SampleRate,
		MaxConditionEvaluations: cfg.Debug.MaxConditionEvaluations,
		IncludeFieldValues:      cfg.Debug.IncludeFieldValues,
	}, nil)

	admissionCtl := admission.New(cfg.LoadShedding.MaxConcurrent)

	var queue outbox.Outbox
	var publisher outbox.DecisionPublisher
	switch cfg.Outbox.Backend {
	case "redis-stream":
		queue = outbox.NewStream(redisClient, cfg.Outbox.StreamKey, cfg.Outbox.ConsumerGroup, cfg.Outbox.ConsumerName, log)
		publisher = outbox.NewRedisDecisionPublisher(redisClient, cfg.Outbox.StreamKey+":decisions", log)
	default:
		queue = outbox.NewMemory()
		publisher = outbox.NewMemoryDecisionPublisher()
	}

	engine := evaluation.New(reg, eval, publisher, log)
	keyPolicy := evaluation.RulesetKeyPolicy{Default: cfg.Reload.DefaultRulesetKey}

	workers := worker.NewGroup(log)
	reloadInterval := time.Duration(cfg.Reload.PollIntervalSeconds) * time.Second
	workers.AddTicker(ctx, reloadInterval, coordinator.Cycle, worker.WithName("hot-reload"))

	consumer := outbox.NewConsumer(queue, func(ctx context.Context, event outbox.Event) error {
		decision, err := evaluator.NormalizeDecision(event.UpstreamDecision)
		if err != nil {
			return nil // degenerate upstream decision: nothing useful to evaluate, ack and move on
		}
		countryCode, _ := event.Transaction["country_code"].(string)
		txnType, _ := event.Transaction["transaction_type"].(string)
		rulesetKey := keyPolicy.Resolve(txnType)

		if _, err := publisher.Publish(ctx, event); err != nil {
			return err
		}
		transactionID, _ := event.Transaction["transaction_id"].(string)
		_, err = engine.EvaluateAndPublishSync(ctx, transactionID, decision, countryCode, rulesetKey, event.Transaction)
		return err
	}, log,
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithBlockMs(cfg.Outbox.BlockMs),
		outbox.WithClaimIdleAfter(time.Duration(cfg.Outbox.ClaimIdleAfterSeconds)*time.Second),
	)
	workers.Add(consumer.Run)

	ready := new(bool)
	*ready = true

	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("blob_storage", func() error {
		if !blobLoader.IsStorageAccessible(context.Background()) {
			return fmt.Errorf("blob storage unreachable")
		}
		return nil
	})

	svc := &httpapi.Service{
		Handler: &httpapi.Handler{
			Engine:         engine,
			Registry:       reg,
			Loader:         blobLoader,
			Admission:      admissionCtl,
			KeyPolicy:      keyPolicy,
			RequestTimeout: time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond,
			Metrics:        m,
			Log:            log,
		},
		Health:       health,
		Ready:        ready,
		Log:          httpLog,
		Metrics:      m,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AdminTimeout: time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond,
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: svc.NewMux(),
	}

	shutdown := middleware.NewGracefulShutdown(server, time.Duration(cfg.Server.ShutdownDrainSecs)*time.Second)
	shutdown.OnShutdown(func() {
		*ready = false
		workers.Stop(time.Duration(cfg.Server.ShutdownDrainSecs) * time.Second)
		_ = redisClient.Close()
	})
	shutdown.ListenForSignals()

	log.WithField("addr", server.Addr).Info("monitoring service listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("http server error")
	}

	shutdown.Wait()
}
