package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	redis "github.com/redis/go-redis/v9"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/config"
	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/controller"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/kafka"
	"github.com/CyberMesh/defense-agent/internal/ledger"
	"github.com/CyberMesh/defense-agent/internal/metrics"
	"github.com/CyberMesh/defense-agent/internal/outbox"
	"github.com/CyberMesh/defense-agent/internal/pipeline"
	"github.com/CyberMesh/defense-agent/internal/policy"
	"github.com/CyberMesh/defense-agent/internal/ratelimit"
	"github.com/CyberMesh/defense-agent/internal/reconciler"
	"github.com/CyberMesh/defense-agent/internal/scheduler"
	"github.com/CyberMesh/defense-agent/internal/state"
	"github.com/CyberMesh/defense-agent/internal/storage"
	"github.com/CyberMesh/defense-agent/internal/waf"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	repo, repoCleanup := buildRepository(ctx, cfg, logger)
	if repoCleanup != nil {
		defer repoCleanup()
	}

	rules, err := waf.NewRuleSet(waf.DefaultRules())
	if err != nil {
		logger.Fatal("failed to compile rule set", zap.Error(err))
	}
	matcher, err := waf.NewMatcher(waf.MatcherOptions{
		Rules:      rules,
		MaxBody:    cfg.WAF.MaxBodyBytes,
		RuleBudget: cfg.WAF.RuleBudget,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Fatal("failed to build matcher", zap.Error(err))
	}

	var spill event.Spill
	if cfg.Events.SpillPath != "" {
		boltSpill, err := event.OpenSpill(event.SpillOptions{
			Path:    cfg.Events.SpillPath,
			MaxSize: cfg.Events.SpillMaxSize,
		})
		if err != nil {
			logger.Fatal("failed to open event spill", zap.Error(err))
		}
		defer boltSpill.Close() //nolint:errcheck
		spill = boltSpill
	}
	events := event.NewStore(event.StoreOptions{
		Sink:          repo,
		Spill:         spill,
		FlushSize:     cfg.Events.FlushSize,
		FlushInterval: cfg.Events.FlushInterval,
		FlushTimeout:  cfg.Events.FlushTimeout,
		HardCap:       cfg.Events.HardCap,
		HistoryCap:    cfg.Events.HistoryCap,
		Logger:        logger,
		Metrics:       recorder,
	})
	go events.Run(ctx)

	classifier, err := iplist.New(iplist.Options{
		Whitelist: cfg.IPList.Whitelist,
		Blacklist: cfg.IPList.Blacklist,
		FailOpen:  cfg.IPList.FailOpen,
		Logger:    logger,
		Degraded: func(reason string, err error) {
			evt := event.New(event.TypeSystemDegraded, event.SeverityHigh, "ip classification degraded")
			evt.Metadata.Reason = reason
			if err != nil {
				evt.Description = err.Error()
			}
			events.Log(evt)
		},
	})
	if err != nil {
		logger.Fatal("failed to build ip classifier", zap.Error(err))
	}

	led := ledger.New(ledger.Options{
		ChallengeThreshold: cfg.Ledger.ChallengeThreshold,
		BlockThreshold:     cfg.Ledger.BlockThreshold,
		DecayWindow:        cfg.Ledger.DecayWindow,
	})
	stateStore := state.NewStore(state.Options{
		PersistPath:    cfg.State.Path,
		EnableChecksum: cfg.State.Checksum,
		LockTimeout:    cfg.State.LockTimeout,
	})
	snap, err := stateStore.Load()
	if err != nil {
		logger.Warn("failed to load persisted state", zap.Error(err))
	}
	led.Restore(snap.Ledger)
	recorder.SetLedgerSize(led.Len())

	killSwitch := control.NewKillSwitch(snap.WAFDisabled || cfg.WAF.Disabled)
	recorder.SetKillSwitch(killSwitch.Enabled())

	limiters, limiterCleanup := buildLimiters(ctx, cfg, logger)
	if limiterCleanup != nil {
		defer limiterCleanup()
	}

	scorer, err := alert.NewScorer(nil)
	if err != nil {
		logger.Fatal("failed to build threat scorer", zap.Error(err))
	}

	channels, channelCleanup := buildAlertChannels(cfg, recorder, logger)
	if channelCleanup != nil {
		defer channelCleanup()
	}
	dispatcher := alert.NewDispatcher(alert.DispatcherOptions{
		Channels: channels,
		Timeout:  cfg.Alerts.DispatchTimeout,
		Logger:   logger,
		Metrics:  recorder,
	})
	engine, err := alert.NewEngine(alert.EngineOptions{
		Counter:  repo,
		Notifier: dispatcher,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		logger.Fatal("failed to build alert engine", zap.Error(err))
	}

	pipe, err := pipeline.New(pipeline.Options{
		Classifier:   classifier,
		Matcher:      matcher,
		Ledger:       led,
		Limiters:     limiters,
		Store:        events,
		Scorer:       scorer,
		Engine:       engine,
		KillSwitch:   killSwitch,
		Metrics:      recorder,
		Logger:       logger,
		AsyncTimeout: cfg.Alerts.DispatchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	ctrl, consumer := buildControlPlane(cfg, controller.Options{
		Rules:      rules,
		Classifier: classifier,
		Engine:     engine,
		Scorer:     scorer,
		KillSwitch: killSwitch,
		Events:     events,
		Metrics:    recorder,
		Logger:     logger,
	}, logger)
	if consumer != nil {
		defer consumer.Close()
	}

	overridesFn := restoreOverrides(ctrl, rules, snap.RuleOverrides)

	rec, err := reconciler.New(reconciler.Options{
		Repository: repo,
		Classifier: classifier,
		Engine:     engine,
		Scorer:     scorer,
		Interval:   cfg.Maintenance.ReconcileInterval,
		MaxBackoff: cfg.Maintenance.MaxBackoff,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Fatal("failed to build reconciler", zap.Error(err))
	}
	rec.RunOnce(ctx)
	go rec.Run(ctx)

	sched, err := scheduler.New(scheduler.Options{
		Ledger:     led,
		Store:      stateStore,
		Overrides:  overridesFn,
		KillSwitch: killSwitch,
		Interval:   cfg.Maintenance.SchedulerInterval,
		MaxBackoff: cfg.Maintenance.MaxBackoff,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Fatal("failed to build scheduler", zap.Error(err))
	}
	go sched.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: buildMetricsMux(registry)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	adminServer := buildAdminServer(cfg.AdminAddr, pipe, repo, killSwitch, recorder, events, logger)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	if consumer != nil && ctrl != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("control consumer stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	logger.Info("defense agent started",
		zap.String("admin_addr", cfg.AdminAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("alert_channels", len(channels)))

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	adminServer.Shutdown(shutdownCtx)   //nolint:errcheck
	metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
	sched.RunOnce(shutdownCtx)
	if err := events.Flush(shutdownCtx); err != nil {
		logger.Warn("final event flush failed", zap.Error(err))
	}
	logger.Info("agent shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func buildRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Repository, func()) {
	if cfg.Storage.Backend == "postgres" {
		repo, err := storage.NewPostgres(ctx, storage.PostgresConfig{
			DSN:          cfg.Storage.PostgresDSN,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
		})
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		return repo, func() { _ = repo.Close() }
	}
	return storage.NewMemory(storage.MemoryOptions{}), nil
}

func buildLimiters(ctx context.Context, cfg config.Config, logger *zap.Logger) (map[string]ratelimit.Limiter, func()) {
	var (
		opts    ratelimit.Options
		cleanup func()
	)
	if cfg.RateLimiter.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimiter.RedisAddr,
			Username: cfg.RateLimiter.RedisUser,
			Password: cfg.RateLimiter.RedisPass,
			DB:       cfg.RateLimiter.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis for rate limiter", zap.Error(err))
		}
		opts.Redis = &ratelimit.RedisOptions{
			Client:    ratelimit.NewRedisAdapter(client),
			KeyPrefix: cfg.RateLimiter.KeyPrefix,
		}
		cleanup = func() { _ = client.Close() }
	}

	limiters := make(map[string]ratelimit.Limiter, len(cfg.RateLimiter.Scopes))
	for _, scope := range cfg.RateLimiter.Scopes {
		limiter, err := ratelimit.Factory(cfg.RateLimiter.Backend, ratelimit.Config{
			Scope:       scope.Scope,
			MaxRequests: scope.MaxRequests,
			Window:      scope.Window,
		}, opts)
		if err != nil {
			logger.Fatal("failed to create rate limiter",
				zap.String("scope", scope.Scope), zap.Error(err))
		}
		limiters[scope.Scope] = limiter
	}
	return limiters, cleanup
}

func buildAlertChannels(cfg config.Config, recorder *metrics.Recorder, logger *zap.Logger) ([]alert.Channel, func()) {
	var (
		channels []alert.Channel
		closers  []func()
	)
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, &alert.WebhookChannel{URL: cfg.Alerts.WebhookURL})
	}
	if cfg.Alerts.SlackWebhook != "" {
		channels = append(channels, &alert.SlackChannel{WebhookURL: cfg.Alerts.SlackWebhook})
	}
	if cfg.Alerts.Email.Host != "" && cfg.Alerts.Email.From != "" {
		addr := fmt.Sprintf("%s:%d", cfg.Alerts.Email.Host, cfg.Alerts.Email.Port)
		for _, to := range cfg.Alerts.Email.To {
			channels = append(channels, &alert.EmailChannel{Addr: addr, From: cfg.Alerts.Email.From, To: to})
		}
	}
	if len(cfg.Alerts.Kafka.Brokers) > 0 {
		channel, closer := buildKafkaAlertChannel(cfg, recorder, logger)
		channels = append(channels, channel)
		closers = append(closers, closer)
	}
	if len(closers) == 0 {
		return channels, nil
	}
	return channels, func() {
		for _, closer := range closers {
			closer()
		}
	}
}

// buildKafkaAlertChannel wires the Kafka delivery path. With an outbox
// path configured, alerts go through the durable queue so broker outages
// survive a restart; otherwise the producer is used directly.
func buildKafkaAlertChannel(cfg config.Config, recorder *metrics.Recorder, logger *zap.Logger) (alert.Channel, func()) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V3_6_0_0
	saramaCfg.ClientID = cfg.Alerts.Kafka.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.Retry.Max = cfg.Alerts.Outbox.RetryMax
	saramaCfg.Producer.Retry.Backoff = cfg.Alerts.Outbox.RetryBackoff
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Alerts.Kafka.Brokers, saramaCfg)
	if err != nil {
		logger.Fatal("failed to create alert producer", zap.Error(err))
	}

	if cfg.Alerts.Outbox.QueuePath == "" {
		channel, err := alert.NewKafkaChannel(producer, cfg.Alerts.Kafka.Topic)
		if err != nil {
			producer.Close()
			logger.Fatal("failed to create kafka alert channel", zap.Error(err))
		}
		return channel, func() { _ = producer.Close() }
	}

	var signer outbox.Signer
	if cfg.Alerts.Outbox.SigningKey != "" {
		signer, err = outbox.NewEd25519Signer(cfg.Alerts.Outbox.SigningKey)
		if err != nil {
			producer.Close()
			logger.Fatal("failed to initialize alert signer", zap.Error(err))
		}
		logger.Info("alert signing enabled", zap.String("algorithm", "ed25519"))
	}
	base, err := outbox.NewKafkaPublisher(outbox.Options{
		Producer:     producer,
		Topic:        cfg.Alerts.Kafka.Topic,
		RetryMax:     cfg.Alerts.Outbox.RetryMax,
		RetryBackoff: cfg.Alerts.Outbox.RetryBackoff,
		Logger:       logger,
		Metrics:      recorder,
		Signer:       signer,
	})
	if err != nil {
		producer.Close()
		logger.Fatal("failed to initialize alert publisher", zap.Error(err))
	}
	queue, err := outbox.OpenQueue(outbox.QueueOptions{
		Path:    cfg.Alerts.Outbox.QueuePath,
		MaxSize: cfg.Alerts.Outbox.QueueMaxSize,
	})
	if err != nil {
		producer.Close()
		logger.Fatal("failed to open alert outbox", zap.Error(err))
	}
	retrier, err := outbox.NewRetryingPublisher(outbox.RetrierOptions{
		Queue:    queue,
		Backend:  base,
		Metrics:  recorder,
		Logger:   logger,
		Interval: cfg.Alerts.Outbox.RetryBackoff,
	})
	if err != nil {
		queue.Close()
		producer.Close()
		logger.Fatal("failed to initialize alert outbox retrier", zap.Error(err))
	}

	closers := []func(context.Context) error{retrier.Close, base.Close}
	var channel alert.Channel = retrier
	if cfg.Alerts.Outbox.BatchSize > 1 {
		batcher, err := outbox.NewBatchingPublisher(outbox.BatchingOptions{
			Backend:   retrier,
			Metrics:   recorder,
			Logger:    logger,
			FlushSize: cfg.Alerts.Outbox.BatchSize,
			Interval:  cfg.Alerts.Outbox.BatchWait,
		})
		if err != nil {
			retrier.Close(context.Background()) //nolint:errcheck
			producer.Close()
			logger.Fatal("failed to initialize alert outbox batcher", zap.Error(err))
		}
		channel = &outboxChannel{publisher: batcher}
		closers = append([]func(context.Context) error{batcher.Close}, closers...)
	}
	return channel, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, closer := range closers {
			_ = closer(closeCtx)
		}
	}
}

// outboxChannel adapts an outbox publisher to the alert channel contract.
type outboxChannel struct {
	publisher outbox.Publisher
}

func (c *outboxChannel) Name() string { return "kafka" }

func (c *outboxChannel) Send(ctx context.Context, a alert.Alert) error {
	return c.publisher.Publish(ctx, outbox.Payload{Alert: a, EnqueuedAt: time.Now().UTC()})
}

// buildControlPlane sets up the signed command consumer when control
// brokers are configured. Both return values are nil otherwise.
func buildControlPlane(cfg config.Config, ctrlOpts controller.Options, logger *zap.Logger) (*controller.Controller, *kafka.Consumer) {
	if len(cfg.Control.Brokers) == 0 {
		return nil, nil
	}
	trust, err := policy.LoadTrustedKeys(cfg.Control.TrustedKeysDir)
	if err != nil {
		logger.Fatal("failed to load trusted keys", zap.Error(err))
	}
	ctrlOpts.Trust = trust
	ctrl, err := controller.New(ctrlOpts)
	if err != nil {
		logger.Fatal("failed to build controller", zap.Error(err))
	}
	consumer, err := kafka.NewConsumer(kafka.Options{
		Brokers: cfg.Control.Brokers,
		GroupID: cfg.Control.GroupID,
		Topic:   cfg.Control.Topic,
		TLS: kafka.TLSOptions{
			Enabled:  cfg.Control.TLS,
			CAPath:   cfg.Control.TLSCAPath,
			CertPath: cfg.Control.TLSCertPath,
			KeyPath:  cfg.Control.TLSKeyPath,
		},
		Logger:  logger,
		Metrics: ctrlOpts.Metrics,
	}, ctrl)
	if err != nil {
		logger.Fatal("failed to create control consumer", zap.Error(err))
	}
	return ctrl, consumer
}

// restoreOverrides reapplies persisted rule toggles and returns the
// provider the scheduler snapshots them from.
func restoreOverrides(ctrl *controller.Controller, rules *waf.RuleSet, persisted map[string]bool) func() map[string]bool {
	if ctrl != nil {
		ctrl.RestoreOverrides(persisted)
		return ctrl.RuleOverrides
	}
	restored := make(map[string]bool, len(persisted))
	for id, enabled := range persisted {
		if rules.SetEnabled(id, enabled) {
			restored[id] = enabled
		}
	}
	return func() map[string]bool { return restored }
}

func buildMetricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	return mux
}

func buildAdminServer(addr string, pipe *pipeline.Pipeline, repo storage.Repository, kill *control.KillSwitch, recorder *metrics.Recorder, events *event.Store, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		doHealth(w, r, repo, logger)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		doHealth(w, r, repo, logger)
	})

	// Forward-auth endpoint: a fronting proxy sends each request here as
	// a subrequest and enforces the returned status.
	mux.Handle("/authorize", pipeline.Middleware(pipe, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	mux.HandleFunc("/control/kill-switch", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]bool{"enabled": kill.Enabled()})
		case http.MethodPost:
			enabledParam := r.URL.Query().Get("enabled")
			if enabledParam == "" {
				http.Error(w, "missing enabled query parameter", http.StatusBadRequest)
				return
			}
			enabled, err := strconv.ParseBool(enabledParam)
			if err != nil {
				http.Error(w, "invalid enabled value", http.StatusBadRequest)
				return
			}
			kill.Set(enabled)
			if recorder != nil {
				recorder.SetKillSwitch(enabled)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/events/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id query parameter", http.StatusBadRequest)
			return
		}
		by := r.URL.Query().Get("by")
		if by == "" {
			by = "admin"
		}
		if !events.Resolve(id, by) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/metrics/security", func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid window value", http.StatusBadRequest)
				return
			}
			window = parsed
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(events.Metrics(window))
	})

	return &http.Server{Addr: addr, Handler: mux}
}

func doHealth(w http.ResponseWriter, r *http.Request, repo storage.Repository, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if pinger, ok := repo.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			if logger != nil {
				logger.Warn("health check failed", zap.Error(err))
			}
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
