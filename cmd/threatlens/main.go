// Package main is the entry point for the threatlens analyzer service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatlens/internal/alerting"
	"threatlens/internal/behavior"
	"threatlens/internal/config"
	"threatlens/internal/consumer"
	"threatlens/internal/detect"
	"threatlens/internal/features"
	"threatlens/internal/ingest"
	"threatlens/internal/kafka"
	"threatlens/internal/pipeline"
	"threatlens/internal/queue"
	"threatlens/internal/schema"
	"threatlens/internal/storage"
	"threatlens/internal/storage/s3"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Analysis stages
	validator := schema.NewValidator()
	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	baselines, redisClient, err := newBaselineStorage(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	scorer := behavior.NewScorer(behavior.ScorerConfig{
		NoBaselineScore: cfg.Scoring.NoBaselineScore,
		DriftThreshold:  cfg.Scoring.DriftThreshold,
	}, baselines, logger)

	if cfg.Redis.Enabled {
		if err := scorer.LoadPersisted(ctx); err != nil {
			slog.Warn("failed to load persisted baselines", "error", err)
		}
	}

	extractor := features.NewExtractor(features.Config{
		WorkHoursStart: cfg.Scoring.WorkHoursStart,
		WorkHoursEnd:   cfg.Scoring.WorkHoursEnd,
	})

	detector := newDetector(cfg.Detection, logger)
	alertManager := newAlertManager(cfg.Alerting, logger)

	// Pipeline outputs. The in-memory analysis cache backs the risk
	// score API and is always attached.
	analyses := pipeline.NewAnalysisCache()
	opts := []pipeline.Option{pipeline.WithAnalysisSink(analyses)}

	var chClient *storage.ClickHouseClient
	var analysisWriter *storage.AnalysisWriter

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, storage.RetentionConfig{
			AnalysesTTL: 90 * 24 * time.Hour,
		})
		if err := retention.ApplyTTLs(ctx); err != nil {
			slog.Warn("failed to apply retention TTLs", "error", err)
		}

		analysisWriter = storage.NewAnalysisWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		}, logger)
		alertWriter := storage.NewAlertWriter(chClient, logger)

		opts = append(opts,
			pipeline.WithAnalysisSink(analysisWriter),
			pipeline.WithAlertSink(alertWriter),
		)
	}

	var archiver *s3.Archiver
	if cfg.Archive.Enabled {
		s3cfg := s3.DefaultConfig()
		s3cfg.Bucket = cfg.Archive.Bucket
		s3cfg.Region = cfg.Archive.Region
		s3cfg.Endpoint = cfg.Archive.Endpoint
		s3cfg.AccessKeyID = cfg.Archive.AccessKeyID
		s3cfg.SecretAccessKey = cfg.Archive.SecretAccessKey
		if cfg.Archive.Prefix != "" {
			s3cfg.Prefix = cfg.Archive.Prefix
		}

		s3Client, err := s3.NewClient(ctx, s3cfg, logger)
		if err != nil {
			slog.Error("failed to create S3 client", "error", err)
			os.Exit(1)
		}

		archCfg := s3.DefaultArchiverConfig()
		if cfg.Archive.BatchSize > 0 {
			archCfg.BatchSize = cfg.Archive.BatchSize
		}
		if cfg.Archive.FlushInterval > 0 {
			archCfg.FlushInterval = cfg.Archive.FlushInterval
		}
		archiver = s3.NewArchiver(s3Client, archCfg, logger)
		opts = append(opts, pipeline.WithAlertSink(archiver))

		slog.Info("alert archive initialized", "bucket", cfg.Archive.Bucket)
	}

	var producer *kafka.AlertProducer
	var kafkaConsumer *kafka.EventConsumer

	if cfg.Kafka.Enabled {
		kcfg := newKafkaConfig(cfg.Kafka)

		admin, err := kafka.NewAdmin(kcfg, logger)
		if err != nil {
			slog.Warn("kafka topic admin unavailable", "error", err)
		} else if err := admin.EnsureTopics(ctx); err != nil {
			slog.Warn("failed to ensure kafka topics", "error", err)
		}

		producer, err = kafka.NewAlertProducer(kcfg, logger)
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pipeline.WithAlertPublisher(producer))

		kafkaConsumer, err = kafka.NewEventConsumer(kcfg,
			kafka.BatchHandler(eventQueue, validator, logger), logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}

		slog.Info("kafka initialized",
			"brokers", kcfg.Brokers,
			"events_topic", kcfg.EventsTopic,
			"alerts_topic", kcfg.AlertsTopic,
		)
	}

	pipe := pipeline.New(validator, extractor, scorer, detector, alertManager, logger, opts...)

	// Worker pool draining the queue into the pipeline
	workers := consumer.New(eventQueue, pipe, cfg.Workers, logger)
	workers.Start(ctx)

	if kafkaConsumer != nil {
		if err := kafkaConsumer.StartAsync(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	// Periodic alert-manager state eviction
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				alertManager.Cleanup()
			case <-cleanupDone:
				return
			}
		}
	}()

	// HTTP API
	handler := ingest.NewHandler(cfg.Ingest, ingest.Deps{
		Validator: validator,
		Queue:     eventQueue,
		Alerts:    alertManager,
		Scorer:    scorer,
		Pipeline:  pipe,
		Analyses:  analyses,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(handler.Routes(), cfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting analyzer server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Stop the inbound stream before draining the queue
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	cancel()
	close(cleanupDone)
	workers.Stop()
	eventQueue.Close()

	// Flush the outputs
	if archiver != nil {
		if err := archiver.Close(shutdownCtx); err != nil {
			slog.Error("archiver close error", "error", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if analysisWriter != nil {
		if err := analysisWriter.Close(); err != nil {
			slog.Error("analysis writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	queueMetrics := eventQueue.Metrics()
	workerMetrics := workers.Metrics()
	slog.Info("shutdown complete",
		"batches_pushed", queueMetrics.Pushed,
		"batches_popped", queueMetrics.Popped,
		"batches_dropped", queueMetrics.Dropped,
		"batches_consumed", workerMetrics.BatchesConsumed,
		"alerts_raised", workerMetrics.AlertsRaised,
	)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newBaselineStorage returns Redis-backed baseline storage when Redis
// is configured, otherwise an in-memory store. The returned client is
// non-nil only for Redis and must be closed on shutdown.
func newBaselineStorage(cfg config.RedisConfig) (behavior.BaselineStorage, *behavior.GoRedisClient, error) {
	if !cfg.Enabled {
		return behavior.NewMemoryBaselineStorage(), nil, nil
	}

	client, err := behavior.NewGoRedisClient(behavior.RedisConfig{
		Addr:       cfg.Address,
		Password:   cfg.Password,
		DB:         cfg.DB,
		TLSEnabled: cfg.TLS,
	})
	if err != nil {
		return nil, nil, err
	}

	return behavior.NewRedisBaselineStorage(client, cfg.KeyPrefix, 0), client, nil
}

// newDetector builds the strategy stack from the detection thresholds.
func newDetector(cfg config.DetectionConfig, logger *slog.Logger) *detect.Detector {
	rules := detect.DefaultRulesConfig()
	if cfg.DataVolumeThreshold > 0 {
		rules.DataVolumeThreshold = cfg.DataVolumeThreshold
	}
	if cfg.BulkAccessThreshold > 0 {
		rules.BulkAccessThreshold = cfg.BulkAccessThreshold
	}
	if len(cfg.SuspiciousExtensions) > 0 {
		rules.SuspiciousExtensions = cfg.SuspiciousExtensions
	}
	if cfg.WorkHoursRatioThreshold > 0 {
		rules.WorkHoursRatioThreshold = cfg.WorkHoursRatioThreshold
	}
	if cfg.MaxLoginLocations > 0 {
		rules.MaxLoginLocations = cfg.MaxLoginLocations
	}
	if cfg.FailedLoginThreshold > 0 {
		rules.FailedLoginThreshold = cfg.FailedLoginThreshold
	}

	anomaly := detect.DefaultAnomalyConfig()
	if cfg.AnomalyScoreThreshold > 0 {
		anomaly.ScoreThreshold = cfg.AnomalyScoreThreshold
	}

	fusion := detect.DefaultFusionConfig()
	if cfg.FusionThreshold > 0 {
		fusion.Threshold = cfg.FusionThreshold
	}

	return detect.NewDetector([]detect.Strategy{
		detect.NewRuleStrategy(rules),
		detect.NewPatternStrategy(detect.DefaultPatterns()),
		detect.NewAnomalyStrategy(anomaly),
		detect.NewFusionStrategy(fusion, nil, logger),
	}, logger)
}

// newAlertManager builds the alert manager and registers the enabled
// notification channels. With no channels configured every priority is
// routed to a log channel so alerts remain visible.
func newAlertManager(cfg config.AlertingConfig, logger *slog.Logger) *alerting.Manager {
	mcfg := alerting.DefaultManagerConfig()
	if cfg.UserHourlyLimit > 0 {
		mcfg.UserHourlyLimit = cfg.UserHourlyLimit
	}
	if cfg.ThreatTypeHourlyLimit > 0 {
		mcfg.ThreatTypeHourlyLimit = cfg.ThreatTypeHourlyLimit
	}
	if cfg.DedupCooldown > 0 {
		mcfg.DedupCooldown = cfg.DedupCooldown
	}
	if cfg.ChannelTimeout > 0 {
		mcfg.ChannelTimeout = cfg.ChannelTimeout
	}
	if cfg.HistoryLimit > 0 {
		mcfg.HistoryLimit = cfg.HistoryLimit
	}

	manager := alerting.NewManager(mcfg, logger)

	registered := 0
	if cfg.Email.Enabled {
		manager.RegisterChannel(alerting.NewEmailChannel(alerting.EmailConfig{
			Host:       cfg.Email.Host,
			Port:       cfg.Email.Port,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			From:       cfg.Email.From,
			Recipients: cfg.Email.Recipients,
		}))
		registered++
	}
	if cfg.Chat.Enabled {
		manager.RegisterChannel(alerting.NewChatChannel(alerting.ChatConfig{
			WebhookURL: cfg.Chat.WebhookURL,
			Channel:    cfg.Chat.Channel,
		}))
		registered++
	}
	if cfg.Webhook.Enabled {
		manager.RegisterChannel(alerting.NewWebhookChannel(alerting.WebhookConfig{
			URL:       cfg.Webhook.URL,
			AuthToken: cfg.Webhook.AuthToken,
		}))
		registered++
	}
	if cfg.SIEM.Enabled {
		siemCfg := alerting.SIEMConfig{CEF: alerting.DefaultCEFConfig()}
		if cfg.SIEM.Splunk.Enabled {
			siemCfg.Splunk = &alerting.SplunkConfig{
				URL:        cfg.SIEM.Splunk.URL,
				Token:      cfg.SIEM.Splunk.Token,
				Index:      cfg.SIEM.Splunk.Index,
				SourceType: cfg.SIEM.Splunk.SourceType,
				Source:     cfg.SIEM.Splunk.Source,
			}
		}
		if cfg.SIEM.DTLS.Enabled {
			siemCfg.DTLS = &alerting.DTLSConfig{
				Address:            cfg.SIEM.DTLS.Address,
				CertFile:           cfg.SIEM.DTLS.CertFile,
				KeyFile:            cfg.SIEM.DTLS.KeyFile,
				CAFile:             cfg.SIEM.DTLS.CAFile,
				InsecureSkipVerify: cfg.SIEM.DTLS.InsecureSkipVerify,
				HandshakeTimeout:   cfg.SIEM.DTLS.HandshakeTimeout,
			}
		}
		manager.RegisterChannel(alerting.NewSIEMChannel(siemCfg, logger))
		registered++
	}

	if registered == 0 {
		manager.RegisterChannel(alerting.NewLogChannel("log", logger))
		manager.SetRoutes(map[schema.Priority][]string{
			schema.PriorityCritical: {"log"},
			schema.PriorityHigh:     {"log"},
			schema.PriorityMedium:   {"log"},
			schema.PriorityLow:      {"log"},
		})
	}

	return manager
}

// newKafkaConfig overlays the application kafka settings on the
// defaults.
func newKafkaConfig(cfg config.KafkaConfig) *kafka.Config {
	kcfg := kafka.DefaultConfig()
	kcfg.Brokers = cfg.Brokers
	if cfg.EventsTopic != "" {
		kcfg.EventsTopic = cfg.EventsTopic
	}
	if cfg.AlertsTopic != "" {
		kcfg.AlertsTopic = cfg.AlertsTopic
	}
	if cfg.GroupID != "" {
		kcfg.ConsumerGroup = cfg.GroupID
	}
	if cfg.MinBytes > 0 {
		kcfg.ConsumerMinBytes = cfg.MinBytes
	}
	if cfg.MaxBytes > 0 {
		kcfg.ConsumerMaxBytes = cfg.MaxBytes
	}
	return kcfg
}
