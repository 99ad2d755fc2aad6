package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"phone-auth-service/internal/audit"
	"phone-auth-service/internal/client"
	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

const (
	batchSize     = 500
	flushInterval = 2 * time.Second
)

// audit-worker drains the Kafka audit topic into ClickHouse and Elasticsearch.
func main() {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, util.RotatingFile{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer util.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := client.NewKafkaConsumer(cfg, logger)
	if err != nil {
		util.Fatal("Failed to create Kafka consumer", util.ErrorField(err))
	}
	defer consumer.Close()

	var sinks []audit.Sink

	if cfg.Clickhouse.Enabled {
		ch, err := client.NewClickHouseClient(cfg, logger)
		if err != nil {
			util.Fatal("Failed to connect to ClickHouse", util.ErrorField(err))
		}
		defer ch.Close()

		sink := audit.NewClickHouseSink(ch, cfg.Clickhouse.Table)
		if err := sink.EnsureTable(ctx); err != nil {
			util.Fatal("Failed to create ClickHouse audit table", util.ErrorField(err))
		}
		sinks = append(sinks, sink)
	}

	if cfg.Elasticsearch.Enabled {
		es, err := client.NewElasticsearchClient(cfg, logger)
		if err != nil {
			util.Fatal("Failed to create Elasticsearch client", util.ErrorField(err))
		}
		defer es.Close()

		if err := es.HealthCheck(ctx); err != nil {
			util.Warn("Elasticsearch not reachable yet", util.ErrorField(err))
		}
		sinks = append(sinks, audit.NewElasticsearchSink(es, cfg.Elasticsearch.Index))
	}

	if len(sinks) == 0 {
		util.Warn("No analytics sink enabled, audit events will only be logged")
		sinks = append(sinks, audit.LogSink{})
	}

	util.Info("Audit worker started",
		util.String("topic", cfg.Kafka.AuditTopic),
		util.String("group", cfg.Kafka.ConsumerGroup),
		util.Int("sinks", len(sinks)),
	)

	err = audit.NewConsumer(consumer, batchSize, flushInterval, sinks...).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		util.Error("Audit worker stopped", util.ErrorField(err))
		return
	}
	util.Info("Audit worker stopped")
}
