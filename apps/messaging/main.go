package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/conversations"
	"github.com/mahaj/teamchat/pkg/db"
	"github.com/mahaj/teamchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat).Named("messaging")
	defer log.Sync()

	// Schema is owned by chatctl migrate; this service only writes.
	session, err := db.NewSession(db.Options{
		Hosts:    cfg.ScyllaHosts,
		Keyspace: cfg.ScyllaKeyspace,
		Timeout:  cfg.ScyllaTimeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to ScyllaDB", zap.Error(err))
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, conversations.New(session), log)
	defer consumer.Close()

	log.Info("Starting Kafka Consumer",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group_id", cfg.KafkaGroupID))
	consumer.Consume(ctx)
	log.Info("Consumer stopped")
}
