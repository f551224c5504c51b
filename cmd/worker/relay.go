package worker

import (
	"github.com/jmehdipour/ingest-gateway/internal/db"
	"github.com/jmehdipour/ingest-gateway/internal/kafka"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish committed outbox rows to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, "relay")
		if err != nil {
			return err
		}
		defer rt.stop()
		cfg := rt.cfg

		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return err
		}
		defer dbx.Close()

		producer := kafka.NewProducerFromConfig(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
		defer producer.Close()

		r := worker.NewOutboxRelay(repository.NewOutboxRepository(dbx), producer, rt.log)
		r.Topics = map[string]string{
			model.TopicEventsIngested: cfg.Kafka.Topics.Events,
			model.TopicUsageAlerts:    cfg.Kafka.Topics.Alerts,
		}
		if cfg.Relay.PollInterval > 0 {
			r.PollInterval = cfg.Relay.PollInterval
		}
		if cfg.Relay.BatchSize > 0 {
			r.BatchSize = cfg.Relay.BatchSize
		}

		rt.log.Info("relay started",
			zap.Duration("poll_interval", r.PollInterval),
			zap.Int("batch_size", r.BatchSize),
		)
		return r.Run(rt.ctx)
	},
}
