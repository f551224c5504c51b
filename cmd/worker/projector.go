package worker

import (
	"github.com/jmehdipour/ingest-gateway/internal/db"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var projectorCmd = &cobra.Command{
	Use:   "projector",
	Short: "Copy ingested events from Kafka into ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, "projector")
		if err != nil {
			return err
		}
		defer rt.stop()
		cfg := rt.cfg

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return err
		}
		defer chDB.Close()

		consumer := rt.consumer(cfg.Kafka.Topics.Events, "projector")
		defer consumer.Close()

		w := worker.NewEventProjector(consumer, repository.NewCHEventsRepository(chDB), rt.log)
		if cfg.Projector.BatchSize > 0 {
			w.BatchSize = cfg.Projector.BatchSize
		}
		if cfg.Projector.BatchWait > 0 {
			w.BatchWait = cfg.Projector.BatchWait
		}

		rt.log.Info("projector started",
			zap.String("topic", cfg.Kafka.Topics.Events),
			zap.Int("batch_size", w.BatchSize),
			zap.Duration("batch_wait", w.BatchWait),
		)
		return w.Run(rt.ctx)
	},
}
