package worker

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/ingest-gateway/internal/dispatcher"
	"github.com/jmehdipour/ingest-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Deliver usage alerts to the configured webhooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, "notifier")
		if err != nil {
			return err
		}
		defer rt.stop()
		cfg := rt.cfg

		// endpoints -> dispatcher
		var sinks []dispatcher.Sink
		for _, ec := range cfg.Notifier.Endpoints {
			if !ec.Enabled || strings.TrimSpace(ec.URL) == "" {
				continue
			}
			sinks = append(sinks, dispatcher.NewHTTPSink(
				ec.Name,
				ec.URL,
				ec.TimeoutMs,
				ec.Breaker.FailThreshold,
				ec.Breaker.OpenForMs,
			))
		}
		if len(sinks) == 0 {
			return fmt.Errorf("no notifier endpoints enabled in config")
		}
		disp := dispatcher.NewDispatcher(sinks, cfg.Notifier.MaxAttempts)

		consumer := rt.consumer(cfg.Kafka.Topics.Alerts, "notifier")
		defer consumer.Close()

		w := worker.NewAlertNotifier(consumer, disp, rt.log)
		if cfg.Notifier.WorkerCount > 0 {
			w.Workers = cfg.Notifier.WorkerCount
		}

		rt.log.Info("notifier started",
			zap.String("topic", cfg.Kafka.Topics.Alerts),
			zap.Int("endpoints", len(sinks)),
			zap.Int("workers", w.Workers),
		)
		return w.Run(rt.ctx)
	},
}
