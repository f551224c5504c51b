package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/jmehdipour/ingest-gateway/internal/kafka"
	"github.com/jmehdipour/ingest-gateway/internal/logger"
	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (empty = off)")

	// attach subcommands
	cmd.AddCommand(relayCmd)
	cmd.AddCommand(projectorCmd)
	cmd.AddCommand(notifierCmd)

	return cmd
}

type workerEnv struct {
	cfg config.Config
	log *zap.Logger
	ctx context.Context
	// stop releases the signal handler and the metrics listener.
	stop func()
}

// setup loads config, initializes logging and metrics and returns a context
// cancelled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command, name string) (*workerEnv, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level).With(zap.String("worker", name))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	stop := stopSignals

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener exited", zap.Error(err))
			}
		}()
		stop = func() {
			stopSignals()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	return &workerEnv{cfg: cfg, log: log, ctx: ctx, stop: stop}, nil
}

func (r *workerEnv) consumer(topic, group string) *kafka.Consumer {
	groupID := r.cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "ingw"
	}
	return kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        r.cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID + "-" + group,
		MinBytes:       r.cfg.Kafka.MinBytes,
		MaxBytes:       r.cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(r.cfg.Kafka.CommitInterval) * time.Millisecond,
	})
}
