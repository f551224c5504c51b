package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/service/metering"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage owner subscriptions",
}

var (
	subOwner string
	subPlan  string
	subStart string
	subEnd   string
)

var subscriptionSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the owner's active subscription (defaults to the current calendar month)",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := subscriptionPeriod(time.Now().UTC(), subStart, subEnd)
		if err != nil {
			return err
		}
		return withMetering(func(svc *metering.Service) error {
			sub, err := svc.Subscribe(cmd.Context(), subOwner, subPlan, start, end)
			if err != nil {
				return err
			}
			return printJSON(sub)
		})
	},
}

var subscriptionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the owner's current usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMetering(func(svc *metering.Service) error {
			sub, err := svc.Usage(cmd.Context(), subOwner)
			if err != nil {
				return err
			}
			return printJSON(sub)
		})
	},
}

func init() {
	subscriptionCmd.PersistentFlags().StringVar(&subOwner, "owner", "", "owner id")
	_ = subscriptionCmd.MarkPersistentFlagRequired("owner")

	subscriptionSetCmd.Flags().StringVar(&subPlan, "plan", "", "plan id")
	subscriptionSetCmd.Flags().StringVar(&subStart, "start", "", "period start, RFC3339 or 2006-01-02")
	subscriptionSetCmd.Flags().StringVar(&subEnd, "end", "", "period end (exclusive), RFC3339 or 2006-01-02")
	_ = subscriptionSetCmd.MarkFlagRequired("plan")

	subscriptionCmd.AddCommand(subscriptionSetCmd, subscriptionShowCmd)
}

// subscriptionPeriod resolves the flags; empty values fall back to the
// calendar month containing now.
func subscriptionPeriod(now time.Time, start, end string) (time.Time, time.Time, error) {
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var err error
	if start != "" {
		if from, err = parseDay(start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
		}
		if end == "" {
			to = from.AddDate(0, 1, 0)
		}
	}
	if end != "" {
		if to, err = parseDay(end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
	}
	return from, to, nil
}

func parseDay(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func withMetering(fn func(*metering.Service) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dbx, err := connectMySQL(cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()

	return fn(newMetering(dbx, log))
}

func newMetering(dbx *sqlx.DB, log *zap.Logger) *metering.Service {
	return metering.New(
		dbx,
		repository.NewSubscriptionsRepository(),
		repository.NewEventsRepository(),
		repository.NewOutboxRepository(dbx),
		repository.NewPlansRepository(dbx),
		metering.WithLogger(log),
	)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
