package cmd

import (
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	demoOwnerID   = "owner-demo"
	demoProjectID = "01J0000000000000000000PRJ1"
)

// fixed ids so reruns upsert instead of duplicating
var demoPlans = []model.Plan{
	{ID: "01J0000000000000000000PLN1", Name: "free", EventLimit: 10_000, AlertThresholds: model.PercentList{80, 100}},
	{ID: "01J0000000000000000000PLN2", Name: "team", EventLimit: 1_000_000, AlertThresholds: model.PercentList{50, 80, 100}},
	{ID: "01J0000000000000000000PLN3", Name: "scale", EventLimit: 50_000_000, AlertThresholds: model.PercentList{80, 90, 100}},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo project, plans, subscription and admin key",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		// 2) connect MySQL
		dbx, err := connectMySQL(cfg)
		if err != nil {
			return err
		}
		defer dbx.Close()

		ctx := cmd.Context()
		now := time.Now().UTC()
		log.Info("seeding demo data", zap.String("owner_id", demoOwnerID))

		// 3) catalog
		plans := repository.NewPlansRepository(dbx)
		for _, p := range demoPlans {
			p.CreatedAt = now
			if err := plans.Upsert(ctx, p); err != nil {
				return fmt.Errorf("upsert plan %q: %w", p.Name, err)
			}
		}
		projects := repository.NewProjectsRepository(dbx)
		if err := projects.Upsert(ctx, model.Project{
			ID: demoProjectID, OwnerID: demoOwnerID, Name: "Demo", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("upsert project: %w", err)
		}

		// 4) subscription for the current month on the free plan
		start, end, _ := subscriptionPeriod(now, "", "")
		sub, err := newMetering(dbx, log).Subscribe(ctx, demoOwnerID, demoPlans[0].ID, start, end)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		// 5) one key with every capability
		iss := newIssuer(cfg, repository.NewAPIKeysRepository(dbx), projects, log)
		token, _, err := iss.Issue(ctx, apikey.IssueRequest{
			ProjectID:    demoProjectID,
			Name:         "seed admin",
			Capabilities: model.CapabilitySet{model.CapabilityAdmin, model.CapabilityRead, model.CapabilityWrite},
		})
		if err != nil {
			return fmt.Errorf("issue key: %w", err)
		}

		fmt.Printf("project:      %s\n", demoProjectID)
		fmt.Printf("subscription: %s (%d events until %s)\n", sub.ID, sub.EventLimit, sub.PeriodEnd.Format(time.DateOnly))
		fmt.Printf("api key:      %s\n", token)
		log.Info("seed completed")
		return nil
	},
}
