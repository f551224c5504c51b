package cmd

import (
	"fmt"

	"github.com/jmehdipour/ingest-gateway/internal/db"
	"github.com/jmehdipour/ingest-gateway/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the MySQL schema (and optionally the ClickHouse schema)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		sqlDB, err := connectMySQL(cfg)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		n, err := db.Migrate(cmd.Context(), sqlDB, migrations.FS, migrations.MySQLDir)
		if err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		log.Info("mysql migrations applied", zap.Int("files", n))

		if !migrateClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		n, err = db.Migrate(cmd.Context(), chDB, migrations.FS, migrations.ClickHouseDir)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		log.Info("clickhouse migrations applied", zap.Int("files", n))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also apply the ClickHouse schema")
}
