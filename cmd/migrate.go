package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/infra/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
			return err
		}
		logger.New("migrate").Infof("database schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
