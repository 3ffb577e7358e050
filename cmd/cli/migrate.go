package cli

import (
	"fmt"

	"adpilot/internal/db"
	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagSeed       bool
	flagSeedTenant string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		gdb, err := db.Open(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close(gdb) }()

		if err := db.AutoMigrate(gdb); err != nil {
			return err
		}
		logrus.Info("database migration complete")

		if !flagSeed {
			return nil
		}
		var count int64
		if err := gdb.Model(&models.Tenant{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count tenants: %w", err)
		}
		if count > 0 {
			logrus.Infof("seed skipped: %d tenant(s) already exist", count)
			return nil
		}
		tenant := &models.Tenant{Name: flagSeedTenant, Timezone: "UTC", AutomationEnabled: models.Bool(true)}
		if err := gdb.Create(tenant).Error; err != nil {
			return fmt.Errorf("seed tenant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded tenant %q with id %d\n", tenant.Name, tenant.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&flagSeed, "seed", false, "create a demo tenant when the database is empty")
	migrateCmd.Flags().StringVar(&flagSeedTenant, "tenant-name", "demo", "name of the seeded tenant")
}
