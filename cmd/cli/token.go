package cli

import (
	"fmt"
	"strings"
	"time"

	"adpilot/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagTenantID uint
	flagUserID   uint
	flagRoles    string
	flagTTLMin   int
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		if flagTenantID == 0 {
			return fmt.Errorf("--tenant-id is required")
		}
		var roles []string
		for _, p := range strings.Split(flagRoles, ",") {
			if s := strings.TrimSpace(p); s != "" {
				roles = append(roles, s)
			}
		}
		tok, err := middleware.SignToken(cfg.JWT, flagTenantID, flagUserID, roles, time.Duration(flagTTLMin)*time.Minute)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().UintVar(&flagTenantID, "tenant-id", 0, "tenant the token is scoped to")
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 1, "numeric user id to embed in token")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "admin", "comma-separated roles (admin,approver,viewer)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
}
