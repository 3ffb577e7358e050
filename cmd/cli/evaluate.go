package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"adpilot/internal/observability"
	"adpilot/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagEvalTenant uint
	flagEvalDryRun bool
	flagEvalForce  bool
)

// evaluateCmd 手动运行一次规则评估，结果以 JSON 输出
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one rule evaluation pass and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logrus.StandardLogger()
		if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := services.RunOptions{DryRun: flagEvalDryRun, Force: flagEvalForce, Trigger: "cli"}
		var res *services.RunResult
		if flagEvalTenant > 0 {
			res, err = a.engine.RunTenant(ctx, flagEvalTenant, opts)
			if res == nil {
				return err
			}
		} else {
			res = a.engine.RunAll(ctx, opts)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		if len(res.TenantErrors) > 0 {
			return fmt.Errorf("%d tenant(s) failed", len(res.TenantErrors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().UintVar(&flagEvalTenant, "tenant", 0, "evaluate a single tenant (default: all automation-enabled tenants)")
	evaluateCmd.Flags().BoolVar(&flagEvalDryRun, "dry-run", false, "evaluate without executing actions or writing records")
	evaluateCmd.Flags().BoolVar(&flagEvalForce, "force", false, "ignore rule frequency")
}
