package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cronrunner "adpilot/internal/cron"
	"adpilot/internal/db"
	"adpilot/internal/observability"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var flagAutoMigrate bool

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve"},
	Short:   "Run the API server and the automation scheduler",
	RunE:    run,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", true, "run database migrations on startup")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if flagAutoMigrate {
		if err := db.AutoMigrate(a.db); err != nil {
			return err
		}
	}

	baseCtx, stop := context.WithCancel(context.Background())
	defer stop()

	a.ingestor.Start(baseCtx)

	runner := cronrunner.New(logger, baseCtx)
	if cfg.Automation.Enabled {
		if err := scheduleJobs(runner, a); err != nil {
			return err
		}
		runner.Start()
	} else {
		logger.Warn("automation disabled, scheduler not started")
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      setupRouter(a),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
	}
	// 先停调度（取消退避中的重试），再排空指标队列
	if cfg.Automation.Enabled {
		runner.Stop()
	}
	a.ingestor.Stop()
	stop()

	logger.Info("server shutdown complete")
	return nil
}

// scheduleJobs 注册规则评估与指标同步任务
func scheduleJobs(runner *cronrunner.Runner, a *app) error {
	ac := a.cfg.Automation
	policy := cronrunner.RetryPolicy{Attempts: ac.JobRetries, Backoff: ac.JobRetryBackoff}

	if _, err := runner.AddWithRetry("rule-evaluation", ac.Schedule, policy, evaluationJob(a.engine, a.logger)); err != nil {
		return fmt.Errorf("schedule rule evaluation %q: %w", ac.Schedule, err)
	}
	a.logger.Infof("rule evaluation scheduled: %s", ac.Schedule)

	if ac.MetricSyncSchedule == "" {
		return nil
	}
	_, err := runner.Add(ac.MetricSyncSchedule, func(ctx context.Context) {
		day := time.Now().UTC().AddDate(0, 0, -1)
		n, err := a.ingestor.SyncDay(ctx, day)
		if err != nil {
			a.logger.Errorf("metric sync for %s failed after %d samples: %v", day.Format("2006-01-02"), n, err)
			return
		}
		a.logger.Infof("metric sync queued %d samples for %s", n, day.Format("2006-01-02"))
	})
	if err != nil {
		return fmt.Errorf("schedule metric sync %q: %w", ac.MetricSyncSchedule, err)
	}
	return nil
}

// evaluationJob 首次运行全部租户，重试时只重跑尚未执行任何动作的失败租户
func evaluationJob(engine *services.RuleEngine, logger *logrus.Logger) cronrunner.RetryJob {
	var pending []uint
	return func(ctx context.Context, attempt int) (bool, error) {
		opts := services.RunOptions{Trigger: "cron"}
		if attempt > 1 {
			opts.TenantIDs = pending
		}
		res := engine.RunAll(ctx, opts)
		logger.WithFields(logrus.Fields{
			"run_id":           res.RunID,
			"attempt":          attempt,
			"tenants":          res.Tenants,
			"evaluated":        res.Evaluated,
			"executed":         res.Executed,
			"pending_approval": res.PendingApproval,
			"failed":           res.Failed,
		}).Info("rule evaluation finished")
		if len(res.TenantErrors) == 0 {
			return false, nil
		}
		pending = res.RetryableTenants()
		return len(pending) > 0, fmt.Errorf("%d tenant(s) failed", len(res.TenantErrors))
	}
}
