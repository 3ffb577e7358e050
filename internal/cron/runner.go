package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runner wraps robfig/cron with a base context and job-level retries.
type Runner struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	sleep   func(ctx context.Context, d time.Duration) bool
}

// RetryPolicy 作业级重试：Attempts 包含首次执行
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func New(logger *logrus.Logger, baseCtx context.Context) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	// 作业使用 Runner 自己的上下文，Stop 时先取消再等待
	baseCtx, cancel := context.WithCancel(baseCtx)
	return &Runner{
		// 同一作业未结束时跳过下一次触发
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
		sleep:   sleepCtx,
	}
}

func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// RetryJob receives the 1-based attempt number of the current trigger.
type RetryJob func(ctx context.Context, attempt int) (retryable bool, err error)

// AddWithRetry registers a job that is re-run while it reports retryable=true.
func (r *Runner) AddWithRetry(name, spec string, policy RetryPolicy, job RetryJob) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		r.RunWithRetry(r.baseCtx, name, policy, job)
	})
}

// RunWithRetry 执行一次作业，按策略对可重试错误重试
func (r *Runner) RunWithRetry(ctx context.Context, name string, policy RetryPolicy, job RetryJob) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retryable, err := job(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		entry := r.logger.WithFields(logrus.Fields{"job": name, "attempt": attempt})
		if !retryable || attempt == attempts {
			entry.Errorf("cron job failed: %v", err)
			return err
		}
		entry.Warnf("cron job failed, retrying in %s: %v", policy.Backoff, err)
		if !r.sleep(ctx, policy.Backoff) {
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop cancels running jobs, including ones waiting in retry backoff, and waits for them.
func (r *Runner) Stop() {
	r.cancel()
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
