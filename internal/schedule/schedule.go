// Package schedule provides the recurring-sweep primitive shared by the
// Session Supervisor's resume check, the Revocation Worker's retention
// sweep, and the Membership Synchronizer's periodic sync — each of those
// expressed in spec.md as either a cron expression or a plain interval.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Run invokes fn once per minute whenever cronExpr is due, or every
// interval if cronExpr is empty. It blocks until ctx is cancelled.
func Run(ctx context.Context, cronExpr string, interval time.Duration, fn func(ctx context.Context)) {
	if cronExpr != "" {
		runCron(ctx, cronExpr, fn)
		return
	}
	runInterval(ctx, interval, fn)
}

func runCron(ctx context.Context, cronExpr string, fn func(ctx context.Context)) {
	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		slog.Error("invalid cron expression, falling back to disabled sweep", "expr", cronExpr)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(ctx, cronExpr)
			if err != nil {
				slog.Warn("cron expression evaluation failed", "expr", cronExpr, "error", err)
				continue
			}
			if due {
				fn(ctx)
			}
		}
	}
}

func runInterval(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
