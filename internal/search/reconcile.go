package search

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"huddle/api/internal/logger"
)

// StartReconcile re-pushes every message to the primary index on the cron
// schedule. An empty expression disables the job. The returned cancel stops it.
func (s *Service) StartReconcile(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		logger.Info("search_reconcile_disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid reindex cron expression: %s", cronExpr)
	}

	ctx, cancel := context.WithCancel(ctx)
	go s.runSchedule(ctx, cronExpr)
	logger.Info("search_reconcile_started", "cron", cronExpr)
	return cancel, nil
}

func (s *Service) runSchedule(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			logger.Error("search_reconcile_nexttick_failed", "cron", cronExpr, "error", err)
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			logger.Info("search_reconcile_stopping")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}

		started := time.Now()
		count, runErr := s.ReindexAll(ctx)
		if runErr != nil {
			logger.Error("search_reconcile_failed", "indexed", count, "error", runErr)
			continue
		}
		logger.Info("search_reconcile_done", "indexed", count, "duration_ms", time.Since(started).Milliseconds())
	}
}
