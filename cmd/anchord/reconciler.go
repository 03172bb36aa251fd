package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// reconcileRunTimeout bounds one scheduled reconcile pass.
const reconcileRunTimeout = 4 * time.Minute

type reconciler interface {
	Reconcile(ctx context.Context) (*anchoring.ReconcileReport, error)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startReconciler runs svc.Reconcile on spec (cron syntax with a seconds
// field). Overlapping runs are skipped; a panic in one run is recovered.
func startReconciler(ctx context.Context, spec string, svc reconciler, logger *zap.Logger) (*cron.Cron, error) {
	cl := cronLogger{s: logger.Named("reconciler").Sugar()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, reconcileRunTimeout)
		defer cancel()

		rep, err := svc.Reconcile(rctx)
		if err != nil {
			logger.Warn("scheduled reconcile failed", zap.Error(err))
			return
		}
		if rep.Confirmed+rep.Reverted+rep.Redriven+rep.Errors > 0 {
			logger.Info("scheduled reconcile",
				zap.Int("confirmed", rep.Confirmed),
				zap.Int("reverted", rep.Reverted),
				zap.Int("redriven", rep.Redriven),
				zap.Int("still_unknown", rep.StillUnknown),
				zap.Int("errors", rep.Errors),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("reconciler scheduled", zap.String("spec", spec))
	return c, nil
}
