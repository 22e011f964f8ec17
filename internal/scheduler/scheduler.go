// Package scheduler drives the out-of-band loops: the daily reconciliation
// run and the periodic sweep that retries unreported usage.
package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/billingsync/internal/reconcile"
	"github.com/smallbiznis/billingsync/internal/usagereport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Engine   *reconcile.Engine
	Reporter *usagereport.Service
	Config   Config `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	engine   *reconcile.Engine
	reporter *usagereport.Service
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:      p.Log.Named("scheduler"),
		cfg:      p.Config.withDefaults(),
		engine:   p.Engine,
		reporter: p.Reporter,
	}
}

// RunForever blocks until ctx is cancelled, firing each loop on its own
// interval. Failures are logged and the loop keeps going; both jobs are
// idempotent and pick up where the failed run left off.
func (s *Scheduler) RunForever(ctx context.Context) {
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			s.RunReconciliation(ctx)
		case <-sweepTicker.C:
			s.RunSweep(ctx)
		}
	}
}

// RunReconciliation executes one reconciliation run with a timeout.
func (s *Scheduler) RunReconciliation(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.ReconcileTimeout)
	defer cancel()

	report, err := s.engine.Run(ctx)
	if err != nil {
		s.log.Error("reconciliation run failed", zap.Error(err))
		return
	}
	s.log.Info("reconciliation run finished",
		zap.Int("issues", len(report.Issues)),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
}

// RunSweep retries metering for usage that failed to report inline.
func (s *Scheduler) RunSweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SweepTimeout)
	defer cancel()

	reported, err := s.reporter.SweepUnreported(ctx, s.cfg.SweepOlderThan, s.cfg.SweepBatchSize)
	if err != nil {
		s.log.Error("usage sweep failed", zap.Error(err))
		return
	}
	if reported > 0 {
		s.log.Info("usage sweep reported pending calls", zap.Int("reported", reported))
	}
}
