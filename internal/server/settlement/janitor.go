package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/events"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// ReasonExpired is stored on PENDING intents the janitor retires.
const ReasonExpired = "expired"

// Report summarizes one janitor pass.
type Report struct {
	Expired int
	Stuck   int
}

// Janitor retires long-expired PENDING intents and reports PROCESSING
// intents that have not settled in time. It never resolves a stuck intent.
type Janitor struct {
	deps       Deps
	interval   time.Duration
	grace      time.Duration
	stuckAfter time.Duration
	batchSize  int
}

func NewJanitor(deps Deps, cfg config.SettlementConfig) *Janitor {
	deps.setDefaults()

	j := &Janitor{
		deps:       deps,
		interval:   cfg.JanitorInterval,
		grace:      cfg.ExpiredGrace,
		stuckAfter: cfg.StuckAfter,
		batchSize:  cfg.BatchSize,
	}
	if j.interval <= 0 {
		j.interval = time.Minute
	}
	if j.batchSize <= 0 {
		j.batchSize = 16
	}
	return j
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.deps.Logger.Warn(ctx, "janitor pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var r Report

	expired, err := j.sweepExpired(ctx)
	r.Expired = expired
	if err != nil {
		return r, err
	}

	stuck, err := j.reportStuck(ctx)
	r.Stuck = stuck
	return r, err
}

func (j *Janitor) sweepExpired(ctx context.Context) (int, error) {
	now := j.deps.Clock.Now()

	recs, err := j.deps.Repo.ListStale(ctx, models.StatusPending, now.Add(-j.grace), j.batchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		next := rec.Clone()
		next.Status = models.StatusFailed
		next.FailureReason = ReasonExpired
		next.UpdatedAt = now

		err := j.deps.Repo.Save(ctx, next, models.StatusPending)
		if errors.Is(err, common.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++

		ev := events.FromRecord(events.TypeFailed, next, now)
		if err := j.deps.Events.Publish(ctx, ev); err != nil {
			j.deps.Metrics.RecordEventPublishError()
		}
	}

	if n > 0 {
		j.deps.Metrics.RecordExpiredSwept(n)
		j.deps.Logger.Info(ctx, "expired intents retired", "count", n)
	}
	return n, nil
}

func (j *Janitor) reportStuck(ctx context.Context) (int, error) {
	if j.stuckAfter <= 0 {
		return 0, nil
	}
	now := j.deps.Clock.Now()

	recs, err := j.deps.Repo.ListStale(ctx, models.StatusProcessing, now.Add(-j.stuckAfter), j.batchSize)
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		j.deps.Logger.Error(ctx, "intent stuck in processing",
			"intent_id", rec.ID,
			"principal_id", rec.PrincipalID,
			"processing_since", rec.UpdatedAt,
		)
	}
	j.deps.Metrics.SetStuckProcessing(len(recs))
	return len(recs), nil
}
