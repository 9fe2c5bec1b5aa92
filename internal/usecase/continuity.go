package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleCast/internal/domain/models"
	drepo "CandleCast/internal/domain/repository"
	"CandleCast/pkg/cache"
	applogger "CandleCast/pkg/logger"

	"github.com/go-co-op/gocron"
)

const continuityLockKey = "lock:continuity"

// ContinuityJob periodically scans the store and schedules a backfill for
// every gap, including the tail up to the last closed interval. This is the
// retry path for fills that failed earlier.
type ContinuityJob struct {
	store   drepo.CandleStore
	filler  GapFiller
	lock    cache.Service // optional, serializes replicas sharing a store
	iv      models.Interval
	every   time.Duration
	metrics drepo.Metrics
	logger  *applogger.Logger
	now     func() time.Time

	cron *gocron.Scheduler
}

func NewContinuityJob(store drepo.CandleStore, filler GapFiller, lock cache.Service, iv models.Interval, every time.Duration, metrics drepo.Metrics, logger *applogger.Logger) *ContinuityJob {
	return &ContinuityJob{
		store:   store,
		filler:  filler,
		lock:    lock,
		iv:      iv,
		every:   every,
		metrics: metrics,
		logger:  logger.With(applogger.String("component", "continuity")),
		now:     time.Now,
		cron:    gocron.NewScheduler(time.UTC),
	}
}

// RunOnce scans once and returns the number of fills scheduled.
func (j *ContinuityJob) RunOnce(ctx context.Context) (int, error) {
	if j.lock != nil {
		ok, err := j.lock.TryLock(ctx, continuityLockKey, j.every)
		if err != nil {
			j.logger.Warn("continuity lock unavailable, scanning anyway", applogger.Error(err))
		} else if !ok {
			j.logger.Debug("continuity scan held by another replica")
			return 0, nil
		} else {
			defer func() { _ = j.lock.Unlock(context.WithoutCancel(ctx), continuityLockKey) }()
		}
	}

	gaps, err := j.store.ScanContinuity(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan continuity: %w", err)
	}
	scheduled := 0
	for _, g := range gaps {
		j.metrics.RecordGap(g.Missing)
		if j.filler.Schedule(ctx, g.Prev+j.iv.Ms(), g.Next, "continuity") != "" {
			scheduled++
		}
	}

	latest, ok, err := j.store.Latest(ctx)
	if err != nil {
		return scheduled, fmt.Errorf("read latest candle: %w", err)
	}
	if ok {
		if end := j.iv.LastClosedEnd(j.now().UnixMilli()); latest+j.iv.Ms() < end {
			if j.filler.Schedule(ctx, latest+j.iv.Ms(), end, "continuity_tail") != "" {
				scheduled++
			}
		}
	}

	if len(gaps) > 0 || scheduled > 0 {
		j.logger.Info("continuity scan", applogger.Int("gaps", len(gaps)), applogger.Int("scheduled", scheduled))
	}
	return scheduled, nil
}

// Start runs the scan every interval until Stop. The first run waits one period.
func (j *ContinuityJob) Start(ctx context.Context) error {
	_, err := j.cron.Every(j.every).WaitForSchedule().SingletonMode().Do(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.metrics.RecordError("continuity")
			j.logger.Warn("continuity scan failed", applogger.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule continuity scan: %w", err)
	}
	j.cron.StartAsync()
	j.logger.Info("continuity scan scheduled", applogger.Duration("every", j.every))
	return nil
}

func (j *ContinuityJob) Stop() { j.cron.Stop() }
