package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
	reconcilesvc "github.com/omarrayhanuddin/spineai-backend/internal/services/reconcile"
)

type EventLister interface {
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]pgrepo.InboundEventRecord, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context, eventID string) (reconcilesvc.Result, error)
}

type Config struct {
	Interval time.Duration
	Batch    int
	MinAge   time.Duration
}

// Job periodically re-applies events that stayed unprocessed, typically
// because they arrived before the account existed or out of order. MinAge
// keeps the sweep away from events a concurrent webhook delivery may still
// be holding.
type Job struct {
	events   EventLister
	service  Reprocessor
	interval time.Duration
	batch    int
	minAge   time.Duration
	now      func() time.Time
	logger   *zap.Logger
	stop     context.CancelFunc
	done     chan struct{}
}

func New(events EventLister, service Reprocessor, cfg Config, logger *zap.Logger) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		events:   events,
		service:  service,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		minAge:   cfg.MinAge,
		now:      time.Now,
		logger:   logger,
	}
}

func (j *Job) Start(ctx context.Context) {
	if j.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.stop = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := j.Run(ctx); err != nil {
					j.logger.Warn("reconcile sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

func (j *Job) Stop() {
	if j.stop == nil {
		return
	}
	j.stop()
	<-j.done
	j.stop = nil
}

func (j *Job) Run(ctx context.Context) error {
	if j.events == nil || j.service == nil {
		return nil
	}

	cutoff := j.now().Add(-j.minAge)
	records, err := j.events.ListUnprocessed(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list unprocessed events: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	applied := 0
	for _, record := range records {
		result, err := j.service.Reprocess(ctx, record.ID)
		if err != nil {
			j.logger.Warn("reconcile sweep event failed",
				zap.String("event_id", record.ID),
				zap.Error(err))
			continue
		}
		if result.Outcome == reconcilesvc.OutcomeApplied {
			applied++
		}
	}

	j.logger.Info("reconcile sweep completed",
		zap.Int("scanned", len(records)),
		zap.Int("applied", applied))
	return nil
}
