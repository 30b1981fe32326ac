package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type payloadTrimmer interface {
	TrimProcessedPayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job drops raw webhook bodies from processed events after the retention
// window. The event rows themselves stay forever so replayed deliveries keep
// deduping against them.
type Job struct {
	events    payloadTrimmer
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	stop      context.CancelFunc
	done      chan struct{}
}

func New(events payloadTrimmer, retention time.Duration, logger *zap.Logger) *Job {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		events:    events,
		retention: retention,
		interval:  24 * time.Hour,
		now:       time.Now,
		logger:    logger,
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
					j.logger.Warn("event payload cleanup failed", zap.Error(err))
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
	if j.events == nil {
		return nil
	}

	cutoff := j.now().Add(-j.retention)
	trimmed, err := j.events.TrimProcessedPayloadsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("trim processed event payloads: %w", err)
	}
	if trimmed > 0 {
		j.logger.Info("trimmed processed event payloads", zap.Int64("trimmed", trimmed))
	}

	return nil
}
