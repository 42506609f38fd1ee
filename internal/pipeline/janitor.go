package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/arena/internal/domain"
	"github.com/jkaninda/arena/internal/ratelimit"
	"github.com/jkaninda/arena/internal/storage"
)

// defaultJanitorSchedule runs maintenance once a minute.
const defaultJanitorSchedule = "* * * * *"

const staleSubmissionMessage = "evaluation did not complete before the staleness deadline"

// Janitor reaps submissions stuck in processing (a worker crashed or
// the process was killed mid-evaluation) and prunes expired rate
// limiter history. Stale rows are failed, never re-run: the payload
// only ever lived in the in-process queue.
type Janitor struct {
	store      storage.Store
	limiter    *ratelimit.Limiter
	schedule   cron.Schedule
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewJanitor parses the cron schedule (standard five-field syntax) and
// builds a janitor. An empty schedule means every minute.
func NewJanitor(store storage.Store, limiter *ratelimit.Limiter, schedule string, staleAfter time.Duration, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = defaultJanitorSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		store:      store,
		limiter:    limiter,
		schedule:   sched,
		staleAfter: staleAfter,
		logger:     logger,
	}, nil
}

// Start begins the maintenance loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "janitor started",
			slog.String("stale_after", j.staleAfter.String()),
		)

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				j.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one maintenance cycle.
func (j *Janitor) tick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.staleAfter)

	reaped, err := j.store.Submissions().FailStale(ctx, cutoff, domain.CodeInternal, staleSubmissionMessage)
	if err != nil {
		j.logger.ErrorContext(ctx, "failed to reap stale submissions",
			slog.String("error", err.Error()),
		)
	} else if reaped > 0 {
		j.logger.WarnContext(ctx, "reaped stale submissions",
			slog.Int64("count", reaped),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}

	if j.limiter != nil {
		if pruned := j.limiter.Prune(); pruned > 0 {
			j.logger.DebugContext(ctx, "pruned rate limiter history",
				slog.Int("entries", pruned),
			)
		}
	}
}
