package schedulerset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gastrolog-ci/internal/store"
)

// Periodic fires a buildset on a cron schedule, adapted from the
// gocron-backed cron-job wrapper used elsewhere in this codebase for
// rotation/retention jobs — renamed here from a housekeeping job to a
// periodic buildset trigger.
type Periodic struct {
	NameStr      string
	Cron         string // e.g. "0 */6 * * *"
	CodebaseStamps []store.SourceStamp
	BuilderIDs   []string
	Store        SourceStampAdder
	Logger       *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
}

var _ Scheduler = (*Periodic)(nil)

func (s *Periodic) Name() string { return s.NameStr }

func (s *Periodic) Classify(ch store.Change) bool { return false }

// Start registers this scheduler's cron job against sched, which is
// shared across every Periodic variant in the set.
func (s *Periodic) Start(sched gocron.Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = sched

	j, err := sched.NewJob(
		gocron.CronJob(s.Cron, true),
		gocron.NewTask(func() {
			if err := s.fire(context.Background()); err != nil {
				newLogger(s.Logger, s.NameStr).Error("periodic buildset submission failed", "err", err)
			}
		}),
		gocron.WithName(s.NameStr),
	)
	if err != nil {
		return fmt.Errorf("register periodic scheduler %s: %w", s.NameStr, err)
	}
	s.job = j
	return nil
}

// Stop removes this scheduler's job from its shared gocron.Scheduler.
func (s *Periodic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil || s.job == nil {
		return nil
	}
	return s.scheduler.RemoveJob(s.job.ID())
}

func (s *Periodic) fire(ctx context.Context) error {
	_, _, err := AddBuildsetForSourceStamps(ctx, s.Store, s.CodebaseStamps, s.BuilderIDs, "scheduler", nil, nil)
	return err
}

// OnTick satisfies Scheduler by firing the periodic buildset once,
// the same fire path the gocron job drives; it lets tests drive firing
// directly without gocron.
func (s *Periodic) OnTick(ctx context.Context, now time.Time) error {
	return s.fire(ctx)
}
