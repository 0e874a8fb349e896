package botmaster

import (
	"context"

	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
)

// changeScheduler is implemented by schedulerset variants that react to
// a landed Change (SingleBranch, AnyBranch); Periodic and ForceTry do
// not, since they fire on a timer or an explicit submission instead.
type changeScheduler interface {
	OnChange(ctx context.Context, ch store.Change) (store.Buildset, error)
}

// SubmitChange is the entry point a change source (a VCS poller or push
// hook receiver, outside this module's scope) calls once per landed
// Change. It runs ch past every registered scheduler that reacts to
// changes, logging but not aborting on an individual scheduler's error
// so one misconfigured scheduler can't block the others from firing.
func (m *Master) SubmitChange(ctx context.Context, ch store.Change) error {
	m.mu.RLock()
	schedulers := make([]schedulerset.Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		schedulers = append(schedulers, s)
	}
	m.mu.RUnlock()

	for _, s := range schedulers {
		cs, ok := s.(changeScheduler)
		if !ok {
			continue
		}
		if _, err := cs.OnChange(ctx, ch); err != nil {
			m.logger.Warn("scheduler failed to react to change", "scheduler", s.Name(), "err", err)
		}
	}
	return nil
}
