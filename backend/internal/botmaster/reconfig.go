package botmaster

import (
	"context"
	"fmt"

	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
)

// UpsertBuilder adds or updates a builder's configuration. store.Store
// has no delete for builders (spec's persisted-entity model treats a
// builder as a stable identity, not a row that disappears mid-history),
// so there is no matching RemoveBuilder: retiring a builder means
// excluding it from future schedulers, not erasing its past builds.
func (m *Master) UpsertBuilder(ctx context.Context, b store.Builder) error {
	if err := m.store.UpdateBuilderInfo(ctx, b); err != nil {
		return fmt.Errorf("upsert builder %s: %w", b.Name, err)
	}
	m.logger.Info("builder configured", "name", b.Name)
	return nil
}

// UpsertWorker adds or updates a worker's registration. Same rationale
// as UpsertBuilder: store.Store only upserts workers.
func (m *Master) UpsertWorker(ctx context.Context, w store.Worker) error {
	if err := m.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.Name, err)
	}
	m.logger.Info("worker configured", "name", w.Name, "latent", w.Latent)
	return nil
}

// AddScheduler registers a new named scheduler. If the Master is
// already running and s is a Periodic, its gocron job starts
// immediately against the shared scheduler.
func (m *Master) AddScheduler(s schedulerset.Scheduler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := s.Name()
	if _, exists := m.schedulers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateScheduler, name)
	}
	m.schedulers[name] = s

	if m.running {
		if p, ok := s.(periodicScheduler); ok {
			if err := p.Start(m.cron); err != nil {
				return fmt.Errorf("start periodic scheduler %s: %w", name, err)
			}
		}
	}

	m.logger.Info("scheduler added", "name", name)
	return nil
}

// RemoveScheduler stops (if Periodic) and unregisters a named scheduler.
func (m *Master) RemoveScheduler(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.schedulers[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownScheduler, name)
	}

	if p, ok := s.(periodicScheduler); ok {
		if err := p.Stop(); err != nil {
			m.logger.Warn("failed to stop scheduler on removal", "name", name, "err", err)
		}
	}
	delete(m.schedulers, name)

	m.logger.Info("scheduler removed", "name", name)
	return nil
}

// Schedulers returns the currently registered scheduler names, for
// reconfiguration diffs and tests.
func (m *Master) Schedulers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.schedulers))
	for name := range m.schedulers {
		names = append(names, name)
	}
	return names
}

// ReconcileSchedulers replaces the registered scheduler set with wanted,
// adding new ones, leaving unchanged ones alone by name, and removing
// any not present in wanted (spec §4.9's hot-reconfiguration
// requirement), mirroring reconfig_stores.go's diff-then-mutate shape.
func (m *Master) ReconcileSchedulers(wanted []schedulerset.Scheduler) error {
	byName := make(map[string]schedulerset.Scheduler, len(wanted))
	for _, s := range wanted {
		byName[s.Name()] = s
	}

	for _, existing := range m.Schedulers() {
		if _, keep := byName[existing]; !keep {
			if err := m.RemoveScheduler(existing); err != nil {
				return err
			}
		}
	}

	for name, s := range byName {
		m.mu.RLock()
		_, exists := m.schedulers[name]
		m.mu.RUnlock()
		if exists {
			continue
		}
		if err := m.AddScheduler(s); err != nil {
			return err
		}
	}

	return nil
}
