// Package botmaster is the top-level coordinator (spec §4.9): it owns
// every subsystem (store, eventbus, distributor, workerregistry,
// lockarbiter, and the scheduler set) and wires their lifecycles
// together; the try-job intake paths are built by cmd/gastrolog-ci,
// not by Master. The shape mirrors
// internal/orchestrator.Orchestrator's "coordinate, don't own business
// logic" shape one layer up the stack.
package botmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"

	"gastrolog-ci/internal/buildrunner"
	"gastrolog-ci/internal/distributor"
	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/lockarbiter"
	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/logpipeline"
	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/workerregistry"
)

// ErrAlreadyRunning is returned by Start on an already-running Master.
var ErrAlreadyRunning = errors.New("botmaster already running")

// ErrNotRunning is returned by Stop on a Master that was never started.
var ErrNotRunning = errors.New("botmaster not running")

// ErrUnknownScheduler is returned by RemoveScheduler for a name that was
// never registered.
var ErrUnknownScheduler = errors.New("unknown scheduler")

// ErrDuplicateScheduler is returned by AddScheduler for a name already
// in use.
var ErrDuplicateScheduler = errors.New("duplicate scheduler name")

// periodicScheduler is satisfied by schedulerset.Periodic; declared narrowly here
// so this package need not import gocron's concrete Job type beyond what
// Start/Stop already carry.
type periodicScheduler interface {
	Start(sched gocron.Scheduler) error
	Stop() error
}

// Master coordinates every subsystem named in spec §4.9.
type Master struct {
	mu sync.RWMutex

	store   store.Store
	bus     *eventbus.Bus
	dist    *distributor.Distributor
	runner  *buildrunner.Runner
	workers *workerregistry.Registry
	locks   *lockarbiter.Arbiter

	schedulers map[string]schedulerset.Scheduler
	cron       gocron.Scheduler

	subs []eventbus.Subscription

	cancel  context.CancelFunc
	running bool

	logger *slog.Logger
}

// Config configures a Master. Store, Bus, and MasterID are required;
// Workers, Locks, and Conns may be nil for deployments without latent
// workers, lock-using builders, or a worker transport respectively.
// StepFactories maps builder name to the function that generates that
// builder's step sequence for a claimed group of buildrequests.
type Config struct {
	Store         store.Store
	Bus           *eventbus.Bus
	MasterID      string
	Workers       *workerregistry.Registry
	Locks         *lockarbiter.Arbiter
	Conns         buildrunner.ConnProvider
	Logs          *logpipeline.Pipeline
	StepFactories map[string]StepFactory
	Logger        *slog.Logger
}

// New builds a Master from cfg, wiring its own Distributor and
// buildrunner.Runner so a claimed buildrequest group flows straight
// through to execution (spec §4.7 selecting, §4.8 running).
func New(cfg Config) *Master {
	logger := logging.Default(cfg.Logger).With("component", "botmaster")

	runner := buildrunner.New(buildrunner.Config{
		Store:   cfg.Store,
		Bus:     cfg.Bus,
		Locks:   cfg.Locks,
		Workers: cfg.Workers,
		Conns:   cfg.Conns,
		Logs:    cfg.Logs,
		Logger:  cfg.Logger,
	})

	starter := &buildStarter{
		runner:    runner,
		factories: cfg.StepFactories,
		logger:    logger,
	}

	dist := distributor.New(distributor.Config{
		Store:    cfg.Store,
		Bus:      cfg.Bus,
		Workers:  cfg.Workers,
		Starter:  starter,
		MasterID: cfg.MasterID,
		Logger:   cfg.Logger,
	})

	return &Master{
		store:      cfg.Store,
		bus:        cfg.Bus,
		dist:       dist,
		runner:     runner,
		workers:    cfg.Workers,
		locks:      cfg.Locks,
		schedulers: make(map[string]schedulerset.Scheduler),
		logger:     logger,
	}
}

// Start subscribes the distributor to its eventbus triggers, starts the
// shared gocron scheduler backing every registered Periodic, and runs
// one initial build-selection pass to catch anything pending from
// before this master started (spec §4.9: a newly elected master must
// notice already-pending, unclaimed buildrequests).
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	sched, err := gocron.NewScheduler()
	if err != nil {
		cancel()
		m.running = false
		return fmt.Errorf("create scheduler: %w", err)
	}
	m.cron = sched
	sched.Start()

	for name, s := range m.schedulers {
		if p, ok := s.(periodicScheduler); ok {
			if err := p.Start(sched); err != nil {
				m.logger.Warn("failed to start periodic scheduler", "name", name, "err", err)
			}
		}
	}

	if m.dist != nil {
		m.subs = m.dist.Subscribe(runCtx)
		if err := m.dist.MaybeStartBuildsForAllBuilders(runCtx); err != nil {
			m.logger.Warn("initial build-selection pass failed", "err", err)
		}
	}

	m.logger.Info("botmaster started", "schedulers", len(m.schedulers))
	return nil
}

// Stop unsubscribes the distributor, stops every Periodic job, and
// shuts down the shared scheduler.
func (m *Master) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}

	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil

	for name, s := range m.schedulers {
		if p, ok := s.(periodicScheduler); ok {
			if err := p.Stop(); err != nil {
				m.logger.Warn("failed to stop periodic scheduler", "name", name, "err", err)
			}
		}
	}

	if m.cron != nil {
		if err := m.cron.Shutdown(); err != nil {
			m.logger.Warn("failed to shut down scheduler", "err", err)
		}
	}

	m.cancel()
	m.running = false
	m.cancel = nil
	return nil
}

// MaybeStartBuildsForAllBuilders delegates to the distributor; exposed
// here so callers driving lockarbiter releases or buildrunner
// completions (outside the eventbus, e.g. from tests) can nudge a
// selection pass without reaching into the distributor directly.
func (m *Master) MaybeStartBuildsForAllBuilders(ctx context.Context) error {
	m.mu.RLock()
	dist := m.dist
	m.mu.RUnlock()
	if dist == nil {
		return nil
	}
	return dist.MaybeStartBuildsForAllBuilders(ctx)
}
