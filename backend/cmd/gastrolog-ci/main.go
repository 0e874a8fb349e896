// Command gastrolog-ci runs the orchestration core as a single master
// process: an in-memory store, the worker registry and lock arbiter,
// the configured builders/workers/schedulers, a jobdir-based try-job
// watcher, and the botmaster coordinator tying them together.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gastrolog-ci/internal/auth"
	"gastrolog-ci/internal/botmaster"
	"gastrolog-ci/internal/buildsteps"
	"gastrolog-ci/internal/config"
	cfgfile "gastrolog-ci/internal/config/file"
	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/lockarbiter"
	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/logpipeline"
	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/store/memory"
	"gastrolog-ci/internal/tryjob"
	"gastrolog-ci/internal/workerregistry"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "gastrolog-ci",
		Short: "Continuous integration orchestration core",
	}

	masterCmd := &cobra.Command{
		Use:   "master",
		Short: "Run the master process",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runMaster(ctx, logger, configPath)
		},
	}
	masterCmd.Flags().String("config", "", "path to a JSON builder/worker/scheduler config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "issue-try-token",
		Short: "Issue a JWT authorizing try-job submissions for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			secretB64, _ := cmd.Flags().GetString("secret")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret, err := base64.StdEncoding.DecodeString(secretB64)
			if err != nil {
				return fmt.Errorf("decode secret: %w", err)
			}
			tokens := auth.NewTokenService(secret, ttl)
			token, expiry, err := tryjob.IssueTryToken(tokens, user, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Printf("%s\nexpires: %s\n", token, expiry.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().String("user", "", "username the token authorizes")
	tokenCmd.Flags().String("secret", "", "base64-encoded signing secret")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("secret")

	rootCmd.AddCommand(masterCmd, versionCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads static builder/worker/scheduler definitions from a
// JSON file via internal/config's file.Store, returning a zero Config
// when no path is given. Hot reconfiguration (spec §4.9) is exposed
// through botmaster.Master's Upsert*/Reconcile* methods instead of a
// runtime-mutable store other components subscribe to: runMaster
// re-reads this same file and re-applies it on SIGHUP.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	cfg, err := cfgfile.NewStore(path).Load(context.Background())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return config.Config{}, nil
	}
	return *cfg, nil
}

func runMaster(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.MasterID == "" {
		cfg.MasterID = "master-a"
	}

	bus := eventbus.New(logger)
	st := memory.New(bus, nil)
	locks := lockarbiter.New()
	workers := workerregistry.New(workerregistry.Config{
		Store:         st,
		Bus:           bus,
		Substantiator: devSubstantiator{log: logging.Default(logger).With("component", "substantiator")},
		Logger:        logger,
	})

	logs := logpipeline.New(logpipeline.Config{Store: st, Logger: logger})

	stepFactories := make(map[string]botmaster.StepFactory, len(cfg.Builders))
	for _, b := range cfg.Builders {
		if err := upsertBuilder(ctx, st, b); err != nil {
			return err
		}
		if len(b.Commands) > 0 {
			stepFactories[b.Name] = buildsteps.StaticShellFactory(b.Commands...)
		}
	}

	master := botmaster.New(botmaster.Config{
		Store:         st,
		Bus:           bus,
		MasterID:      cfg.MasterID,
		Workers:       workers,
		Locks:         locks,
		Logs:          logs,
		StepFactories: stepFactories,
		Logger:        logger,
	})

	for _, w := range cfg.Workers {
		if err := master.UpsertWorker(ctx, store.Worker{
			ID:     w.ID,
			Name:   w.Name,
			Latent: w.Latent,
			State:  store.WorkerAbsent,
		}); err != nil {
			return fmt.Errorf("upsert worker %s: %w", w.Name, err)
		}
	}

	schedulers, forceTry, err := buildSchedulers(cfg.Schedulers, st)
	if err != nil {
		return err
	}
	for _, s := range schedulers {
		if err := master.AddScheduler(s); err != nil {
			return fmt.Errorf("add scheduler %s: %w", s.Name(), err)
		}
	}

	if configPath != "" {
		go reloadOnSighup(ctx, logger, configPath, st, master)
	}

	if err := master.Start(ctx); err != nil {
		return fmt.Errorf("start master: %w", err)
	}
	defer func() {
		if err := master.Stop(); err != nil {
			logger.Warn("master stop error", "err", err)
		}
	}()

	if forceTry != nil && cfg.JobdirRoot != "" {
		watcher := &tryjob.JobdirWatcher{
			Root:      cfg.JobdirRoot,
			Version:   5,
			Store:     st,
			Scheduler: forceTry,
			Logger:    logger,
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("jobdir watcher stopped", "err", err)
			}
		}()
	}

	if forceTry != nil && cfg.TryTokenSecret != "" && cfg.TryHTTPAddr != "" {
		secret, err := base64.StdEncoding.DecodeString(cfg.TryTokenSecret)
		if err != nil {
			return fmt.Errorf("decode try_token_secret: %w", err)
		}
		svc := &tryjob.Service{
			Tokens:    auth.NewTokenService(secret, 24*time.Hour),
			Store:     st,
			Scheduler: forceTry,
			Logger:    logger,
		}
		httpSrv := tryjob.NewHTTPServer(cfg.TryHTTPAddr, svc, logger)
		go func() {
			if err := httpSrv.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("try-job http server stopped", "err", err)
			}
		}()
	}

	logger.Info("gastrolog-ci master running", "master_id", cfg.MasterID)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func upsertBuilder(ctx context.Context, st store.Store, b config.BuilderConfig) error {
	builder := store.Builder{
		ID:          b.ID,
		Name:        b.Name,
		WorkerNames: b.WorkerNames,
		Env:         b.Env,
		Locks:       buildLockRequirements(b.Locks),
	}
	if err := st.UpdateBuilderInfo(ctx, builder); err != nil {
		return fmt.Errorf("upsert builder %s: %w", b.Name, err)
	}
	return nil
}

// buildLockRequirements converts config.LockConfig entries (acquisition
// order preserved) into store.LockRequirement.
func buildLockRequirements(locks []config.LockConfig) []store.LockRequirement {
	if len(locks) == 0 {
		return nil
	}
	out := make([]store.LockRequirement, len(locks))
	for i, l := range locks {
		scope := store.LockScopeMaster
		if l.Scope == "worker" {
			scope = store.LockScopeWorker
		}
		mode := store.AccessExclusive
		if l.Mode == "counting" {
			mode = store.AccessCounting
		}
		out[i] = store.LockRequirement{
			Lock:   store.LockID{Scope: scope, Name: l.Name, MaxCount: l.MaxCount},
			Access: store.Access{Mode: mode},
		}
	}
	return out
}

// buildSchedulers constructs a schedulerset.Scheduler per entry in scs,
// also returning the *schedulerset.ForceTry instance (if any) so the
// jobdir watcher and try-job HTTP server can be wired to it.
func buildSchedulers(scs []config.SchedulerConfig, st store.Store) ([]schedulerset.Scheduler, *schedulerset.ForceTry, error) {
	out := make([]schedulerset.Scheduler, 0, len(scs))
	var forceTry *schedulerset.ForceTry
	for _, sc := range scs {
		s, err := buildScheduler(sc, st)
		if err != nil {
			return nil, nil, fmt.Errorf("build scheduler %s: %w", sc.Name, err)
		}
		if ft, ok := s.(*schedulerset.ForceTry); ok {
			forceTry = ft
		}
		out = append(out, s)
	}
	return out, forceTry, nil
}

func buildScheduler(sc config.SchedulerConfig, st store.Store) (schedulerset.Scheduler, error) {
	switch sc.Kind {
	case "single-branch":
		return &schedulerset.SingleBranch{
			NameStr:    sc.Name,
			Codebase:   sc.Codebase,
			Branch:     sc.Branch,
			Project:    sc.Project,
			BuilderIDs: sc.BuilderIDs,
			Store:      st,
		}, nil
	case "any-branch":
		return &schedulerset.AnyBranch{
			NameStr:    sc.Name,
			Codebase:   sc.Codebase,
			BuilderIDs: sc.BuilderIDs,
			Store:      st,
		}, nil
	case "periodic":
		return &schedulerset.Periodic{
			NameStr:    sc.Name,
			Cron:       sc.Cron,
			BuilderIDs: sc.BuilderIDs,
			Store:      st,
		}, nil
	case "force-try":
		return &schedulerset.ForceTry{NameStr: sc.Name, Allowed: sc.Allowed, Store: st}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", sc.Kind)
	}
}

// reloadOnSighup re-reads configPath and re-applies it to master on
// every SIGHUP, mirroring orchestrator/reconfig*.go's diff-then-mutate
// reload path: builders and workers are re-upserted (store.Store has no
// delete for either, so removing one from the file just stops it being
// re-upserted, it is never purged), and the scheduler set is reconciled
// to match exactly. A builder newly added by a reload gets its store
// row (with its lock requirements) but no StepFactory entry, so its
// builds run with no steps until a restart: the running
// botmaster.Master reads its StepFactories map without synchronization,
// so mutating it concurrently with a live buildStarter lookup would be
// a data race.
func reloadOnSighup(ctx context.Context, logger *slog.Logger, configPath string, st store.Store, master *botmaster.Master) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			logger.Info("reloading config", "path", configPath)
			cfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("config reload failed", "err", err)
				continue
			}

			for _, b := range cfg.Builders {
				if err := upsertBuilder(ctx, st, b); err != nil {
					logger.Error("reload: upsert builder failed", "name", b.Name, "err", err)
				}
			}
			for _, w := range cfg.Workers {
				if err := master.UpsertWorker(ctx, store.Worker{ID: w.ID, Name: w.Name, Latent: w.Latent, State: store.WorkerAbsent}); err != nil {
					logger.Error("reload: upsert worker failed", "name", w.Name, "err", err)
				}
			}
			schedulers, _, err := buildSchedulers(cfg.Schedulers, st)
			if err != nil {
				logger.Error("reload: build schedulers failed", "err", err)
				continue
			}
			if err := master.ReconcileSchedulers(schedulers); err != nil {
				logger.Error("reload: reconcile schedulers failed", "err", err)
			}
			logger.Info("config reloaded", "builders", len(cfg.Builders), "workers", len(cfg.Workers), "schedulers", len(cfg.Schedulers))
		}
	}
}

// devSubstantiator is a stand-in Substantiator for local runs: it
// accepts and pings every latent worker immediately. A deployment
// targeting a real cloud/VM provider replaces this with one that
// actually provisions the worker.
type devSubstantiator struct {
	log *slog.Logger
}

func (d devSubstantiator) Substantiate(ctx context.Context, w store.Worker) error {
	d.log.Info("substantiating worker (dev stand-in)", "worker", w.Name)
	return nil
}

func (d devSubstantiator) Ping(ctx context.Context, w store.Worker) error {
	return nil
}
