// Package config describes the desired shape of a gastrolog-ci master:
// its builders, workers, schedulers, and the locks its builders require.
// It is declarative config, not live state — cmd/gastrolog-ci loads a
// Config once at startup (or again on a reload signal) and applies it
// to a running botmaster.Master via the Upsert*/Reconcile* methods that
// already diff desired state against what's live.
package config

import "context"

// Store persists and loads a Config. It is not on any build's hot path.
type Store interface {
	// Load reads the configuration. Returns a nil Config, nil error if
	// none has been saved yet.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes the desired system shape (spec §4.9 reconfiguration
// input).
type Config struct {
	MasterID       string `json:"master_id"`
	JobdirRoot     string `json:"jobdir_root"`
	TryTokenSecret string `json:"try_token_secret"` // base64
	TryHTTPAddr    string `json:"try_http_addr"`

	Builders   []BuilderConfig   `json:"builders"`
	Workers    []WorkerConfig    `json:"workers"`
	Schedulers []SchedulerConfig `json:"schedulers"`
}

// BuilderConfig describes one builder to instantiate.
type BuilderConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	WorkerNames []string          `json:"worker_names"`
	Commands    []string          `json:"commands"`
	Env         map[string]string `json:"env"`
	Locks       []LockConfig      `json:"locks"`
}

// WorkerConfig describes one worker to register.
type WorkerConfig struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Latent bool   `json:"latent"`
}

// SchedulerConfig describes one scheduler to instantiate. Kind selects
// the schedulerset variant: "single-branch", "any-branch", "periodic",
// or "force-try".
type SchedulerConfig struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Codebase   string   `json:"codebase"`
	Branch     string   `json:"branch"`
	Project    string   `json:"project"`
	Cron       string   `json:"cron"`
	BuilderIDs []string `json:"builder_ids"`
	Allowed    []string `json:"allowed"`
}

// LockConfig describes one lock a builder's steps must acquire, in
// acquisition order, before a build of that builder starts.
type LockConfig struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"` // "master" or "worker"
	MaxCount int    `json:"max_count"`
	Mode     string `json:"mode"` // "exclusive" or "counting"
}
