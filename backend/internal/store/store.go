package store

import (
	"context"
	"time"
)

// Store is the typed DataStore contract (spec §4.2). Implementations
// must publish an event on the injected eventbus for every successful
// mutation, using the routing keys documented in spec §6.
type Store interface {
	// Builders.
	UpdateBuilderInfo(ctx context.Context, b Builder) error
	GetBuilder(ctx context.Context, id string) (Builder, error)
	ListBuilders(ctx context.Context) ([]Builder, error)
	FindProjectID(ctx context.Context, name string) (string, bool, error)

	// Buildsets / buildrequests.
	AddBuildset(ctx context.Context, bs Buildset, requests []BuildRequest) (Buildset, []BuildRequest, error)
	GetBuildRequest(ctx context.Context, id string) (BuildRequest, error)
	PendingBuildRequests(ctx context.Context, builderID string) ([]BuildRequest, error)
	ClaimBuildRequests(ctx context.Context, ids []string, masterID string) ([]BuildRequest, error)
	CompleteBuildRequests(ctx context.Context, ids []string, results Results) error

	// Builds.
	AddBuild(ctx context.Context, b Build) (Build, error)
	GetBuild(ctx context.Context, id string) (Build, error)
	SetBuildStateString(ctx context.Context, buildID, s string) error
	SetBuildProperties(ctx context.Context, buildID string, props map[string]Property) error
	AddBuildLocksDuration(ctx context.Context, buildID string, d time.Duration) error
	FinishBuild(ctx context.Context, buildID string, results Results) error

	// Steps.
	AddStep(ctx context.Context, s Step) (Step, error)
	StartStep(ctx context.Context, stepID string) error
	SetStepLocksAcquiredAt(ctx context.Context, stepID string, t time.Time) error
	FinishStep(ctx context.Context, stepID string, results Results, urls []string) error
	ListSteps(ctx context.Context, buildID string) ([]Step, error)

	// Logs: low-level chunk-row primitives that logpipeline.Pipeline
	// builds its chunking/compression contract on top of.
	AddLog(ctx context.Context, l Log) (Log, error)
	GetLog(ctx context.Context, id string) (Log, error)
	FinishLog(ctx context.Context, logID string) error
	SetLogType(ctx context.Context, logID string, t LogType) error
	SetLogNumLines(ctx context.Context, logID string, n int64) error
	AppendLogChunk(ctx context.Context, c LogChunk) error
	GetLogChunks(ctx context.Context, logID string, first, last int64) ([]LogChunk, error)
	ReplaceLogChunks(ctx context.Context, logID string, chunks []LogChunk) error
	DeleteLogChunks(ctx context.Context, logID string) error
	LogsForStepsStartedBefore(ctx context.Context, cutoff time.Time) ([]Log, error)

	// Workers.
	UpsertWorker(ctx context.Context, w Worker) error
	GetWorker(ctx context.Context, id string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
}
