// Package store defines the typed DataStore contract: CRUD and query
// operations over builders, builds, steps, buildsets, buildrequests,
// logs, and workers. DataStore is the single source of truth; every
// other component holds only derived, in-memory mirrors and must route
// mutations through here. Every successful mutation publishes a
// corresponding event on the eventbus (see store/memory for the
// reference implementation).
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors the core distinguishes (spec §7).
var (
	ErrLogSlugExists      = errors.New("log slug already exists for this step")
	ErrNotFound           = errors.New("entity not found")
	ErrBuildRequestClaimed = errors.New("buildrequest already claimed")
	ErrLockInvariant      = errors.New("lock invariant violated")
)

// Results is a build/step outcome. Ordering matters for worst_status:
// RETRY > CANCELLED > EXCEPTION > FAILURE > WARNINGS > SUCCESS ~ SKIPPED.
type Results int

const (
	ResultsSuccess Results = iota
	ResultsWarnings
	ResultsFailure
	ResultsSkipped
	ResultsException
	ResultsRetry
	ResultsCancelled
	ResultsUnset // no result yet; not a terminal state
)

func (r Results) String() string {
	switch r {
	case ResultsSuccess:
		return "SUCCESS"
	case ResultsWarnings:
		return "WARNINGS"
	case ResultsFailure:
		return "FAILURE"
	case ResultsSkipped:
		return "SKIPPED"
	case ResultsException:
		return "EXCEPTION"
	case ResultsRetry:
		return "RETRY"
	case ResultsCancelled:
		return "CANCELLED"
	default:
		return "UNSET"
	}
}

// rank gives worst_status its total order. Higher ranks dominate, except
// SKIPPED which behaves like SUCCESS (lowest severity).
func (r Results) rank() int {
	switch r {
	case ResultsRetry:
		return 6
	case ResultsCancelled:
		return 5
	case ResultsException:
		return 4
	case ResultsFailure:
		return 3
	case ResultsWarnings:
		return 2
	case ResultsSuccess, ResultsSkipped:
		return 1
	default:
		return 0
	}
}

// WorstStatus implements spec §4.8's aggregation order: RETRY always
// dominates; otherwise the higher-severity result wins.
func WorstStatus(a, b Results) Results {
	if a == ResultsUnset {
		return b
	}
	if b == ResultsUnset {
		return a
	}
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// SourceStamp is an immutable pinned snapshot specification for one codebase.
type SourceStamp struct {
	Codebase   string
	Repository string
	Branch     string
	Revision   string
	Project    string
	Patch      *Patch
}

// Patch is an optional patch body carried by a try-job source stamp.
type Patch struct {
	Level int
	Body  string
}

// Change is a single source-control change bound to a SourceStamp.
type Change struct {
	ID              string
	Who             string
	When            time.Time
	Files           []string
	Comments        string
	Properties      map[string]Property
	ParentChangeIDs []string
	SourceStamp     SourceStamp
}

// Property is a build/buildset property value tagged with its source,
// per spec §4.8's "later overwrites earlier, across named sources" model.
type Property struct {
	Value  any
	Source string
}

// Buildset is a logical submission that spawns one or more BuildRequests.
type Buildset struct {
	ID             string
	Reason         string
	SourceStamps   []SourceStamp
	Properties     map[string]Property
	ParentBuildID  *string
	SubmittedAt    time.Time
}

// Claim records which master claimed a BuildRequest and when.
type Claim struct {
	MasterID  string
	ClaimedAt time.Time
}

// BuildRequest is a pending (or claimed/complete) unit of work.
type BuildRequest struct {
	ID           string
	BuildsetID   string
	BuilderID    string
	Priority     int
	SubmittedAt  time.Time
	WaitedFor    *string // parent buildrequest ID, if any
	Properties   map[string]Property
	Sources      map[string]SourceStamp // codebase -> sourcestamp
	Claim        *Claim
	Complete     bool
	Results      Results
	Owner        string // spec §4.8: buildrequest "owner" property contributes to the build's owners set
}

// Builder is a stateless-across-restarts configuration node.
type Builder struct {
	ID          string
	Name        string
	WorkerNames []string
	Locks       []LockRequirement
	Project     string
	Tags        []string
	Env         map[string]string
	// DoBuildIf, when non-nil, is consulted by the distributor before
	// starting a build for this builder; nil means "always build".
	DoBuildIf func(BuildRequest) bool
}

// LockRequirement pairs a LockID with the Access mode a builder's steps
// need to acquire it in, in acquisition order.
type LockRequirement struct {
	Lock   LockID
	Access Access
}

// LockScope distinguishes master-global locks from per-worker locks.
type LockScope int

const (
	LockScopeMaster LockScope = iota
	LockScopeWorker
)

// LockID identifies a named lock. Scope worker binds the name to a
// specific worker, creating one lock instance per worker (spec §6).
type LockID struct {
	Scope    LockScope
	Name     string
	MaxCount int
}

// AccessMode is exclusive or counting.
type AccessMode int

const (
	AccessExclusive AccessMode = iota
	AccessCounting
)

// Access pairs an AccessMode with the worker ID to scope a worker lock to
// (ignored for master-scoped locks).
type Access struct {
	Mode     AccessMode
	WorkerID string // only meaningful when LockID.Scope == LockScopeWorker
}

// Build is a live (or finished) execution of a BuildRequest on a Worker.
type Build struct {
	ID              string
	Number          int
	BuilderID       string
	WorkerID        string
	BuildRequestIDs []string // the (possibly merged) buildrequests this build satisfies
	StartedAt       time.Time
	Complete        bool
	Results         Results
	StateString     string
	Properties      map[string]Property
	LocksDurationS  float64
}

// Step is one element of a build; maps 1:1 to one logical remote command.
type Step struct {
	ID            string
	BuildID       string
	Number        int
	Name          string
	StartedAt     time.Time
	LocksAcquired *time.Time
	Complete      bool
	Results       Results
	URLs          []string

	// Flags control result aggregation, per spec §4.8.
	HaltOnFailure  bool
	FlunkOnFailure bool
	FlunkOnWarnings bool
	WarnOnFailure  bool
	WarnOnWarnings bool
	AlwaysRun      bool
}

// LogType is the log's content classification; 'd' marks a deleted log
// whose chunks have been purged by retention.
type LogType string

const (
	LogTypeStdio  LogType = "s"
	LogTypeText   LogType = "t"
	LogTypeHTML   LogType = "h"
	LogTypeDeleted LogType = "d"
)

// Log is an append-only named text stream belonging to one Step.
type Log struct {
	ID       string
	StepID   string
	Name     string
	Slug     string
	Type     LogType
	NumLines int64
	Complete bool
}

// LogChunk is one contiguous, non-overlapping range of a Log's lines.
type LogChunk struct {
	LogID        string
	FirstLine    int64
	LastLine     int64
	Content      []byte
	CompressedID int // codec registry id; 0 == raw
}

// Worker tracks a connected (or latent) remote executor.
type Worker struct {
	ID             string
	Name           string
	Capabilities   []string
	BaseDir        string
	PathConvention string

	// Latent-worker fields; zero values mean "not a latent worker".
	Latent          bool
	State           WorkerState
	QuarantineUntil time.Time
}

// WorkerState is the latent worker lifecycle state (spec §4.5).
type WorkerState int

const (
	WorkerAbsent WorkerState = iota
	WorkerSubstantiating
	WorkerSubstantiated
	WorkerAttached
	WorkerBuilding
	WorkerIdle
)

func (s WorkerState) String() string {
	switch s {
	case WorkerAbsent:
		return "absent"
	case WorkerSubstantiating:
		return "substantiating"
	case WorkerSubstantiated:
		return "substantiated"
	case WorkerAttached:
		return "attached"
	case WorkerBuilding:
		return "building"
	case WorkerIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// NewID generates a lexicographically-sortable UUIDv7 identifier,
// matching the teacher's ChunkID convention (gastrolog chunk/types.go).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
