// Package store defines the persistent store interface the build queue
// and orchestration session depend on, plus an in-memory implementation and
// a file-snapshotting variant. Schema migrations and a real backing
// database are out of scope: both implementations here exist only to
// make the core scheduling logic runnable and testable.
package store

import (
	"context"
	"errors"

	"github.com/forgecoord/bco/internal/model"
)

// ErrDuplicateBuild is returned by Tx.InsertBuild when a Build already exists
// for the (Config, Rev, Platform) triple, enforcing that uniqueness
// invariant. Callers (populate) swallow and log this rather than treat it
// as fatal.
var ErrDuplicateBuild = errors.New("store: build already exists for (config, rev, platform)")

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("store: not found")

// Store opens transactional scopes over build configs, platforms, builds,
// steps, and their logs/reports.
type Store interface {
	// Begin starts a transactional scope. Exactly one of Tx.Commit or
	// Tx.Rollback must be called to release it.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one transactional scope: a consistent view of the store, released by
// Commit or Rollback. The in-memory implementation serializes all Tx
// instances of one Store behind a single mutex, giving populate() and
// get_build_for_slave the same effective isolation a database transaction
// would.
type Tx interface {
	// Configs returns all build configurations, in no particular order.
	Configs(ctx context.Context) ([]model.BuildConfig, error)
	GetConfig(ctx context.Context, name string) (model.BuildConfig, bool, error)
	PutConfig(ctx context.Context, cfg model.BuildConfig) error
	DeleteConfig(ctx context.Context, name string) error

	// Platforms returns the TargetPlatforms of one config, in declaration order.
	Platforms(ctx context.Context, configName string) ([]model.TargetPlatform, error)
	GetPlatform(ctx context.Context, id int64) (model.TargetPlatform, bool, error)
	PutPlatform(ctx context.Context, p model.TargetPlatform) (int64, error)
	DeletePlatform(ctx context.Context, id int64) error

	// FindBuild looks up the unique Build for (config, rev, platform), if any.
	FindBuild(ctx context.Context, config, rev string, platform int64) (model.Build, bool, error)
	GetBuild(ctx context.Context, id int64) (model.Build, bool, error)
	// BuildsByConfigPlatform returns every Build (any status) for one
	// (config, platform) pair, used by should_delete_build to find whether a
	// newer build already exists.
	BuildsByConfigPlatform(ctx context.Context, config string, platform int64) ([]model.Build, error)
	// InsertBuild assigns b.ID and inserts it, or returns ErrDuplicateBuild.
	InsertBuild(ctx context.Context, b *model.Build) error
	// PendingBuilds returns PENDING builds in ascending ID (insertion) order.
	PendingBuilds(ctx context.Context) ([]model.Build, error)
	// InProgressBuilds returns all IN_PROGRESS builds.
	InProgressBuilds(ctx context.Context) ([]model.Build, error)
	UpdateBuild(ctx context.Context, b model.Build) error
	DeleteBuild(ctx context.Context, id int64) error

	InsertStep(ctx context.Context, step model.BuildStep) error
	Steps(ctx context.Context, buildID int64) ([]model.BuildStep, error)
	DeleteSteps(ctx context.Context, buildID int64) error

	AppendLog(ctx context.Context, l model.BuildLog) error
	AppendReport(ctx context.Context, r model.Report) error
	// DeleteArtifacts removes all logs and reports of a build (used on
	// orphan reset and on an aborted build).
	DeleteArtifacts(ctx context.Context, buildID int64) error

	Commit() error
	Rollback() error
}
