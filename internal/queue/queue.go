// Package queue implements the build queue: turning repository history into
// PENDING builds (populate), handing a PENDING build to an asking slave
// (get_build_for_slave), and reclaiming builds whose slave has gone silent
// (reset_orphaned_builds).
package queue

import (
	"context"
	"log"
	"time"

	"github.com/forgecoord/bco/internal/collector"
	"github.com/forgecoord/bco/internal/match"
	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
)

// Queue ties a Store to a Repository Adapter and the scheduling knobs that
// control how aggressively it enqueues and reclaims builds.
type Queue struct {
	Store store.Store
	Repo  vcsrepo.Adapter

	// BuildAll disables the "newest revision per platform only" shortcut:
	// every revision the collector walks that lacks a build gets one.
	BuildAll bool
	// StabilizeWait holds off enqueueing a revision until it is at least this
	// many seconds old, giving a still-propagating commit time to settle.
	StabilizeWait int64
	// Timeout is how long an IN_PROGRESS build may go without activity
	// before reset_orphaned_builds reclaims it. Zero disables reclaiming.
	Timeout int64

	// Now returns the current time as unix seconds; overridden in tests.
	Now func() int64
}

func (q *Queue) now() int64 {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now().Unix()
}

// Populate walks every active BuildConfig's history and enqueues PENDING
// builds for revisions that lack one.
func (q *Queue) Populate(ctx context.Context) error {
	tx, err := q.Store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	cfgs, err := tx.Configs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if !cfg.Active {
			continue
		}
		if err := q.populateConfig(ctx, tx, cfg); err != nil {
			log.Printf("queue: %s: populate: %v", cfg.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *Queue) populateConfig(ctx context.Context, tx store.Tx, cfg model.BuildConfig) error {
	seen := make(map[int64]bool)
	now := q.now()

	for tup := range collector.Collect(ctx, q.Repo, tx, cfg) {
		if !q.BuildAll {
			// Platforms recur in a fixed order per revision; seeing one a
			// second time means we've covered every platform's newest
			// revision and walked into older history we don't need.
			if seen[tup.Platform.ID] {
				break
			}
			seen[tup.Platform.ID] = true
		}

		if tup.Build != nil {
			continue
		}
		if q.StabilizeWait > 0 && now-tup.RevTime < q.StabilizeWait {
			continue
		}

		b := model.Build{
			Config:   cfg.Name,
			Rev:      tup.Rev,
			RevTime:  tup.RevTime,
			Platform: tup.Platform.ID,
			Status:   model.StatusPending,
		}
		if err := tx.InsertBuild(ctx, &b); err != nil {
			if err == store.ErrDuplicateBuild {
				continue
			}
			return err
		}
		log.Printf("queue: %s: enqueued build %d (%s/%s)", cfg.Name, b.ID, tup.Rev, tup.Platform.Name)
	}
	return nil
}

// GetBuildForSlave reclaims orphaned builds, drops any PENDING build that no
// longer belongs in the queue, and returns the oldest remaining PENDING build
// whose platform matches the slave's properties. It returns a nil Build when
// none match.
func (q *Queue) GetBuildForSlave(ctx context.Context, slaveName string, properties map[string]string) (*model.Build, error) {
	tx, err := q.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := q.resetOrphanedBuilds(ctx, tx); err != nil {
		return nil, err
	}

	platforms, err := q.MatchingPlatforms(ctx, tx, properties)
	if err != nil {
		return nil, err
	}
	matched := make(map[int64]bool, len(platforms))
	for _, p := range platforms {
		matched[p.ID] = true
	}

	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		return nil, err
	}

	var selected *model.Build
	var drop []int64
	for i := range pending {
		b := pending[i]
		del, err := q.ShouldDeleteBuild(ctx, tx, b)
		if err != nil {
			return nil, err
		}
		if del {
			drop = append(drop, b.ID)
			continue
		}
		if selected == nil && matched[b.Platform] {
			sel := b
			selected = &sel
		}
	}
	for _, id := range drop {
		if err := tx.DeleteBuild(ctx, id); err != nil {
			return nil, err
		}
		log.Printf("queue: dropped stale pending build %d", id)
	}

	var result *model.Build
	if selected != nil {
		sel := *selected
		if sel.SlaveInfo == nil {
			sel.SlaveInfo = make(map[string]string, len(properties))
		}
		for k, v := range properties {
			sel.SlaveInfo[k] = v
		}
		sel.Slave = slaveName
		sel.Status = model.StatusInProgress
		sel.LastActivity = q.now()
		if err := tx.UpdateBuild(ctx, sel); err != nil {
			return nil, err
		}
		result = &sel
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return result, nil
}

// MatchingPlatforms returns the TargetPlatforms of every active BuildConfig
// whose rules match properties — the "match_slave" query used both by
// get_build_for_slave's allocation scan and by a session's registration
// check (an empty result means "nothing to build" for this slave).
func (q *Queue) MatchingPlatforms(ctx context.Context, tx store.Tx, properties map[string]string) ([]model.TargetPlatform, error) {
	cfgs, err := tx.Configs(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.TargetPlatform
	for _, cfg := range cfgs {
		if !cfg.Active {
			continue
		}
		ps, err := tx.Platforms(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		all = append(all, ps...)
	}
	return match.Platforms(all, properties), nil
}

// ShouldDeleteBuild reports whether a PENDING build no longer belongs in the
// queue: its config or platform has disappeared or been deactivated, its
// revision has fallen outside the config's [MinRev, MaxRev] window, or (when
// BuildAll is false) a newer build already exists for the same (config,
// platform).
func (q *Queue) ShouldDeleteBuild(ctx context.Context, tx store.Tx, b model.Build) (bool, error) {
	cfg, ok, err := tx.GetConfig(ctx, b.Config)
	if err != nil {
		return false, err
	}
	if !ok || !cfg.Active {
		return true, nil
	}
	if _, ok, err := tx.GetPlatform(ctx, b.Platform); err != nil {
		return false, err
	} else if !ok {
		return true, nil
	}

	if cfg.MinRev != "" {
		older, err := q.Repo.RevOlderThan(ctx, b.Rev, cfg.MinRev)
		if err != nil {
			return false, err
		}
		if older {
			return true, nil
		}
	}
	if cfg.MaxRev != "" {
		newer, err := q.Repo.RevOlderThan(ctx, cfg.MaxRev, b.Rev)
		if err != nil {
			return false, err
		}
		if newer {
			return true, nil
		}
	}

	if !q.BuildAll {
		siblings, err := tx.BuildsByConfigPlatform(ctx, b.Config, b.Platform)
		if err != nil {
			return false, err
		}
		for _, s := range siblings {
			if s.ID != b.ID && s.RevTime > b.RevTime {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *Queue) resetOrphanedBuilds(ctx context.Context, tx store.Tx) error {
	if q.Timeout <= 0 {
		return nil
	}
	now := q.now()
	inProgress, err := tx.InProgressBuilds(ctx)
	if err != nil {
		return err
	}
	for _, b := range inProgress {
		if now-b.LastActivity < q.Timeout {
			continue
		}
		if err := tx.DeleteSteps(ctx, b.ID); err != nil {
			return err
		}
		if err := tx.DeleteArtifacts(ctx, b.ID); err != nil {
			return err
		}
		wasSlave := b.Slave
		b.Slave = ""
		b.SlaveInfo = nil
		b.Started = 0
		b.Stopped = 0
		b.LastActivity = 0
		b.Status = model.StatusPending
		if err := tx.UpdateBuild(ctx, b); err != nil {
			return err
		}
		log.Printf("queue: reclaimed orphaned build %d (config %s, was slave %q)", b.ID, b.Config, wasSlave)
	}
	return nil
}

// Prune deletes every PENDING build of configName outright, for operators
// who don't want to wait for GetBuildForSlave to notice a deactivated or
// deleted config.
func (q *Queue) Prune(ctx context.Context, configName string) error {
	tx, err := q.Store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		return err
	}
	for _, b := range pending {
		if b.Config != configName {
			continue
		}
		if err := tx.DeleteBuild(ctx, b.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
