package queue

import (
	"context"
	"testing"

	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
)

func newMemQueue(t *testing.T, repo vcsrepo.Adapter, clock int64) (*Queue, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	q := &Queue{
		Store: mem,
		Repo:  repo,
		Now:   func() int64 { return clock },
	}
	return q, mem
}

func putConfigAndPlatform(t *testing.T, mem *store.Memory, cfg model.BuildConfig, platName string) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Commit()
	if err := tx.PutConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	id, err := tx.PutPlatform(ctx, model.TargetPlatform{Config: cfg.Name, Name: platName})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func threeRevRepo() *vcsrepo.Static {
	return &vcsrepo.Static{
		ByPath: map[string][]vcsrepo.StaticRev{
			"/trunk": {
				{Rev: "103", Date: 300, Entries: []string{"a"}},
				{Rev: "102", Date: 200, Entries: []string{"a"}},
				{Rev: "101", Date: 100, Entries: []string{"a"}},
			},
		},
		Order: []string{"101", "102", "103"},
	}
}

func TestPopulateEnqueuesNewestOnlyByDefault(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Rev != "103" {
		t.Fatalf("PendingBuilds = %+v, want exactly one build at rev 103", pending)
	}
}

func TestPopulateBuildAllEnqueuesEveryRevision(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	q.BuildAll = true
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("PendingBuilds = %+v, want 3 builds", pending)
	}
}

func TestPopulateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("second Populate produced %+v, want still exactly 1 pending build", pending)
	}
}

func TestPopulateRespectsStabilizeWait(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 305) // newest commit is only 5s old
	q.StabilizeWait = 60
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("PendingBuilds = %+v, want none: newest revision hasn't stabilized yet", pending)
	}
}

func TestGetBuildForSlaveMatchesAndAllocates(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	b, err := q.GetBuildForSlave(ctx, "slave1", map[string]string{"family": "posix"})
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Fatal("GetBuildForSlave returned nil, want the pending build")
	}
	if b.Slave != "slave1" || b.Status != model.StatusInProgress {
		t.Fatalf("allocated build = %+v, want slave1/in_progress", b)
	}
	if b.SlaveInfo["family"] != "posix" {
		t.Fatalf("SlaveInfo = %v, want family=posix merged in", b.SlaveInfo)
	}

	// A second call must not hand out the same build again.
	b2, err := q.GetBuildForSlave(ctx, "slave2", map[string]string{"family": "posix"})
	if err != nil {
		t.Fatal(err)
	}
	if b2 != nil {
		t.Fatalf("second GetBuildForSlave = %+v, want nil: no pending builds left", b2)
	}
}

func TestGetBuildForSlaveDropsBuildsForDeactivatedConfig(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}

	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cfg, _, _ := tx.GetConfig(ctx, "C")
	cfg.Active = false
	if err := tx.PutConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	b, err := q.GetBuildForSlave(ctx, "slave1", map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("GetBuildForSlave = %+v, want nil: config is inactive", b)
	}

	tx, _ = mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("PendingBuilds = %+v, want the stale build dropped", pending)
	}
}

func TestResetOrphanedBuildsReclaimsStale(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 10000)
	q.Timeout = 3600
	id := putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b := model.Build{Config: "C", Rev: "103", RevTime: 300, Platform: id,
		Slave: "ghost", Status: model.StatusInProgress, LastActivity: 100}
	if err := tx.InsertBuild(ctx, &b); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	if err := func() error {
		tx, err := mem.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Commit()
		return q.resetOrphanedBuilds(ctx, tx)
	}(); err != nil {
		t.Fatal(err)
	}

	tx, _ = mem.Begin(ctx)
	defer tx.Commit()
	got, found, err := tx.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("orphaned build was deleted, want reset to pending")
	}
	if got.Status != model.StatusPending || got.Slave != "" || got.LastActivity != 0 {
		t.Fatalf("reset build = %+v, want pending/unassigned/zeroed activity", got)
	}
}

func TestShouldDeleteBuildOutsideRevWindow(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	id := putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true, MinRev: "102"}, "P1")

	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Commit()
	b := model.Build{Config: "C", Rev: "101", RevTime: 100, Platform: id, Status: model.StatusPending}
	del, err := q.ShouldDeleteBuild(ctx, tx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !del {
		t.Fatal("ShouldDeleteBuild = false, want true: rev 101 precedes MinRev 102")
	}
}

func TestShouldDeleteBuildSupersededByNewer(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	id := putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	tx, err := mem.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	older := model.Build{Config: "C", Rev: "101", RevTime: 100, Platform: id, Status: model.StatusPending}
	newer := model.Build{Config: "C", Rev: "102", RevTime: 200, Platform: id, Status: model.StatusPending}
	if err := tx.InsertBuild(ctx, &older); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertBuild(ctx, &newer); err != nil {
		t.Fatal(err)
	}

	del, err := q.ShouldDeleteBuild(ctx, tx, older)
	if err != nil {
		t.Fatal(err)
	}
	if !del {
		t.Fatal("ShouldDeleteBuild = false, want true: a newer build for the same platform already exists")
	}
	tx.Commit()
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	repo := threeRevRepo()
	q, mem := newMemQueue(t, repo, 1000)
	putConfigAndPlatform(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true}, "P1")

	if err := q.Populate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Prune(ctx, "C"); err != nil {
		t.Fatal(err)
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	pending, err := tx.PendingBuilds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("PendingBuilds = %+v after Prune, want none", pending)
	}
}
