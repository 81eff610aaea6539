package session

import (
	"context"
	"testing"
	"time"

	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
	"github.com/forgecoord/bco/internal/wire"
)

func newTestMachine(t *testing.T, clock int64) (*Machine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	repo := &vcsrepo.Static{}
	q := &queue.Queue{Store: mem, Repo: repo, Now: func() int64 { return clock }}
	m := NewMachine(mem, q)
	m.Now = func() int64 { return clock }
	m.CheckInterval = 120
	return m, mem
}

func seedPendingBuild(t *testing.T, mem *store.Memory, cfg model.BuildConfig) (int64, int64) {
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
	platID, err := tx.PutPlatform(ctx, model.TargetPlatform{Config: cfg.Name, Name: "P1"})
	if err != nil {
		t.Fatal(err)
	}
	b := model.Build{Config: cfg.Name, Rev: "103", RevTime: 900, Platform: platID, Status: model.StatusPending}
	if err := tx.InsertBuild(ctx, &b); err != nil {
		t.Fatal(err)
	}
	return b.ID, platID
}

func TestRegisterRejectsWhenNothingCouldEverMatch(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t, 1000)
	tx, _ := mem.Begin(ctx)
	tx.PutConfig(ctx, model.BuildConfig{Name: "C", Path: "/trunk", Active: true})
	tx.PutPlatform(ctx, model.TargetPlatform{Config: "C", Name: "P1",
		Rules: []model.Rule{{Property: "family", Pattern: "nt"}}})
	tx.Commit()

	err := m.Register(ctx, wire.Register{Name: "slave1", OSFamily: "posix"})
	if err != ErrNothingToBuild {
		t.Fatalf("Register = %v, want ErrNothingToBuild", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("State = %v, want still CONNECTED after a rejected registration", m.State())
	}
}

func TestFullRoundTripToCompleted(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t, 1000)
	buildID, _ := seedPendingBuild(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true, Recipe: `<build><step id="compile"/></build>`})

	if err := m.Register(ctx, wire.Register{Name: "slave1", OSFamily: "posix"}); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRegistered {
		t.Fatalf("State after Register = %v, want REGISTERED", m.State())
	}

	recipe, id, err := m.Dispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != buildID || recipe == nil {
		t.Fatalf("Dispatch returned id=%d recipe=%q, want build %d with a recipe", id, recipe, buildID)
	}
	if m.State() != StateAwaitingProceed {
		t.Fatalf("State after Dispatch = %v, want AWAITING_PROCEED", m.State())
	}

	if err := m.Proceed(ctx); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateBuilding {
		t.Fatalf("State after Proceed = %v, want BUILDING", m.State())
	}

	if err := m.Step(ctx, wire.Step{ID: "compile", Time: wire.FormatTime(time.Unix(1000, 0)), Duration: 5, Result: "success"}); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateBuilding {
		t.Fatalf("State after Step = %v, want still BUILDING", m.State())
	}

	if err := m.Complete(ctx, wire.Completed{Time: wire.FormatTime(time.Unix(1010, 0)), Result: "success"}); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRegistered {
		t.Fatalf("State after Complete = %v, want REGISTERED (slave may build again)", m.State())
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	got, found, err := tx.GetBuild(ctx, buildID)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("build not found after completion")
	}
	if got.Status != model.StatusSuccess {
		t.Fatalf("build status = %v, want success", got.Status)
	}
	steps, err := tx.Steps(ctx, buildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Status != model.StepSuccess {
		t.Fatalf("steps = %+v, want exactly one successful step", steps)
	}
}

func TestAbortWipesStepsAndResetsBuild(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t, 1000)
	buildID, _ := seedPendingBuild(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true, Recipe: `<build/>`})

	if err := m.Register(ctx, wire.Register{Name: "slave1"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Proceed(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Step(ctx, wire.Step{ID: "s1", Time: wire.FormatTime(time.Unix(1000, 0)), Duration: 1, Result: "success"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRegistered {
		t.Fatalf("State after Abort = %v, want REGISTERED", m.State())
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	got, _, err := tx.GetBuild(ctx, buildID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusPending || got.Slave != "" {
		t.Fatalf("build after abort = %+v, want reset to pending/unassigned", got)
	}
	steps, err := tx.Steps(ctx, buildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 0 {
		t.Fatalf("steps after abort = %+v, want wiped", steps)
	}
}

func TestMessageOutOfSequenceIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, 1000)
	// Still CONNECTED: a step message here is out of sequence.
	if err := m.Step(ctx, wire.Step{ID: "x", Time: wire.FormatTime(time.Unix(1000, 0))}); err != ErrWrongState {
		t.Fatalf("Step on a CONNECTED session = %v, want ErrWrongState", err)
	}
}

func TestDisconnectMidBuildLeavesBuildInProgressForOrphanReset(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t, 1000)
	buildID, _ := seedPendingBuild(t, mem, model.BuildConfig{Name: "C", Path: "/trunk", Active: true, Recipe: `<build/>`})

	if err := m.Register(ctx, wire.Register{Name: "slave1"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Proceed(ctx); err != nil {
		t.Fatal(err)
	}

	m.Disconnect()
	if m.State() != StateOrphan {
		t.Fatalf("State after mid-build disconnect = %v, want ORPHAN", m.State())
	}

	tx, _ := mem.Begin(ctx)
	defer tx.Commit()
	got, _, err := tx.GetBuild(ctx, buildID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusInProgress {
		t.Fatalf("build status after disconnect = %v, want still in_progress until orphan reset runs", got.Status)
	}
}
