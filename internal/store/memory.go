package store

import (
	"context"
	"sort"
	"sync"

	"github.com/forgecoord/bco/internal/model"
)

// Memory is an in-memory Store. A single mutex is held for the lifetime of
// each Tx, so concurrent callers of Begin serialize exactly as two slaves
// racing for the same PENDING build would serialize around a database
// transaction: the loser's Begin simply blocks until the winner commits.
type Memory struct {
	mu sync.Mutex

	configs   map[string]model.BuildConfig
	platforms map[int64]model.TargetPlatform
	nextPlat  int64

	builds  map[int64]model.Build
	order   []int64 // build IDs in insertion order
	nextBld int64

	steps map[int64][]model.BuildStep // by build ID
	logs  map[int64][]model.BuildLog
	rpts  map[int64][]model.Report
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs:   make(map[string]model.BuildConfig),
		platforms: make(map[int64]model.TargetPlatform),
		builds:    make(map[int64]model.Build),
		steps:     make(map[int64][]model.BuildStep),
		logs:      make(map[int64][]model.BuildLog),
		rpts:      make(map[int64][]model.Report),
	}
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memTx{m: m}, nil
}

// memTx operates directly on Memory's maps while holding m.mu; Commit and
// Rollback both just release the lock since there is no undo log (every
// mutation below is immediately visible, matching the Memory store's
// use as a test/reference backend rather than a durable one).
type memTx struct {
	m    *Memory
	done bool
}

func (t *memTx) release() {
	if !t.done {
		t.done = true
		t.m.mu.Unlock()
	}
}

func (t *memTx) Commit() error   { t.release(); return nil }
func (t *memTx) Rollback() error { t.release(); return nil }

func (t *memTx) Configs(ctx context.Context) ([]model.BuildConfig, error) {
	out := make([]model.BuildConfig, 0, len(t.m.configs))
	for _, c := range t.m.configs {
		out = append(out, c)
	}
	return out, nil
}

func (t *memTx) GetConfig(ctx context.Context, name string) (model.BuildConfig, bool, error) {
	c, ok := t.m.configs[name]
	return c, ok, nil
}

func (t *memTx) PutConfig(ctx context.Context, cfg model.BuildConfig) error {
	t.m.configs[cfg.Name] = cfg
	return nil
}

func (t *memTx) DeleteConfig(ctx context.Context, name string) error {
	delete(t.m.configs, name)
	for id, p := range t.m.platforms {
		if p.Config == name {
			delete(t.m.platforms, id)
		}
	}
	for id, b := range t.m.builds {
		if b.Config == name {
			t.deleteBuildLocked(id)
		}
	}
	return nil
}

func (t *memTx) Platforms(ctx context.Context, configName string) ([]model.TargetPlatform, error) {
	var out []model.TargetPlatform
	for _, p := range t.m.platforms {
		if p.Config == configName {
			out = append(out, p)
		}
	}
	// IDs are assigned in PutPlatform order, so ID order is declaration order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetPlatform(ctx context.Context, id int64) (model.TargetPlatform, bool, error) {
	p, ok := t.m.platforms[id]
	return p, ok, nil
}

func (t *memTx) PutPlatform(ctx context.Context, p model.TargetPlatform) (int64, error) {
	if p.ID == 0 {
		t.m.nextPlat++
		p.ID = t.m.nextPlat
	}
	t.m.platforms[p.ID] = p
	return p.ID, nil
}

func (t *memTx) DeletePlatform(ctx context.Context, id int64) error {
	delete(t.m.platforms, id)
	return nil
}

func (t *memTx) FindBuild(ctx context.Context, config, rev string, platform int64) (model.Build, bool, error) {
	for _, id := range t.m.order {
		b := t.m.builds[id]
		if b.Config == config && b.Rev == rev && b.Platform == platform {
			return b, true, nil
		}
	}
	return model.Build{}, false, nil
}

func (t *memTx) GetBuild(ctx context.Context, id int64) (model.Build, bool, error) {
	b, ok := t.m.builds[id]
	return b, ok, nil
}

func (t *memTx) BuildsByConfigPlatform(ctx context.Context, config string, platform int64) ([]model.Build, error) {
	var out []model.Build
	for _, id := range t.m.order {
		b := t.m.builds[id]
		if b.Config == config && b.Platform == platform {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) InsertBuild(ctx context.Context, b *model.Build) error {
	if _, found, _ := t.FindBuild(ctx, b.Config, b.Rev, b.Platform); found {
		return ErrDuplicateBuild
	}
	t.m.nextBld++
	b.ID = t.m.nextBld
	t.m.builds[b.ID] = *b
	t.m.order = append(t.m.order, b.ID)
	return nil
}

func (t *memTx) PendingBuilds(ctx context.Context) ([]model.Build, error) {
	var out []model.Build
	for _, id := range t.m.order {
		b := t.m.builds[id]
		if b.Status == model.StatusPending {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) InProgressBuilds(ctx context.Context) ([]model.Build, error) {
	var out []model.Build
	for _, id := range t.m.order {
		b := t.m.builds[id]
		if b.Status == model.StatusInProgress {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) UpdateBuild(ctx context.Context, b model.Build) error {
	t.m.builds[b.ID] = b
	return nil
}

func (t *memTx) deleteBuildLocked(id int64) {
	delete(t.m.builds, id)
	delete(t.m.steps, id)
	delete(t.m.logs, id)
	delete(t.m.rpts, id)
	for i, oid := range t.m.order {
		if oid == id {
			t.m.order = append(t.m.order[:i], t.m.order[i+1:]...)
			break
		}
	}
}

func (t *memTx) DeleteBuild(ctx context.Context, id int64) error {
	t.deleteBuildLocked(id)
	return nil
}

func (t *memTx) InsertStep(ctx context.Context, step model.BuildStep) error {
	t.m.steps[step.Build] = append(t.m.steps[step.Build], step)
	return nil
}

func (t *memTx) Steps(ctx context.Context, buildID int64) ([]model.BuildStep, error) {
	return append([]model.BuildStep(nil), t.m.steps[buildID]...), nil
}

func (t *memTx) DeleteSteps(ctx context.Context, buildID int64) error {
	delete(t.m.steps, buildID)
	return nil
}

func (t *memTx) AppendLog(ctx context.Context, l model.BuildLog) error {
	t.m.logs[l.Build] = append(t.m.logs[l.Build], l)
	return nil
}

func (t *memTx) AppendReport(ctx context.Context, r model.Report) error {
	t.m.rpts[r.Build] = append(t.m.rpts[r.Build], r)
	return nil
}

func (t *memTx) DeleteArtifacts(ctx context.Context, buildID int64) error {
	delete(t.m.logs, buildID)
	delete(t.m.rpts, buildID)
	return nil
}
