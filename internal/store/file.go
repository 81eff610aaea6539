package store

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/renameio"

	"github.com/forgecoord/bco/internal/model"
)

// File wraps Memory with a disk snapshot written atomically after every
// Commit, grounded on autobuilder.go's renameio.Symlink use for atomic
// pointer updates — generalized here to renameio.WriteFile for a whole-store
// snapshot, so a crash mid-write never leaves a torn file behind.
type File struct {
	*Memory
	path string
}

// NewFile opens (or creates) a File store snapshotted at path. Schema
// migration between snapshot versions is out of scope. A missing snapshot
// file yields an empty store; a snapshot that fails to decode is returned as
// an error.
func NewFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}
	if err := f.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return f, nil
}

type snapshot struct {
	Configs   []model.BuildConfig
	Platforms []model.TargetPlatform
	Builds    []model.Build
	BuildIDs  []int64
	Steps     map[int64][]model.BuildStep
	Logs      map[int64][]model.BuildLog
	Reports   map[int64][]model.Report
}

func (f *File) load() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	m := f.Memory
	for _, c := range snap.Configs {
		m.configs[c.Name] = c
	}
	for _, p := range snap.Platforms {
		m.platforms[p.ID] = p
		if p.ID > m.nextPlat {
			m.nextPlat = p.ID
		}
	}
	for _, id := range snap.BuildIDs {
		if b, ok := findBuild(snap.Builds, id); ok {
			m.builds[id] = b
			m.order = append(m.order, id)
			if id > m.nextBld {
				m.nextBld = id
			}
		}
	}
	m.steps = snap.Steps
	if m.steps == nil {
		m.steps = make(map[int64][]model.BuildStep)
	}
	m.logs = snap.Logs
	if m.logs == nil {
		m.logs = make(map[int64][]model.BuildLog)
	}
	m.rpts = snap.Reports
	if m.rpts == nil {
		m.rpts = make(map[int64][]model.Report)
	}
	return nil
}

func findBuild(builds []model.Build, id int64) (model.Build, bool) {
	for _, b := range builds {
		if b.ID == id {
			return b, true
		}
	}
	return model.Build{}, false
}

// snapshotLocked must be called while f.Memory.mu is held.
func (f *File) snapshotLocked() error {
	snap := snapshot{
		Steps:   f.Memory.steps,
		Logs:    f.Memory.logs,
		Reports: f.Memory.rpts,
	}
	for _, c := range f.Memory.configs {
		snap.Configs = append(snap.Configs, c)
	}
	for _, p := range f.Memory.platforms {
		snap.Platforms = append(snap.Platforms, p)
	}
	for _, id := range f.Memory.order {
		snap.Builds = append(snap.Builds, f.Memory.builds[id])
		snap.BuildIDs = append(snap.BuildIDs, id)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(f.path, b, 0644)
}

func (f *File) Begin(ctx context.Context) (Tx, error) {
	f.Memory.mu.Lock()
	return &fileTx{memTx: memTx{m: f.Memory}, f: f}, nil
}

type fileTx struct {
	memTx
	f *File
}

func (t *fileTx) Commit() error {
	if err := t.f.snapshotLocked(); err != nil {
		t.release()
		return err
	}
	return t.memTx.Commit()
}
