package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// FileLogSink writes each step's raw log lines under Dir/<build>/<step>.log,
// using renameio so a crash mid-write never leaves a torn log file behind —
// the same atomic-write discipline internal/store.File uses for snapshots.
type FileLogSink struct {
	Dir string
}

func (f FileLogSink) WriteLog(ctx context.Context, build int64, step string, lines []string) error {
	dir := filepath.Join(f.Dir, strconv.FormatInt(build, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("session: creating log dir: %w", err)
	}
	path := filepath.Join(dir, step+".log")

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("session: reading existing log: %w", err)
	}
	out := append(existing, buf.Bytes()...)

	if err := renameio.WriteFile(path, out, 0644); err != nil {
		return xerrors.Errorf("session: writing log: %w", err)
	}
	return nil
}
