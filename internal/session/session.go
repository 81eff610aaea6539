// Package session implements the transport-agnostic orchestration session:
// the per-slave state machine that carries a slave from registration
// through recipe dispatch, step ingestion, to a terminal state. Both
// transport bindings (internal/transport/http, internal/transport/grpc)
// drive the same Machine; only how messages arrive on the wire differs.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/forgecoord/bco/internal/model"
	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/wire"

	"golang.org/x/xerrors"
)

// State is one node of the master-side state machine.
type State int

const (
	StateConnected State = iota
	StateRegistered
	StateAwaitingProceed
	StateBuilding
	StateDone
	StateAborted
	StateOrphan
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateAwaitingProceed:
		return "awaiting_proceed"
	case StateBuilding:
		return "building"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateOrphan:
		return "orphan"
	default:
		return "unknown"
	}
}

// ErrNothingToBuild is returned by Register when match_slave finds no
// platform the slave could ever build for (protocol error 550 over HTTP).
var ErrNothingToBuild = errors.New("session: nothing to build for this slave")

// ErrWrongState is returned when a message arrives out of sequence for the
// current state (a protocol error: the caller should terminate the session).
var ErrWrongState = errors.New("session: message received out of sequence")

// LogSink additionally persists a step's raw log lines, independent of the
// structured BuildLog rows the Store keeps, so an operator can tail a
// build's output as plain text (FileLogSink writes it under its Dir).
type LogSink interface {
	WriteLog(ctx context.Context, build int64, step string, lines []string) error
}

// NopLogSink discards every log line; the default for tests and the
// in-memory Store.
type NopLogSink struct{}

func (NopLogSink) WriteLog(ctx context.Context, build int64, step string, lines []string) error {
	return nil
}

// Machine is one slave's session. It is not safe for concurrent use: each
// transport binding drives exactly one Machine from a single goroutine (one
// HTTP request at a time, one gRPC stream's receive loop).
type Machine struct {
	Store   store.Store
	Queue   *queue.Queue
	LogSink LogSink

	// AdjustTimestamps enables the "timewarp" policy: shifting a slave's
	// reported step and stop timestamps back by timestamp_delta, so they land
	// near the built revision's commit time.
	AdjustTimestamps bool
	// CheckInterval feeds the timestamp_delta formula (now - CheckInterval -
	// rev_time), computed once when the session enters BUILDING.
	CheckInterval int64

	// Now returns the current time as unix seconds; overridden in tests.
	Now func() int64

	state          State
	name           string
	properties     map[string]string
	build          *model.Build
	config         model.BuildConfig
	timestampDelta int64
}

// NewMachine returns a Machine in the CONNECTED state.
func NewMachine(s store.Store, q *queue.Queue) *Machine {
	return &Machine{Store: s, Queue: q, LogSink: NopLogSink{}, state: StateConnected}
}

func (m *Machine) now() int64 {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().Unix()
}

// State reports the session's current state.
func (m *Machine) State() State { return m.state }

// Name is the registered slave's name, "" before Register succeeds.
func (m *Machine) Name() string { return m.name }

// Build is the currently allocated build, nil outside AWAITING_PROCEED and
// BUILDING.
func (m *Machine) Build() *model.Build {
	if m.build == nil {
		return nil
	}
	b := *m.build
	return &b
}

// Register processes the slave's register message: CONNECTED -> REGISTERED.
// Returns ErrNothingToBuild if no active platform's rules could ever match
// this slave's properties.
func (m *Machine) Register(ctx context.Context, reg wire.Register) error {
	if m.state != StateConnected {
		return ErrWrongState
	}
	tx, err := m.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	props := reg.AsMap()
	platforms, err := m.Queue.MatchingPlatforms(ctx, tx, props)
	if err != nil {
		return xerrors.Errorf("session: register: %w", err)
	}
	if len(platforms) == 0 {
		return ErrNothingToBuild
	}

	m.name = reg.Name
	m.properties = props
	m.state = StateRegistered
	return nil
}

// Dispatch tries to allocate a PENDING build to this slave, returning the
// annotated recipe document to transmit. A nil recipe with a nil error means
// no build is currently available. REGISTERED -> AWAITING_PROCEED on
// success.
func (m *Machine) Dispatch(ctx context.Context) (recipe []byte, buildID int64, err error) {
	if m.state != StateRegistered {
		return nil, 0, ErrWrongState
	}
	b, err := m.Queue.GetBuildForSlave(ctx, m.name, m.properties)
	if err != nil {
		return nil, 0, xerrors.Errorf("session: dispatch: %w", err)
	}
	if b == nil {
		return nil, 0, nil
	}

	tx, err := m.Store.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	cfg, ok, err := tx.GetConfig(ctx, b.Config)
	if err != nil {
		return nil, 0, xerrors.Errorf("session: dispatch: loading config: %w", err)
	}
	if !ok {
		// The config disappeared between allocation and dispatch; orphan
		// reset will return this build to PENDING after the timeout.
		return nil, 0, xerrors.Errorf("session: dispatch: config %q no longer exists", b.Config)
	}

	annotated, err := wire.AnnotateRecipe([]byte(cfg.Recipe), cfg.Name, cfg.Path, b.Rev)
	if err != nil {
		return nil, 0, xerrors.Errorf("session: dispatch: annotating recipe: %w", err)
	}

	m.build = b
	m.config = cfg
	m.state = StateAwaitingProceed
	return annotated, b.ID, nil
}

// Proceed handles the slave's acknowledgment of the dispatched recipe:
// AWAITING_PROCEED -> BUILDING. It fixes the session's timestamp_delta.
func (m *Machine) Proceed(ctx context.Context) error {
	if m.state != StateAwaitingProceed {
		return ErrWrongState
	}
	now := m.now()
	m.timestampDelta = now - m.CheckInterval - m.build.RevTime
	m.build.Started = now
	m.build.LastActivity = now
	if err := m.persistBuild(ctx); err != nil {
		return err
	}
	m.state = StateBuilding
	return nil
}

// Step ingests one step result message while BUILDING.
func (m *Machine) Step(ctx context.Context, s wire.Step) error {
	if m.state != StateBuilding {
		return ErrWrongState
	}
	start, err := wire.ParseTime(s.Time)
	if err != nil {
		return xerrors.Errorf("session: step: parsing start time: %w", err)
	}
	startUnix := start.Unix()
	stopUnix := startUnix + int64(s.Duration)
	if m.AdjustTimestamps {
		startUnix -= m.timestampDelta
		stopUnix -= m.timestampDelta
	}

	status := model.StepSuccess
	if s.Result == "failure" {
		status = model.StepFailure
	}
	step := model.BuildStep{
		Build:       m.build.ID,
		Name:        s.ID,
		Description: s.Description,
		Status:      status,
		Started:     startUnix,
		Stopped:     stopUnix,
		Errors:      append([]string(nil), s.Errors...),
	}

	tx, err := m.Store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := tx.InsertStep(ctx, step); err != nil {
		return xerrors.Errorf("session: step: %w", err)
	}
	for _, l := range s.Logs {
		if err := tx.AppendLog(ctx, model.BuildLog{Build: m.build.ID, Step: s.ID, Items: l.Messages}); err != nil {
			return xerrors.Errorf("session: step: appending log: %w", err)
		}
		if err := m.LogSink.WriteLog(ctx, m.build.ID, s.ID, l.Messages); err != nil {
			log.Printf("session: %s: writing log sink for build %d/%s: %v", m.name, m.build.ID, s.ID, err)
		}
	}
	for _, r := range s.Reports {
		items := make([]map[string]string, len(r.Items))
		for i, it := range r.Items {
			items[i] = it.AsMap()
		}
		if err := tx.AppendReport(ctx, model.Report{Build: m.build.ID, Step: s.ID, Category: r.Category, Items: items}); err != nil {
			return xerrors.Errorf("session: step: appending report: %w", err)
		}
	}

	m.build.LastActivity = m.now()
	if err := tx.UpdateBuild(ctx, *m.build); err != nil {
		return xerrors.Errorf("session: step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Complete processes the slave's completed message: BUILDING -> DONE ->
// REGISTERED (a slave may immediately take another build).
func (m *Machine) Complete(ctx context.Context, c wire.Completed) error {
	if m.state != StateBuilding {
		return ErrWrongState
	}
	t, err := wire.ParseTime(c.Time)
	if err != nil {
		return xerrors.Errorf("session: complete: parsing stop time: %w", err)
	}
	stopped := t.Unix()
	if m.AdjustTimestamps {
		stopped -= m.timestampDelta
	}
	m.build.Stopped = stopped
	if c.Result == "failure" {
		m.build.Status = model.StatusFailure
	} else {
		m.build.Status = model.StatusSuccess
	}
	if err := m.persistBuild(ctx); err != nil {
		return err
	}
	// DONE is momentary: a slave may take another build immediately.
	m.build = nil
	m.state = StateRegistered
	return nil
}

// Abort processes the slave's (or master's) aborted message: an immediate,
// synchronous cancellation. Steps and artifacts are wiped and the build
// returns to PENDING. BUILDING -> ABORTED -> REGISTERED.
func (m *Machine) Abort(ctx context.Context) error {
	if m.state != StateBuilding {
		return ErrWrongState
	}
	tx, err := m.Store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := tx.DeleteSteps(ctx, m.build.ID); err != nil {
		return err
	}
	if err := tx.DeleteArtifacts(ctx, m.build.ID); err != nil {
		return err
	}
	m.build.Slave = ""
	m.build.SlaveInfo = nil
	m.build.Started = 0
	m.build.LastActivity = 0
	m.build.Status = model.StatusPending
	if err := tx.UpdateBuild(ctx, *m.build); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	// ABORTED is momentary: a slave may take another build immediately.
	m.build = nil
	m.state = StateRegistered
	return nil
}

// Fail terminates the session on a protocol error (malformed element or
// out-of-sequence message). The in-progress build, if any, is left
// IN_PROGRESS for reset_orphaned_builds to recover.
func (m *Machine) Fail(reason string) {
	log.Printf("session: %s: protocol error, terminating: %s", m.name, reason)
	m.state = StateOrphan
	m.build = nil
}

// Disconnect handles the slave going away. A disconnect mid-build leaves the
// Build IN_PROGRESS for the orphan reset timeout to recover; otherwise the
// session simply ends.
func (m *Machine) Disconnect() {
	if m.state == StateBuilding {
		m.state = StateOrphan
	} else {
		m.state = StateConnected
	}
	m.build = nil
}

func (m *Machine) persistBuild(ctx context.Context) error {
	tx, err := m.Store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.UpdateBuild(ctx, *m.build); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
