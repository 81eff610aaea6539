// Package model defines the entities of the build coordinator: build
// configurations, target platforms, builds, and the per-step results a slave
// reports back.
package model

// BuildStatus is the lifecycle state of a Build.
type BuildStatus int

const (
	// StatusPending means the build is queued but not yet assigned to a slave.
	StatusPending BuildStatus = iota
	// StatusInProgress means a slave has been allocated the build.
	StatusInProgress
	StatusSuccess
	StatusFailure
)

func (s BuildStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StepStatus is the lifecycle state of a BuildStep.
type StepStatus int

const (
	StepInProgress StepStatus = iota
	StepSuccess
	StepFailure
)

func (s StepStatus) String() string {
	switch s {
	case StepInProgress:
		return "in_progress"
	case StepSuccess:
		return "success"
	case StepFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Rule is one (propname, pattern) pair of a TargetPlatform. A rule with an
// empty Property never fails to match (see match.Matches).
type Rule struct {
	Property string
	Pattern  string
}

// BuildConfig is a named build specification rooted at Path in the
// repository, bounded by an optional [MinRev, MaxRev] revision window.
type BuildConfig struct {
	Name        string // stable identifier, [\w.-]+
	Label       string
	Path        string // repository subtree
	MinRev      string // inclusive lower bound, "" = unbounded
	MaxRev      string // inclusive upper bound, "" = unbounded
	Recipe      string // XML document, stored verbatim
	Active      bool
	Description string
}

// TargetPlatform is a named capability profile attached to a BuildConfig.
type TargetPlatform struct {
	ID     int64
	Config string // -> BuildConfig.Name
	Name   string
	Rules  []Rule
}

// Build is a scheduled or executed build of one (Config, Rev, Platform)
// triple. At most one Build exists per triple (see store's uniqueness
// constraint).
type Build struct {
	ID        int64
	Config    string
	Rev       string
	RevTime   int64 // commit timestamp, unix seconds
	Platform  int64 // -> TargetPlatform.ID

	Slave     string            // "" when unassigned
	SlaveInfo map[string]string // discovered slave properties, merged on allocation

	Status BuildStatus

	Started      int64 // 0 when unset
	Stopped      int64
	LastActivity int64
}

// BuildStep is one step within a Build's execution.
type BuildStep struct {
	Build       int64 // -> Build.ID
	Name        string
	Description string
	Status      StepStatus
	Started     int64
	Stopped     int64
	Errors      []string
}

// BuildLog is an append-only ordered list of log lines for one (Build, Step).
type BuildLog struct {
	Build int64
	Step  string
	Items []string
}

// Report is a free-form, append-only list of attribute rows for one
// (Build, Step), e.g. a test result summary or a coverage report.
type Report struct {
	Build    int64
	Step     string
	Category string
	Items    []map[string]string
}
