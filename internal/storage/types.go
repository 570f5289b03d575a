package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run kinds.
const (
	KindTrigger = "trigger"
	KindBuild   = "build"
)

// Run causes.
const (
	CauseSchedule = "schedule"
	CauseManual   = "manual"
	CauseCLI      = "cli"
)

// RunRecord is the outcome of one trigger invocation or pipeline build.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	Cause      string        `json:"cause,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	OutputTail string        `json:"output_tail,omitempty"`
	Digest     string        `json:"digest,omitempty"`
}

// OK reports whether the run succeeded.
func (r RunRecord) OK() bool { return r.Error == "" && r.ExitCode == 0 }

// RunFilter selects run records. Zero fields match everything.
type RunFilter struct {
	Kind  string
	Name  string
	Limit int // <=0 means DefaultListLimit
}

const DefaultListLimit = 50

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f RunFilter) match(r RunRecord) bool {
	return (f.Kind == "" || f.Kind == r.Kind) && (f.Name == "" || f.Name == r.Name)
}
