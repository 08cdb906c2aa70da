package partitions

import (
	"fmt"
	"time"
)

// Operation discriminates partition_logs rows.
type Operation string

const (
	OpCreate  Operation = "create"
	OpMigrate Operation = "migrate"
	OpError   Operation = "error"
)

// Status is the outcome column of partition_logs.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// GuardMode is the effective provisioning policy, derived from the
// skip_provisioning and ignore_provisioning_errors flags.
type GuardMode string

const (
	ModeStrict   GuardMode = "STRICT"
	ModeLenient  GuardMode = "LENIENT"
	ModeDisabled GuardMode = "DISABLED"
)

// ProvisionResult describes one EnsureDay outcome.
type ProvisionResult struct {
	Day        DateKey
	Partition  string
	Created    bool // false when the partition already existed
	Skipped    bool // true when the guard short-circuited the call
	Suppressed bool // true when the lenient guard swallowed a failure
}

// DayFailure pairs a failed day with its error inside a sweep.
type DayFailure struct {
	Day DateKey
	Err error
}

// SweepResult describes one scheduler pass over the look-ahead window.
type SweepResult struct {
	RunID        string
	Window       []DateKey
	Created      []DateKey
	AlreadyThere int
	Failures     []DayFailure
	FutureBound  DateKey // lower bound of transactions_future after the sweep
	Rebound      bool    // transactions_future was dropped and recreated
	HeldRows     int64   // rows parked aside while the catch-all was rebound
	Skipped      bool
	SkipReason   string
	Fault        error // sweep-level abort, as opposed to per-day Failures
	Started      time.Time
	Duration     time.Duration
}

// Failed reports whether any day in the window could not be provisioned.
func (r *SweepResult) Failed() bool { return len(r.Failures) > 0 }

// SweepSummary is the JSON-safe projection of a SweepResult used by the
// status surfaces.
type SweepSummary struct {
	RunID       string    `json:"run_id"`
	Started     time.Time `json:"started"`
	Duration    string    `json:"duration"`
	Created     int       `json:"created"`
	Existing    int       `json:"existing"`
	Failed      []string  `json:"failed,omitempty"`
	FutureBound string    `json:"future_bound,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	Fault       string    `json:"fault,omitempty"`
}

// Summary converts the result for status reporting.
func (r *SweepResult) Summary() *SweepSummary {
	s := &SweepSummary{
		RunID:      r.RunID,
		Started:    r.Started,
		Duration:   r.Duration.String(),
		Created:    len(r.Created),
		Existing:   r.AlreadyThere,
		Skipped:    r.Skipped,
		SkipReason: r.SkipReason,
	}
	if !r.FutureBound.IsZero() {
		s.FutureBound = r.FutureBound.String()
	}
	for _, f := range r.Failures {
		s.Failed = append(s.Failed, fmt.Sprintf("%s: %v", f.Day, f.Err))
	}
	if r.Fault != nil {
		s.Fault = r.Fault.Error()
	}
	return s
}

// MigrationResult describes one migrator run.
type MigrationResult struct {
	AlreadyPartitioned bool
	Resumed            bool
	RowsMigrated       int64
	MaxID              int64
	DefaultPartition   string
	DailyPartitions    []string
	FuturePartition    string
	Duration           time.Duration
}
