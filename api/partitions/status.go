package partitions

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Location codes for status operations
const (
	LOC_STATUS_COLLECT = "UNF_PRT_090"
)

// DaemonStatus aggregates what `partman status` and GET /status report.
type DaemonStatus struct {
	Running        bool          `json:"running"`
	PID            int           `json:"pid,omitempty"`
	Mode           GuardMode     `json:"mode"`
	Partitioned    bool          `json:"partitioned"`
	PartitionCount int           `json:"partition_count"`
	OldestDaily    string        `json:"oldest_daily,omitempty"`
	NewestDaily    string        `json:"newest_daily,omitempty"`
	FutureBound    string        `json:"future_bound,omitempty"`
	LogSuccess24h  int64         `json:"log_success_24h"`
	LogFailure24h  int64         `json:"log_failure_24h"`
	LastSweep      *SweepSummary `json:"last_sweep,omitempty"`
	CollectedAt    time.Time     `json:"collected_at"`
}

// CollectStatus inspects the PID file, the catalog and the audit log.
// The scheduler is optional; only the in-process daemon can contribute its
// last sweep.
func CollectStatus(ctx context.Context, cfg *Config, catalog Catalog, plog PartitionLog, sched *Scheduler) (*DaemonStatus, error) {
	st := &DaemonStatus{Mode: cfg.Mode(), CollectedAt: time.Now()}

	if pid, err := ReadPIDFile(cfg.PIDFile); err == nil && IsRunning(pid) {
		st.Running = true
		st.PID = pid
	}

	partitioned, err := catalog.IsPartitioned(ctx, TransactionsTable)
	if err != nil {
		return nil, fmt.Errorf("collect status: %w (%s)", err, LOC_STATUS_COLLECT)
	}
	st.Partitioned = partitioned

	if partitioned {
		parts, err := catalog.ListPartitions(ctx, TransactionsTable)
		if err != nil {
			return nil, fmt.Errorf("collect status: %w (%s)", err, LOC_STATUS_COLLECT)
		}
		st.PartitionCount = len(parts)
		for _, p := range parts {
			switch p.Name {
			case DefaultPartition:
			case FuturePartition:
				if !p.From.Min && !p.From.Max {
					st.FutureBound = DateKeyOf(p.From.At).String()
				}
			default:
				if p.From.Min || p.From.Max {
					continue
				}
				day := DateKeyOf(p.From.At).String()
				if st.OldestDaily == "" || day < st.OldestDaily {
					st.OldestDaily = day
				}
				if day > st.NewestDaily {
					st.NewestDaily = day
				}
			}
		}
	}

	if plog != nil {
		if success, failure, err := plog.CountByStatus(ctx, time.Now().Add(-24*time.Hour)); err == nil {
			st.LogSuccess24h = success
			st.LogFailure24h = failure
		}
	}
	if sched != nil {
		if last := sched.LastSweep(); last != nil {
			st.LastSweep = last.Summary()
		}
	}
	return st, nil
}

// FormatStatus renders the daemon status for CLI output.
func FormatStatus(st *DaemonStatus) string {
	var sb strings.Builder

	if st.Running {
		sb.WriteString(fmt.Sprintf("status: running (pid %d)\n", st.PID))
	} else {
		sb.WriteString("status: not running\n")
	}
	sb.WriteString(fmt.Sprintf("mode: %s\n", st.Mode))
	sb.WriteString(fmt.Sprintf("partitioned: %t\n", st.Partitioned))
	sb.WriteString(fmt.Sprintf("partitions: %d\n", st.PartitionCount))
	if st.OldestDaily != "" {
		sb.WriteString(fmt.Sprintf("daily range: %s .. %s\n", st.OldestDaily, st.NewestDaily))
	}
	if st.FutureBound != "" {
		sb.WriteString(fmt.Sprintf("future bound: %s\n", st.FutureBound))
	}
	sb.WriteString(fmt.Sprintf("audit last 24h: %d success, %d failure\n", st.LogSuccess24h, st.LogFailure24h))
	if st.LastSweep != nil {
		sb.WriteString(fmt.Sprintf("last sweep: started %s, created %d, failed %d\n",
			st.LastSweep.Started.Format(time.RFC3339), st.LastSweep.Created, len(st.LastSweep.Failed)))
	}
	return sb.String()
}
