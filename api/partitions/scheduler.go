// //////////////////////////////////////////////////////////
//
// Description:
// The look-ahead sweep: walks [yesterday, today+lookAheadDays], provisions
// missing daily partitions and keeps the transactions_future catch-all
// rebound above the highest daily partition. One sweep runs at a time
// across all instances; a failed day never aborts the rest of the window.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package partitions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Location codes for scheduler operations
const (
	LOC_SCH_LOCK   = "UNF_PRT_050"
	LOC_SCH_SWEEP  = "UNF_PRT_051"
	LOC_SCH_FUTURE = "UNF_PRT_052"
	LOC_SCH_HOLD   = "UNF_PRT_053"
)

// Scheduler performs sweeps. Callers outside the package reach it through
// the Guard, which applies the provisioning flags.
type Scheduler struct {
	cfg     *Config
	catalog Catalog
	prov    *Provisioner
	rec     recorder
	now     func() time.Time

	mu   sync.Mutex
	last *SweepResult
}

func NewScheduler(cfg *Config, catalog Catalog, prov *Provisioner, plog PartitionLog, logger *slog.Logger, metrics Metrics) *Scheduler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scheduler{
		cfg:     cfg,
		catalog: catalog,
		prov:    prov,
		rec:     recorder{plog: plog, logger: logger, metrics: metrics},
		now:     time.Now,
	}
}

// LastSweep returns the most recent sweep result, or nil before the first run.
func (s *Scheduler) LastSweep() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) setLast(r *SweepResult) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// newRunID tags one sweep for log correlation.
func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// RunOnce performs a single sweep over the look-ahead window.
func (s *Scheduler) RunOnce(ctx context.Context) (res *SweepResult, err error) {
	today := DateKeyOf(s.now())
	res = &SweepResult{RunID: newRunID(), Started: s.now()}
	logger := s.rec.logger.With("run_id", res.RunID)

	defer func() {
		res.Duration = time.Since(res.Started)
		// A sweep that aborted before finishing its window carries the
		// abort error so the metrics count it as failed, not ok.
		if err != nil && !res.Failed() {
			res.Fault = err
		}
		s.setLast(res)
		s.rec.metrics.SweepFinished(res)
	}()

	partitioned, err := s.catalog.IsPartitioned(ctx, TransactionsTable)
	if err != nil {
		return res, fmt.Errorf("inspect %s: %w (%s)", TransactionsTable, err, LOC_SCH_SWEEP)
	}
	if !partitioned {
		return res, fmt.Errorf("run the migrator first: %w (%s)", ErrNotPartitioned, LOC_SCH_SWEEP)
	}

	release, acquired, err := s.catalog.TryAdvisoryLock(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep lock: %w (%s)", err, LOC_SCH_LOCK)
	}
	if !acquired {
		res.Skipped = true
		res.SkipReason = "advisory lock held by another instance"
		logger.Info("sweep skipped, lock busy", "loc", LOC_SCH_LOCK)
		return res, nil
	}
	defer release()

	s.rec.metrics.SweepStarted()
	window := Window(today.Prev(), today.AddDays(s.cfg.LookAheadDays))
	res.Window = window
	target := today.AddDays(s.cfg.LookAheadDays + 1)

	parts, err := s.catalog.ListPartitions(ctx, TransactionsTable)
	if err != nil {
		return res, fmt.Errorf("list partitions: %w (%s)", err, LOC_SCH_SWEEP)
	}

	held, err := s.holdFutureRows(ctx, logger, parts, target)
	if err != nil {
		return res, err
	}
	res.HeldRows = held.rows
	res.Rebound = held.recreate

	// Days at the back of the window that the default partition already
	// covers are not provisioned; history belongs to transactions_default.
	var coveredBelow time.Time
	if def, ok := findPartition(parts, DefaultPartition); ok && !def.To.Min && !def.To.Max {
		coveredBelow = def.To.At
	}

	for _, day := range window {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sweep interrupted: %w (%s)", err, LOC_SCH_SWEEP)
		}
		if !coveredBelow.IsZero() && !day.End().After(coveredBelow) {
			res.AlreadyThere++
			continue
		}
		pr, err := s.ensureWithRetry(ctx, logger, day)
		switch {
		case err != nil:
			res.Failures = append(res.Failures, DayFailure{Day: day, Err: err})
		case pr.Created:
			res.Created = append(res.Created, day)
		default:
			res.AlreadyThere++
		}
	}

	bound, err := s.restoreFuture(ctx, logger, target, held)
	if err != nil {
		return res, err
	}
	res.FutureBound = bound

	if res.Failed() {
		logger.Warn("sweep finished with failures",
			"created", len(res.Created),
			"failed", len(res.Failures),
			"future_bound", res.FutureBound.String(),
			"loc", LOC_SCH_SWEEP)
		return res, fmt.Errorf("%d of %d days failed: %w (%s)",
			len(res.Failures), len(window), res.Failures[0].Err, LOC_SCH_SWEEP)
	}
	logger.Info("sweep complete",
		"created", len(res.Created),
		"existing", res.AlreadyThere,
		"held_rows", res.HeldRows,
		"future_bound", res.FutureBound.String())
	return res, nil
}

// ensureWithRetry bounds each attempt with the provisioning timeout and
// retries with a fixed backoff before giving the day up for this sweep.
func (s *Scheduler) ensureWithRetry(ctx context.Context, logger *slog.Logger, day DateKey) (ProvisionResult, error) {
	var lastErr error
	attempts := s.cfg.ProvisionRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout())
		pr, err := s.prov.EnsureDay(attemptCtx, day)
		cancel()
		if err == nil {
			return pr, nil
		}
		lastErr = err
		if attempt < attempts {
			logger.Warn("provisioning attempt failed, retrying",
				"day", day.String(), "attempt", attempt, "error", err, "loc", LOC_SCH_SWEEP)
			select {
			case <-ctx.Done():
				return ProvisionResult{Day: day, Partition: day.PartitionName()}, ctx.Err()
			case <-time.After(s.cfg.RetryBackoff()):
			}
		}
	}
	return ProvisionResult{Day: day, Partition: day.PartitionName()}, lastErr
}

// heldFuture tracks what happened to the catch-all partition during a sweep.
type heldFuture struct {
	rows       int64
	recreate   bool // the catch-all was dropped or missing and must be recreated
	holdExists bool // a hold table is present and must be drained
}

// holdFutureRows prepares the catch-all for rebinding. When its range
// overlaps the target window, any rows it holds are parked in the hold
// table and the partition is dropped; it is recreated above the dailies by
// restoreFuture. A hold table left behind by an interrupted sweep is picked
// up here so its rows are never forgotten.
func (s *Scheduler) holdFutureRows(ctx context.Context, logger *slog.Logger, parts []PartitionInfo, target DateKey) (heldFuture, error) {
	var h heldFuture

	exists, err := s.catalog.TableExists(ctx, FutureHoldTable)
	if err != nil {
		return h, fmt.Errorf("check %s: %w (%s)", FutureHoldTable, err, LOC_SCH_HOLD)
	}
	if exists {
		h.holdExists = true
		n, err := s.catalog.RowCount(ctx, FutureHoldTable)
		if err != nil {
			return h, fmt.Errorf("count %s: %w (%s)", FutureHoldTable, err, LOC_SCH_HOLD)
		}
		h.rows = n
		logger.Warn("hold table left by an interrupted sweep", "rows", n, "loc", LOC_SCH_HOLD)
	}

	fut, ok := findPartition(parts, FuturePartition)
	if !ok {
		h.recreate = true
		return h, nil
	}
	overlaps := fut.From.Min || (!fut.From.Max && fut.From.At.Before(target.Start()))
	if !overlaps {
		return h, nil
	}

	n, err := s.catalog.RowCount(ctx, FuturePartition)
	if err != nil {
		return h, fmt.Errorf("count %s: %w (%s)", FuturePartition, err, LOC_SCH_HOLD)
	}
	if n > 0 {
		if h.holdExists {
			moved, err := s.catalog.InsertFromTable(ctx, FutureHoldTable, FuturePartition)
			if err != nil {
				return h, fmt.Errorf("stash %s rows: %w (%s)", FuturePartition, err, LOC_SCH_HOLD)
			}
			h.rows += moved
		} else {
			stashed, err := s.catalog.SnapshotTable(ctx, FuturePartition, FutureHoldTable)
			if err != nil {
				return h, fmt.Errorf("stash %s rows: %w (%s)", FuturePartition, err, LOC_SCH_HOLD)
			}
			h.rows = stashed
			h.holdExists = true
		}
		logger.Info("future rows parked for rebind", "rows", h.rows, "loc", LOC_SCH_HOLD)
	}
	if err := s.catalog.DropTable(ctx, FuturePartition); err != nil {
		return h, fmt.Errorf("drop %s: %w (%s)", FuturePartition, err, LOC_SCH_FUTURE)
	}
	h.recreate = true
	return h, nil
}

// restoreFuture recreates the catch-all where explicit coverage ends, then
// routes any parked rows back through the parent. When every window day
// provisioned, the new lower bound equals the target; after a trailing
// failure it is pulled back so no instant goes uncovered at the seam.
func (s *Scheduler) restoreFuture(ctx context.Context, logger *slog.Logger, target DateKey, held heldFuture) (DateKey, error) {
	parts, err := s.catalog.ListPartitions(ctx, TransactionsTable)
	if err != nil {
		return DateKey{}, fmt.Errorf("list partitions: %w (%s)", err, LOC_SCH_FUTURE)
	}

	var bound DateKey
	if fut, ok := findPartition(parts, FuturePartition); ok {
		if !fut.From.Min && !fut.From.Max {
			bound = DateKeyOf(fut.From.At)
		}
	} else {
		bound = target
		if end, ok := highestCoveredEnd(parts); ok {
			bound = end
		}
		if err := s.catalog.CreatePartition(ctx, FuturePartition, BoundAt(bound.Start()), MaxBound()); err != nil {
			return DateKey{}, fmt.Errorf("recreate %s: %w (%s)", FuturePartition, err, LOC_SCH_FUTURE)
		}
		if err := s.catalog.CreatePartitionIndexes(ctx, FuturePartition); err != nil {
			return DateKey{}, fmt.Errorf("index %s: %w (%s)", FuturePartition, err, LOC_SCH_FUTURE)
		}
		logger.Info("future partition rebound", "from", bound.String(), "loc", LOC_SCH_FUTURE)
	}

	if held.holdExists {
		if held.rows > 0 {
			n, err := s.catalog.InsertFromTable(ctx, TransactionsTable, FutureHoldTable)
			if err != nil {
				// The hold table stays put; its rows are the source of truth
				// until they land back in the ledger.
				return bound, fmt.Errorf("reinsert held rows: %w (%s)", err, LOC_SCH_HOLD)
			}
			logger.Info("held future rows reinserted", "rows", n)
		}
		if err := s.catalog.DropTable(ctx, FutureHoldTable); err != nil {
			return bound, fmt.Errorf("drop %s: %w (%s)", FutureHoldTable, err, LOC_SCH_HOLD)
		}
	}
	return bound, nil
}
