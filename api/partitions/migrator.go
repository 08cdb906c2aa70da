// //////////////////////////////////////////////////////////
//
// Description:
// One-time conversion of the flat transactions table into the partitioned
// layout. The holding table is the recovery point: every step after the
// flat table is dropped can fail and be finished by running the migrator
// again.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package partitions

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Location codes for migrator operations
const (
	LOC_MIG_INSPECT = "UNF_PRT_060"
	LOC_MIG_HOLD    = "UNF_PRT_061"
	LOC_MIG_REBUILD = "UNF_PRT_062"
	LOC_MIG_RESTORE = "UNF_PRT_063"
)

// Migrator restructures the ledger exactly once. Re-running it against an
// already partitioned table is a no-op unless an interrupted run left the
// holding table behind, in which case the restore is finished.
type Migrator struct {
	cfg     *Config
	catalog Catalog
	guard   *Guard
	rec     recorder
	now     func() time.Time
}

func NewMigrator(cfg *Config, catalog Catalog, guard *Guard, plog PartitionLog, logger *slog.Logger, metrics Metrics) *Migrator {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Migrator{
		cfg:     cfg,
		catalog: catalog,
		guard:   guard,
		rec:     recorder{plog: plog, logger: logger, metrics: metrics},
		now:     time.Now,
	}
}

// Run performs or resumes the migration.
func (m *Migrator) Run(ctx context.Context) (*MigrationResult, error) {
	start := time.Now()
	res := &MigrationResult{}
	logger := m.rec.logger

	defer func() { res.Duration = time.Since(start) }()

	flatExists, err := m.catalog.TableExists(ctx, TransactionsTable)
	if err != nil {
		return res, m.fail(ctx, "inspect", err)
	}
	partitioned := false
	if flatExists {
		partitioned, err = m.catalog.IsPartitioned(ctx, TransactionsTable)
		if err != nil {
			return res, m.fail(ctx, "inspect", err)
		}
	}
	holdExists, err := m.catalog.TableExists(ctx, MigrationHoldTable)
	if err != nil {
		return res, m.fail(ctx, "inspect", err)
	}

	if m.rec.plog != nil {
		if err := m.rec.plog.Ensure(ctx); err != nil {
			return res, m.fail(ctx, "audit table", err)
		}
	}

	if partitioned && !holdExists {
		res.AlreadyPartitioned = true
		logger.Info("transactions already partitioned, nothing to do", "loc", LOC_MIG_INSPECT)
		return res, nil
	}
	if holdExists && (partitioned || !flatExists) {
		res.Resumed = true
		logger.Warn("resuming interrupted migration",
			"hold_table", MigrationHoldTable, "loc", LOC_MIG_INSPECT)
	}

	restoring := holdExists

	if !partitioned && flatExists {
		if holdExists {
			// The flat table survived the previous run, so it is still
			// authoritative and may hold newer rows. Start over.
			logger.Warn("discarding stale holding table", "loc", LOC_MIG_INSPECT)
			if err := m.catalog.DropTable(ctx, MigrationHoldTable); err != nil {
				return res, m.fail(ctx, "drop stale hold", err)
			}
			restoring = false
			res.Resumed = false
		}
		n, err := m.catalog.SnapshotTable(ctx, TransactionsTable, MigrationHoldTable)
		if err != nil {
			return res, m.fail(ctx, "hold rows", err)
		}
		res.RowsMigrated = n
		maxID, err := m.catalog.MaxID(ctx, MigrationHoldTable)
		if err != nil {
			return res, m.fail(ctx, "hold rows", err)
		}
		res.MaxID = maxID
		logger.Info("flat rows parked in holding table",
			"rows", n, "max_id", maxID, "loc", LOC_MIG_HOLD)

		if err := m.catalog.DropTable(ctx, TransactionsTable); err != nil {
			return res, m.fail(ctx, "drop flat table", err)
		}
		restoring = true
	}

	if !partitioned {
		if err := m.buildLayout(ctx, logger, res); err != nil {
			return res, err
		}
	}

	if restoring {
		if err := m.restoreHeldRows(ctx, res); err != nil {
			return res, err
		}
	}

	m.rec.metrics.MigrationFinished(res)
	m.rec.record(ctx, LogEntry{Operation: OpMigrate, Partition: TransactionsTable, Status: StatusSuccess,
		Detail: fmt.Sprintf("migrated %d rows into partitioned layout, %d daily partitions, resumed=%t",
			res.RowsMigrated, len(res.DailyPartitions), res.Resumed)})
	logger.Info("migration complete",
		"rows", res.RowsMigrated,
		"daily_partitions", len(res.DailyPartitions),
		"resumed", res.Resumed,
		"loc", LOC_MIG_REBUILD)
	return res, nil
}

// buildLayout creates the parent, the history partition, the initial daily
// window and the future catch-all. Daily provisioning goes through the
// guard so the skip and lenient policies apply to the backfill too.
func (m *Migrator) buildLayout(ctx context.Context, logger *slog.Logger, res *MigrationResult) error {
	today := DateKeyOf(m.now())

	if err := m.catalog.CreateParent(ctx); err != nil {
		return m.fail(ctx, "create parent", err)
	}

	horizon := today.AddDays(-m.cfg.InitialBackfillDays)
	if m.guard.Mode() == ModeDisabled {
		// Operators own daily DDL in this mode. Leave the keyspace fully
		// covered with zero daily partitions: history below today, the
		// catch-all above.
		horizon = today
	}

	if err := m.catalog.CreatePartition(ctx, DefaultPartition, MinBound(), BoundAt(horizon.Start())); err != nil {
		return m.fail(ctx, "create default partition", err)
	}
	if err := m.catalog.CreatePartitionIndexes(ctx, DefaultPartition); err != nil {
		return m.fail(ctx, "create default partition", err)
	}
	res.DefaultPartition = DefaultPartition

	if m.guard.Mode() != ModeDisabled {
		for _, day := range Window(horizon, today.AddDays(m.cfg.LookAheadDays)) {
			pr, err := m.guard.EnsureDay(ctx, day)
			if err != nil {
				return m.fail(ctx, "provision "+day.String(), err)
			}
			if !pr.Suppressed {
				res.DailyPartitions = append(res.DailyPartitions, pr.Partition)
			}
		}
	}

	// The catch-all starts exactly where explicit coverage ends. A day the
	// lenient guard let fail stays a hole for the next sweep to fill.
	futureStart := horizon
	parts, err := m.catalog.ListPartitions(ctx, TransactionsTable)
	if err != nil {
		return m.fail(ctx, "create future partition", err)
	}
	if end, ok := highestCoveredEnd(parts); ok {
		futureStart = end
	}
	if err := m.catalog.CreatePartition(ctx, FuturePartition, BoundAt(futureStart.Start()), MaxBound()); err != nil {
		return m.fail(ctx, "create future partition", err)
	}
	if err := m.catalog.CreatePartitionIndexes(ctx, FuturePartition); err != nil {
		return m.fail(ctx, "create future partition", err)
	}
	res.FuturePartition = FuturePartition
	logger.Info("partitioned layout built",
		"default_until", horizon.String(),
		"daily_partitions", len(res.DailyPartitions),
		"future_from", futureStart.String(),
		"loc", LOC_MIG_REBUILD)
	return nil
}

// restoreHeldRows routes the held rows back through the parent, fixes the
// id sequence and removes the holding table. Any failure leaves the holding
// table in place for the next run.
func (m *Migrator) restoreHeldRows(ctx context.Context, res *MigrationResult) error {
	if res.RowsMigrated == 0 {
		n, err := m.catalog.RowCount(ctx, MigrationHoldTable)
		if err != nil {
			return m.fail(ctx, "restore rows", err)
		}
		res.RowsMigrated = n
		maxID, err := m.catalog.MaxID(ctx, MigrationHoldTable)
		if err != nil {
			return m.fail(ctx, "restore rows", err)
		}
		res.MaxID = maxID
	}

	if res.RowsMigrated > 0 {
		inserted, err := m.catalog.InsertFromTable(ctx, TransactionsTable, MigrationHoldTable)
		if err != nil {
			return m.fail(ctx, "restore rows", err)
		}
		if inserted != res.RowsMigrated {
			return m.fail(ctx, "restore rows",
				fmt.Errorf("held %d rows but inserted %d (%s)", res.RowsMigrated, inserted, LOC_MIG_RESTORE))
		}
	}
	if err := m.catalog.ResetIDSequence(ctx, TransactionsTable, res.MaxID); err != nil {
		return m.fail(ctx, "reset sequence", err)
	}
	if err := m.catalog.DropTable(ctx, MigrationHoldTable); err != nil {
		return m.fail(ctx, "drop hold table", err)
	}
	return nil
}

// fail records the audit entry and wraps err as a MigrationError.
func (m *Migrator) fail(ctx context.Context, step string, err error) error {
	m.rec.record(ctx, LogEntry{Operation: OpMigrate, Partition: TransactionsTable,
		Status: StatusFailure, Detail: fmt.Sprintf("step %s: %v", step, err)})
	m.rec.logger.Error("migration failed", "step", step, "error", err, "loc", LOC_MIG_REBUILD)
	return &MigrationError{Step: step, Err: err}
}
