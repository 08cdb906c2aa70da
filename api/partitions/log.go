package partitions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Location codes for audit log operations
const (
	LOC_LOG_ENSURE = "UNF_PRT_030"
	LOC_LOG_WRITE  = "UNF_PRT_031"
	LOC_LOG_READ   = "UNF_PRT_032"
)

// PartitionLogsTable is the append-only audit table. Nothing in the
// subsystem ever updates or deletes its rows.
const PartitionLogsTable = "partition_logs"

const createPartitionLogsSQL = `
CREATE TABLE IF NOT EXISTS partition_logs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    operation TEXT NOT NULL,
    partition_name TEXT,
    status TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const createPartitionLogsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_partition_logs_created_at ON partition_logs (created_at)`

// maxDetailLen caps the detail column so a pathological error string cannot
// bloat the audit table.
const maxDetailLen = 2000

// LogEntry is one partition_logs row.
type LogEntry struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Partition string    `json:"partition_name"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// PartitionLog records and reads audit entries.
type PartitionLog interface {
	Ensure(ctx context.Context) error
	Record(ctx context.Context, e LogEntry) error
	Recent(ctx context.Context, limit int) ([]LogEntry, error)
	CountByStatus(ctx context.Context, since time.Time) (success, failure int64, err error)
}

// PGPartitionLog stores entries in the partition_logs table.
type PGPartitionLog struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPGPartitionLog(db *sql.DB, logger *slog.Logger) *PGPartitionLog {
	return &PGPartitionLog{db: db, logger: logger}
}

var _ PartitionLog = (*PGPartitionLog)(nil)

// Ensure creates the audit table and its index when missing.
func (l *PGPartitionLog) Ensure(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createPartitionLogsSQL); err != nil {
		return fmt.Errorf("create %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_ENSURE)
	}
	if _, err := l.db.ExecContext(ctx, createPartitionLogsIndexSQL); err != nil {
		return fmt.Errorf("index %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_ENSURE)
	}
	return nil
}

// Record inserts one entry. The id and timestamp come from column defaults.
func (l *PGPartitionLog) Record(ctx context.Context, e LogEntry) error {
	detail := e.Detail
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO partition_logs (operation, partition_name, status, detail) VALUES ($1, $2, $3, $4)`,
		string(e.Operation), e.Partition, string(e.Status), detail)
	if err != nil {
		return &LogWriteError{Op: e.Operation, Err: fmt.Errorf("%w (%s)", err, LOC_LOG_WRITE)}
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (l *PGPartitionLog) Recent(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, operation, partition_name, status, detail, created_at
		 FROM partition_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_READ)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var partition, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Operation, &partition, &e.Status, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s row: %w (%s)", PartitionLogsTable, err, LOC_LOG_READ)
		}
		e.Partition = partition.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_READ)
	}
	return entries, nil
}

// CountByStatus tallies entries since the given time.
func (l *PGPartitionLog) CountByStatus(ctx context.Context, since time.Time) (int64, int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, count(*) FROM partition_logs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return 0, 0, fmt.Errorf("count %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_READ)
	}
	defer rows.Close()

	var success, failure int64
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("scan count row: %w (%s)", err, LOC_LOG_READ)
		}
		switch Status(status) {
		case StatusSuccess:
			success = n
		case StatusFailure:
			failure = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("count %s: %w (%s)", PartitionLogsTable, err, LOC_LOG_READ)
	}
	return success, failure, nil
}

// recorder bundles the audit log with the best-effort write policy shared
// by the provisioner, scheduler, migrator and guard: a dropped audit row is
// worth a warning, never a failed operation.
type recorder struct {
	plog    PartitionLog
	logger  *slog.Logger
	metrics Metrics
}

func (r recorder) record(ctx context.Context, e LogEntry) {
	if r.plog == nil {
		return
	}
	if err := r.plog.Record(ctx, e); err != nil {
		r.metrics.LogWriteDropped()
		r.logger.Warn("partition log write dropped",
			"operation", string(e.Operation),
			"partition", e.Partition,
			"error", err,
			"loc", LOC_LOG_WRITE)
	}
}
