// //////////////////////////////////////////////////////////
//
// Description:
// PostgreSQL implementation of the partition catalog: DDL for the
// partitioned transactions table and schema inspection through pg_catalog.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package partitions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Location codes for catalog operations
const (
	LOC_CAT_EXISTS = "UNF_PRT_020"
	LOC_CAT_LIST   = "UNF_PRT_021"
	LOC_CAT_DDL    = "UNF_PRT_022"
	LOC_CAT_COPY   = "UNF_PRT_023"
	LOC_CAT_SEQ    = "UNF_PRT_024"
	LOC_CAT_LOCK   = "UNF_PRT_025"
	LOC_CAT_BOUNDS = "UNF_PRT_026"
)

// Table names owned by the subsystem.
const (
	TransactionsTable  = "transactions"
	DefaultPartition   = "transactions_default"
	FuturePartition    = "transactions_future"
	MigrationHoldTable = "transactions_migration_hold"
	FutureHoldTable    = "transactions_future_hold"
)

// Advisory lock identity for sweep serialization: a project tag plus a
// resource id, passed to the two-key form of pg_try_advisory_lock.
const (
	advisoryClassID = 0x554E4946 // "UNIF"
	advisoryObjID   = 1
)

// The partition key must be part of the primary key, hence (id, created_at).
const createParentSQL = `
CREATE TABLE IF NOT EXISTS transactions (
    id BIGSERIAL,
    user_id BIGINT NOT NULL,
    type VARCHAR(50) NOT NULL,
    amount NUMERIC(20,9) NOT NULL,
    currency VARCHAR(10) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'confirmed',
    source VARCHAR(50),
    category VARCHAR(50),
    tx_hash TEXT,
    description TEXT,
    source_user_id BIGINT,
    data JSONB,
    wallet_address TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (id, created_at)
) PARTITION BY RANGE (created_at)`

// partitionIndexColumns are the per-partition index targets: history reads
// filter by user and type, pruning works through created_at.
var partitionIndexColumns = []string{"user_id", "type", "created_at"}

// PGCatalog talks to PostgreSQL through database/sql with the lib/pq driver.
type PGCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPGCatalog(db *sql.DB, logger *slog.Logger) *PGCatalog {
	return &PGCatalog{db: db, logger: logger}
}

var _ Catalog = (*PGCatalog)(nil)

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// validIdent rejects anything that could smuggle SQL through a table name.
func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q (%s)", name, LOC_CAT_DDL)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (c *PGCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = $1 AND relkind IN ('r', 'p'))`,
		name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w (%s)", name, err, LOC_CAT_EXISTS)
	}
	return exists, nil
}

func (c *PGCatalog) IsPartitioned(ctx context.Context, name string) (bool, error) {
	var partitioned bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = $1 AND relkind = 'p')`,
		name).Scan(&partitioned)
	if err != nil {
		return false, fmt.Errorf("check partitioning of %s: %w (%s)", name, err, LOC_CAT_EXISTS)
	}
	return partitioned, nil
}

// ListPartitions returns the children of parent with parsed range bounds,
// ordered by lower bound with MINVALUE first.
func (c *PGCatalog) ListPartitions(ctx context.Context, parent string) ([]PartitionInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT child.relname, pg_get_expr(child.relpartbound, child.oid)
		FROM pg_inherits
		JOIN pg_class parent ON parent.oid = pg_inherits.inhparent
		JOIN pg_class child ON child.oid = pg_inherits.inhrelid
		WHERE parent.relname = $1
		ORDER BY child.relname`, parent)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w (%s)", parent, err, LOC_CAT_LIST)
	}
	defer rows.Close()

	var parts []PartitionInfo
	for rows.Next() {
		var name, boundExpr string
		if err := rows.Scan(&name, &boundExpr); err != nil {
			return nil, fmt.Errorf("scan partition row: %w (%s)", err, LOC_CAT_LIST)
		}
		from, to, err := parsePartitionBound(boundExpr)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", name, err)
		}
		parts = append(parts, PartitionInfo{Name: name, From: from, To: to})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w (%s)", parent, err, LOC_CAT_LIST)
	}

	sort.Slice(parts, func(i, j int) bool { return boundLess(parts[i].From, parts[j].From) })
	return parts, nil
}

func boundLess(a, b Bound) bool {
	switch {
	case a.Min:
		return !b.Min
	case b.Min:
		return false
	case a.Max:
		return false
	case b.Max:
		return true
	default:
		return a.At.Before(b.At)
	}
}

// Partition bound expressions come back from pg_get_expr looking like
//
//	FOR VALUES FROM ('2025-05-01 00:00:00+00') TO ('2025-05-02 00:00:00+00')
//	FOR VALUES FROM (MINVALUE) TO ('2025-05-01 00:00:00+00')
var boundExprPattern = regexp.MustCompile(`FOR VALUES FROM \((.+)\) TO \((.+)\)`)

func parsePartitionBound(expr string) (Bound, Bound, error) {
	m := boundExprPattern.FindStringSubmatch(expr)
	if m == nil {
		return Bound{}, Bound{}, fmt.Errorf("unrecognized partition bound %q (%s)", expr, LOC_CAT_BOUNDS)
	}
	from, err := parseBoundValue(m[1])
	if err != nil {
		return Bound{}, Bound{}, err
	}
	to, err := parseBoundValue(m[2])
	if err != nil {
		return Bound{}, Bound{}, err
	}
	return from, to, nil
}

var boundValueLayouts = []string{
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07:00",
}

func parseBoundValue(s string) (Bound, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "MINVALUE":
		return MinBound(), nil
	case "MAXVALUE":
		return MaxBound(), nil
	}
	s = strings.Trim(s, "'")
	for _, layout := range boundValueLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return BoundAt(t), nil
		}
	}
	return Bound{}, fmt.Errorf("unparseable bound value %q (%s)", s, LOC_CAT_BOUNDS)
}

func (c *PGCatalog) CreateParent(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, createParentSQL); err != nil {
		return fmt.Errorf("create parent table: %w (%s)", err, LOC_CAT_DDL)
	}
	c.logger.Info("partitioned parent table ensured", "table", TransactionsTable)
	return nil
}

func (c *PGCatalog) CreatePartition(ctx context.Context, name string, from, to Bound) error {
	if err := validIdent(name); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%s) TO (%s)`,
		quoteIdent(name), quoteIdent(TransactionsTable), from, to)
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create partition %s: %w (%s)", name, err, LOC_CAT_DDL)
	}
	c.logger.Debug("partition DDL applied", "partition", name, "from", from.String(), "to", to.String())
	return nil
}

func (c *PGCatalog) CreatePartitionIndexes(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	for _, col := range partitionIndexColumns {
		idx := fmt.Sprintf("idx_%s_%s", name, col)
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			quoteIdent(idx), quoteIdent(name), col)
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index %s: %w (%s)", idx, err, LOC_CAT_DDL)
		}
	}
	return nil
}

// DropTable removes a table or partition. Dropping a partition detaches it
// from the parent as part of the drop.
func (c *PGCatalog) DropTable(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("drop table %s: %w (%s)", name, err, LOC_CAT_DDL)
	}
	return nil
}

// SnapshotTable copies src into a brand-new dst and returns the number of
// rows it now holds. CREATE TABLE AS is a single statement, so a crash
// leaves either no dst at all or a complete copy.
func (c *PGCatalog) SnapshotTable(ctx context.Context, src, dst string) (int64, error) {
	if err := validIdent(src); err != nil {
		return 0, err
	}
	if err := validIdent(dst); err != nil {
		return 0, err
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s AS TABLE %s`, quoteIdent(dst), quoteIdent(src))
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("snapshot %s into %s: %w (%s)", src, dst, err, LOC_CAT_COPY)
	}
	return c.RowCount(ctx, dst)
}

func (c *PGCatalog) InsertFromTable(ctx context.Context, dst, src string) (int64, error) {
	if err := validIdent(src); err != nil {
		return 0, err
	}
	if err := validIdent(dst); err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, quoteIdent(dst), quoteIdent(src)))
	if err != nil {
		return 0, fmt.Errorf("insert into %s from %s: %w (%s)", dst, src, err, LOC_CAT_COPY)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for %s: %w (%s)", dst, err, LOC_CAT_COPY)
	}
	return n, nil
}

func (c *PGCatalog) RowCount(ctx context.Context, name string) (int64, error) {
	if err := validIdent(name); err != nil {
		return 0, err
	}
	var n int64
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(name))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows of %s: %w (%s)", name, err, LOC_CAT_COPY)
	}
	return n, nil
}

func (c *PGCatalog) MaxID(ctx context.Context, name string) (int64, error) {
	if err := validIdent(name); err != nil {
		return 0, err
	}
	var max int64
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, quoteIdent(name))).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max id of %s: %w (%s)", name, err, LOC_CAT_SEQ)
	}
	return max, nil
}

// ResetIDSequence points the id sequence past maxID so new inserts never
// reuse a migrated id.
func (c *PGCatalog) ResetIDSequence(ctx context.Context, table string, maxID int64) error {
	if err := validIdent(table); err != nil {
		return err
	}
	var err error
	if maxID <= 0 {
		_, err = c.db.ExecContext(ctx,
			`SELECT setval(pg_get_serial_sequence($1, 'id'), 1, false)`, table)
	} else {
		_, err = c.db.ExecContext(ctx,
			`SELECT setval(pg_get_serial_sequence($1, 'id'), $2, true)`, table, maxID)
	}
	if err != nil {
		return fmt.Errorf("reset id sequence of %s: %w (%s)", table, err, LOC_CAT_SEQ)
	}
	return nil
}

// TryAdvisoryLock takes the sweep lock. Advisory locks are session scoped,
// so the lock and its release are pinned to one pooled connection for the
// whole sweep.
func (c *PGCatalog) TryAdvisoryLock(ctx context.Context) (func(), bool, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w (%s)", err, LOC_CAT_LOCK)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, $2)`, advisoryClassID, advisoryObjID).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w (%s)", err, LOC_CAT_LOCK)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Unlock on the same session. Closing the connection would release
		// the lock too; the explicit unlock keeps the pool entry clean.
		if _, err := conn.ExecContext(context.Background(),
			`SELECT pg_advisory_unlock($1, $2)`, advisoryClassID, advisoryObjID); err != nil {
			c.logger.Warn("advisory unlock failed", "error", err, "loc", LOC_CAT_LOCK)
		}
		conn.Close()
	}
	return release, true, nil
}
