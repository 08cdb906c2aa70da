package partitions

import (
	"context"
	"time"
)

// Bound is one edge of a partition range: a concrete instant, MINVALUE or
// MAXVALUE.
type Bound struct {
	Min bool
	Max bool
	At  time.Time
}

// BoundAt builds a finite bound at the given instant.
func BoundAt(t time.Time) Bound { return Bound{At: t.UTC()} }

// MinBound is the open lower edge of the keyspace.
func MinBound() Bound { return Bound{Min: true} }

// MaxBound is the open upper edge of the keyspace.
func MaxBound() Bound { return Bound{Max: true} }

// String renders the bound the way it appears in partition DDL.
func (b Bound) String() string {
	switch {
	case b.Min:
		return "MINVALUE"
	case b.Max:
		return "MAXVALUE"
	default:
		return "'" + b.At.UTC().Format("2006-01-02 15:04:05+00") + "'"
	}
}

// PartitionInfo describes one child of the transactions table.
type PartitionInfo struct {
	Name string `json:"name"`
	From Bound  `json:"-"`
	To   Bound  `json:"-"`
}

// Catalog is the subsystem's view of the database schema. PGCatalog is the
// production implementation; tests substitute an in-memory fake.
type Catalog interface {
	TableExists(ctx context.Context, name string) (bool, error)
	IsPartitioned(ctx context.Context, name string) (bool, error)
	ListPartitions(ctx context.Context, parent string) ([]PartitionInfo, error)

	CreateParent(ctx context.Context) error
	CreatePartition(ctx context.Context, name string, from, to Bound) error
	CreatePartitionIndexes(ctx context.Context, name string) error
	DropTable(ctx context.Context, name string) error

	SnapshotTable(ctx context.Context, src, dst string) (int64, error)
	InsertFromTable(ctx context.Context, dst, src string) (int64, error)
	RowCount(ctx context.Context, name string) (int64, error)
	MaxID(ctx context.Context, name string) (int64, error)
	ResetIDSequence(ctx context.Context, table string, maxID int64) error

	// TryAdvisoryLock serializes sweeps across instances. release is non-nil
	// only when acquired is true.
	TryAdvisoryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// findPartition looks a child up by name.
func findPartition(parts []PartitionInfo, name string) (PartitionInfo, bool) {
	for _, p := range parts {
		if p.Name == name {
			return p, true
		}
	}
	return PartitionInfo{}, false
}

// highestCoveredEnd returns the largest finite upper bound among explicit
// (non catch-all) partitions. This is where the future partition must begin
// for the keyspace to stay gap-free at the seam.
func highestCoveredEnd(parts []PartitionInfo) (DateKey, bool) {
	var best time.Time
	found := false
	for _, p := range parts {
		if p.Name == FuturePartition || p.To.Max || p.To.Min {
			continue
		}
		if p.To.At.After(best) {
			best = p.To.At
			found = true
		}
	}
	if !found {
		return DateKey{}, false
	}
	return DateKeyOf(best), true
}
