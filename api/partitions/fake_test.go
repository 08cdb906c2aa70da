package partitions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a valid config with retries off so log assertions stay
// exact. Tests override individual fields as needed.
func testConfig() *Config {
	return &Config{
		LookAheadDays:        7,
		InitialBackfillDays:  0,
		SweepFrequencySecs:   3600,
		ProvisionTimeoutSecs: 30,
		ProvisionRetries:     0,
		RetryBackoffMsecs:    1,
		PGHost:               "localhost",
		PGPort:               5432,
		PGUser:               "unifarm",
		PGDatabase:           "unifarm",
		PGSSLMode:            "disable",
		LogFormat:            "text",
		LogMaxSizeMB:         10,
		LogFiles:             5,
		PIDFile:              "/tmp/partman-test.pid",
	}
}

// fixedNow pins the clock to midday of the given date.
func fixedNow(day DateKey) func() time.Time {
	return func() time.Time { return day.Start().Add(12 * time.Hour) }
}

type memRow struct {
	id        int64
	createdAt time.Time
}

type memTable struct {
	rows        []memRow
	partitioned bool
	parent      string
	from, to    Bound
	indexed     bool
}

// memCatalog is the in-memory Catalog the package tests run against. It
// mimics the PostgreSQL behaviors the subsystem leans on: IF NOT EXISTS
// creation, range overlap rejection, row routing through the parent and
// session-style advisory locking.
type memCatalog struct {
	mu     sync.Mutex
	tables map[string]*memTable
	seq    int64 // last sequence target passed to ResetIDSequence

	lockHeld       bool
	failLock       bool
	failCreate     map[string]error
	failCreateOnce map[string]int
	failIndex      map[string]error
	failInsertInto map[string]error

	createCalls int
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		tables:         map[string]*memTable{},
		failCreate:     map[string]error{},
		failCreateOnce: map[string]int{},
		failIndex:      map[string]error{},
		failInsertInto: map[string]error{},
	}
}

var _ Catalog = (*memCatalog)(nil)

// addFlatTable seeds a plain (unpartitioned) table.
func (c *memCatalog) addFlatTable(name string, rows ...memRow) *memTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &memTable{rows: rows}
	c.tables[name] = t
	return t
}

func (c *memCatalog) addRow(name string, id int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name].rows = append(c.tables[name].rows, memRow{id: id, createdAt: at.UTC()})
}

func (c *memCatalog) hasTable(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[name] != nil
}

func (c *memCatalog) rowsIn(name string) []memRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[name]
	if t == nil {
		return nil
	}
	out := make([]memRow, len(t.rows))
	copy(out, t.rows)
	return out
}

func (c *memCatalog) childNames(parent string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name, t := range c.tables {
		if t.parent == parent {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *memCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[name] != nil, nil
}

func (c *memCatalog) IsPartitioned(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[name]
	return t != nil && t.partitioned, nil
}

func (c *memCatalog) ListPartitions(ctx context.Context, parent string) ([]PartitionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var parts []PartitionInfo
	for name, t := range c.tables {
		if t.parent == parent {
			parts = append(parts, PartitionInfo{Name: name, From: t.from, To: t.to})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return boundLess(parts[i].From, parts[j].From) })
	return parts, nil
}

func (c *memCatalog) CreateParent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[TransactionsTable] != nil {
		return nil
	}
	c.tables[TransactionsTable] = &memTable{partitioned: true}
	return nil
}

// endsBefore reports that a range ending at to cannot reach one starting at
// from (to <= from with MINVALUE and MAXVALUE handled).
func endsBefore(to, from Bound) bool {
	if to.Max || from.Min {
		return false
	}
	if to.Min || from.Max {
		return true
	}
	return !to.At.After(from.At)
}

func rangesOverlap(aFrom, aTo, bFrom, bTo Bound) bool {
	return !endsBefore(aTo, bFrom) && !endsBefore(bTo, aFrom)
}

func boundContains(from, to Bound, at time.Time) bool {
	if !from.Min && !from.Max && at.Before(from.At) {
		return false
	}
	if !to.Min && !to.Max && !at.Before(to.At) {
		return false
	}
	return !from.Max && !to.Min
}

func (c *memCatalog) CreatePartition(ctx context.Context, name string, from, to Bound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++

	if n, ok := c.failCreateOnce[name]; ok && n > 0 {
		c.failCreateOnce[name] = n - 1
		return fmt.Errorf("create partition %s: transient fault", name)
	}
	if err := c.failCreate[name]; err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	if c.tables[name] != nil {
		return nil // IF NOT EXISTS
	}
	for sibling, t := range c.tables {
		if t.parent != TransactionsTable {
			continue
		}
		if rangesOverlap(from, to, t.from, t.to) {
			return fmt.Errorf("partition %q would overlap partition %q", name, sibling)
		}
	}
	c.tables[name] = &memTable{parent: TransactionsTable, from: from, to: to}
	return nil
}

func (c *memCatalog) CreatePartitionIndexes(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failIndex[name]; err != nil {
		return err
	}
	t := c.tables[name]
	if t == nil {
		return fmt.Errorf("relation %q does not exist", name)
	}
	t.indexed = true
	return nil
}

func (c *memCatalog) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, name)
	return nil
}

// allRows flattens a table and, for a partitioned parent, its children.
func (c *memCatalog) allRowsLocked(name string) []memRow {
	t := c.tables[name]
	if t == nil {
		return nil
	}
	rows := append([]memRow(nil), t.rows...)
	if t.partitioned {
		for _, child := range c.tables {
			if child.parent == name {
				rows = append(rows, child.rows...)
			}
		}
	}
	return rows
}

func (c *memCatalog) SnapshotTable(ctx context.Context, src, dst string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[src] == nil {
		return 0, fmt.Errorf("relation %q does not exist", src)
	}
	if c.tables[dst] != nil {
		return 0, fmt.Errorf("relation %q already exists", dst)
	}
	rows := c.allRowsLocked(src)
	c.tables[dst] = &memTable{rows: rows}
	return int64(len(rows)), nil
}

func (c *memCatalog) InsertFromTable(ctx context.Context, dst, src string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failInsertInto[dst]; err != nil {
		return 0, err
	}
	srcTable := c.tables[src]
	dstTable := c.tables[dst]
	if srcTable == nil {
		return 0, fmt.Errorf("relation %q does not exist", src)
	}
	if dstTable == nil {
		return 0, fmt.Errorf("relation %q does not exist", dst)
	}
	rows := c.allRowsLocked(src)
	if !dstTable.partitioned {
		dstTable.rows = append(dstTable.rows, rows...)
		return int64(len(rows)), nil
	}
	// Route through the parent the way PostgreSQL would; a row without a
	// covering partition fails the whole statement.
	targets := make([]*memTable, 0, len(rows))
	for _, row := range rows {
		var target *memTable
		for _, child := range c.tables {
			if child.parent == dst && boundContains(child.from, child.to, row.createdAt) {
				target = child
				break
			}
		}
		if target == nil {
			return 0, fmt.Errorf("no partition of relation %q found for row at %s", dst, row.createdAt)
		}
		targets = append(targets, target)
	}
	for i, row := range rows {
		targets[i].rows = append(targets[i].rows, row)
	}
	return int64(len(rows)), nil
}

func (c *memCatalog) RowCount(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[name] == nil {
		return 0, fmt.Errorf("relation %q does not exist", name)
	}
	return int64(len(c.allRowsLocked(name))), nil
}

func (c *memCatalog) MaxID(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[name] == nil {
		return 0, fmt.Errorf("relation %q does not exist", name)
	}
	var max int64
	for _, row := range c.allRowsLocked(name) {
		if row.id > max {
			max = row.id
		}
	}
	return max, nil
}

func (c *memCatalog) ResetIDSequence(ctx context.Context, table string, maxID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = maxID
	return nil
}

func (c *memCatalog) TryAdvisoryLock(ctx context.Context) (func(), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failLock || c.lockHeld {
		return nil, false, nil
	}
	c.lockHeld = true
	release := func() {
		c.mu.Lock()
		c.lockHeld = false
		c.mu.Unlock()
	}
	return release, true, nil
}

// memLog is an in-memory PartitionLog.
type memLog struct {
	mu      sync.Mutex
	ensured bool
	failAll bool
	entries []LogEntry
}

var _ PartitionLog = (*memLog)(nil)

func (l *memLog) Ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensured = true
	return nil
}

func (l *memLog) Record(ctx context.Context, e LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return &LogWriteError{Op: e.Operation, Err: errors.New("audit sink down")}
	}
	e.ID = fmt.Sprintf("mem-%d", len(l.entries)+1)
	e.CreatedAt = time.Now()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) Recent(ctx context.Context, limit int) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *memLog) CountByStatus(ctx context.Context, since time.Time) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var success, failure int64
	for _, e := range l.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		switch e.Status {
		case StatusSuccess:
			success++
		case StatusFailure:
			failure++
		}
	}
	return success, failure, nil
}

// count tallies entries matching the operation and status.
func (l *memLog) count(op Operation, st Status) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Operation == op && e.Status == st {
			n++
		}
	}
	return n
}

func (l *memLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// metricsSpy counts observations.
type metricsSpy struct {
	mu            sync.Mutex
	sweepsStarted int
	sweepsDone    int
	created       int
	failed        int
	migrations    int
	dropped       int
}

var _ Metrics = (*metricsSpy)(nil)

func (m *metricsSpy) SweepStarted() {
	m.mu.Lock()
	m.sweepsStarted++
	m.mu.Unlock()
}

func (m *metricsSpy) SweepFinished(*SweepResult) {
	m.mu.Lock()
	m.sweepsDone++
	m.mu.Unlock()
}

func (m *metricsSpy) PartitionCreated(DateKey) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *metricsSpy) ProvisionFailed(DateKey) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *metricsSpy) MigrationFinished(*MigrationResult) {
	m.mu.Lock()
	m.migrations++
	m.mu.Unlock()
}

func (m *metricsSpy) LogWriteDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// rig wires the whole subsystem against the in-memory fakes with the clock
// pinned to midday of today.
type rig struct {
	cfg   *Config
	cat   *memCatalog
	plog  *memLog
	spy   *metricsSpy
	prov  *Provisioner
	sched *Scheduler
	guard *Guard
	mig   *Migrator
}

func newRig(today DateKey, cfg *Config) *rig {
	logger := testLogger()
	r := &rig{cfg: cfg, cat: newMemCatalog(), plog: &memLog{}, spy: &metricsSpy{}}
	r.prov = NewProvisioner(r.cat, r.plog, logger, r.spy)
	r.sched = NewScheduler(cfg, r.cat, r.prov, r.plog, logger, r.spy)
	r.sched.now = fixedNow(today)
	r.guard = NewGuard(cfg, r.cat, r.prov, r.sched, r.plog, logger, r.spy)
	r.guard.now = fixedNow(today)
	r.mig = NewMigrator(cfg, r.cat, r.guard, r.plog, logger, r.spy)
	r.mig.now = fixedNow(today)
	return r
}

// seedLayout builds a partitioned parent with the history partition ending
// at defaultUntil and the catch-all starting at futureFrom.
func seedLayout(c *memCatalog, defaultUntil, futureFrom DateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[TransactionsTable] = &memTable{partitioned: true}
	c.tables[DefaultPartition] = &memTable{
		parent: TransactionsTable, from: MinBound(), to: BoundAt(defaultUntil.Start()),
	}
	c.tables[FuturePartition] = &memTable{
		parent: TransactionsTable, from: BoundAt(futureFrom.Start()), to: MaxBound(),
	}
}

// addDaily attaches one daily partition without going through the
// provisioner.
func addDaily(c *memCatalog, day DateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[day.PartitionName()] = &memTable{
		parent: TransactionsTable, from: BoundAt(day.Start()), to: BoundAt(day.End()),
	}
}
