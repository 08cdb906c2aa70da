package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub002/api/partitions"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *partitions.Config {
	return &partitions.Config{
		LookAheadDays:        7,
		SweepFrequencySecs:   3600,
		ProvisionTimeoutSecs: 30,
		RetryBackoffMsecs:    1,
		PGHost:               "localhost",
		PGPort:               5432,
		PGUser:               "unifarm",
		PGDatabase:           "unifarm",
		PGSSLMode:            "disable",
		LogFormat:            "text",
		PIDFile:              "/tmp/partman-monitor-test.pid",
		MonitorListen:        "127.0.0.1:0",
	}
}

// fakeCatalog is just enough catalog for the read-only monitor endpoints.
type fakeCatalog struct {
	mu          sync.Mutex
	partitioned bool
	parts       []partitions.PartitionInfo
	listErr     error
}

var _ partitions.Catalog = (*fakeCatalog)(nil)

func (f *fakeCatalog) addPartition(name string, from, to partitions.Bound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts = append(f.parts, partitions.PartitionInfo{Name: name, From: from, To: to})
}

func (f *fakeCatalog) TableExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == partitions.TransactionsTable {
		return f.partitioned, nil
	}
	for _, p := range f.parts {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCatalog) IsPartitioned(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partitioned, nil
}

func (f *fakeCatalog) ListPartitions(context.Context, string) ([]partitions.PartitionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]partitions.PartitionInfo(nil), f.parts...), nil
}

func (f *fakeCatalog) CreateParent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitioned = true
	return nil
}

func (f *fakeCatalog) CreatePartition(_ context.Context, name string, from, to partitions.Bound) error {
	f.addPartition(name, from, to)
	return nil
}

func (f *fakeCatalog) CreatePartitionIndexes(context.Context, string) error { return nil }

func (f *fakeCatalog) DropTable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.parts {
		if p.Name == name {
			f.parts = append(f.parts[:i], f.parts[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeCatalog) SnapshotTable(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (f *fakeCatalog) InsertFromTable(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (f *fakeCatalog) RowCount(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeCatalog) MaxID(context.Context, string) (int64, error)    { return 0, nil }
func (f *fakeCatalog) ResetIDSequence(context.Context, string, int64) error {
	return nil
}

func (f *fakeCatalog) TryAdvisoryLock(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// fakeLog holds audit entries in memory.
type fakeLog struct {
	mu      sync.Mutex
	entries []partitions.LogEntry
}

var _ partitions.PartitionLog = (*fakeLog)(nil)

func (l *fakeLog) Ensure(context.Context) error { return nil }

func (l *fakeLog) Record(_ context.Context, e partitions.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *fakeLog) Recent(_ context.Context, limit int) ([]partitions.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []partitions.LogEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *fakeLog) CountByStatus(_ context.Context, since time.Time) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var success, failure int64
	for _, e := range l.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		switch e.Status {
		case partitions.StatusSuccess:
			success++
		case partitions.StatusFailure:
			failure++
		}
	}
	return success, failure, nil
}

// newTestServer wires a Server onto the fakes with the real guard stack.
func newTestServer(cfg *partitions.Config, cat *fakeCatalog, plog *fakeLog, metrics *PromMetrics) *Server {
	logger := testLogger()
	var m partitions.Metrics = partitions.NopMetrics{}
	if metrics != nil {
		m = metrics
	}
	prov := partitions.NewProvisioner(cat, plog, logger, m)
	sched := partitions.NewScheduler(cfg, cat, prov, plog, logger, m)
	guard := partitions.NewGuard(cfg, cat, prov, sched, plog, logger, m)
	return NewServer(cfg, guard, cat, plog, sched, metrics, logger)
}
