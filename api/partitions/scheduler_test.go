package partitions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A sweep on day D with a 7 day look-ahead provisions yesterday through D+7
// and rebinds the catch-all to start at D+8.
func TestSweepProvisionsWindow(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.RunID)
	require.Equal(t, Window(today.Prev(), today.AddDays(7)), res.Window)
	require.Equal(t, Window(today.Prev(), today.AddDays(7)), res.Created)
	require.Equal(t, 0, res.AlreadyThere)
	require.False(t, res.Failed())
	require.True(t, res.Rebound)
	require.EqualValues(t, 0, res.HeldRows)
	require.Equal(t, today.AddDays(8), res.FutureBound)

	for _, day := range res.Window {
		pt := r.cat.tables[day.PartitionName()]
		require.NotNil(t, pt, "missing partition for %s", day)
		require.Equal(t, day.Start(), pt.from.At)
		require.Equal(t, day.End(), pt.to.At)
		require.True(t, pt.indexed)
	}

	fut := r.cat.tables[FuturePartition]
	require.NotNil(t, fut)
	require.Equal(t, today.AddDays(8).Start(), fut.from.At)
	require.True(t, fut.to.Max)
	require.True(t, fut.indexed)

	require.Equal(t, 9, r.plog.count(OpCreate, StatusSuccess))
	require.Equal(t, 9, r.spy.created)
	require.Equal(t, 1, r.spy.sweepsStarted)
	require.Equal(t, 1, r.spy.sweepsDone)

	last := r.sched.LastSweep()
	require.NotNil(t, last)
	require.Equal(t, res.RunID, last.RunID)
	sum := last.Summary()
	require.Equal(t, 9, sum.Created)
	require.Equal(t, today.AddDays(8).String(), sum.FutureBound)
}

// Sweeping twice on the same day changes nothing the second time.
func TestSweepSecondRunNoChanges(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())

	first, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	ddlCalls := r.cat.createCalls

	second, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, first.RunID, second.RunID)
	require.Empty(t, second.Created)
	require.Equal(t, 9, second.AlreadyThere)
	require.False(t, second.Rebound)
	require.Equal(t, today.AddDays(8), second.FutureBound)
	require.Equal(t, ddlCalls, r.cat.createCalls)
	require.Equal(t, 9, r.spy.created)
}

// Window days still covered by transactions_default belong to history and
// are never provisioned.
func TestSweepSkipsDaysCoveredByHistory(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today, today)

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, res.AlreadyThere)
	require.Equal(t, Window(today, today.AddDays(7)), res.Created)
	require.False(t, r.cat.hasTable(today.Prev().PartitionName()))
	require.Equal(t, today.AddDays(8), res.FutureBound)
}

func TestSweepLockBusy(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())
	r.cat.failLock = true

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.True(t, res.Skipped)
	require.Equal(t, "advisory lock held by another instance", res.SkipReason)
	require.Equal(t, 0, r.cat.createCalls)
	require.Equal(t, 0, r.spy.sweepsStarted)
	require.Equal(t, 1, r.spy.sweepsDone)
	require.Same(t, res, r.sched.LastSweep())
}

func TestSweepRequiresPartitionedTable(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	r.cat.addFlatTable(TransactionsTable)

	_, err := r.sched.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrNotPartitioned)
}

// One failing day is reported but never stops the rest of the window.
func TestSweepFailureIsolation(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	cfg := testConfig()
	cfg.LookAheadDays = 5
	r := newRig(today, cfg)
	seedLayout(r.cat, today.Prev(), today.Prev())

	badDay := today.AddDays(2)
	r.cat.failCreate[badDay.PartitionName()] = errors.New("deadlock detected")

	res, err := r.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 7 days failed")

	require.Len(t, res.Failures, 1)
	require.Equal(t, badDay, res.Failures[0].Day)
	require.Len(t, res.Created, 6)
	require.False(t, r.cat.hasTable(badDay.PartitionName()))

	// Later days were still provisioned, so the catch-all sits above them
	// and the failed day stays a hole until a sweep fills it.
	require.Equal(t, today.AddDays(6), res.FutureBound)
	require.Equal(t, 6, r.plog.count(OpCreate, StatusSuccess))
	require.Equal(t, 1, r.plog.count(OpCreate, StatusFailure))
	require.Equal(t, 1, r.spy.failed)

	// Once the fault clears, the next sweep repairs the hole in place.
	delete(r.cat.failCreate, badDay.PartitionName())
	res, err = r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []DateKey{badDay}, res.Created)
	require.Equal(t, 6, res.AlreadyThere)
	require.True(t, r.cat.hasTable(badDay.PartitionName()))
}

// When the last window day fails, the catch-all bound is pulled back so the
// keyspace stays gap-free at the seam.
func TestSweepTrailingFailurePullsFutureBack(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())

	lastDay := today.AddDays(7)
	r.cat.failCreate[lastDay.PartitionName()] = errors.New("connection reset")

	res, err := r.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, lastDay, res.FutureBound)
	require.Equal(t, lastDay.Start(), r.cat.tables[FuturePartition].from.At)
}

// Rows that landed in the catch-all are parked during the rebind and routed
// back through the parent afterwards.
func TestSweepParksAndRestoresFutureRows(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())
	r.cat.addRow(FuturePartition, 100, today.AddDays(3).Start().Add(time.Hour))
	r.cat.addRow(FuturePartition, 101, today.AddDays(20).Start().Add(2*time.Hour))

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, res.HeldRows)
	require.True(t, res.Rebound)
	require.False(t, r.cat.hasTable(FutureHoldTable))

	inDaily := r.cat.rowsIn(today.AddDays(3).PartitionName())
	require.Len(t, inDaily, 1)
	require.EqualValues(t, 100, inDaily[0].id)

	inFuture := r.cat.rowsIn(FuturePartition)
	require.Len(t, inFuture, 1)
	require.EqualValues(t, 101, inFuture[0].id)
}

// A hold table left behind by an interrupted sweep is drained on the next
// pass even when no rebind is needed anymore.
func TestSweepResumesAbandonedHold(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.AddDays(8))
	for _, day := range Window(today.Prev(), today.AddDays(7)) {
		addDaily(r.cat, day)
	}
	r.cat.addFlatTable(FutureHoldTable,
		memRow{id: 7, createdAt: today.AddDays(2).Start().Add(time.Hour)})

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, res.HeldRows)
	require.False(t, res.Rebound)
	require.Empty(t, res.Created)
	require.False(t, r.cat.hasTable(FutureHoldTable))

	inDaily := r.cat.rowsIn(today.AddDays(2).PartitionName())
	require.Len(t, inDaily, 1)
	require.EqualValues(t, 7, inDaily[0].id)
}

// A failed reinsert leaves the hold table in place; its rows survive until a
// later sweep lands them.
func TestSweepReinsertFailureKeepsHold(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())
	r.cat.addRow(FuturePartition, 55, today.AddDays(4).Start().Add(time.Hour))
	r.cat.failInsertInto[TransactionsTable] = errors.New("out of memory")

	_, err := r.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.True(t, r.cat.hasTable(FutureHoldTable))
	require.Len(t, r.cat.rowsIn(FutureHoldTable), 1)

	delete(r.cat.failInsertInto, TransactionsTable)
	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.HeldRows)
	require.False(t, r.cat.hasTable(FutureHoldTable))

	inDaily := r.cat.rowsIn(today.AddDays(4).PartitionName())
	require.Len(t, inDaily, 1)
	require.EqualValues(t, 55, inDaily[0].id)
}

// A sweep that aborts mid-run still closes out its metrics: every started
// sweep gets a matching finish, and the abort is carried as the fault.
func TestSweepFaultFinishesMetrics(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())
	r.cat.addRow(FuturePartition, 55, today.AddDays(4).Start().Add(time.Hour))
	r.cat.failInsertInto[TransactionsTable] = errors.New("out of memory")

	res, err := r.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, r.spy.sweepsStarted)
	require.Equal(t, 1, r.spy.sweepsDone)

	require.False(t, res.Failed())
	require.ErrorIs(t, res.Fault, err)
	require.Contains(t, res.Summary().Fault, "out of memory")
	require.Same(t, res, r.sched.LastSweep())
}

// Shrinking look_ahead_days between runs leaves the catch-all where the
// wider run put it; the dailies provisioned under the old window still cover
// everything below its bound, so rebinding downward is never needed.
func TestSweepShrunkenLookAheadKeepsFuture(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, today.AddDays(8), res.FutureBound)

	r.cfg.LookAheadDays = 3
	res, err = r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, res.Rebound)
	require.Equal(t, today.AddDays(8), res.FutureBound)
	require.Equal(t, today.AddDays(8).Start(), r.cat.tables[FuturePartition].from.At)

	// The days between the shrunken target and the catch-all are still
	// explicit daily partitions.
	for i := 4; i < 8; i++ {
		require.True(t, r.cat.hasTable(today.AddDays(i).PartitionName()))
	}
}

// A transient fault is retried within the same sweep.
func TestSweepRetriesTransientFailure(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	cfg := testConfig()
	cfg.ProvisionRetries = 1
	r := newRig(today, cfg)
	seedLayout(r.cat, today.Prev(), today.Prev())

	flaky := today.Next()
	r.cat.failCreateOnce[flaky.PartitionName()] = 1

	res, err := r.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Contains(t, res.Created, flaky)
	require.True(t, r.cat.hasTable(flaky.PartitionName()))

	// The failed attempt and the successful one each left an audit row.
	require.Equal(t, 1, r.plog.count(OpCreate, StatusFailure))
	require.Equal(t, 9, r.plog.count(OpCreate, StatusSuccess))
}

func TestSweepCanceledContext(t *testing.T) {
	today := NewDateKey(2025, time.May, 1)
	r := newRig(today, testConfig())
	seedLayout(r.cat, today.Prev(), today.Prev())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.sched.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The advisory lock was released on the way out.
	require.False(t, r.cat.lockHeld)
}
