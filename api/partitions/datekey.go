package partitions

import (
	"fmt"
	"time"
)

// Location codes for date key operations
const (
	LOC_DATE_PARSE = "UNF_PRT_001"
)

// DateKey identifies one UTC calendar day. Partition names, range bounds and
// sweep windows are all derived from it, so every component talks in
// DateKeys instead of raw timestamps.
type DateKey struct {
	t time.Time // midnight UTC
}

// DateKeyOf returns the DateKey containing the given instant, evaluated in UTC.
func DateKeyOf(t time.Time) DateKey {
	u := t.UTC()
	return DateKey{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

// NewDateKey builds a DateKey from calendar components.
func NewDateKey(year int, month time.Month, day int) DateKey {
	return DateKey{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDateKey parses an ISO date such as "2025-05-01".
func ParseDateKey(s string) (DateKey, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DateKey{}, fmt.Errorf("invalid date %q: %w (%s)", s, err, LOC_DATE_PARSE)
	}
	return DateKeyOf(t), nil
}

// AddDays returns the DateKey n calendar days away (n may be negative).
func (d DateKey) AddDays(n int) DateKey {
	return DateKey{t: d.t.AddDate(0, 0, n)}
}

// Next returns the following day.
func (d DateKey) Next() DateKey { return d.AddDays(1) }

// Prev returns the preceding day.
func (d DateKey) Prev() DateKey { return d.AddDays(-1) }

func (d DateKey) Before(o DateKey) bool { return d.t.Before(o.t) }
func (d DateKey) After(o DateKey) bool  { return d.t.After(o.t) }
func (d DateKey) Equal(o DateKey) bool  { return d.t.Equal(o.t) }
func (d DateKey) IsZero() bool          { return d.t.IsZero() }

// String returns the ISO form, e.g. "2025-05-01".
func (d DateKey) String() string { return d.t.Format("2006-01-02") }

// Start returns the inclusive lower bound of the day.
func (d DateKey) Start() time.Time { return d.t }

// End returns the exclusive upper bound of the day, midnight of the next day.
func (d DateKey) End() time.Time { return d.t.AddDate(0, 0, 1) }

// PartitionName returns the child table holding this day's rows,
// e.g. "transactions_2025_05_01".
func (d DateKey) PartitionName() string {
	return TransactionsTable + "_" + d.t.Format("2006_01_02")
}

// Window returns every day from first through last inclusive, in order.
// A reversed range yields nil.
func Window(first, last DateKey) []DateKey {
	if last.Before(first) {
		return nil
	}
	days := make([]DateKey, 0, 8)
	for d := first; !d.After(last); d = d.Next() {
		days = append(days, d)
	}
	return days
}
