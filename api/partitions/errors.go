package partitions

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors surfaced by the subsystem.
var (
	// ErrImminentWindow reports that neither today's nor tomorrow's daily
	// partition exists after a strict sweep. Left alone, inserts pile up in
	// transactions_future and the next rebind gets more expensive, so the
	// daemon treats this as fatal.
	ErrImminentWindow = errors.New("no daily partition covers the imminent window")

	// ErrNotPartitioned reports that the transactions table is still flat.
	// The migrator has to run before the scheduler can do anything.
	ErrNotPartitioned = errors.New("transactions table is not partitioned")
)

// ConfigurationError reports an invalid or missing configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Reason)
}

// ProvisioningError reports a failed attempt to create one daily partition.
type ProvisioningError struct {
	Day       DateKey
	Partition string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s (%s): %v", e.Partition, e.Day, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// MigrationError reports a failed migration step. Step names where the run
// stopped so an operator can tell whether the holding table still exists.
type MigrationError struct {
	Step string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration step %q: %v", e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// LogWriteError reports a failed partition_logs insert. It never propagates
// to the caller of the operation being logged; it only travels through slog.
type LogWriteError struct {
	Op  Operation
	Err error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("partition log write (op=%s): %v", e.Op, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

// SQLState extracts the PostgreSQL SQLSTATE code from err, or "" when the
// error did not come from the server.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
