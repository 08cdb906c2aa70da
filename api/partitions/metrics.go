package partitions

// Metrics receives operational counters from the subsystem. The monitor
// package provides a prometheus-backed implementation; NopMetrics is used
// when no collector is wired.
type Metrics interface {
	SweepStarted()
	SweepFinished(res *SweepResult)
	PartitionCreated(day DateKey)
	ProvisionFailed(day DateKey)
	MigrationFinished(res *MigrationResult)
	LogWriteDropped()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SweepStarted()                      {}
func (NopMetrics) SweepFinished(*SweepResult)         {}
func (NopMetrics) PartitionCreated(DateKey)           {}
func (NopMetrics) ProvisionFailed(DateKey)            {}
func (NopMetrics) MigrationFinished(*MigrationResult) {}
func (NopMetrics) LogWriteDropped()                   {}

var _ Metrics = NopMetrics{}
