package partitions

import (
	"context"
	"fmt"
	"log/slog"
)

// Location codes for provisioner operations
const (
	LOC_PROV_ENSURE = "UNF_PRT_040"
	LOC_PROV_INDEX  = "UNF_PRT_041"
)

// Provisioner creates daily partitions with their indexes. Every invocation
// writes exactly one audit entry, success or failure.
type Provisioner struct {
	catalog Catalog
	rec     recorder
}

func NewProvisioner(catalog Catalog, plog PartitionLog, logger *slog.Logger, metrics Metrics) *Provisioner {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Provisioner{
		catalog: catalog,
		rec:     recorder{plog: plog, logger: logger, metrics: metrics},
	}
}

// EnsureDay idempotently creates the partition for day plus its indexes.
func (p *Provisioner) EnsureDay(ctx context.Context, day DateKey) (ProvisionResult, error) {
	name := day.PartitionName()
	res := ProvisionResult{Day: day, Partition: name}

	exists, err := p.catalog.TableExists(ctx, name)
	if err != nil {
		return res, p.fail(ctx, day, name, fmt.Errorf("existence check: %w (%s)", err, LOC_PROV_ENSURE))
	}
	if exists {
		p.rec.record(ctx, LogEntry{Operation: OpCreate, Partition: name,
			Status: StatusSuccess, Detail: "already exists"})
		p.rec.logger.Debug("partition already present", "partition", name)
		return res, nil
	}

	if err := p.catalog.CreatePartition(ctx, name, BoundAt(day.Start()), BoundAt(day.End())); err != nil {
		return res, p.fail(ctx, day, name, err)
	}
	if err := p.catalog.CreatePartitionIndexes(ctx, name); err != nil {
		return res, p.fail(ctx, day, name, fmt.Errorf("indexes: %w (%s)", err, LOC_PROV_INDEX))
	}

	res.Created = true
	p.rec.metrics.PartitionCreated(day)
	p.rec.record(ctx, LogEntry{Operation: OpCreate, Partition: name, Status: StatusSuccess,
		Detail: fmt.Sprintf("created for [%s, %s)", day, day.Next())})
	p.rec.logger.Info("partition created", "partition", name, "day", day.String())
	return res, nil
}

// fail records the audit entry and wraps err as a ProvisioningError.
func (p *Provisioner) fail(ctx context.Context, day DateKey, name string, err error) error {
	p.rec.metrics.ProvisionFailed(day)
	detail := err.Error()
	if code := SQLState(err); code != "" {
		detail = fmt.Sprintf("sqlstate %s: %s", code, detail)
	}
	p.rec.record(ctx, LogEntry{Operation: OpCreate, Partition: name,
		Status: StatusFailure, Detail: detail})
	p.rec.logger.Error("partition provisioning failed",
		"partition", name, "day", day.String(), "error", err, "loc", LOC_PROV_ENSURE)
	return &ProvisioningError{Day: day, Partition: name, Err: err}
}
