package partitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Location codes for guard operations
const (
	LOC_GRD_ENSURE = "UNF_PRT_070"
	LOC_GRD_SWEEP  = "UNF_PRT_071"
	LOC_GRD_HEALTH = "UNF_PRT_072"
	LOC_GRD_LOOP   = "UNF_PRT_073"
)

// Guard applies the provisioning feature flags in front of the provisioner
// and the scheduler. Everything outside the package goes through it.
//
//	DISABLED  skip_provisioning: no DDL, no audit rows
//	LENIENT   ignore_provisioning_errors: failures are logged and swallowed
//	STRICT    failures propagate; a sweep that leaves today and tomorrow
//	          uncovered escalates to ErrImminentWindow
type Guard struct {
	cfg       *Config
	catalog   Catalog
	prov      *Provisioner
	scheduler *Scheduler
	rec       recorder
	now       func() time.Time
}

func NewGuard(cfg *Config, catalog Catalog, prov *Provisioner, scheduler *Scheduler, plog PartitionLog, logger *slog.Logger, metrics Metrics) *Guard {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Guard{
		cfg:       cfg,
		catalog:   catalog,
		prov:      prov,
		scheduler: scheduler,
		rec:       recorder{plog: plog, logger: logger, metrics: metrics},
		now:       time.Now,
	}
}

// Mode reports the active provisioning policy.
func (g *Guard) Mode() GuardMode { return g.cfg.Mode() }

// EnsureDay runs the provisioner for one day under the active mode.
func (g *Guard) EnsureDay(ctx context.Context, day DateKey) (ProvisionResult, error) {
	if g.cfg.SkipProvisioning {
		g.rec.logger.Debug("provisioning disabled, skipping",
			"day", day.String(), "loc", LOC_GRD_ENSURE)
		return ProvisionResult{Day: day, Partition: day.PartitionName(), Skipped: true}, nil
	}
	res, err := g.prov.EnsureDay(ctx, day)
	if err != nil && g.cfg.IgnoreProvisioningErrors {
		// The provisioner already wrote the failure audit row.
		g.rec.logger.Warn("provisioning error ignored",
			"day", day.String(), "error", err, "loc", LOC_GRD_ENSURE)
		res.Suppressed = true
		return res, nil
	}
	return res, err
}

// Sweep runs one guarded scheduler pass.
func (g *Guard) Sweep(ctx context.Context) (*SweepResult, error) {
	if g.cfg.SkipProvisioning {
		g.rec.logger.Info("sweep skipped, provisioning disabled", "loc", LOC_GRD_SWEEP)
		return &SweepResult{Skipped: true, SkipReason: "provisioning disabled", Started: g.now()}, nil
	}

	res, err := g.scheduler.RunOnce(ctx)
	if err == nil {
		return res, nil
	}
	if !g.cfg.IgnoreProvisioningErrors {
		return res, g.escalate(ctx, res, err)
	}

	// Day failures were already audited by the provisioner; only a
	// sweep-level fault (lock, listing, rebind) gets its own error row.
	if res == nil || !res.Failed() {
		g.rec.record(ctx, LogEntry{Operation: OpError, Status: StatusFailure,
			Detail: fmt.Sprintf("sweep error ignored: %v", err)})
	}
	g.rec.logger.Warn("sweep error ignored", "error", err, "loc", LOC_GRD_SWEEP)
	return res, nil
}

// escalate upgrades a sweep failure to ErrImminentWindow when neither
// today's nor tomorrow's daily partition exists.
func (g *Guard) escalate(ctx context.Context, res *SweepResult, sweepErr error) error {
	today := DateKeyOf(g.now())
	todayOK, err1 := g.catalog.TableExists(ctx, today.PartitionName())
	tomorrowOK, err2 := g.catalog.TableExists(ctx, today.Next().PartitionName())
	if err1 == nil && err2 == nil && !todayOK && !tomorrowOK {
		failed := 0
		if res != nil {
			failed = len(res.Failures)
		}
		g.rec.logger.Error("imminent window uncovered",
			"today", today.String(), "failed_days", failed,
			"error", sweepErr, "loc", LOC_GRD_HEALTH)
		return fmt.Errorf("%w: %v (%s)", ErrImminentWindow, sweepErr, LOC_GRD_HEALTH)
	}
	return sweepErr
}

// HealthCheck reports whether rows arriving now and through tomorrow have a
// daily partition to land in. The monitor maps a failure to 503.
func (g *Guard) HealthCheck(ctx context.Context) error {
	if g.cfg.SkipProvisioning {
		// Operators own the DDL; there is nothing to assert.
		return nil
	}
	today := DateKeyOf(g.now())
	for _, day := range []DateKey{today, today.Next()} {
		ok, err := g.catalog.TableExists(ctx, day.PartitionName())
		if err != nil {
			return fmt.Errorf("health check: %w (%s)", err, LOC_GRD_HEALTH)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w (%s)", ErrImminentWindow, LOC_GRD_HEALTH)
}

// Run sweeps immediately and then at the configured frequency until ctx is
// cancelled. Sweep failures are retried on the next tick; only
// ErrImminentWindow aborts the loop.
func (g *Guard) Run(ctx context.Context) error {
	if g.cfg.SkipProvisioning {
		g.rec.logger.Info("provisioning disabled, scheduler idle", "loc", LOC_GRD_LOOP)
		<-ctx.Done()
		return ctx.Err()
	}

	g.rec.logger.Info("partition scheduler starting",
		"mode", string(g.Mode()),
		"look_ahead_days", g.cfg.LookAheadDays,
		"frequency", g.cfg.SweepFrequency().String(),
		"loc", LOC_GRD_LOOP)

	sweep := func() error {
		if _, err := g.Sweep(ctx); err != nil {
			if errors.Is(err, ErrImminentWindow) {
				return err
			}
			g.rec.logger.Error("sweep failed", "error", err, "loc", LOC_GRD_LOOP)
		}
		return nil
	}

	if err := sweep(); err != nil {
		return err
	}

	ticker := time.NewTicker(g.cfg.SweepFrequency())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.rec.logger.Info("partition scheduler stopping", "loc", LOC_GRD_LOOP)
			return ctx.Err()
		case <-ticker.C:
			if err := sweep(); err != nil {
				return err
			}
		}
	}
}
