package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// DynamicRunner executes the dynamic tier: the target's declared logic is
// loaded into a live database and its runtime constraints exercised against
// representative data. Only violations actually observed become issues.
type DynamicRunner struct {
	db      domain.DatabaseManager
	runtime domain.Runtime
	log     *zap.Logger
}

func NewDynamicRunner(db domain.DatabaseManager, runtime domain.Runtime, log *zap.Logger) *DynamicRunner {
	return &DynamicRunner{db: db, runtime: runtime, log: log}
}

func (d *DynamicRunner) Tier() domain.Tier { return domain.TierDynamic }

func (d *DynamicRunner) Run(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResult, error) {
	start := time.Now().UTC()

	dbName := "val_" + uuid.NewString()[:8]
	tdb, err := d.db.Create(ctx, dbName, domain.TypeTemp, domain.CreateOptions{})
	if err != nil {
		return nil, domain.Infrastructure("dynamic.provision", err)
	}
	if err := d.db.Acquire(ctx, tdb.Name, req.ID); err != nil {
		_ = d.db.Drop(context.WithoutCancel(ctx), tdb.Name, true)
		return nil, domain.Infrastructure("dynamic.acquire", err)
	}
	// Release and drop on every path, including cancellation, so no
	// database is ever orphaned in_use.
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := d.db.Release(cleanupCtx, tdb.Name); err != nil {
			d.log.Warn("releasing validation database", zap.String("database", tdb.Name), zap.Error(err))
		}
		if err := d.db.Drop(cleanupCtx, tdb.Name, true); err != nil {
			d.log.Warn("dropping validation database", zap.String("database", tdb.Name), zap.Error(err))
		}
	}()

	issues, err := d.Exercise(ctx, d.db.DSN(tdb.Name), req)
	if err != nil {
		return nil, err
	}

	return &domain.ValidationResult{
		RequestID:  req.ID,
		Tier:       domain.TierDynamic,
		Status:     domain.StatusForIssues(issues),
		Issues:     issues,
		StartedAt:  start,
		FinishedAt: time.Now().UTC(),
	}, nil
}

// Exercise runs the dynamic checks against an already-provisioned database.
// The bulletproof tier reuses it against a replica environment's endpoint.
func (d *DynamicRunner) Exercise(ctx context.Context, dsn string, req domain.ValidationRequest) ([]domain.Issue, error) {
	issues, err := d.runtime.Exercise(ctx, dsn, req.Target, req.WithDemoData)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.Timeout("dynamic.exercise", err)
		}
		return nil, domain.Infrastructure("dynamic.exercise", fmt.Errorf("exercising %s: %w", req.Target, err))
	}
	return issues, nil
}
