package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// BulletproofRunner executes the highest-confidence tier: a disposable
// environment replica of the remote deployment target is provisioned and
// the static and dynamic checks are re-run inside it. Its pass result is
// the only one treated as a deployment guarantee.
type BulletproofRunner struct {
	env     domain.EnvironmentProvider
	static  *StaticRunner
	dynamic *DynamicRunner
	spec    domain.EnvironmentSpec
	retry   domain.RetryPolicy
	log     *zap.Logger
}

func NewBulletproofRunner(
	env domain.EnvironmentProvider,
	static *StaticRunner,
	dynamic *DynamicRunner,
	spec domain.EnvironmentSpec,
	log *zap.Logger,
) *BulletproofRunner {
	return &BulletproofRunner{
		env:     env,
		static:  static,
		dynamic: dynamic,
		spec:    spec,
		retry:   domain.DefaultInfraRetry(),
		log:     log,
	}
}

func (b *BulletproofRunner) Tier() domain.Tier { return domain.TierBulletproof }

func (b *BulletproofRunner) Run(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResult, error) {
	start := time.Now().UTC()

	var replica *domain.Environment
	err := b.retry.Do(ctx, func(ctx context.Context) error {
		var provErr error
		replica, provErr = b.env.Provision(ctx, b.spec)
		if provErr != nil {
			return domain.Infrastructure("bulletproof.provision", provErr)
		}
		return nil
	})
	if err != nil {
		// The environment itself failed, not the target.
		return nil, err
	}
	defer func() {
		if err := b.env.Terminate(context.WithoutCancel(ctx), replica.ID); err != nil {
			b.log.Warn("terminating replica environment", zap.String("environment", replica.ID), zap.Error(err))
		}
	}()

	b.log.Info("replica environment ready",
		zap.String("environment", replica.ID),
		zap.String("platform_version", replica.PlatformVersion))

	// Re-run the cheap tier inside the replica context first: an
	// unparseable target needs no runtime pass.
	staticRes, err := b.static.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	issues := staticRes.Issues

	if !staticRes.Fatal {
		dynIssues, err := b.dynamic.Exercise(ctx, replica.DSN, req)
		if err != nil {
			return nil, err
		}
		issues = append(issues, dynIssues...)
	}

	return &domain.ValidationResult{
		RequestID:  req.ID,
		Tier:       domain.TierBulletproof,
		Status:     domain.StatusForIssues(issues),
		Issues:     issues,
		StartedAt:  start,
		FinishedAt: time.Now().UTC(),
		Fatal:      staticRes.Fatal,
	}, nil
}
