// Package docker implements the environment provider on testcontainers-go.
// Each provisioned environment is a disposable PostgreSQL container pinned
// to the image the remote deployment target runs, so bulletproof results
// reflect the real platform.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// imageForPlatform pins each supported platform series to the PostgreSQL
// release its deployments run on.
var imageForPlatform = map[string]string{
	"15.0": "postgres:12-alpine",
	"16.0": "postgres:14-alpine",
	"17.0": "postgres:15-alpine",
	"18.0": "postgres:16-alpine",
}

const defaultStartupTimeout = 2 * time.Minute

// Provider starts and stops replica environments. It keeps track of the
// containers it owns so Terminate can be addressed by environment ID.
type Provider struct {
	log *zap.Logger

	mu      sync.Mutex
	running map[string]*tcpostgres.PostgresContainer
}

func New(log *zap.Logger) *Provider {
	return &Provider{log: log, running: map[string]*tcpostgres.PostgresContainer{}}
}

func (p *Provider) Provision(ctx context.Context, spec domain.EnvironmentSpec) (*domain.Environment, error) {
	image, ok := imageForPlatform[spec.PlatformVersion]
	if !ok {
		return nil, fmt.Errorf("no environment image for platform version %q", spec.PlatformVersion)
	}
	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}

	p.log.Info("provisioning replica environment",
		zap.String("platform_version", spec.PlatformVersion), zap.String("image", image))

	container, err := tcpostgres.Run(ctx, image,
		tcpostgres.WithDatabase("deploycheck"),
		tcpostgres.WithUsername("deploycheck"),
		tcpostgres.WithPassword("deploycheck"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(timeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("starting environment container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("resolving environment endpoint: %w", err)
	}

	id := container.GetContainerID()
	p.mu.Lock()
	p.running[id] = container
	p.mu.Unlock()

	return &domain.Environment{
		ID:              id,
		DSN:             dsn,
		PlatformVersion: spec.PlatformVersion,
	}, nil
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	container, ok := p.running[id]
	delete(p.running, id)
	p.mu.Unlock()
	if !ok {
		return domain.NotFound("env.terminate", id)
	}

	if err := container.Terminate(ctx); err != nil {
		return domain.Infrastructure("env.terminate", err)
	}
	p.log.Info("replica environment terminated", zap.String("environment", id))
	return nil
}
