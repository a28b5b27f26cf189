package envtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// Provider is an in-memory domain.EnvironmentProvider. It counts
// provisions so tests can assert that static-only requests never pay
// environment cost.
type Provider struct {
	mu         sync.Mutex
	running    map[string]bool
	Provisions int
	// FailProvision simulates a broken container runtime.
	FailProvision error
}

func NewProvider() *Provider {
	return &Provider{running: map[string]bool{}}
}

func (p *Provider) Provision(ctx context.Context, spec domain.EnvironmentSpec) (*domain.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Provisions++
	if p.FailProvision != nil {
		return nil, p.FailProvision
	}
	id := "env-" + uuid.NewString()[:8]
	p.running[id] = true
	return &domain.Environment{
		ID:              id,
		DSN:             "envtest://" + id,
		PlatformVersion: spec.PlatformVersion,
	}, nil
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running[id] {
		return domain.NotFound("env.terminate", id)
	}
	delete(p.running, id)
	return nil
}

// Running returns how many environments are currently up. Test helper.
func (p *Provider) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}
