package envtest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/manifest"
)

// Runtime is an in-memory domain.Runtime. Installs are recorded per DSN;
// failures and crashes are scriptable per module so suite-independence
// tests can craft one failing sibling.
type Runtime struct {
	mu        sync.Mutex
	installed map[string][]string // dsn -> module names

	// FailModules maps module name to the failure its install reports.
	FailModules map[string]error
	// PanicModules lists modules whose install panics.
	PanicModules map[string]bool
	// ExerciseIssues are returned verbatim from Exercise.
	ExerciseIssues []domain.Issue
	// InstallDelay slows installs down, for cancellation tests.
	InstallDelay time.Duration
}

func NewRuntime() *Runtime {
	return &Runtime{
		installed:    map[string][]string{},
		FailModules:  map[string]error{},
		PanicModules: map[string]bool{},
	}
}

func (r *Runtime) Install(ctx context.Context, dsn, dir string, withDemo bool) (*domain.InstallReport, error) {
	module := filepath.Base(dir)
	if r.PanicModules[module] {
		panic("runtime crashed installing " + module)
	}
	if err := r.FailModules[module]; err != nil {
		return nil, err
	}
	if r.InstallDelay > 0 {
		select {
		case <-time.After(r.InstallDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m, err := manifest.Load(dir)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) && manifest.BaseModules[module] {
			m = &manifest.Manifest{Name: module}
		} else {
			return nil, err
		}
	}

	r.mu.Lock()
	r.installed[dsn] = append(r.installed[dsn], module)
	r.mu.Unlock()

	rules := 0
	if len(m.Models) > 0 {
		rules = len(m.Models)
	}
	demo := 0
	if withDemo {
		for _, model := range m.Models {
			demo += len(model.DemoRows)
		}
	}
	return &domain.InstallReport{
		Module:        module,
		Version:       m.Version,
		DataFiles:     len(m.Data),
		AccessRules:   rules,
		DemoRowsAdded: demo,
	}, nil
}

func (r *Runtime) Exercise(ctx context.Context, dsn, dir string, withDemo bool) ([]domain.Issue, error) {
	module := filepath.Base(dir)
	if err := r.FailModules[module]; err != nil {
		return nil, err
	}
	if r.InstallDelay > 0 {
		select {
		case <-time.After(r.InstallDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.ExerciseIssues, nil
}

func (r *Runtime) Installed(ctx context.Context, dsn string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.installed[dsn]...), nil
}
