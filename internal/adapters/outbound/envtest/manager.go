// Package envtest provides in-memory implementations of the database
// manager, environment provider and runtime ports, so the orchestrator and
// test runner can be exercised without PostgreSQL or Docker.
package envtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// Manager is an in-memory domain.DatabaseManager with the same locking
// discipline as the real one: per-name serialization, independent names
// proceed concurrently, at most one owner per database.
type Manager struct {
	mu        sync.Mutex
	nameLocks map[string]*sync.Mutex
	databases map[string]*domain.TestDatabase
	fixtures  map[string]*domain.Fixture
	backups   map[string]*domain.Backup

	// FailCreate, when set, makes Create fail for matching names; used to
	// simulate provisioning flakiness.
	FailCreate func(name string) error
	// CreateDelay slows creation down, for cancellation tests.
	CreateDelay time.Duration
	// Runtime, when set, installs requested modules at creation time;
	// AddonsPath resolves bare module names.
	Runtime    domain.Runtime
	AddonsPath string
}

func NewManager() *Manager {
	return &Manager{
		nameLocks: map[string]*sync.Mutex{},
		databases: map[string]*domain.TestDatabase{},
		fixtures:  map[string]*domain.Fixture{},
		backups:   map[string]*domain.Backup{},
	}
}

func (m *Manager) lockName(name string) func() {
	m.mu.Lock()
	l, ok := m.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.nameLocks[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) Create(ctx context.Context, name string, typ domain.DatabaseType, opts domain.CreateOptions) (*domain.TestDatabase, error) {
	full := domain.DatabaseName(name, typ)
	if len(opts.Modules) > 0 && m.Runtime == nil {
		return nil, fmt.Errorf("create %s: modules requested but no runtime is attached", full)
	}
	if opts.SeedDemoData && len(opts.Modules) == 0 {
		return nil, fmt.Errorf("create %s: demo data can only be seeded alongside modules", full)
	}
	unlock := m.lockName(full)
	defer unlock()

	if m.FailCreate != nil {
		if err := m.FailCreate(full); err != nil {
			return nil, domain.Infrastructure("db.create", err)
		}
	}
	if m.CreateDelay > 0 {
		select {
		case <-time.After(m.CreateDelay):
		case <-ctx.Done():
			return nil, domain.Timeout("db.create", ctx.Err())
		}
	}

	m.mu.Lock()
	if _, exists := m.databases[full]; exists && !opts.Force {
		m.mu.Unlock()
		return nil, domain.NameConflict("db.create", full)
	}
	db := &domain.TestDatabase{
		Name:      full,
		Type:      typ,
		State:     domain.StateReady,
		CreatedAt: time.Now().UTC(),
	}
	m.databases[full] = db
	m.mu.Unlock()

	for _, module := range opts.Modules {
		dir := module
		if m.AddonsPath != "" && !strings.ContainsRune(module, '/') {
			dir = m.AddonsPath + "/" + module
		}
		if _, err := m.Runtime.Install(ctx, m.DSN(full), dir, opts.SeedDemoData); err != nil {
			m.mu.Lock()
			delete(m.databases, full)
			m.mu.Unlock()
			return nil, fmt.Errorf("installing %s: %w", module, err)
		}
	}

	m.mu.Lock()
	copied := *db
	m.mu.Unlock()
	return &copied, nil
}

func (m *Manager) Clone(ctx context.Context, source, target string, force bool) (*domain.TestDatabase, error) {
	unlock := m.lockName(source)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.databases[source]
	if !ok {
		return nil, domain.NotFound("db.clone", source)
	}
	if src.State == domain.StateInUse && !force {
		return nil, domain.ActiveConnections("db.clone", source)
	}
	if _, exists := m.databases[target]; exists {
		return nil, domain.NameConflict("db.clone", target)
	}
	db := &domain.TestDatabase{
		Name:      target,
		Type:      domain.TypeFromName(target, src.Type),
		State:     domain.StateReady,
		CreatedAt: time.Now().UTC(),
	}
	m.databases[target] = db
	copied := *db
	return &copied, nil
}

func (m *Manager) Drop(ctx context.Context, name string, force bool) error {
	unlock := m.lockName(name)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[name]
	if !ok {
		return domain.NotFound("db.drop", name)
	}
	if db.State == domain.StateInUse && !force {
		return domain.ActiveConnections("db.drop", name)
	}
	delete(m.databases, name)
	return nil
}

func (m *Manager) List(ctx context.Context, pattern string) ([]domain.TestDatabase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TestDatabase
	for _, db := range m.databases {
		if pattern == "" || strings.Contains(db.Name, pattern) {
			out = append(out, *db)
		}
	}
	return out, nil
}

func (m *Manager) Info(ctx context.Context, name string) (*domain.TestDatabase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[name]
	if !ok {
		return nil, domain.NotFound("db.info", name)
	}
	copied := *db
	return &copied, nil
}

func (m *Manager) CreateFixture(ctx context.Context, name string, spec domain.FixtureSpec, force bool) (*domain.Fixture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fixtures[name]; exists && !force {
		return nil, domain.NameConflict("fixture.create", name)
	}
	fx := &domain.Fixture{
		Name:         name,
		Database:     domain.DatabaseName(name, domain.TypeFixture),
		Modules:      spec.Modules,
		SeedDemoData: spec.SeedDemoData,
		CreatedAt:    time.Now().UTC(),
	}
	m.fixtures[name] = fx
	m.databases[fx.Database] = &domain.TestDatabase{
		Name:      fx.Database,
		Type:      domain.TypeFixture,
		State:     domain.StateReady,
		CreatedAt: fx.CreatedAt,
	}
	copied := *fx
	return &copied, nil
}

func (m *Manager) Seed(ctx context.Context, database, fixture string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.databases[database]; !ok {
		return domain.NotFound("db.seed", database)
	}
	if _, ok := m.fixtures[fixture]; !ok {
		return domain.NotFound("db.seed", fixture)
	}
	return nil
}

func (m *Manager) Backup(ctx context.Context, name, format string, compress bool) (*domain.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.databases[name]; !ok {
		return nil, domain.NotFound("db.backup", name)
	}
	b := &domain.Backup{
		ID:         uuid.NewString(),
		Source:     name,
		Format:     format,
		Compressed: compress,
		SHA256:     fmt.Sprintf("%064x", len(name)),
		CreatedAt:  time.Now().UTC(),
	}
	m.backups[b.ID] = b
	copied := *b
	return &copied, nil
}

func (m *Manager) Restore(ctx context.Context, backupID, target string) (*domain.TestDatabase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[backupID]; !ok {
		return nil, domain.NotFound("db.restore", backupID)
	}
	if _, exists := m.databases[target]; exists {
		return nil, domain.NameConflict("db.restore", target)
	}
	db := &domain.TestDatabase{
		Name:      target,
		Type:      domain.TypeTest,
		State:     domain.StateReady,
		CreatedAt: time.Now().UTC(),
	}
	m.databases[target] = db
	copied := *db
	return &copied, nil
}

func (m *Manager) Verify(ctx context.Context, backupID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[backupID]; !ok {
		return false, domain.NotFound("db.verify", backupID)
	}
	return true, nil
}

func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, dryRun bool) ([]domain.TestDatabase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var swept []domain.TestDatabase
	for name, db := range m.databases {
		if db.Type != domain.TypeTemp && db.Type != domain.TypeTest {
			continue
		}
		if db.Preserved || db.State == domain.StateInUse || db.CreatedAt.After(cutoff) {
			continue
		}
		swept = append(swept, *db)
		if !dryRun {
			delete(m.databases, name)
		}
	}
	return swept, nil
}

func (m *Manager) AllocateParallelSet(ctx context.Context, base string, count int) ([]domain.TestDatabase, error) {
	out := make([]domain.TestDatabase, 0, count)
	for i := 0; i < count; i++ {
		db, err := m.Create(ctx, fmt.Sprintf("%s_p%02d", base, i+1), domain.TypeTest, domain.CreateOptions{})
		if err != nil {
			// All-or-nothing: roll back the members already created.
			for _, created := range out {
				_ = m.Drop(ctx, created.Name, true)
			}
			return nil, err
		}
		out = append(out, *db)
	}
	return out, nil
}

func (m *Manager) Acquire(ctx context.Context, name, owner string) error {
	unlock := m.lockName(name)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[name]
	if !ok {
		return domain.NotFound("db.acquire", name)
	}
	if db.State == domain.StateInUse {
		return domain.ActiveConnections("db.acquire", name)
	}
	db.State = domain.StateInUse
	db.Owner = owner
	return nil
}

func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[name]
	if !ok {
		return domain.NotFound("db.release", name)
	}
	db.State = domain.StateReady
	db.Owner = ""
	return nil
}

func (m *Manager) Preserve(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[name]
	if !ok {
		return domain.NotFound("db.preserve", name)
	}
	db.Preserved = true
	return nil
}

func (m *Manager) DSN(name string) string {
	return "envtest://" + name
}

// InUse returns the names of databases currently checked out. Test helper.
func (m *Manager) InUse() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, db := range m.databases {
		if db.State == domain.StateInUse {
			out = append(out, name)
		}
	}
	return out
}
