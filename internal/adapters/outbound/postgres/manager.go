// Package postgres implements the database lifecycle manager and the module
// runtime on PostgreSQL. All access goes through database/sql with the pgx
// driver linked.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/domain"
)

// identPattern restricts database names so they can be interpolated as
// quoted identifiers. CREATE DATABASE cannot take bind parameters.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Manager implements domain.DatabaseManager against a PostgreSQL cluster.
// Metadata lives in registry tables in the maintenance database so
// concurrent invocations share ownership state. Operations on the same
// name are serialized through per-name mutexes; unrelated names proceed
// concurrently.
type Manager struct {
	cfg   config.Config
	admin *sql.DB
	log   *zap.Logger
	retry domain.RetryPolicy

	// runtime, when set, installs fixture modules at materialization time.
	runtime    domain.Runtime
	addonsPath string

	mu        sync.Mutex
	nameLocks map[string]*sync.Mutex
}

func NewManager(cfg config.Config, log *zap.Logger) (*Manager, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	admin, err := sql.Open("pgx", cfg.DSN(cfg.Database.MaintenanceDB))
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		admin:     admin,
		log:       log,
		retry:     domain.DefaultInfraRetry(),
		nameLocks: map[string]*sync.Mutex{},
	}
	if err := m.ensureRegistry(context.Background()); err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("ensuring registry tables: %w", err)
	}
	return m, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (m *Manager) Close() error { return m.admin.Close() }

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

func (m *Manager) DSN(name string) string { return m.cfg.DSN(name) }

func (m *Manager) Create(ctx context.Context, name string, typ domain.DatabaseType, opts domain.CreateOptions) (*domain.TestDatabase, error) {
	full := domain.DatabaseName(name, typ)
	if err := validIdent(full); err != nil {
		return nil, err
	}
	// Module and demo-data requests are validated before anything is
	// created, never silently dropped.
	if len(opts.Modules) > 0 && m.runtime == nil {
		return nil, fmt.Errorf("create %s: modules requested but no runtime is attached", full)
	}
	if opts.SeedDemoData && len(opts.Modules) == 0 {
		return nil, fmt.Errorf("create %s: demo data can only be seeded alongside modules", full)
	}
	unlock := m.lockName(full)
	defer unlock()

	exists, err := m.databaseExists(ctx, full)
	if err != nil {
		return nil, domain.Infrastructure("db.create", err)
	}
	if exists {
		if !opts.Force {
			return nil, domain.NameConflict("db.create", full)
		}
		if err := m.dropDatabase(ctx, full, true); err != nil {
			return nil, err
		}
	}

	if err := m.registerDatabase(ctx, full, typ, domain.StateProvisioning); err != nil {
		return nil, domain.Infrastructure("db.create", err)
	}
	err = m.retry.Do(ctx, func(ctx context.Context) error {
		_, execErr := m.admin.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(full))
		if execErr != nil {
			return domain.Infrastructure("db.create", execErr)
		}
		return nil
	})
	if err != nil {
		_ = m.unregisterDatabase(context.WithoutCancel(ctx), full)
		return nil, err
	}
	if len(opts.Modules) > 0 {
		if err := m.installModules(ctx, full, opts.Modules, opts.SeedDemoData); err != nil {
			_ = m.dropDatabase(context.WithoutCancel(ctx), full, true)
			return nil, err
		}
	}
	if err := m.setState(ctx, full, domain.StateReady); err != nil {
		return nil, domain.Infrastructure("db.create", err)
	}

	m.log.Info("database created",
		zap.String("database", full), zap.String("type", string(typ)))
	return m.Info(ctx, full)
}

func (m *Manager) Clone(ctx context.Context, source, target string, force bool) (*domain.TestDatabase, error) {
	if err := validIdent(source); err != nil {
		return nil, err
	}
	if err := validIdent(target); err != nil {
		return nil, err
	}
	// Lock both names in a fixed order so concurrent clones cannot
	// deadlock.
	first, second := source, target
	if second < first {
		first, second = second, first
	}
	unlockFirst := m.lockName(first)
	defer unlockFirst()
	unlockSecond := m.lockName(second)
	defer unlockSecond()

	src, err := m.lookupDatabase(ctx, source)
	if err != nil {
		return nil, err
	}
	exists, err := m.databaseExists(ctx, target)
	if err != nil {
		return nil, domain.Infrastructure("db.clone", err)
	}
	if exists {
		return nil, domain.NameConflict("db.clone", target)
	}

	// Active connections block a template clone; check before touching
	// anything and terminate only under force.
	active, err := m.activeConnections(ctx, source)
	if err != nil {
		return nil, domain.Infrastructure("db.clone", err)
	}
	if active > 0 || src.State == domain.StateInUse {
		if !force {
			return nil, domain.ActiveConnections("db.clone", source)
		}
		if err := m.terminateConnections(ctx, source); err != nil {
			return nil, domain.Infrastructure("db.clone", err)
		}
	}

	// The target's prefix decides its type, so a temp_ copy of a dev
	// database is swept like any other temp database.
	if err := m.registerDatabase(ctx, target, domain.TypeFromName(target, src.Type), domain.StateProvisioning); err != nil {
		return nil, domain.Infrastructure("db.clone", err)
	}
	_, err = m.admin.ExecContext(ctx,
		fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", quoteIdent(target), quoteIdent(source)))
	if err != nil {
		_ = m.unregisterDatabase(context.WithoutCancel(ctx), target)
		return nil, domain.Infrastructure("db.clone", err)
	}
	if err := m.setState(ctx, target, domain.StateReady); err != nil {
		return nil, domain.Infrastructure("db.clone", err)
	}

	m.log.Info("database cloned", zap.String("source", source), zap.String("target", target))
	return m.Info(ctx, target)
}

func (m *Manager) Drop(ctx context.Context, name string, force bool) error {
	if err := validIdent(name); err != nil {
		return err
	}
	unlock := m.lockName(name)
	defer unlock()
	return m.dropDatabase(ctx, name, force)
}

// dropDatabase assumes the caller holds the name lock. The active-connection
// check always runs before the destructive statement.
func (m *Manager) dropDatabase(ctx context.Context, name string, force bool) error {
	if _, err := m.lookupDatabase(ctx, name); err != nil {
		return err
	}
	active, err := m.activeConnections(ctx, name)
	if err != nil {
		return domain.Infrastructure("db.drop", err)
	}
	if active > 0 {
		if !force {
			return domain.ActiveConnections("db.drop", name)
		}
		if err := m.terminateConnections(ctx, name); err != nil {
			return domain.Infrastructure("db.drop", err)
		}
	}

	if err := m.setState(ctx, name, domain.StateDestroying); err != nil {
		return domain.Infrastructure("db.drop", err)
	}
	if _, err := m.admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name)); err != nil {
		return domain.Infrastructure("db.drop", err)
	}
	if err := m.unregisterDatabase(ctx, name); err != nil {
		return domain.Infrastructure("db.drop", err)
	}

	m.log.Info("database dropped", zap.String("database", name))
	return nil
}

func (m *Manager) List(ctx context.Context, pattern string) ([]domain.TestDatabase, error) {
	query := `SELECT name, type, state, owner, preserved, created_at
		FROM deploycheck_databases ORDER BY name`
	rows, err := m.admin.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Infrastructure("db.list", err)
	}
	defer rows.Close()

	var out []domain.TestDatabase
	for rows.Next() {
		db, err := scanDatabase(rows)
		if err != nil {
			return nil, domain.Infrastructure("db.list", err)
		}
		if pattern == "" || strings.Contains(db.Name, pattern) {
			out = append(out, *db)
		}
	}
	return out, rows.Err()
}

func (m *Manager) Info(ctx context.Context, name string) (*domain.TestDatabase, error) {
	return m.lookupDatabase(ctx, name)
}

func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, dryRun bool) ([]domain.TestDatabase, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	all, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var swept []domain.TestDatabase
	for _, db := range all {
		if db.Type != domain.TypeTemp && db.Type != domain.TypeTest {
			continue
		}
		if db.Preserved || db.State == domain.StateInUse || db.CreatedAt.After(cutoff) {
			continue
		}
		swept = append(swept, db)
		if dryRun {
			continue
		}
		if err := m.Drop(ctx, db.Name, false); err != nil {
			// A database that grew connections since the check is
			// skipped, not force-killed: cleanup is a janitor, not
			// an enforcer.
			m.log.Warn("cleanup skipped database", zap.String("database", db.Name), zap.Error(err))
		}
	}
	return swept, nil
}

func (m *Manager) AllocateParallelSet(ctx context.Context, base string, count int) ([]domain.TestDatabase, error) {
	out := make([]domain.TestDatabase, 0, count)
	for i := 0; i < count; i++ {
		db, err := m.Create(ctx, fmt.Sprintf("%s_p%02d", base, i+1), domain.TypeTest, domain.CreateOptions{})
		if err != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			for _, created := range out {
				_ = m.Drop(cleanupCtx, created.Name, true)
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

	// The UPDATE is conditional on state, so even racing processes that
	// bypass the in-process lock cannot double-checkout.
	res, err := m.admin.ExecContext(ctx,
		`UPDATE deploycheck_databases SET state=$1, owner=$2 WHERE name=$3 AND state=$4`,
		domain.StateInUse, owner, name, domain.StateReady)
	if err != nil {
		return domain.Infrastructure("db.acquire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Infrastructure("db.acquire", err)
	}
	if n == 0 {
		if _, lookupErr := m.lookupDatabase(ctx, name); lookupErr != nil {
			return lookupErr
		}
		return domain.ActiveConnections("db.acquire", name)
	}
	return nil
}

func (m *Manager) Release(ctx context.Context, name string) error {
	_, err := m.admin.ExecContext(ctx,
		`UPDATE deploycheck_databases SET state=$1, owner='' WHERE name=$2`,
		domain.StateReady, name)
	if err != nil {
		return domain.Infrastructure("db.release", err)
	}
	return nil
}

func (m *Manager) Preserve(ctx context.Context, name string) error {
	res, err := m.admin.ExecContext(ctx,
		`UPDATE deploycheck_databases SET preserved=TRUE WHERE name=$1`, name)
	if err != nil {
		return domain.Infrastructure("db.preserve", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("db.preserve", name)
	}
	return nil
}

func (m *Manager) databaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.admin.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname=$1)`, name).Scan(&exists)
	return exists, err
}

func (m *Manager) activeConnections(ctx context.Context, name string) (int, error) {
	var n int
	err := m.admin.QueryRowContext(ctx,
		`SELECT count(*) FROM pg_stat_activity WHERE datname=$1 AND pid <> pg_backend_pid()`,
		name).Scan(&n)
	return n, err
}

func (m *Manager) terminateConnections(ctx context.Context, name string) error {
	_, err := m.admin.ExecContext(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		 WHERE datname=$1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return err
	}
	m.log.Warn("terminated active connections", zap.String("database", name))
	return nil
}

func validIdent(name string) error {
	if !identPattern.MatchString(name) || len(name) > 63 {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
