package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// WithRuntime lets fixture creation install the declared modules into the
// fixture database, so the seed data cost is paid once per fixture instead
// of once per test run.
func (m *Manager) WithRuntime(rt domain.Runtime, addonsPath string) *Manager {
	m.runtime = rt
	m.addonsPath = addonsPath
	return m
}

// installModules installs each module into dbName through the attached
// runtime, resolving bare names against the addons path. Requesting modules
// without a runtime is an error, never a silent skip.
func (m *Manager) installModules(ctx context.Context, dbName string, modules []string, withDemo bool) error {
	if m.runtime == nil {
		return fmt.Errorf("modules requested for %s but no runtime is attached", dbName)
	}
	for _, module := range modules {
		dir := module
		if m.addonsPath != "" && !strings.ContainsRune(module, '/') {
			dir = m.addonsPath + "/" + module
		}
		if _, err := m.runtime.Install(ctx, m.DSN(dbName), dir, withDemo); err != nil {
			return fmt.Errorf("installing %s: %w", module, err)
		}
	}
	return nil
}

func (m *Manager) CreateFixture(ctx context.Context, name string, spec domain.FixtureSpec, force bool) (*domain.Fixture, error) {
	var exists bool
	err := m.admin.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deploycheck_fixtures WHERE name=$1)`, name).Scan(&exists)
	if err != nil {
		return nil, domain.Infrastructure("fixture.create", err)
	}
	if exists && !force {
		return nil, domain.NameConflict("fixture.create", name)
	}

	dbName := domain.DatabaseName(name, domain.TypeFixture)
	if exists {
		if err := m.Drop(ctx, dbName, true); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
	}
	if _, err := m.Create(ctx, name, domain.TypeFixture, domain.CreateOptions{Force: force}); err != nil {
		return nil, err
	}

	if len(spec.Modules) > 0 {
		if err := m.installModules(ctx, dbName, spec.Modules, spec.SeedDemoData); err != nil {
			_ = m.Drop(context.WithoutCancel(ctx), dbName, true)
			return nil, fmt.Errorf("building fixture %s: %w", name, err)
		}
	}

	now := time.Now().UTC()
	_, err = m.admin.ExecContext(ctx,
		`INSERT INTO deploycheck_fixtures (name, database_name, modules, seed_demo_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET database_name=$2, modules=$3, seed_demo_data=$4, created_at=$5`,
		name, dbName, strings.Join(spec.Modules, ","), spec.SeedDemoData, now)
	if err != nil {
		return nil, domain.Infrastructure("fixture.create", err)
	}

	m.log.Info("fixture materialized", zap.String("fixture", name), zap.String("database", dbName))
	return &domain.Fixture{
		Name:         name,
		Database:     dbName,
		Modules:      spec.Modules,
		SeedDemoData: spec.SeedDemoData,
		CreatedAt:    now,
	}, nil
}

// Seed applies a fixture's data into an existing database by replaying a
// plain-format dump of the fixture. The schema comparison runs first so a
// diverged fixture fails cleanly instead of half-applying; the dump carries
// drop statements, so tables the target already shares with the fixture are
// rebuilt instead of tripping duplicate-object errors mid-replay.
func (m *Manager) Seed(ctx context.Context, database, fixture string) error {
	var fixtureDB string
	err := m.admin.QueryRowContext(ctx,
		`SELECT database_name FROM deploycheck_fixtures WHERE name=$1`, fixture).Scan(&fixtureDB)
	if err == sql.ErrNoRows {
		return domain.NotFound("db.seed", fixture)
	}
	if err != nil {
		return domain.Infrastructure("db.seed", err)
	}
	if _, err := m.lookupDatabase(ctx, database); err != nil {
		return err
	}

	if err := m.compareSchemas(ctx, fixtureDB, database); err != nil {
		return err
	}

	dump, err := m.dumpToFile(ctx, fixtureDB, "plain", false, true)
	if err != nil {
		return domain.Infrastructure("db.seed", err)
	}
	if err := m.replayPlainDump(ctx, database, dump); err != nil {
		return domain.Infrastructure("db.seed", err)
	}

	m.log.Info("database seeded", zap.String("database", database), zap.String("fixture", fixture))
	return nil
}

// compareSchemas fails with SchemaMismatch when the target already has a
// table the fixture also defines but with a different column set. A target
// without overlapping tables is empty enough to seed.
func (m *Manager) compareSchemas(ctx context.Context, fixtureDB, target string) error {
	fixtureCols, err := m.tableColumns(ctx, fixtureDB)
	if err != nil {
		return domain.Infrastructure("db.seed", err)
	}
	targetCols, err := m.tableColumns(ctx, target)
	if err != nil {
		return domain.Infrastructure("db.seed", err)
	}
	for table, cols := range targetCols {
		fcols, shared := fixtureCols[table]
		if !shared {
			continue
		}
		if fcols != cols {
			return domain.SchemaMismatch("db.seed", target,
				fmt.Errorf("table %s has columns (%s) but fixture defines (%s)", table, cols, fcols))
		}
	}
	return nil
}

func (m *Manager) tableColumns(ctx context.Context, database string) (map[string]string, error) {
	db, err := sql.Open("pgx", m.DSN(database))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT table_name, string_agg(column_name, ',' ORDER BY column_name)
		 FROM information_schema.columns
		 WHERE table_schema = 'public'
		 GROUP BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var table, cols string
		if err := rows.Scan(&table, &cols); err != nil {
			return nil, err
		}
		out[table] = cols
	}
	return out, rows.Err()
}
