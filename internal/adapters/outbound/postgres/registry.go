package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// The registry tables live in the maintenance database so every deploycheck
// invocation against the cluster shares database and backup metadata.

func (m *Manager) ensureRegistry(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deploycheck_databases (
			name       TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			state      TEXT NOT NULL,
			owner      TEXT NOT NULL DEFAULT '',
			preserved  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deploycheck_fixtures (
			name           TEXT PRIMARY KEY,
			database_name  TEXT NOT NULL,
			modules        TEXT NOT NULL DEFAULT '',
			seed_demo_data BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deploycheck_backups (
			id         TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			format     TEXT NOT NULL,
			path       TEXT NOT NULL,
			sha256     TEXT NOT NULL,
			compressed BOOLEAN NOT NULL DEFAULT FALSE,
			verified   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.admin.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registerDatabase(ctx context.Context, name string, typ domain.DatabaseType, state domain.DatabaseState) error {
	_, err := m.admin.ExecContext(ctx,
		`INSERT INTO deploycheck_databases (name, type, state, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET type=$2, state=$3, created_at=$4`,
		name, typ, state, time.Now().UTC())
	return err
}

func (m *Manager) unregisterDatabase(ctx context.Context, name string) error {
	_, err := m.admin.ExecContext(ctx,
		`DELETE FROM deploycheck_databases WHERE name=$1`, name)
	return err
}

func (m *Manager) setState(ctx context.Context, name string, state domain.DatabaseState) error {
	_, err := m.admin.ExecContext(ctx,
		`UPDATE deploycheck_databases SET state=$1 WHERE name=$2`, state, name)
	return err
}

func (m *Manager) lookupDatabase(ctx context.Context, name string) (*domain.TestDatabase, error) {
	row := m.admin.QueryRowContext(ctx,
		`SELECT name, type, state, owner, preserved, created_at
		 FROM deploycheck_databases WHERE name=$1`, name)
	db, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("db.info", name)
	}
	if err != nil {
		return nil, domain.Infrastructure("db.info", err)
	}
	return db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDatabase(row rowScanner) (*domain.TestDatabase, error) {
	var db domain.TestDatabase
	var typ, state string
	if err := row.Scan(&db.Name, &typ, &state, &db.Owner, &db.Preserved, &db.CreatedAt); err != nil {
		return nil, err
	}
	db.Type = domain.DatabaseType(typ)
	db.State = domain.DatabaseState(state)
	return &db, nil
}
