package domain

import (
	"context"
	"time"
)

// CreateOptions configures database creation. Modules are installed into
// the fresh database through the manager's runtime; requesting them without
// one is an error, and demo data only makes sense alongside modules.
type CreateOptions struct {
	Modules      []string
	SeedDemoData bool
	Force        bool
}

// FixtureSpec declares what a reusable seed dataset contains.
type FixtureSpec struct {
	Modules      []string
	SeedDemoData bool
}

// DatabaseManager owns the lifecycle of isolated test databases: creation,
// cloning, fixtures, backups and retention. Implementations serialize
// operations on the same name while letting unrelated names proceed
// concurrently.
type DatabaseManager interface {
	Create(ctx context.Context, name string, typ DatabaseType, opts CreateOptions) (*TestDatabase, error)
	Clone(ctx context.Context, source, target string, force bool) (*TestDatabase, error)
	Drop(ctx context.Context, name string, force bool) error
	List(ctx context.Context, pattern string) ([]TestDatabase, error)
	Info(ctx context.Context, name string) (*TestDatabase, error)

	CreateFixture(ctx context.Context, name string, spec FixtureSpec, force bool) (*Fixture, error)
	Seed(ctx context.Context, database, fixture string) error

	Backup(ctx context.Context, name, format string, compress bool) (*Backup, error)
	Restore(ctx context.Context, backupID, target string) (*TestDatabase, error)
	Verify(ctx context.Context, backupID string) (bool, error)

	Cleanup(ctx context.Context, olderThan time.Duration, dryRun bool) ([]TestDatabase, error)
	AllocateParallelSet(ctx context.Context, base string, count int) ([]TestDatabase, error)

	// Acquire marks a database in_use by owner; Release returns it to
	// ready. Acquire fails if another owner already holds it.
	Acquire(ctx context.Context, name, owner string) error
	Release(ctx context.Context, name string) error
	// Preserve excludes a database from cleanup sweeps, for post-mortem
	// inspection of failed runs.
	Preserve(ctx context.Context, name string) error

	// DSN returns the connection string for a managed database.
	DSN(name string) string
}

// EnvironmentSpec pins the replica environment to the remote deployment
// target's platform version.
type EnvironmentSpec struct {
	PlatformVersion string
	StartupTimeout  time.Duration
}

// Environment is a running disposable execution environment.
type Environment struct {
	ID              string
	DSN             string
	PlatformVersion string
}

// EnvironmentProvider abstracts the container/VM runtime that builds a
// deployment-faithful execution context. Provisioning is slow and blocking;
// it is never invoked on a static-only path.
type EnvironmentProvider interface {
	Provision(ctx context.Context, spec EnvironmentSpec) (*Environment, error)
	Terminate(ctx context.Context, id string) error
}

// InstallReport is what the runtime observed after installing a module.
type InstallReport struct {
	Module        string
	Version       string
	DataFiles     int
	AccessRules   int
	DemoRowsAdded int
}

// Runtime loads a module's declared logic into a live database: schema,
// constraints, data. The dynamic tier and the test runner both drive it.
type Runtime interface {
	// Install applies the module at dir into the database behind dsn and
	// records it in the instance's module registry.
	Install(ctx context.Context, dsn, dir string, withDemo bool) (*InstallReport, error)
	// Exercise runs the module's declared runtime constraints against
	// representative data, returning only violations actually observed.
	Exercise(ctx context.Context, dsn, dir string, withDemo bool) ([]Issue, error)
	// Installed lists module names recorded in the instance registry.
	Installed(ctx context.Context, dsn string) ([]string, error)
}

// TierRunner executes one validation tier.
type TierRunner interface {
	Tier() Tier
	Run(ctx context.Context, req ValidationRequest) (*ValidationResult, error)
}

// GitInfo exposes version-control metadata for report stamping.
type GitInfo interface {
	IsRepo(path string) bool
	CommitHash(path string) (string, error)
}
