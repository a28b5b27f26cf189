package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/manifest"
)

// RunOptions configures one test scenario execution.
type RunOptions struct {
	SeedDemoData      bool
	PreserveOnFailure bool
	// Fixture, when set, seeds the fresh database from a named fixture
	// instead of installing dependencies from scratch.
	Fixture string
}

// SuiteOptions configures a full-suite execution.
type SuiteOptions struct {
	RunOptions
	Parallel        bool
	Workers         int
	ContinueOnError bool
}

// TestRunner drives install/upgrade/dependency/integration scenarios, each
// against a fresh isolated database, optionally in parallel.
type TestRunner struct {
	db         domain.DatabaseManager
	runtime    domain.Runtime
	addonsPath string
	logDir     string
	workers    int
	log        *zap.Logger
}

func NewTestRunner(db domain.DatabaseManager, runtime domain.Runtime, addonsPath, logDir string, workers int, log *zap.Logger) *TestRunner {
	if workers < 1 {
		workers = 4
	}
	return &TestRunner{
		db:         db,
		runtime:    runtime,
		addonsPath: addonsPath,
		logDir:     logDir,
		workers:    workers,
		log:        log,
	}
}

func (t *TestRunner) RunInstallTest(ctx context.Context, module string, opts RunOptions) *domain.TestRun {
	return t.runScenario(ctx, module, domain.ScenarioInstall, opts, nil)
}

func (t *TestRunner) RunUpgradeTest(ctx context.Context, module string, opts RunOptions) *domain.TestRun {
	return t.runScenario(ctx, module, domain.ScenarioUpgrade, opts, nil)
}

func (t *TestRunner) RunDependencyTest(ctx context.Context, module string) *domain.TestRun {
	return t.runScenario(ctx, module, domain.ScenarioDependency, RunOptions{}, nil)
}

// RunIntegrationTest installs the whole module set into one database.
func (t *TestRunner) RunIntegrationTest(ctx context.Context, modules []string) *domain.TestRun {
	if len(modules) == 0 {
		return &domain.TestRun{
			ID:       uuid.NewString(),
			Scenario: domain.ScenarioIntegration,
			Status:   domain.RunError,
			Failure:  "no modules given",
		}
	}
	return t.runScenario(ctx, modules[0], domain.ScenarioIntegration, RunOptions{}, modules)
}

// RunFullSuite runs the install scenario for every module. With parallel
// set, one database per module is allocated up front and runs execute
// concurrently on a bounded worker pool. Results are ordered by module name
// regardless of completion order.
func (t *TestRunner) RunFullSuite(ctx context.Context, modules []string, opts SuiteOptions) []*domain.TestRun {
	if !opts.Parallel {
		runs := make([]*domain.TestRun, 0, len(modules))
		for _, mod := range modules {
			run := t.RunInstallTest(ctx, mod, opts.RunOptions)
			runs = append(runs, run)
			if run.Status != domain.RunPassed && !opts.ContinueOnError {
				break
			}
		}
		sortRuns(runs)
		return runs
	}

	set, err := t.db.AllocateParallelSet(ctx, "suite_"+uuid.NewString()[:8], len(modules))
	if err != nil {
		// No databases, no runs: report every module as errored.
		runs := make([]*domain.TestRun, 0, len(modules))
		for _, mod := range modules {
			runs = append(runs, &domain.TestRun{
				ID:       uuid.NewString(),
				Module:   mod,
				Scenario: domain.ScenarioInstall,
				Status:   domain.RunError,
				Failure:  fmt.Sprintf("allocating parallel databases: %v", err),
			})
		}
		sortRuns(runs)
		return runs
	}

	workers := opts.Workers
	if workers < 1 {
		workers = t.workers
	}
	sem := make(chan struct{}, workers)
	runs := make([]*domain.TestRun, len(modules))
	done := make(chan int, len(modules))

	suiteCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, mod := range modules {
		go func(i int, mod, dbName string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			runs[i] = t.runOnDatabase(suiteCtx, mod, domain.ScenarioInstall, opts.RunOptions, nil, dbName)
			done <- i
		}(i, mod, set[i].Name)
	}

	for range modules {
		i := <-done
		if runs[i].Status != domain.RunPassed && !opts.ContinueOnError {
			cancel()
		}
	}

	out := make([]*domain.TestRun, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	sortRuns(out)
	return out
}

// runScenario allocates a fresh test database, executes the scenario and
// tears the database down, preserving it only when the run failed and the
// caller asked for post-mortem retention. A crash in one run never escapes
// to its siblings.
func (t *TestRunner) runScenario(ctx context.Context, module string, scenario domain.Scenario, opts RunOptions, integration []string) *domain.TestRun {
	name := fmt.Sprintf("%s_%s", module, uuid.NewString()[:8])
	tdb, err := t.db.Create(ctx, name, domain.TypeTest, domain.CreateOptions{SeedDemoData: opts.SeedDemoData})
	if err != nil {
		return &domain.TestRun{
			ID:       uuid.NewString(),
			Module:   module,
			Scenario: scenario,
			Status:   domain.RunError,
			Failure:  fmt.Sprintf("provisioning database: %v", err),
		}
	}
	return t.runOnDatabase(ctx, module, scenario, opts, integration, tdb.Name)
}

func (t *TestRunner) runOnDatabase(ctx context.Context, module string, scenario domain.Scenario, opts RunOptions, integration []string, dbName string) (run *domain.TestRun) {
	run = &domain.TestRun{
		ID:        uuid.NewString(),
		Module:    module,
		Scenario:  scenario,
		Database:  dbName,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC(),
	}

	if err := t.db.Acquire(ctx, dbName, run.ID); err != nil {
		run.Status = domain.RunError
		run.Failure = fmt.Sprintf("acquiring database: %v", err)
		run.FinishedAt = time.Now().UTC()
		return run
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("test run panicked", zap.String("module", module), zap.Any("panic", r))
			run.Status = domain.RunError
			run.Failure = fmt.Sprintf("panic: %v", r)
		}
		run.FinishedAt = time.Now().UTC()

		// Teardown runs even after cancellation: the database must
		// never stay checked out.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := t.db.Release(cleanupCtx, dbName); err != nil {
			t.log.Warn("releasing test database", zap.String("database", dbName), zap.Error(err))
		}
		if run.Status == domain.RunFailed && opts.PreserveOnFailure {
			if err := t.db.Preserve(cleanupCtx, dbName); err != nil {
				t.log.Warn("preserving test database", zap.String("database", dbName), zap.Error(err))
			}
			t.log.Info("failed run database retained for inspection",
				zap.String("module", module), zap.String("database", dbName))
			return
		}
		if err := t.db.Drop(cleanupCtx, dbName, true); err != nil {
			t.log.Warn("dropping test database", zap.String("database", dbName), zap.Error(err))
		}
	}()

	if opts.Fixture != "" {
		if err := t.db.Seed(ctx, dbName, opts.Fixture); err != nil {
			run.Status = domain.RunError
			run.Failure = fmt.Sprintf("seeding from fixture %s: %v", opts.Fixture, err)
			return run
		}
	}

	logRef, failure := t.execute(ctx, module, scenario, opts, integration, dbName)
	run.LogPath = logRef
	switch {
	case failure == "":
		run.Status = domain.RunPassed
	case ctx.Err() != nil:
		run.Status = domain.RunError
		run.Failure = "cancelled: " + failure
	default:
		run.Status = domain.RunFailed
		run.Failure = failure
	}
	return run
}

// execute performs the scenario action and checks its post-conditions.
// It returns the log file path and a failure description, empty on success.
func (t *TestRunner) execute(ctx context.Context, module string, scenario domain.Scenario, opts RunOptions, integration []string, dbName string) (string, string) {
	logPath := t.openLog(module, scenario)
	logf := func(format string, args ...any) {
		if logPath == "" {
			return
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		fmt.Fprintf(f, format+"\n", args...)
		_ = f.Close()
	}
	dsn := t.db.DSN(dbName)

	switch scenario {
	case domain.ScenarioInstall:
		return logPath, t.installAndVerify(ctx, module, dsn, opts.SeedDemoData, logf)

	case domain.ScenarioUpgrade:
		// Install first, then reinstall at the manifest's version; the
		// runtime treats a second install of the same module as an
		// in-place upgrade.
		if failure := t.installAndVerify(ctx, module, dsn, opts.SeedDemoData, logf); failure != "" {
			return logPath, "initial install: " + failure
		}
		logf("upgrading %s", module)
		if _, err := t.runtime.Install(ctx, dsn, t.moduleDir(module), opts.SeedDemoData); err != nil {
			return logPath, fmt.Sprintf("upgrade failed: %v", err)
		}
		return logPath, ""

	case domain.ScenarioDependency:
		order, err := t.dependencyOrder(module)
		if err != nil {
			return logPath, err.Error()
		}
		logf("dependency order: %s", strings.Join(order, " -> "))
		for _, dep := range order {
			if failure := t.installAndVerify(ctx, dep, dsn, false, logf); failure != "" {
				return logPath, fmt.Sprintf("installing dependency %s: %s", dep, failure)
			}
		}
		return logPath, ""

	case domain.ScenarioIntegration:
		for _, mod := range integration {
			if failure := t.installAndVerify(ctx, mod, dsn, opts.SeedDemoData, logf); failure != "" {
				return logPath, fmt.Sprintf("installing %s: %s", mod, failure)
			}
		}
		return logPath, ""
	}
	return logPath, fmt.Sprintf("unknown scenario %s", scenario)
}

func (t *TestRunner) installAndVerify(ctx context.Context, module, dsn string, withDemo bool, logf func(string, ...any)) string {
	dir := t.moduleDir(module)
	logf("installing %s from %s", module, dir)

	rep, err := t.runtime.Install(ctx, dsn, dir, withDemo)
	if err != nil {
		return fmt.Sprintf("install failed: %v", err)
	}
	logf("installed %s %s: %d data files, %d access rules", module, rep.Version, rep.DataFiles, rep.AccessRules)

	// Post-conditions: the module must report itself loaded, declared
	// access rules must be present, data file counts must match.
	installed, err := t.runtime.Installed(ctx, dsn)
	if err != nil {
		return fmt.Sprintf("reading module registry: %v", err)
	}
	found := false
	for _, m := range installed {
		if m == module {
			found = true
			break
		}
	}
	if !found {
		return fmt.Sprintf("module %s does not report itself installed", module)
	}

	m, err := manifest.Load(dir)
	if err != nil {
		return fmt.Sprintf("reading manifest: %v", err)
	}
	if rep.DataFiles != len(m.Data) {
		return fmt.Sprintf("expected %d data files loaded, runtime reports %d", len(m.Data), rep.DataFiles)
	}
	if len(m.Models) > 0 && rep.AccessRules == 0 {
		return fmt.Sprintf("module %s declares models but no access rules are present", module)
	}
	return ""
}

// dependencyOrder resolves the module's transitive dependencies into a
// topological install order, failing on cycles and unknown modules.
func (t *TestRunner) dependencyOrder(module string) ([]string, error) {
	const (
		white = iota
		grey
		black
	)
	state := map[string]int{}
	var order []string

	var visit func(string) error
	visit = func(mod string) error {
		switch state[mod] {
		case grey:
			return fmt.Errorf("dependency cycle through %s", mod)
		case black:
			return nil
		}
		state[mod] = grey

		if !manifest.BaseModules[mod] {
			m, err := manifest.Load(t.moduleDir(mod))
			if err != nil {
				return fmt.Errorf("unknown dependency %s: %v", mod, err)
			}
			for _, dep := range m.Depends {
				if manifest.BaseModules[dep] {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[mod] = black
		order = append(order, mod)
		return nil
	}

	if err := visit(module); err != nil {
		return nil, err
	}
	return order, nil
}

func (t *TestRunner) moduleDir(module string) string {
	if filepath.IsAbs(module) || strings.ContainsRune(module, os.PathSeparator) {
		return module
	}
	return filepath.Join(t.addonsPath, module)
}

func (t *TestRunner) openLog(module string, scenario domain.Scenario) string {
	if t.logDir == "" {
		return ""
	}
	if err := os.MkdirAll(t.logDir, 0o755); err != nil {
		return ""
	}
	name := fmt.Sprintf("%s-%s-%s.log", filepath.Base(module), scenario, time.Now().UTC().Format("20060102T150405"))
	return filepath.Join(t.logDir, name)
}

func sortRuns(runs []*domain.TestRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Module < runs[j].Module
	})
}
