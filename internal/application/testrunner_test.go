package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/envtest"
	"github.com/deploycheck/deploycheck/internal/domain"
)

type runnerFixture struct {
	runner  *TestRunner
	manager *envtest.Manager
	runtime *envtest.Runtime
	addons  string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	manager := envtest.NewManager()
	runtime := envtest.NewRuntime()
	addons := t.TempDir()
	return &runnerFixture{
		runner:  NewTestRunner(manager, runtime, addons, "", 4, zap.NewNop()),
		manager: manager,
		runtime: runtime,
		addons:  addons,
	}
}

func (f *runnerFixture) writeModule(t *testing.T, name string, depends ...string) {
	t.Helper()
	dir := filepath.Join(f.addons, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	m := fmt.Sprintf("name: %s\nversion: 16.0.1.0\nsummary: test module %s\n", name, name)
	if len(depends) > 0 {
		m += "depends:\n"
		for _, d := range depends {
			m += "  - " + d + "\n"
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(m), 0o644))
}

func TestInstallTestPasses(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "warehouse")

	run := f.runner.RunInstallTest(context.Background(), "warehouse", RunOptions{})
	assert.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
	assert.Equal(t, "warehouse", run.Module)
	assert.Empty(t, f.manager.InUse())

	left, _ := f.manager.List(context.Background(), "warehouse")
	assert.Empty(t, left, "test database must be dropped after a passing run")
}

func TestInstallTestFailsOnRuntimeError(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "flaky")
	f.runtime.FailModules["flaky"] = errors.New("module raised during init")

	run := f.runner.RunInstallTest(context.Background(), "flaky", RunOptions{})
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Failure, "install failed")
	assert.Empty(t, f.manager.InUse(), "database must be released even on failure")
}

func TestInstallTestPanicIsContained(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "crasher")
	f.runtime.PanicModules["crasher"] = true

	run := f.runner.RunInstallTest(context.Background(), "crasher", RunOptions{})
	assert.Equal(t, domain.RunError, run.Status)
	assert.Contains(t, run.Failure, "panic")
	assert.Empty(t, f.manager.InUse(), "a crash must never leave the database checked out")
}

func TestUpgradeTestInstallsTwice(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "billing")

	run := f.runner.RunUpgradeTest(context.Background(), "billing", RunOptions{})
	assert.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
}

func TestDependencyTestInstallsInTopologicalOrder(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "core_lib")
	f.writeModule(t, "app", "base", "core_lib")

	run := f.runner.RunDependencyTest(context.Background(), "app")
	assert.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
}

func TestDependencyTestDetectsCycle(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "alpha", "beta")
	f.writeModule(t, "beta", "alpha")

	run := f.runner.RunDependencyTest(context.Background(), "alpha")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Failure, "cycle")
}

func TestDependencyTestDetectsUnknownModule(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "lonely", "nowhere_to_be_found")

	run := f.runner.RunDependencyTest(context.Background(), "lonely")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Failure, "nowhere_to_be_found")
}

func TestIntegrationTestSharesOneDatabase(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "crm")
	f.writeModule(t, "helpdesk")

	run := f.runner.RunIntegrationTest(context.Background(), []string{"crm", "helpdesk"})
	assert.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
	assert.Equal(t, domain.ScenarioIntegration, run.Scenario)
}

func TestFullSuiteSequentialStopsAfterFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "aa_ok")
	f.writeModule(t, "bb_bad")
	f.writeModule(t, "cc_never_reached")
	f.runtime.FailModules["bb_bad"] = errors.New("boom")

	runs := f.runner.RunFullSuite(context.Background(), []string{"aa_ok", "bb_bad", "cc_never_reached"}, SuiteOptions{})
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunPassed, runs[0].Status)
	assert.Equal(t, domain.RunFailed, runs[1].Status)
}

func TestFullSuiteContinueOnErrorRunsEverything(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "aa_ok")
	f.writeModule(t, "bb_bad")
	f.writeModule(t, "cc_ok")
	f.runtime.FailModules["bb_bad"] = errors.New("boom")

	runs := f.runner.RunFullSuite(context.Background(), []string{"cc_ok", "aa_ok", "bb_bad"},
		SuiteOptions{ContinueOnError: true})
	require.Len(t, runs, 3)
	// Ordered by module name regardless of input order.
	assert.Equal(t, "aa_ok", runs[0].Module)
	assert.Equal(t, "bb_bad", runs[1].Module)
	assert.Equal(t, "cc_ok", runs[2].Module)
	assert.Equal(t, domain.RunFailed, runs[1].Status)
	assert.Equal(t, domain.RunPassed, runs[0].Status)
	assert.Equal(t, domain.RunPassed, runs[2].Status)
}

func TestFullSuiteParallelIsolatesFailures(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "aa")
	f.writeModule(t, "bb")
	f.writeModule(t, "cc")
	f.runtime.FailModules["bb"] = errors.New("boom")

	runs := f.runner.RunFullSuite(context.Background(), []string{"aa", "bb", "cc"},
		SuiteOptions{Parallel: true, Workers: 3, ContinueOnError: true})
	require.Len(t, runs, 3)
	byModule := map[string]domain.RunStatus{}
	for _, r := range runs {
		byModule[r.Module] = r.Status
	}
	assert.Equal(t, domain.RunFailed, byModule["bb"])
	assert.Equal(t, domain.RunPassed, byModule["aa"], "a failing sibling must not affect independent modules")
	assert.Equal(t, domain.RunPassed, byModule["cc"])

	assert.Empty(t, f.manager.InUse(), "every allocated database must be released")
}

func TestFullSuiteParallelCancelsRemainingOnFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "fails_fast")
	f.writeModule(t, "slow_one")
	f.writeModule(t, "slow_two")
	f.runtime.FailModules["fails_fast"] = errors.New("boom")
	f.runtime.InstallDelay = 200 * time.Millisecond

	runs := f.runner.RunFullSuite(context.Background(), []string{"fails_fast", "slow_one", "slow_two"},
		SuiteOptions{Parallel: true, Workers: 3})
	require.Len(t, runs, 3)

	statuses := map[domain.RunStatus]int{}
	for _, r := range runs {
		statuses[r.Status]++
	}
	assert.Equal(t, 1, statuses[domain.RunFailed])
	assert.Equal(t, 2, statuses[domain.RunError], "in-flight siblings are cancelled, not failed")
	assert.Empty(t, f.manager.InUse(), "cancellation must still release every database")
}

func TestFullSuiteParallelAllocationFailureErrorsAllRuns(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "aa")
	f.writeModule(t, "bb")
	f.manager.FailCreate = func(name string) error {
		if strings.HasSuffix(name, "_p02") {
			return errors.New("disk full")
		}
		return nil
	}

	runs := f.runner.RunFullSuite(context.Background(), []string{"aa", "bb"},
		SuiteOptions{Parallel: true})
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, domain.RunError, r.Status)
		assert.Contains(t, r.Failure, "allocating parallel databases")
	}

	dbs, _ := f.manager.List(context.Background(), "suite_")
	assert.Empty(t, dbs, "partial allocation must be rolled back")
}

func TestPreserveOnFailureKeepsDatabase(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "forensics")
	f.runtime.FailModules["forensics"] = errors.New("boom")

	run := f.runner.RunInstallTest(context.Background(), "forensics", RunOptions{PreserveOnFailure: true})
	assert.Equal(t, domain.RunFailed, run.Status)

	db, err := f.manager.Info(context.Background(), run.Database)
	require.NoError(t, err, "failed run database must be retained")
	assert.True(t, db.Preserved)
	assert.Equal(t, domain.StateReady, db.State, "retained database is released, not checked out")
}

func TestRunWithFixtureSeedsFirst(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "reporting")
	_, err := f.manager.CreateFixture(context.Background(), "base_sale",
		domain.FixtureSpec{Modules: []string{"base"}}, false)
	require.NoError(t, err)

	run := f.runner.RunInstallTest(context.Background(), "reporting", RunOptions{Fixture: "base_sale"})
	assert.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
}

func TestRunWithMissingFixtureErrors(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "reporting")

	run := f.runner.RunInstallTest(context.Background(), "reporting", RunOptions{Fixture: "no_such"})
	assert.Equal(t, domain.RunError, run.Status)
	assert.Contains(t, run.Failure, "no_such")
}

func TestRunsWriteLogs(t *testing.T) {
	f := newRunnerFixture(t)
	f.writeModule(t, "logged")
	logDir := t.TempDir()
	f.runner.logDir = logDir

	run := f.runner.RunInstallTest(context.Background(), "logged", RunOptions{})
	require.Equal(t, domain.RunPassed, run.Status, "failure: %s", run.Failure)
	require.NotEmpty(t, run.LogPath)

	content, err := os.ReadFile(run.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "installing logged")
}
