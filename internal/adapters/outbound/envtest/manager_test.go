package envtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploycheck/deploycheck/internal/domain"
)

func TestCreateRejectsDuplicateNames(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.Create(ctx, "orders", domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)

	_, err = m.Create(ctx, "orders", domain.TypeTest, domain.CreateOptions{})
	assert.True(t, domain.IsKind(err, domain.KindNameConflict))

	// Same logical name under a different type is a different database.
	_, err = m.Create(ctx, "orders", domain.TypeTemp, domain.CreateOptions{})
	assert.NoError(t, err)

	// Force replaces.
	_, err = m.Create(ctx, "orders", domain.TypeTest, domain.CreateOptions{Force: true})
	assert.NoError(t, err)
}

func TestAcquireIsSingleOwner(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	db, err := m.Create(ctx, "contested", domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Acquire(ctx, db.Name, fmt.Sprintf("worker-%d", i)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one goroutine may check the database out")
}

func TestAcquireReleaseCycle(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	db, err := m.Create(ctx, "cycled", domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Acquire(ctx, db.Name, "run-1"))
	err = m.Acquire(ctx, db.Name, "run-2")
	assert.True(t, domain.IsKind(err, domain.KindActiveConnections))

	require.NoError(t, m.Release(ctx, db.Name))
	assert.NoError(t, m.Acquire(ctx, db.Name, "run-2"))
}

func TestDropInUseRequiresForce(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	db, err := m.Create(ctx, "busy", domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Acquire(ctx, db.Name, "run"))

	err = m.Drop(ctx, db.Name, false)
	assert.True(t, domain.IsKind(err, domain.KindActiveConnections))
	assert.NoError(t, m.Drop(ctx, db.Name, true))
}

func TestIndependentNamesProceedConcurrently(t *testing.T) {
	m := NewManager()
	m.CreateDelay = 50 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Create(ctx, fmt.Sprintf("indep_%d", i), domain.TypeTest, domain.CreateOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Serialized, eight creates would take 400ms.
	assert.Less(t, time.Since(start), 300*time.Millisecond,
		"unrelated names must not serialize behind each other")
}

func TestCleanupSkipsPreservedAndInUse(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, name := range []string{"sweep_a", "sweep_b", "sweep_c"} {
		db, err := m.Create(ctx, name, domain.TypeTemp, domain.CreateOptions{})
		require.NoError(t, err)
		m.mu.Lock()
		m.databases[db.Name].CreatedAt = old
		m.mu.Unlock()
	}
	require.NoError(t, m.Preserve(ctx, "temp_sweep_a"))
	require.NoError(t, m.Acquire(ctx, "temp_sweep_b", "run"))

	swept, err := m.Cleanup(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "temp_sweep_c", swept[0].Name)

	_, err = m.Info(ctx, "temp_sweep_a")
	assert.NoError(t, err, "preserved database survives cleanup")
	_, err = m.Info(ctx, "temp_sweep_b")
	assert.NoError(t, err, "checked-out database survives cleanup")
}

func TestCleanupDryRunDeletesNothing(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	db, err := m.Create(ctx, "dry", domain.TypeTemp, domain.CreateOptions{})
	require.NoError(t, err)
	m.mu.Lock()
	m.databases[db.Name].CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	m.mu.Unlock()

	swept, err := m.Cleanup(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Len(t, swept, 1)

	_, err = m.Info(ctx, db.Name)
	assert.NoError(t, err, "dry run must only report")
}

func TestAllocateParallelSetIsAllOrNothing(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.FailCreate = func(name string) error {
		if strings.HasSuffix(name, "_p03") {
			return errors.New("out of space")
		}
		return nil
	}

	_, err := m.AllocateParallelSet(ctx, "batch", 4)
	require.Error(t, err)

	dbs, err := m.List(ctx, "batch")
	require.NoError(t, err)
	assert.Empty(t, dbs, "successfully created members must be rolled back")
}

func TestAllocateParallelSetNames(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	dbs, err := m.AllocateParallelSet(ctx, "batch", 3)
	require.NoError(t, err)
	require.Len(t, dbs, 3)
	assert.Equal(t, "test_batch_p01", dbs[0].Name)
	assert.Equal(t, "test_batch_p02", dbs[1].Name)
	assert.Equal(t, "test_batch_p03", dbs[2].Name)
}

func TestFixtureCreateIsIdempotentByName(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	spec := domain.FixtureSpec{Modules: []string{"base", "sale"}}

	fx, err := m.CreateFixture(ctx, "base_sale", spec, false)
	require.NoError(t, err)
	assert.Equal(t, "fixture_base_sale", fx.Database)

	_, err = m.CreateFixture(ctx, "base_sale", spec, false)
	assert.True(t, domain.IsKind(err, domain.KindNameConflict))

	_, err = m.CreateFixture(ctx, "base_sale", spec, true)
	assert.NoError(t, err, "force rebuilds the fixture")
}

func TestBackupRestoreVerify(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	_, err := m.Create(ctx, "source", domain.TypeDev, domain.CreateOptions{})
	require.NoError(t, err)

	b, err := m.Backup(ctx, "source", "custom", true)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.NotEmpty(t, b.SHA256)

	ok, err := m.Verify(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	restored, err := m.Restore(ctx, b.ID, "restored_copy")
	require.NoError(t, err)
	assert.Equal(t, "restored_copy", restored.Name)

	_, err = m.Restore(ctx, "no-such-backup", "elsewhere")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestCloneRefusesBusySourceWithoutForce(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	db, err := m.Create(ctx, "origin", domain.TypeDev, domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Acquire(ctx, db.Name, "session"))

	_, err = m.Clone(ctx, db.Name, "copy", false)
	assert.True(t, domain.IsKind(err, domain.KindActiveConnections))

	clone, err := m.Clone(ctx, db.Name, "copy", true)
	require.NoError(t, err)
	assert.Equal(t, "copy", clone.Name)
}

func TestCreateInstallsRequestedModules(t *testing.T) {
	m := NewManager()
	rt := NewRuntime()
	m.Runtime = rt
	ctx := context.Background()

	db, err := m.Create(ctx, "seeded", domain.TypeTest, domain.CreateOptions{
		Modules:      []string{"base", "sale"},
		SeedDemoData: true,
	})
	require.NoError(t, err)

	installed, err := rt.Installed(ctx, m.DSN(db.Name))
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "sale"}, installed)
}

func TestCreateModulesRequireRuntime(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.Create(ctx, "seeded", domain.TypeTest, domain.CreateOptions{Modules: []string{"base"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runtime")

	dbs, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, dbs, "nothing is created when the request cannot be honored")
}

func TestCreateDemoNeedsModules(t *testing.T) {
	m := NewManager()
	m.Runtime = NewRuntime()

	_, err := m.Create(context.Background(), "seeded", domain.TypeTest, domain.CreateOptions{SeedDemoData: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alongside modules")
}

func TestCreateRollsBackFailedInstall(t *testing.T) {
	m := NewManager()
	rt := NewRuntime()
	rt.FailModules["sale"] = errors.New("constraint violated")
	m.Runtime = rt
	ctx := context.Background()

	_, err := m.Create(ctx, "seeded", domain.TypeTest, domain.CreateOptions{Modules: []string{"base", "sale"}})
	require.Error(t, err)

	dbs, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, dbs, "a database whose modules failed to install is dropped")
}

func TestCloneTempNamedCopyIsSweepable(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	db, err := m.Create(ctx, "main", domain.TypeDev, domain.CreateOptions{})
	require.NoError(t, err)

	clone, err := m.Clone(ctx, db.Name, "temp_main_a1b2c3d4", false)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeTemp, clone.Type)

	m.mu.Lock()
	m.databases[clone.Name].CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	m.mu.Unlock()

	swept, err := m.Cleanup(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, clone.Name, swept[0].Name)

	_, err = m.Info(ctx, db.Name)
	assert.NoError(t, err, "the dev source is never swept")
}
