package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/domain"
)

// Integration tests against a live cluster. Enable with
// DEPLOYCHECK_TEST_DB=1 and the usual DEPLOYCHECK_DB_* variables.
func testManager(t *testing.T) *Manager {
	t.Helper()
	if os.Getenv("DEPLOYCHECK_TEST_DB") == "" {
		t.Skip("set DEPLOYCHECK_TEST_DB=1 to run PostgreSQL integration tests")
	}
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	mgr, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
}

func TestIntegrationCreateListDrop(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	name := uniqueName("it_create")

	db, err := mgr.Create(ctx, name, domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), db.Name, true) })

	assert.Equal(t, "test_"+name, db.Name)
	assert.Equal(t, domain.StateReady, db.State)

	listed, err := mgr.List(ctx, name)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, mgr.Drop(ctx, db.Name, false))
	_, err = mgr.Info(ctx, db.Name)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestIntegrationCreateDuplicateConflicts(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	name := uniqueName("it_dup")

	db, err := mgr.Create(ctx, name, domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), db.Name, true) })

	_, err = mgr.Create(ctx, name, domain.TypeTest, domain.CreateOptions{})
	assert.True(t, domain.IsKind(err, domain.KindNameConflict))
}

func TestIntegrationCloneCopiesContent(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	source := uniqueName("it_src")

	db, err := mgr.Create(ctx, source, domain.TypeDev, domain.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), db.Name, true) })

	target := uniqueName("it_copy")
	clone, err := mgr.Clone(ctx, db.Name, target, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), clone.Name, true) })
	assert.Equal(t, target, clone.Name)
}

func TestIntegrationAcquireAcrossManagers(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	name := uniqueName("it_own")

	db, err := mgr.Create(ctx, name, domain.TypeTest, domain.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), db.Name, true) })

	// A second manager simulates a concurrent CLI invocation sharing the
	// registry. Ownership must hold across both.
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	other, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	require.NoError(t, mgr.Acquire(ctx, db.Name, "run-1"))
	err = other.Acquire(ctx, db.Name, "run-2")
	assert.True(t, domain.IsKind(err, domain.KindActiveConnections))

	require.NoError(t, mgr.Release(ctx, db.Name))
	assert.NoError(t, other.Acquire(ctx, db.Name, "run-2"))
	require.NoError(t, other.Release(ctx, db.Name))
}

func TestIntegrationCleanupSweepsOnlyAged(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	name := uniqueName("it_sweep")

	db, err := mgr.Create(ctx, name, domain.TypeTemp, domain.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Drop(context.Background(), db.Name, true) })

	swept, err := mgr.Cleanup(ctx, time.Hour, true)
	require.NoError(t, err)
	for _, s := range swept {
		assert.NotEqual(t, db.Name, s.Name, "a fresh database must not be swept")
	}
}

func TestValidIdent(t *testing.T) {
	assert.NoError(t, validIdent("test_orders"))
	assert.NoError(t, validIdent("_private"))
	assert.Error(t, validIdent("1leading_digit"))
	assert.Error(t, validIdent("has-dash"))
	assert.Error(t, validIdent(`quoted"name`))
	assert.Error(t, validIdent(""))

	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, validIdent(string(long)))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"test_orders"`, quoteIdent("test_orders"))
}

func TestNewManagerRequiresDriver(t *testing.T) {
	assert.True(t, hasSQLDriver("pgx"), "pgx stdlib driver must be linked")
}
