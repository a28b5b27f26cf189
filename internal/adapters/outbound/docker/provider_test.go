package docker

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

func TestProvisionRejectsUnknownPlatform(t *testing.T) {
	p := New(zap.NewNop())
	_, err := p.Provision(context.Background(), domain.EnvironmentSpec{PlatformVersion: "3.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3.0")
}

func TestTerminateUnknownEnvironment(t *testing.T) {
	p := New(zap.NewNop())
	err := p.Terminate(context.Background(), "env-nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

// Full round trip against a real container runtime. Enable with
// DEPLOYCHECK_TEST_DOCKER=1.
func TestIntegrationProvisionTerminate(t *testing.T) {
	if os.Getenv("DEPLOYCHECK_TEST_DOCKER") == "" {
		t.Skip("set DEPLOYCHECK_TEST_DOCKER=1 to run container integration tests")
	}
	p := New(zap.NewNop())
	ctx := context.Background()

	env, err := p.Provision(ctx, domain.EnvironmentSpec{PlatformVersion: "16.0"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Contains(t, env.DSN, "deploycheck")

	require.NoError(t, p.Terminate(ctx, env.ID))
	err = p.Terminate(ctx, env.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
