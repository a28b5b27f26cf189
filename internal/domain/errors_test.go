package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesOpKindAndName(t *testing.T) {
	err := NameConflict("db.create", "test_orders")
	assert.Contains(t, err.Error(), "db.create")
	assert.Contains(t, err.Error(), "NAME_CONFLICT")
	assert.Contains(t, err.Error(), "test_orders")
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Infrastructure("db.connect", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("db.info", "missing"))
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNameConflict}))
	// Op narrows the match when set on the target.
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound, Op: "db.info"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound, Op: "db.drop"}))
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("dynamic.exercise", errors.New("deadline exceeded")))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Infrastructure("env.provision", errors.New("docker down")), true},
		{Timeout("tier.run", nil), true},
		{NameConflict("db.create", "dup"), false},
		{NotFound("db.drop", "gone"), false},
		{ActiveConnections("db.drop", "busy"), false},
		{SchemaMismatch("db.seed", "fx", errors.New("column gone")), false},
		{NewError(KindValidation, "validate", "mod", nil), false},
		{errors.New("unclassified"), false},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.err), "err=%v", tc.err)
	}
}

func TestActiveConnectionsIsNotRetryable(t *testing.T) {
	// A busy database stays busy; retrying without force would loop.
	err := ActiveConnections("db.clone", "staging_main")
	require.False(t, Retryable(err))
	assert.Equal(t, KindActiveConnections, KindOf(err))
}
