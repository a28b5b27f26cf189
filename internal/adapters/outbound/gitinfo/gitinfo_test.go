package gitinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepoWithCommit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("file.txt")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestIsRepo(t *testing.T) {
	a := New()
	dir := initRepoWithCommit(t)
	assert.True(t, a.IsRepo(dir))

	// A module directory inside the work tree resolves to the same repo.
	sub := filepath.Join(dir, "addons", "sale_extras")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.True(t, a.IsRepo(sub))
}

func TestIsRepoOutsideWorktree(t *testing.T) {
	a := New()
	assert.False(t, a.IsRepo(os.TempDir()))
}

func TestCommitHash(t *testing.T) {
	a := New()
	dir := initRepoWithCommit(t)

	hash, err := a.CommitHash(dir)
	require.NoError(t, err)
	assert.Len(t, hash, 40)
}

func TestCommitHashWithoutRepo(t *testing.T) {
	a := New()
	_, err := a.CommitHash(os.TempDir())
	assert.Error(t, err)
}
