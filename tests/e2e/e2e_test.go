package e2e_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploycheck/deploycheck/internal/domain"
)

var binaryPath string

func TestMain(m *testing.M) {
	// Build binary before running tests
	dir, err := os.MkdirTemp("", "deploycheck-e2e")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	binaryPath = filepath.Join(dir, "deploycheck")
	cmd := exec.Command("go", "build", "-o", binaryPath, "../../cmd/deploycheck")
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("build failed: " + string(out))
	}

	os.Exit(m.Run())
}

func fixturePath(name string) string {
	abs, _ := filepath.Abs(filepath.Join("../../testdata/addons", name))
	return abs
}

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	return string(out), exitCode
}

func TestE2E_Version(t *testing.T) {
	out, code := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "deploycheck")
}

func TestE2E_ValidateCleanModule(t *testing.T) {
	out, code := run(t, "validate", fixturePath("sale_extras"), "--tier", "static")
	assert.Equal(t, 0, code, "output: %s", out)
	assert.Contains(t, out, "static")
}

func TestE2E_ValidateBrokenModuleExitsOne(t *testing.T) {
	out, code := run(t, "validate", fixturePath("broken_kit"), "--tier", "static")
	assert.Equal(t, 1, code, "a failing target is exit 1, not an infrastructure error; output: %s", out)
}

func TestE2E_ValidateJSON(t *testing.T) {
	// Stdout only: log lines go to stderr and must not pollute the JSON.
	cmd := exec.Command(binaryPath, "validate", fixturePath("sale_extras"), "--tier", "static", "--json")
	out, err := cmd.Output()
	require.NoError(t, err)

	var report domain.ValidationReport
	require.NoError(t, json.Unmarshal(out, &report))
	require.Len(t, report.Tiers, 1)
	assert.Equal(t, domain.StatusPass, report.Tiers[0].Status)
}

func TestE2E_ValidateUnknownTier(t *testing.T) {
	_, code := run(t, "validate", fixturePath("sale_extras"), "--tier", "cosmic")
	assert.Equal(t, 1, code)
}

func TestE2E_ReportFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out, code := run(t, "validate", fixturePath("sale_extras"),
		"--tier", "static", "--report-format", "html", "--report-dir", dir)
	require.Equal(t, 0, code, "output: %s", out)

	files, err := filepath.Glob(filepath.Join(dir, "sale_extras-*.html"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "sale_extras")
}
