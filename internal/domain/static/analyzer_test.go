package static

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploycheck/deploycheck/internal/domain"
)

func fixturePath(name string) string {
	abs, _ := filepath.Abs(filepath.Join("../../../testdata/addons", name))
	return abs
}

func codes(issues []domain.Issue) map[string]int {
	out := map[string]int{}
	for _, iss := range issues {
		out[iss.Code]++
	}
	return out
}

func TestAnalyzeCleanModule(t *testing.T) {
	a := New(nil)
	issues, fatal := a.Analyze(fixturePath("sale_extras"))
	require.False(t, fatal)
	for _, iss := range issues {
		assert.NotEqual(t, domain.SeverityError, iss.Severity, "unexpected error issue: %+v", iss)
	}
	assert.Equal(t, domain.StatusPass, domain.StatusForIssues(issues))
}

func TestAnalyzeMissingManifestIsFatal(t *testing.T) {
	a := New(nil)
	issues, fatal := a.Analyze(t.TempDir())
	assert.True(t, fatal)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeManifestMissing, issues[0].Code)
	assert.Equal(t, domain.SeverityError, issues[0].Severity)
}

func TestAnalyzeSyntaxErrorIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("name: [broken"), 0o644))

	a := New(nil)
	issues, fatal := a.Analyze(dir)
	assert.True(t, fatal)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeManifestSyntax, issues[0].Code)
}

func TestAnalyzeBrokenModule(t *testing.T) {
	a := New(map[string]bool{"sale_extras": true})
	issues, fatal := a.Analyze(fixturePath("broken_kit"))
	require.False(t, fatal, "a parseable manifest is never fatal")

	got := codes(issues)
	assert.Equal(t, 1, got[CodeVersionFormat], "version 'next' must be flagged")
	assert.Equal(t, 1, got[CodeDependencyUnknown], "imaginary_module must be flagged")
	assert.Equal(t, 1, got[CodeDanglingDataRef], "declared but missing data file")
	assert.Equal(t, 1, got[CodeXMLMalformed], "bad.xml must be flagged")
	assert.Equal(t, 1, got[CodeOrphanDataFile], "undeclared orphan.xml must be flagged")
	assert.Equal(t, 1, got[CodeFieldType], "type 'blob' must be flagged")
	assert.Equal(t, 2, got[CodeNameStyle], "brokenKit and legacyName must be flagged")
	assert.Equal(t, 2, got[CodeSelectionValue], "bad default and bad demo value must be flagged")

	assert.Equal(t, domain.StatusFail, domain.StatusForIssues(issues))
}

func TestAnalyzeXMLIssueCarriesLocation(t *testing.T) {
	a := New(nil)
	issues, _ := a.Analyze(fixturePath("broken_kit"))
	var xmlIssue *domain.Issue
	for i := range issues {
		if issues[i].Code == CodeXMLMalformed {
			xmlIssue = &issues[i]
			break
		}
	}
	require.NotNil(t, xmlIssue)
	assert.Equal(t, "data/bad.xml", xmlIssue.File)
	assert.Greater(t, xmlIssue.Line, 0)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := New(map[string]bool{"sale_extras": true})
	first, _ := a.Analyze(fixturePath("broken_kit"))
	second, _ := a.Analyze(fixturePath("broken_kit"))
	assert.Equal(t, first, second, "same target must yield the identical issue list")
}

func TestAnalyzeNotInstallableWarns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(
		"name: parked\nversion: 16.0.1.0\nsummary: parked module\ninstallable: false\n"), 0o644))

	a := New(nil)
	issues, fatal := a.Analyze(dir)
	require.False(t, fatal)
	got := codes(issues)
	assert.Equal(t, 1, got[CodeNotInstallable])
	assert.Equal(t, domain.StatusPassWithWarnings, domain.StatusForIssues(issues))
}

func TestCheckNameSplitsCamelCase(t *testing.T) {
	issues := checkName("salesOrderLine", "field", "manifest.yaml")
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "sales_order_line")
}
