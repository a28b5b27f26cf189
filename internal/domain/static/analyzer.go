// Package static inspects a module without executing anything: manifest
// structure, cross-file references, declared value domains and markup
// well-formedness. It is pure and deterministic; any check that would need
// a database or code execution belongs in the dynamic tier.
package static

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/manifest"
)

// Issue codes, one per failure mode, so downstream tooling can filter.
const (
	CodeManifestMissing   = "manifest-missing"
	CodeManifestSyntax    = "manifest-syntax"
	CodeManifestField     = "manifest-field"
	CodeVersionFormat     = "version-format"
	CodeDependencyUnknown = "dependency-unknown"
	CodeDanglingDataRef   = "dangling-data-ref"
	CodeOrphanDataFile    = "orphan-data-file"
	CodeXMLMalformed      = "xml-malformed"
	CodeSelectionValue    = "selection-value"
	CodeNameStyle         = "name-style"
	CodeFieldType         = "field-type-unknown"
	CodeNotInstallable    = "not-installable"
)

// Analyzer runs all static checks against a module directory.
type Analyzer struct {
	// KnownModules are installable module names beyond the platform base
	// set, typically the other modules on the addons path.
	KnownModules map[string]bool
}

func New(knownModules map[string]bool) *Analyzer {
	return &Analyzer{KnownModules: knownModules}
}

// Analyze inspects the module at dir. fatal reports that later tiers are
// pointless (missing or unparseable manifest).
func (a *Analyzer) Analyze(dir string) (issues []domain.Issue, fatal bool) {
	m, err := manifest.Load(dir)
	if err != nil {
		code := CodeManifestSyntax
		if errors.Is(err, manifest.ErrNotFound) {
			code = CodeManifestMissing
		}
		return []domain.Issue{{
			Severity: domain.SeverityError,
			Code:     code,
			Message:  err.Error(),
			File:     manifest.FileName,
		}}, true
	}

	issues = append(issues, a.checkManifest(dir, m)...)
	issues = append(issues, a.checkDataFiles(dir, m)...)
	issues = append(issues, a.checkModels(m)...)

	sortIssues(issues)
	return issues, false
}

func (a *Analyzer) checkManifest(dir string, m *manifest.Manifest) []domain.Issue {
	var issues []domain.Issue

	name := manifest.ModuleName(dir, m)
	if m.Name == "" {
		issues = append(issues, manifestIssue(domain.SeverityError, CodeManifestField,
			"manifest is missing required field 'name'"))
	}
	if m.Version == "" {
		issues = append(issues, manifestIssue(domain.SeverityError, CodeManifestField,
			"manifest is missing required field 'version'"))
	} else if !manifest.VersionPattern.MatchString(m.Version) {
		issues = append(issues, manifestIssue(domain.SeverityError, CodeVersionFormat,
			fmt.Sprintf("version %q does not match <series>.<major>.<minor> form", m.Version)))
	}
	if m.Summary == "" {
		issues = append(issues, manifestIssue(domain.SeverityInfo, CodeManifestField,
			"manifest has no summary"))
	}
	if !m.IsInstallable() {
		issues = append(issues, manifestIssue(domain.SeverityWarning, CodeNotInstallable,
			fmt.Sprintf("module %s is marked not installable", name)))
	}

	issues = append(issues, checkName(name, "module", manifest.FileName)...)

	for _, dep := range m.Depends {
		if manifest.BaseModules[dep] || a.KnownModules[dep] {
			continue
		}
		issues = append(issues, manifestIssue(domain.SeverityError, CodeDependencyUnknown,
			fmt.Sprintf("declared dependency %q is not a known module", dep)))
	}

	return issues
}

func (a *Analyzer) checkDataFiles(dir string, m *manifest.Manifest) []domain.Issue {
	var issues []domain.Issue

	declared := map[string]bool{}
	for _, rel := range m.DeclaredFiles() {
		declared[rel] = true
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); err != nil {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     CodeDanglingDataRef,
				Message:  fmt.Sprintf("declared data file %q does not exist", rel),
				File:     manifest.FileName,
			})
			continue
		}
		if strings.HasSuffix(rel, ".xml") {
			issues = append(issues, checkWellFormed(dir, rel)...)
		}
	}

	// Data files present on disk but never declared load nowhere; that is
	// usually a forgotten manifest entry.
	for _, rel := range dataFilesOnDisk(dir) {
		if !declared[rel] {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityInfo,
				Code:     CodeOrphanDataFile,
				Message:  fmt.Sprintf("data file %q exists but is not declared in the manifest", rel),
				File:     rel,
			})
		}
	}

	return issues
}

func (a *Analyzer) checkModels(m *manifest.Manifest) []domain.Issue {
	var issues []domain.Issue
	for _, model := range m.Models {
		issues = append(issues, checkName(model.Name, "model", manifest.FileName)...)
		issues = append(issues, checkFields(model)...)
		issues = append(issues, checkDemoRows(model)...)
	}
	return issues
}

func dataFilesOnDisk(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".xml", ".csv":
			rel, relErr := filepath.Rel(dir, path)
			if relErr == nil {
				out = append(out, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func manifestIssue(severity, code, message string) domain.Issue {
	return domain.Issue{Severity: severity, Code: code, Message: message, File: manifest.FileName}
}

// sortIssues fixes the output order so two runs over an unchanged target
// produce identical issue lists.
func sortIssues(issues []domain.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
