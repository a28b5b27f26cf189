package application

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// ReportService turns validation and test-run results into text, JSON and
// HTML artifacts. The JSON document structs are the single source: text and
// HTML are pure renderings of them, so the formats can never disagree.
type ReportService struct {
	git domain.GitInfo
	dir string
}

func NewReportService(git domain.GitInfo, dir string) *ReportService {
	return &ReportService{git: git, dir: dir}
}

// BuildValidation assembles the report document for one request, stamping
// the target's commit hash when it sits in a git work tree.
func (s *ReportService) BuildValidation(report *domain.ValidationReport) *domain.ValidationReport {
	if s.git != nil && s.git.IsRepo(report.Target) {
		if hash, err := s.git.CommitHash(report.Target); err == nil {
			report.CommitHash = hash
		}
	}
	return report
}

// BuildSuite assembles the suite report document from ordered test runs.
func (s *ReportService) BuildSuite(runs []*domain.TestRun, target string) *domain.SuiteReport {
	report := &domain.SuiteReport{GeneratedAt: time.Now().UTC()}
	if s.git != nil && target != "" && s.git.IsRepo(target) {
		if hash, err := s.git.CommitHash(target); err == nil {
			report.CommitHash = hash
		}
	}
	for _, run := range runs {
		report.TestRuns = append(report.TestRuns, domain.TestRunReport{
			Module:     run.Module,
			Scenario:   run.Scenario,
			Status:     run.Status,
			DurationMs: run.Duration().Milliseconds(),
			LogRef:     run.LogPath,
			Failure:    run.Failure,
		})
	}
	return report
}

// WriteValidation renders the report in the given format to a file named by
// target and timestamp, returning the artifact record.
func (s *ReportService) WriteValidation(report *domain.ValidationReport, format domain.ReportFormat) (*domain.Report, error) {
	var content []byte
	var err error
	switch format {
	case domain.FormatJSON:
		content, err = json.MarshalIndent(report, "", "  ")
	case domain.FormatText:
		content = []byte(RenderValidationText(report))
	case domain.FormatHTML:
		content, err = renderHTML(validationHTMLTemplate, report)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("rendering %s report: %w", format, err)
	}
	return s.write(filepath.Base(report.Target), format, content)
}

// WriteSuite renders the suite report in the given format.
func (s *ReportService) WriteSuite(report *domain.SuiteReport, format domain.ReportFormat) (*domain.Report, error) {
	var content []byte
	var err error
	switch format {
	case domain.FormatJSON:
		content, err = json.MarshalIndent(report, "", "  ")
	case domain.FormatText:
		content = []byte(RenderSuiteText(report))
	case domain.FormatHTML:
		content, err = renderHTML(suiteHTMLTemplate, report)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("rendering %s report: %w", format, err)
	}
	return s.write("module-test", format, content)
}

func (s *ReportService) write(base string, format domain.ReportFormat, content []byte) (*domain.Report, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	ext := map[domain.ReportFormat]string{
		domain.FormatText: "txt",
		domain.FormatJSON: "json",
		domain.FormatHTML: "html",
	}[format]
	now := time.Now().UTC()
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.%s", base, now.Format("20060102T150405"), ext))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, err
	}
	return &domain.Report{Format: format, Path: path, GeneratedAt: now}, nil
}

// RenderValidationText is the flat, human-scannable summary grouped by
// severity.
func RenderValidationText(report *domain.ValidationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validation of %s\n", report.Target)
	if report.CommitHash != "" {
		fmt.Fprintf(&b, "Commit: %s\n", report.CommitHash)
	}
	fmt.Fprintf(&b, "Overall: %s\n\n", report.Status())

	for _, tier := range report.Tiers {
		fmt.Fprintf(&b, "[%s] %s (%dms)\n", tier.Tier, tier.Status, tier.DurationMs)
	}

	counts := report.SeverityCounts()
	fmt.Fprintf(&b, "\nIssues: %d error(s), %d warning(s), %d info\n",
		counts[domain.SeverityError], counts[domain.SeverityWarning], counts[domain.SeverityInfo])

	for _, severity := range []string{domain.SeverityError, domain.SeverityWarning, domain.SeverityInfo} {
		group := issuesBySeverity(report, severity)
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(severity))
		for _, iss := range group {
			loc := ""
			if iss.File != "" {
				loc = " (" + iss.File
				if iss.Line > 0 {
					loc += fmt.Sprintf(":%d", iss.Line)
				}
				loc += ")"
			}
			fmt.Fprintf(&b, "  [%s] %s%s\n", iss.Code, iss.Message, loc)
		}
	}
	return b.String()
}

// RenderSuiteText summarizes a test suite, one line per run, ordered by
// module name.
func RenderSuiteText(report *domain.SuiteReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Module test suite (%d run(s))\n", len(report.TestRuns))
	if report.CommitHash != "" {
		fmt.Fprintf(&b, "Commit: %s\n", report.CommitHash)
	}
	b.WriteString("\n")

	passed := 0
	for _, run := range report.TestRuns {
		fmt.Fprintf(&b, "%-8s %-24s %-12s %6dms", run.Status, run.Module, run.Scenario, run.DurationMs)
		if run.Failure != "" {
			fmt.Fprintf(&b, "  %s", run.Failure)
		}
		b.WriteString("\n")
		if run.Status == domain.RunPassed {
			passed++
		}
	}
	fmt.Fprintf(&b, "\n%d/%d passed\n", passed, len(report.TestRuns))
	return b.String()
}

func issuesBySeverity(report *domain.ValidationReport, severity string) []domain.Issue {
	var out []domain.Issue
	for _, tier := range report.Tiers {
		for _, iss := range tier.Issues {
			if iss.Severity == severity {
				out = append(out, iss)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func renderHTML(tmpl string, data any) ([]byte, error) {
	t, err := template.New("report").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// The HTML templates take the JSON document structs directly, so the HTML
// is always a strict rendering of the JSON representation.
const validationHTMLTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Validation {{.Target}}</title>
<style>
body{font-family:sans-serif;margin:2em}
.pass{color:#16a34a}.pass_with_warnings{color:#d97706}.fail{color:#dc2626}.error{color:#7c3aed}
.severity-error{color:#dc2626}.severity-warning{color:#d97706}.severity-info{color:#6b7280}
table{border-collapse:collapse}td,th{border:1px solid #ddd;padding:4px 10px;text-align:left}
</style></head><body>
<h1>Validation of {{.Target}}</h1>
{{if .CommitHash}}<p>Commit <code>{{.CommitHash}}</code></p>{{end}}
<p>Overall: <strong class="{{.Status}}">{{.Status}}</strong></p>
{{range .Tiers}}
<h2>{{.Tier}} <span class="{{.Status}}">{{.Status}}</span> <small>{{.DurationMs}}ms</small></h2>
{{if .Issues}}<table><tr><th>Severity</th><th>Code</th><th>Message</th><th>Location</th></tr>
{{range .Issues}}<tr><td class="severity-{{.Severity}}">{{.Severity}}</td><td>{{.Code}}</td><td>{{.Message}}</td><td>{{.File}}{{if .Line}}:{{.Line}}{{end}}</td></tr>
{{end}}</table>{{else}}<p>No issues.</p>{{end}}
{{end}}
<p><small>Generated {{.GeneratedAt}}</small></p>
</body></html>
`

const suiteHTMLTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Module test suite</title>
<style>
body{font-family:sans-serif;margin:2em}
.passed{color:#16a34a}.failed{color:#dc2626}.error{color:#7c3aed}
table{border-collapse:collapse}td,th{border:1px solid #ddd;padding:4px 10px;text-align:left}
</style></head><body>
<h1>Module test suite</h1>
{{if .CommitHash}}<p>Commit <code>{{.CommitHash}}</code></p>{{end}}
<table><tr><th>Module</th><th>Scenario</th><th>Status</th><th>Duration</th><th>Log</th><th>Failure</th></tr>
{{range .TestRuns}}<tr><td>{{.Module}}</td><td>{{.Scenario}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.DurationMs}}ms</td><td>{{.LogRef}}</td><td>{{.Failure}}</td></tr>
{{end}}</table>
<p><small>Generated {{.GeneratedAt}}</small></p>
</body></html>
`
