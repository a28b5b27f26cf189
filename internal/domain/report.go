package domain

import "time"

// ValidationReport is the aggregated outcome of one validation request.
// It is the single source for every rendering: JSON marshals it directly,
// text and HTML are pure functions of it.
type ValidationReport struct {
	RequestID   string       `json:"requestId"`
	Target      string       `json:"target"`
	CommitHash  string       `json:"commitHash,omitempty"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Tiers       []TierReport `json:"tiers"`
}

type TierReport struct {
	Tier       Tier       `json:"tier"`
	Status     TierStatus `json:"status"`
	DurationMs int64      `json:"durationMs"`
	Issues     []Issue    `json:"issues"`
}

// Status folds the per-tier statuses into one verdict: any error wins over
// fail, fail over warnings, warnings over pass.
func (r ValidationReport) Status() TierStatus {
	out := StatusPass
	for _, t := range r.Tiers {
		switch t.Status {
		case StatusError:
			return StatusError
		case StatusFail:
			out = StatusFail
		case StatusPassWithWarnings:
			if out == StatusPass {
				out = StatusPassWithWarnings
			}
		}
	}
	return out
}

// SeverityCounts tallies issues across all tiers by severity.
func (r ValidationReport) SeverityCounts() map[string]int {
	counts := map[string]int{}
	for _, t := range r.Tiers {
		for _, iss := range t.Issues {
			counts[iss.Severity]++
		}
	}
	return counts
}

// SuiteReport is the aggregated outcome of a module-test suite.
type SuiteReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	CommitHash  string          `json:"commitHash,omitempty"`
	TestRuns    []TestRunReport `json:"testRuns"`
}

type TestRunReport struct {
	Module     string    `json:"module"`
	Scenario   Scenario  `json:"scenario"`
	Status     RunStatus `json:"status"`
	DurationMs int64     `json:"durationMs"`
	LogRef     string    `json:"logRef,omitempty"`
	Failure    string    `json:"failure,omitempty"`
}

// Failed reports whether any run did not pass.
func (r SuiteReport) Failed() bool {
	for _, tr := range r.TestRuns {
		if tr.Status != RunPassed {
			return true
		}
	}
	return false
}

// Report records one generated artifact. Derived, never mutated.
type Report struct {
	Format      ReportFormat `json:"format"`
	Path        string       `json:"path"`
	GeneratedAt time.Time    `json:"generated_at"`
}
