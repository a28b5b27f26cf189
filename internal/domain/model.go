package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier identifies one validation strategy with its own cost/confidence trade-off.
type Tier string

const (
	TierStatic      Tier = "static"
	TierDynamic     Tier = "dynamic"
	TierBulletproof Tier = "bulletproof"
)

// TierOrder lists tiers from cheapest to most expensive. The orchestrator
// always runs them in this order up to the requested tier.
var TierOrder = []Tier{TierStatic, TierDynamic, TierBulletproof}

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierStatic, TierDynamic, TierBulletproof:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q (want static, dynamic or bulletproof)", s)
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Issue represents a single problem found during validation.
type Issue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// ValidationRequest describes one validation of a target module.
// Immutable once submitted.
type ValidationRequest struct {
	ID           string        `json:"id"`
	Target       string        `json:"target"`
	Tier         Tier          `json:"tier"`
	WithDemoData bool          `json:"with_demo_data"`
	TierTimeout  time.Duration `json:"tier_timeout"`
	CreatedAt    time.Time     `json:"created_at"`
}

func NewValidationRequest(target string, tier Tier) ValidationRequest {
	return ValidationRequest{
		ID:        uuid.NewString(),
		Target:    target,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
}

// Status values for a single executed tier.
type TierStatus string

const (
	StatusPass             TierStatus = "pass"
	StatusPassWithWarnings TierStatus = "pass_with_warnings"
	StatusFail             TierStatus = "fail"
	// StatusError means the tier itself could not run to completion
	// (timeout, crash, infrastructure). It is never folded into fail.
	StatusError TierStatus = "error"
)

// ValidationResult is the outcome of one tier run. Immutable after completion.
type ValidationResult struct {
	RequestID  string     `json:"request_id"`
	Tier       Tier       `json:"tier"`
	Status     TierStatus `json:"status"`
	Issues     []Issue    `json:"issues"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	// Fatal marks results whose issues make later tiers pointless,
	// e.g. an unparseable manifest.
	Fatal bool `json:"fatal,omitempty"`
}

func (r ValidationResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusForIssues derives the tier status from its issue list: any error
// severity fails, warnings alone pass with warnings.
func StatusForIssues(issues []Issue) TierStatus {
	status := StatusPass
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityError:
			return StatusFail
		case SeverityWarning:
			status = StatusPassWithWarnings
		}
	}
	return status
}

// DatabaseType classifies a managed database for naming and retention.
type DatabaseType string

const (
	TypeDev     DatabaseType = "dev"
	TypeTest    DatabaseType = "test"
	TypeStaging DatabaseType = "staging"
	TypeFixture DatabaseType = "fixture"
	TypeTemp    DatabaseType = "temp"
)

func ParseDatabaseType(s string) (DatabaseType, error) {
	switch DatabaseType(s) {
	case TypeDev, TypeTest, TypeStaging, TypeFixture, TypeTemp:
		return DatabaseType(s), nil
	}
	return "", fmt.Errorf("unknown database type %q", s)
}

// DatabaseName applies the deterministic naming scheme: the logical name is
// prefixed by type unless the type is the primary development type.
func DatabaseName(name string, typ DatabaseType) string {
	if typ == TypeDev {
		return name
	}
	return string(typ) + "_" + name
}

// TypeFromName inverts DatabaseName: the prefix identifies the type, and a
// name without one falls back to def.
func TypeFromName(name string, def DatabaseType) DatabaseType {
	for _, typ := range []DatabaseType{TypeTest, TypeStaging, TypeFixture, TypeTemp} {
		if strings.HasPrefix(name, string(typ)+"_") {
			return typ
		}
	}
	return def
}

// DatabaseState is the lifecycle state of a managed database.
type DatabaseState string

const (
	StateProvisioning DatabaseState = "provisioning"
	StateReady        DatabaseState = "ready"
	StateInUse        DatabaseState = "in_use"
	StateDestroying   DatabaseState = "destroying"
	StateDestroyed    DatabaseState = "destroyed"
)

// TestDatabase is an isolated database instance tracked by the lifecycle
// manager. At most one owner holds it in_use at any instant.
type TestDatabase struct {
	Name      string        `json:"name"`
	Type      DatabaseType  `json:"type"`
	State     DatabaseState `json:"state"`
	Owner     string        `json:"owner,omitempty"`
	Preserved bool          `json:"preserved,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Fixture is a named, reusable seed dataset backed by a database snapshot.
type Fixture struct {
	Name         string    `json:"name"`
	Database     string    `json:"database"`
	Modules      []string  `json:"modules,omitempty"`
	SeedDemoData bool      `json:"seed_demo_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backup is a dump artifact, independent of the live database lifecycle.
type Backup struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Format     string    `json:"format"`
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	Compressed bool      `json:"compressed"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// Scenario is one module-test scenario kind.
type Scenario string

const (
	ScenarioInstall     Scenario = "install"
	ScenarioUpgrade     Scenario = "upgrade"
	ScenarioDependency  Scenario = "dependency"
	ScenarioIntegration Scenario = "integration"
)

// RunStatus is the lifecycle status of a TestRun.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	// RunError means the run could not execute, as opposed to the
	// scenario executing and failing its post-conditions.
	RunError RunStatus = "error"
)

// TestRun is one execution of a scenario against an isolated database.
type TestRun struct {
	ID         string    `json:"id"`
	Module     string    `json:"module"`
	Scenario   Scenario  `json:"scenario"`
	Database   string    `json:"database,omitempty"`
	Status     RunStatus `json:"status"`
	Failure    string    `json:"failure,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r TestRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ReportFormat selects a report rendering.
type ReportFormat string

const (
	FormatText ReportFormat = "text"
	FormatJSON ReportFormat = "json"
	FormatHTML ReportFormat = "html"
)

func ParseReportFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case FormatText, FormatJSON, FormatHTML:
		return ReportFormat(s), nil
	}
	return "", fmt.Errorf("unknown report format %q (want text, json or html)", s)
}
