// Package manifest models the deployable module manifest: the declared
// metadata, data files, schema and runtime constraints that the validation
// tiers and the test runner consume.
package manifest

import "regexp"

const FileName = "manifest.yaml"

// Manifest is the parsed manifest.yaml of one module.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Summary     string   `yaml:"summary,omitempty"`
	Depends     []string `yaml:"depends,omitempty"`
	Data        []string `yaml:"data,omitempty"`
	Demo        []string `yaml:"demo,omitempty"`
	Models      []Model  `yaml:"models,omitempty"`
	Installable *bool    `yaml:"installable,omitempty"`
}

// IsInstallable defaults to true when the manifest is silent.
func (m *Manifest) IsInstallable() bool {
	return m.Installable == nil || *m.Installable
}

// Model declares one persisted model: its fields, SQL check constraints and
// representative demo rows.
type Model struct {
	Name        string           `yaml:"name"`
	Fields      []Field          `yaml:"fields,omitempty"`
	Constraints []Constraint     `yaml:"constraints,omitempty"`
	DemoRows    []map[string]any `yaml:"demo_rows,omitempty"`
}

// Field declares one model field. Selection fields carry their value domain.
type Field struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Required  bool     `yaml:"required,omitempty"`
	Selection []string `yaml:"selection,omitempty"`
	Default   string   `yaml:"default,omitempty"`
}

// Constraint is a declared SQL check constraint with its violation message.
type Constraint struct {
	Name    string `yaml:"name"`
	Check   string `yaml:"check"`
	Message string `yaml:"message,omitempty"`
}

// VersionPattern is the required module version shape, e.g. 16.0.1.2.0.
var VersionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+){1,3}$`)

// NamePattern is the required technical-name shape for modules, models and
// fields: lower snake case.
var NamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FieldTypes enumerates the supported field type keywords and their SQL
// column types.
var FieldTypes = map[string]string{
	"char":      "varchar",
	"text":      "text",
	"integer":   "integer",
	"float":     "double precision",
	"boolean":   "boolean",
	"date":      "date",
	"datetime":  "timestamptz",
	"selection": "varchar",
	"many2one":  "integer",
}

// BaseModules are platform-provided modules that may always be depended on.
var BaseModules = map[string]bool{
	"base":     true,
	"web":      true,
	"mail":     true,
	"sale":     true,
	"stock":    true,
	"account":  true,
	"contacts": true,
}
