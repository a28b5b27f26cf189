package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a module directory without a manifest.yaml.
var ErrNotFound = errors.New("manifest.yaml not found")

// ErrSyntax wraps YAML parse failures so callers can treat them as fatal
// without string matching.
var ErrSyntax = errors.New("manifest syntax error")

// Load reads and parses <dir>/manifest.yaml.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return &m, nil
}

// ModuleName returns the module's technical name, falling back to the
// directory basename when the manifest omits it.
func ModuleName(dir string, m *Manifest) string {
	if m != nil && m.Name != "" {
		return m.Name
	}
	return filepath.Base(dir)
}

// DeclaredFiles returns every file path the manifest references, relative
// to the module directory.
func (m *Manifest) DeclaredFiles() []string {
	out := make([]string, 0, len(m.Data)+len(m.Demo))
	out = append(out, m.Data...)
	out = append(out, m.Demo...)
	return out
}
