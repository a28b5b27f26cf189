package static

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/camelcase"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/manifest"
)

// checkName flags technical names that are not lower snake case. Camel-cased
// names are split to show the author what the checker saw.
func checkName(name, kind, file string) []domain.Issue {
	if name == "" || manifest.NamePattern.MatchString(name) {
		return nil
	}
	msg := fmt.Sprintf("%s name %q is not lower snake case", kind, name)
	if words := camelcase.Split(name); len(words) > 1 {
		msg += fmt.Sprintf(" (reads as %s)", strings.ToLower(strings.Join(words, "_")))
	}
	return []domain.Issue{{
		Severity: domain.SeverityWarning,
		Code:     CodeNameStyle,
		Message:  msg,
		File:     file,
	}}
}

func checkFields(model manifest.Model) []domain.Issue {
	var issues []domain.Issue
	for _, f := range model.Fields {
		issues = append(issues, checkName(f.Name, "field", manifest.FileName)...)

		if _, ok := manifest.FieldTypes[f.Type]; !ok {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     CodeFieldType,
				Message:  fmt.Sprintf("field %s.%s has unknown type %q", model.Name, f.Name, f.Type),
				File:     manifest.FileName,
			})
			continue
		}

		if f.Type == "selection" && len(f.Selection) == 0 {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     CodeSelectionValue,
				Message:  fmt.Sprintf("selection field %s.%s declares no value domain", model.Name, f.Name),
				File:     manifest.FileName,
			})
		}
		if f.Default != "" && len(f.Selection) > 0 && !contains(f.Selection, f.Default) {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     CodeSelectionValue,
				Message: fmt.Sprintf("default %q of field %s.%s is outside its selection domain %v",
					f.Default, model.Name, f.Name, f.Selection),
				File: manifest.FileName,
			})
		}
	}
	return issues
}

// checkDemoRows validates demo row values against declared selection
// domains. Only purely declarative facts are checked here; whether a row
// actually satisfies runtime constraints is the dynamic tier's job.
func checkDemoRows(model manifest.Model) []domain.Issue {
	domains := map[string][]string{}
	for _, f := range model.Fields {
		if len(f.Selection) > 0 {
			domains[f.Name] = f.Selection
		}
	}
	if len(domains) == 0 {
		return nil
	}

	var issues []domain.Issue
	for i, row := range model.DemoRows {
		for field, allowed := range domains {
			raw, ok := row[field]
			if !ok {
				continue
			}
			val := fmt.Sprint(raw)
			if !contains(allowed, val) {
				issues = append(issues, domain.Issue{
					Severity: domain.SeverityError,
					Code:     CodeSelectionValue,
					Message: fmt.Sprintf("demo row %d of %s: value %q of %s is outside its selection domain %v",
						i+1, model.Name, val, field, allowed),
					File: manifest.FileName,
				})
			}
		}
	}
	return issues
}

// checkWellFormed scans an XML data file token by token. Content is not
// interpreted; only well-formedness matters at this tier.
func checkWellFormed(dir, rel string) []domain.Issue {
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return []domain.Issue{{
			Severity: domain.SeverityError,
			Code:     CodeXMLMalformed,
			Message:  fmt.Sprintf("cannot read %s: %v", rel, err),
			File:     rel,
		}}
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			line := 0
			if syn, ok := err.(*xml.SyntaxError); ok {
				line = syn.Line
			}
			return []domain.Issue{{
				Severity: domain.SeverityError,
				Code:     CodeXMLMalformed,
				Message:  fmt.Sprintf("%s is not well-formed: %v", rel, err),
				File:     rel,
				Line:     line,
			}}
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
