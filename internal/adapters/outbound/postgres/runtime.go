package postgres

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/manifest"
)

// Runtime implements domain.Runtime on PostgreSQL: it materializes a
// module's declared models as tables, installs its SQL check constraints,
// loads access rules and demo data, and records the module in the
// instance's module registry.
type Runtime struct {
	log *zap.Logger
}

func NewRuntime(log *zap.Logger) *Runtime {
	return &Runtime{log: log}
}

func (r *Runtime) open(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

func (r *Runtime) Install(ctx context.Context, dsn, dir string, withDemo bool) (*domain.InstallReport, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}
	module := manifest.ModuleName(dir, m)

	db, err := r.open(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := ensureInstanceSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("preparing instance schema: %w", err)
	}

	for _, model := range m.Models {
		if err := applyModel(ctx, db, model); err != nil {
			return nil, fmt.Errorf("applying model %s: %w", model.Name, err)
		}
	}

	rules, err := loadAccessRules(ctx, db, dir, m)
	if err != nil {
		return nil, fmt.Errorf("loading access rules: %w", err)
	}

	dataFiles := 0
	for _, rel := range m.Data {
		if _, statErr := os.Stat(filepath.Join(dir, rel)); statErr == nil {
			dataFiles++
		}
	}

	demoRows := 0
	if withDemo {
		for _, model := range m.Models {
			n, demoErr := insertDemoRows(ctx, db, model)
			if demoErr != nil {
				return nil, fmt.Errorf("loading demo data for %s: %w", model.Name, demoErr)
			}
			demoRows += n
		}
	}

	// A second install of the same module bumps the recorded version in
	// place, which is how upgrades present themselves.
	_, err = db.ExecContext(ctx,
		`INSERT INTO deploycheck_modules (name, version, installed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET version=$2, installed_at=$3`,
		module, m.Version, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("recording module: %w", err)
	}

	r.log.Debug("module installed",
		zap.String("module", module), zap.String("version", m.Version),
		zap.Int("data_files", dataFiles), zap.Int("access_rules", rules))

	return &domain.InstallReport{
		Module:        module,
		Version:       m.Version,
		DataFiles:     dataFiles,
		AccessRules:   rules,
		DemoRowsAdded: demoRows,
	}, nil
}

// Exercise installs the module and then feeds its representative data
// through the live constraints, reporting only violations the database
// actually raised.
func (r *Runtime) Exercise(ctx context.Context, dsn, dir string, withDemo bool) ([]domain.Issue, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}

	db, err := r.open(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := ensureInstanceSchema(ctx, db); err != nil {
		return nil, err
	}

	var issues []domain.Issue
	for _, model := range m.Models {
		if err := applyModel(ctx, db, model); err != nil {
			issues = append(issues, domain.Issue{
				Severity: domain.SeverityError,
				Code:     "schema-apply-failed",
				Message:  fmt.Sprintf("model %s: %v", model.Name, err),
				File:     manifest.FileName,
			})
			continue
		}
		issues = append(issues, exerciseModel(ctx, db, model)...)
	}
	return issues, nil
}

func (r *Runtime) Installed(ctx context.Context, dsn string) ([]string, error) {
	db, err := r.open(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := ensureInstanceSchema(ctx, db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM deploycheck_modules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func ensureInstanceSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deploycheck_modules (
			name         TEXT PRIMARY KEY,
			version      TEXT NOT NULL,
			installed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deploycheck_access_rules (
			id     TEXT PRIMARY KEY,
			name   TEXT NOT NULL,
			model  TEXT NOT NULL,
			perm_read   BOOLEAN NOT NULL DEFAULT FALSE,
			perm_write  BOOLEAN NOT NULL DEFAULT FALSE,
			perm_create BOOLEAN NOT NULL DEFAULT FALSE,
			perm_unlink BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// applyModel creates the model's table and attaches its declared check
// constraints. Idempotent so reinstalling (upgrading) a module is safe.
func applyModel(ctx context.Context, db *sql.DB, model manifest.Model) error {
	if !manifest.NamePattern.MatchString(model.Name) {
		return fmt.Errorf("model name %q is not a valid identifier", model.Name)
	}

	cols := []string{"id SERIAL PRIMARY KEY"}
	for _, f := range model.Fields {
		if !manifest.NamePattern.MatchString(f.Name) {
			return fmt.Errorf("field name %q is not a valid identifier", f.Name)
		}
		sqlType, ok := manifest.FieldTypes[f.Type]
		if !ok {
			return fmt.Errorf("field %s has unknown type %q", f.Name, f.Type)
		}
		col := quoteIdent(f.Name) + " " + sqlType
		if f.Required {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(model.Name), strings.Join(cols, ", ")))
	if err != nil {
		return err
	}

	for _, c := range model.Constraints {
		if !manifest.NamePattern.MatchString(c.Name) {
			return fmt.Errorf("constraint name %q is not a valid identifier", c.Name)
		}
		constraint := model.Name + "_" + c.Name
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
			quoteIdent(model.Name), quoteIdent(constraint)))
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)",
			quoteIdent(model.Name), quoteIdent(constraint), c.Check))
		if err != nil {
			return fmt.Errorf("constraint %s: %w", c.Name, err)
		}
	}
	return nil
}

// exerciseModel inserts each demo row in its own transaction and turns
// every rejection into an issue. Rows are rolled back afterwards; the
// exercise observes constraints, it does not keep data.
func exerciseModel(ctx context.Context, db *sql.DB, model manifest.Model) []domain.Issue {
	var issues []domain.Issue
	for i, row := range model.DemoRows {
		err := func() error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()
			return insertRow(ctx, tx, model.Name, row)
		}()
		if err == nil {
			continue
		}

		code := "demo-data-invalid"
		message := fmt.Sprintf("demo row %d of %s was rejected: %v", i+1, model.Name, err)
		for _, c := range model.Constraints {
			if strings.Contains(err.Error(), model.Name+"_"+c.Name) {
				code = "constraint-violation"
				message = fmt.Sprintf("demo row %d of %s violates %s", i+1, model.Name, c.Name)
				if c.Message != "" {
					message += ": " + c.Message
				}
				break
			}
		}
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityError,
			Code:     code,
			Message:  message,
			File:     manifest.FileName,
		})
	}
	return issues
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, db execer, table string, row map[string]any) error {
	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	values := make([]any, 0, len(row))
	i := 1
	for col, val := range row {
		if !manifest.NamePattern.MatchString(col) {
			return fmt.Errorf("column name %q is not a valid identifier", col)
		}
		cols = append(cols, quoteIdent(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		values = append(values, val)
		i++
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), values...)
	return err
}

func insertDemoRows(ctx context.Context, db *sql.DB, model manifest.Model) (int, error) {
	for _, row := range model.DemoRows {
		if err := insertRow(ctx, db, model.Name, row); err != nil {
			return 0, err
		}
	}
	return len(model.DemoRows), nil
}

// loadAccessRules reads the security CSV files the manifest declares and
// registers their rows. The expected header is the conventional
// id,name,model,perm_read,perm_write,perm_create,perm_unlink.
func loadAccessRules(ctx context.Context, db *sql.DB, dir string, m *manifest.Manifest) (int, error) {
	count := 0
	for _, rel := range m.Data {
		if filepath.Ext(rel) != ".csv" {
			continue
		}
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return 0, err
		}
		records, err := csv.NewReader(f).ReadAll()
		_ = f.Close()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", rel, err)
		}
		for i, rec := range records {
			if i == 0 || len(rec) < 7 {
				continue // header or short row
			}
			_, err := db.ExecContext(ctx,
				`INSERT INTO deploycheck_access_rules (id, name, model, perm_read, perm_write, perm_create, perm_unlink)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (id) DO NOTHING`,
				rec[0], rec[1], rec[2], rec[3] == "1", rec[4] == "1", rec[5] == "1", rec[6] == "1")
			if err != nil {
				return 0, fmt.Errorf("%s row %d: %w", rel, i, err)
			}
			count++
		}
	}
	return count, nil
}
