package postgres

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/input-output-hk/catalyst-forge-libs/executor"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/domain"
)

// Backups shell out to the postgres client tools. The executor wraps the
// invocation with capture and retry; credentials travel via PG* environment
// variables, never the command line.

func (m *Manager) pgEnv() map[string]string {
	env := map[string]string{
		"PGHOST":    m.cfg.Database.Host,
		"PGPORT":    fmt.Sprint(m.cfg.Database.Port),
		"PGUSER":    m.cfg.Database.User,
		"PGSSLMODE": m.cfg.Database.SSLMode,
	}
	if m.cfg.Database.Password != "" {
		env["PGPASSWORD"] = m.cfg.Database.Password
	}
	return env
}

func (m *Manager) Backup(ctx context.Context, name, format string, compress bool) (*domain.Backup, error) {
	if _, err := m.lookupDatabase(ctx, name); err != nil {
		return nil, err
	}
	if format != "custom" && format != "plain" {
		return nil, fmt.Errorf("unknown backup format %q (want custom or plain)", format)
	}

	path, err := m.dumpToFile(ctx, name, format, compress, false)
	if err != nil {
		return nil, domain.Infrastructure("db.backup", err)
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return nil, domain.Infrastructure("db.backup", err)
	}

	b := &domain.Backup{
		ID:         uuid.NewString(),
		Source:     name,
		Format:     format,
		Path:       path,
		SHA256:     sum,
		Compressed: compress,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = m.admin.ExecContext(ctx,
		`INSERT INTO deploycheck_backups (id, source, format, path, sha256, compressed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Source, b.Format, b.Path, b.SHA256, b.Compressed, b.CreatedAt)
	if err != nil {
		return nil, domain.Infrastructure("db.backup", err)
	}

	m.log.Info("backup written",
		zap.String("database", name), zap.String("path", path), zap.String("sha256", sum[:12]))
	return b, nil
}

// dumpToFile shells out to pg_dump. A compressed plain dump is one gzip
// stream over the whole output, so it gets a .sql.gz name that replay
// recognizes. clean adds drop statements so the replay is idempotent over
// objects the target already has.
func (m *Manager) dumpToFile(ctx context.Context, name, format string, compress, clean bool) (string, error) {
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return "", err
	}
	ext := "sql"
	switch {
	case format == "custom":
		ext = "dump"
	case compress:
		ext = "sql.gz"
	}
	path := filepath.Join(m.cfg.BackupDir,
		fmt.Sprintf("%s-%s.%s", name, time.Now().UTC().Format("20060102T150405"), ext))

	args := []string{"--dbname", name, "--file", path}
	if format == "custom" {
		args = append(args, "--format", "custom")
	}
	if compress {
		args = append(args, "--compress", "6")
	}
	if clean {
		args = append(args, "--clean", "--if-exists")
	}

	result, err := executor.New("pg_dump", args...).Execute(ctx,
		executor.WithEnv(m.pgEnv()),
		executor.WithRetry(2, time.Second))
	if err != nil {
		return "", fmt.Errorf("pg_dump %s: %w (%s)", name, err, result.Stderr)
	}
	return path, nil
}

func (m *Manager) Restore(ctx context.Context, backupID, target string) (*domain.TestDatabase, error) {
	b, err := m.lookupBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if _, err := m.Create(ctx, target, domain.TypeDev, domain.CreateOptions{}); err != nil {
		return nil, err
	}

	if b.Format == "custom" {
		result, execErr := executor.New("pg_restore",
			"--dbname", target, "--no-owner", b.Path).Execute(ctx,
			executor.WithEnv(m.pgEnv()),
			executor.WithRetry(2, time.Second))
		if execErr != nil {
			_ = m.Drop(context.WithoutCancel(ctx), target, true)
			return nil, domain.Infrastructure("db.restore",
				fmt.Errorf("pg_restore: %w (%s)", execErr, result.Stderr))
		}
	} else {
		if err := m.replayPlainDump(ctx, target, b.Path); err != nil {
			_ = m.Drop(context.WithoutCancel(ctx), target, true)
			return nil, domain.Infrastructure("db.restore", err)
		}
	}

	m.log.Info("backup restored", zap.String("backup", backupID), zap.String("database", target))
	return m.Info(ctx, target)
}

// Verify re-hashes the artifact against the recorded checksum and, for
// custom-format dumps, asks pg_restore to list its table of contents.
func (m *Manager) Verify(ctx context.Context, backupID string) (bool, error) {
	b, err := m.lookupBackup(ctx, backupID)
	if err != nil {
		return false, err
	}

	sum, err := fileChecksum(b.Path)
	if err != nil {
		return false, domain.Infrastructure("db.verify", err)
	}
	ok := sum == b.SHA256
	if ok && b.Format == "custom" {
		_, execErr := executor.New("pg_restore", "--list", b.Path).Execute(ctx,
			executor.WithEnv(m.pgEnv()))
		ok = execErr == nil
	}

	if ok {
		if _, err := m.admin.ExecContext(ctx,
			`UPDATE deploycheck_backups SET verified=TRUE WHERE id=$1`, backupID); err != nil {
			return false, domain.Infrastructure("db.verify", err)
		}
	}
	return ok, nil
}

// replayPlainDump runs a plain SQL dump into target with psql, falling back
// to a direct statement replay when psql is not on PATH. Gzipped dumps are
// decompressed first; neither psql nor the server reads gzip.
func (m *Manager) replayPlainDump(ctx context.Context, target, path string) error {
	if strings.HasSuffix(path, ".gz") {
		plain, err := decompressDump(path)
		if err != nil {
			return err
		}
		defer os.Remove(plain)
		path = plain
	}

	result, err := executor.New("psql",
		"--dbname", target, "--quiet",
		"--set", "ON_ERROR_STOP=1",
		"--file", path).Execute(ctx, executor.WithEnv(m.pgEnv()))
	if err == nil {
		return nil
	}
	if result != nil && result.ExitCode > 0 {
		// psql ran and the dump itself failed; do not retry blindly.
		return fmt.Errorf("psql replay: %s", result.Stderr)
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return readErr
	}
	db, openErr := sql.Open("pgx", m.DSN(target))
	if openErr != nil {
		return openErr
	}
	defer db.Close()
	if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
		return fmt.Errorf("replaying dump: %w", execErr)
	}
	return nil
}

// decompressDump gunzips a dump into a temp file the caller removes.
func decompressDump(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	defer gz.Close()

	out, err := os.CreateTemp(filepath.Dir(path), "replay-*.sql")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, gz); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func (m *Manager) lookupBackup(ctx context.Context, backupID string) (*domain.Backup, error) {
	row := m.admin.QueryRowContext(ctx,
		`SELECT id, source, format, path, sha256, compressed, verified, created_at
		 FROM deploycheck_backups WHERE id=$1`, backupID)
	var b domain.Backup
	err := row.Scan(&b.ID, &b.Source, &b.Format, &b.Path, &b.SHA256, &b.Compressed, &b.Verified, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("db.backup", backupID)
	}
	if err != nil {
		return nil, domain.Infrastructure("db.backup", err)
	}
	return &b, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
