// Package config loads the deploycheck configuration from .deploycheck.yaml
// and DEPLOYCHECK_* environment overrides. The result is an explicit struct
// passed by value into every component; nothing reads ambient state at use
// sites.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = ".deploycheck.yaml"

// Config is the complete runtime configuration.
type Config struct {
	Database        DatabaseConfig `yaml:"database"`
	DefaultTier     string         `yaml:"default_tier"`
	AddonsPath      string         `yaml:"addons_path"`
	ReportDir       string         `yaml:"report_dir"`
	PlatformVersion string         `yaml:"platform_version"`
	Workers         int            `yaml:"workers"`
	TierTimeout     time.Duration  `yaml:"tier_timeout"`
	BackupDir       string         `yaml:"backup_dir"`
}

type DatabaseConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	MaintenanceDB string `yaml:"maintenance_db"`
	SSLMode       string `yaml:"sslmode"`
}

// Default returns the documented defaults used when no configuration is
// present. Absence of configuration never degrades into a silent no-op.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			User:          "postgres",
			MaintenanceDB: "postgres",
			SSLMode:       "disable",
		},
		DefaultTier:     "static",
		AddonsPath:      ".",
		ReportDir:       "reports",
		PlatformVersion: "16.0",
		Workers:         4,
		TierTimeout:     5 * time.Minute,
		BackupDir:       "backups",
	}
}

// Load reads <dir>/.deploycheck.yaml, falling back to defaults when the file
// does not exist, then applies environment overrides on top.
func Load(dir string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", fileName, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEPLOYCHECK_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DEPLOYCHECK_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DEPLOYCHECK_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DEPLOYCHECK_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DEPLOYCHECK_MAINTENANCE_DB"); v != "" {
		cfg.Database.MaintenanceDB = v
	}
	if v := os.Getenv("DEPLOYCHECK_TIER"); v != "" {
		cfg.DefaultTier = v
	}
	if v := os.Getenv("DEPLOYCHECK_ADDONS_PATH"); v != "" {
		cfg.AddonsPath = v
	}
	if v := os.Getenv("DEPLOYCHECK_REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := os.Getenv("DEPLOYCHECK_PLATFORM_VERSION"); v != "" {
		cfg.PlatformVersion = v
	}
}

func (c Config) Validate() error {
	switch c.DefaultTier {
	case "static", "dynamic", "bulletproof":
	default:
		return fmt.Errorf("default_tier %q is not a tier", c.DefaultTier)
	}
	if c.Database.Host == "" || c.Database.Port == 0 {
		return errors.New("database host and port must be set")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	return nil
}

// DSN builds the connection string for a database name under this
// configuration.
func (c Config) DSN(database string) string {
	dsn := fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Host, c.Database.Port, database, c.Database.SSLMode)
	if c.Database.Password != "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, database, c.Database.SSLMode)
	}
	return dsn
}
