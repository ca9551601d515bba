// Package config resolves the per-session run configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hubbak/hubbak/internal/models"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Built-in defaults, lowest precedence.
const (
	DefaultConfPath          = "/etc/hubbak/hubbak.yaml"
	DefaultVolSizeMB         = 50
	DefaultS3ParallelUploads = 1
	DefaultFullBackup        = "1M"
)

// configurable option keys, shared between flags and the config file.
var configurableKeys = []string{
	"simulate",
	"quiet",
	"address",
	"profile",
	"secretfile",
	"volsize",
	"s3-parallel-uploads",
	"full-backup",
	"skip-files",
	"skip-database",
	"skip-packages",
	"checkpoint-restore",
}

// Resolver merges, per option, command-line > config file > built-in
// default into one RunConfiguration.
type Resolver struct {
	v *viper.Viper
}

// NewResolver creates a new configuration resolver with built-in defaults
// registered.
func NewResolver() *Resolver {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("volsize", DefaultVolSizeMB)
	v.SetDefault("s3-parallel-uploads", DefaultS3ParallelUploads)
	v.SetDefault("full-backup", DefaultFullBackup)

	return &Resolver{v: v}
}

// BindFlags attaches command-line flags to their configurable options.
// Viper only honors a bound flag when it was actually set, which is exactly
// the command-line > config-file precedence rule.
func (r *Resolver) BindFlags(flags *pflag.FlagSet) error {
	for _, key := range configurableKeys {
		if f := flags.Lookup(key); f != nil {
			if err := r.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", key, err)
			}
		}
	}
	return nil
}

// Load reads the config file at path (missing file is fine, defaults apply)
// and resolves the final configuration. cliOverrides are the positional
// override tokens; they are appended after the file-configured defaults.
func (r *Resolver) Load(path string, cliOverrides []string) (*models.RunConfiguration, error) {
	if path == "" {
		path = DefaultConfPath
	}

	if _, err := os.Stat(path); err == nil {
		r.v.SetConfigFile(path)
		if err := r.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return r.resolve(cliOverrides)
}

// LoadReader resolves configuration from literal config content (useful for
// testing).
func (r *Resolver) LoadReader(content string, cliOverrides []string) (*models.RunConfiguration, error) {
	if err := r.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return r.resolve(cliOverrides)
}

func (r *Resolver) resolve(cliOverrides []string) (*models.RunConfiguration, error) {
	cfg := &models.RunConfiguration{
		Simulate:          r.v.GetBool("simulate"),
		Verbose:           !r.v.GetBool("quiet"),
		Address:           r.v.GetString("address"),
		ProfileID:         r.v.GetString("profile"),
		SecretFile:        r.v.GetString("secretfile"),
		VolSizeMB:         r.v.GetInt("volsize"),
		S3ParallelUploads: r.v.GetInt("s3-parallel-uploads"),
		FullBackup:        r.v.GetString("full-backup"),
		SkipFiles:         r.v.GetBool("skip-files"),
		SkipDatabase:      r.v.GetBool("skip-database"),
		SkipPackages:      r.v.GetBool("skip-packages"),
		CheckpointRestore: r.v.GetBool("checkpoint-restore"),
	}

	// File-configured default overrides first, command-line tokens appended.
	cfg.Overrides = append(cfg.Overrides, r.v.GetStringSlice("overrides")...)
	cfg.Overrides = append(cfg.Overrides, cliOverrides...)

	if cfg.VolSizeMB <= 0 {
		return nil, fmt.Errorf("volsize must be positive, got %d", cfg.VolSizeMB)
	}
	if cfg.S3ParallelUploads <= 0 {
		return nil, fmt.Errorf("s3-parallel-uploads must be positive, got %d", cfg.S3ParallelUploads)
	}
	if _, err := models.ParseFrequency(cfg.FullBackup); err != nil {
		return nil, fmt.Errorf("invalid full-backup frequency: %w", err)
	}

	if cfg.SecretFile != "" {
		if _, err := os.Stat(cfg.SecretFile); err != nil {
			return nil, fmt.Errorf("secretfile %q does not exist", cfg.SecretFile)
		}
	}

	return cfg, nil
}

// ValidateLogfile reports whether path can be appended to, creating it if
// necessary. The logfile must be writable before the session is accepted.
func ValidateLogfile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("logfile %q is not writeable", path)
	}
	return f.Close()
}
