// Package models contains the data structures used throughout hubbak.
package models

import "slices"

// RunConfiguration is the merged set of options governing one backup
// session. It is immutable once resolved; when resuming, the whole value is
// replaced by the one stored in the registry.
type RunConfiguration struct {
	Simulate bool `yaml:"simulate"`
	Verbose  bool `yaml:"verbose"`

	// Address is the backup target URL. Empty means "obtain from the Hub".
	Address string `yaml:"address"`

	// ProfileID is an explicit profile reference. Empty means "negotiate".
	ProfileID  string `yaml:"profile_id"`
	SecretFile string `yaml:"secret_file"`

	VolSizeMB         int    `yaml:"volsize_mb"`
	S3ParallelUploads int    `yaml:"s3_parallel_uploads"`
	FullBackup        string `yaml:"full_backup"` // <int>[DWM], e.g. "1M"

	SkipFiles    bool `yaml:"skip_files"`
	SkipDatabase bool `yaml:"skip_database"`
	SkipPackages bool `yaml:"skip_packages"`

	// Overrides are include/exclude/database selectors: /path, -/path,
	// mysql:database[/table]. File-configured defaults come first,
	// command-line tokens are appended.
	Overrides []string `yaml:"overrides"`

	// CheckpointRestore preserves partial on-disk state after a failure
	// instead of cleaning it up.
	CheckpointRestore bool `yaml:"checkpoint_restore"`
}

// Equal reports whether two configurations match field for field. Implicit
// resume detection depends on this: same inputs must produce an equal value.
func (c *RunConfiguration) Equal(o *RunConfiguration) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Simulate == o.Simulate &&
		c.Verbose == o.Verbose &&
		c.Address == o.Address &&
		c.ProfileID == o.ProfileID &&
		c.SecretFile == o.SecretFile &&
		c.VolSizeMB == o.VolSizeMB &&
		c.S3ParallelUploads == o.S3ParallelUploads &&
		c.FullBackup == o.FullBackup &&
		c.SkipFiles == o.SkipFiles &&
		c.SkipDatabase == o.SkipDatabase &&
		c.SkipPackages == o.SkipPackages &&
		c.CheckpointRestore == o.CheckpointRestore &&
		slices.Equal(c.Overrides, o.Overrides)
}
