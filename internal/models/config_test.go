package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConf() *RunConfiguration {
	return &RunConfiguration{
		Verbose:           true,
		SecretFile:        "/var/lib/hubbak/secret",
		VolSizeMB:         50,
		S3ParallelUploads: 1,
		FullBackup:        "1M",
		Overrides:         []string{"/etc/foo", "mysql:shop/orders"},
	}
}

func TestRunConfiguration_Equal_Identical(t *testing.T) {
	a, b := baseConf(), baseConf()
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
}

func TestRunConfiguration_Equal_AnyFieldDiffers(t *testing.T) {
	// Implicit-resume detection depends on any single-field difference
	// breaking equality.
	mutations := map[string]func(c *RunConfiguration){
		"simulate":            func(c *RunConfiguration) { c.Simulate = true },
		"verbose":             func(c *RunConfiguration) { c.Verbose = false },
		"address":             func(c *RunConfiguration) { c.Address = "s3://bucket/path" },
		"profile":             func(c *RunConfiguration) { c.ProfileID = "wordpress-18.0" },
		"secretfile":          func(c *RunConfiguration) { c.SecretFile = "/tmp/other" },
		"volsize":             func(c *RunConfiguration) { c.VolSizeMB = 100 },
		"s3-parallel-uploads": func(c *RunConfiguration) { c.S3ParallelUploads = 4 },
		"full-backup":         func(c *RunConfiguration) { c.FullBackup = "2W" },
		"skip-files":          func(c *RunConfiguration) { c.SkipFiles = true },
		"skip-database":       func(c *RunConfiguration) { c.SkipDatabase = true },
		"skip-packages":       func(c *RunConfiguration) { c.SkipPackages = true },
		"checkpoint-restore":  func(c *RunConfiguration) { c.CheckpointRestore = true },
		"overrides-extra":     func(c *RunConfiguration) { c.Overrides = append(c.Overrides, "/srv/data") },
		"overrides-order":     func(c *RunConfiguration) { c.Overrides = []string{"mysql:shop/orders", "/etc/foo"} },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a, b := baseConf(), baseConf()
			mutate(b)
			assert.False(t, a.Equal(b))
			assert.False(t, b.Equal(a))
		})
	}
}

func TestRunConfiguration_Equal_Nil(t *testing.T) {
	var a *RunConfiguration
	assert.True(t, a.Equal(nil))
	assert.False(t, a.Equal(baseConf()))
	assert.False(t, baseConf().Equal(nil))
}

func TestParseFrequency(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3D", 3 * day},
		{"2W", 14 * day},
		{"1M", 30 * day},
	}
	for _, tt := range tests {
		got, err := ParseFrequency(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "D", "1d", "0W", "-1M", "x", "12"} {
		_, err := ParseFrequency(bad)
		assert.Error(t, err, bad)
	}
}
