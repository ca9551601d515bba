package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/hubbak/hubbak/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type execCall struct {
	name string
	args []string
	env  []string
	out  string
}

// mockExecutor records invocations and fakes mysqldump / dpkg-query output.
type mockExecutor struct {
	mu    sync.Mutex
	calls []execCall
}

func (e *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	e.record(execCall{name: name, args: args})
	if name == "dpkg-query" {
		return []byte("wordpress\ncustom-tool\n"), nil
	}
	return nil, nil
}

func (e *mockExecutor) ExecuteToFile(ctx context.Context, env []string, outputPath, name string, args ...string) error {
	e.record(execCall{name: name, args: args, env: env, out: outputPath})
	if name == "mysqldump" {
		return os.WriteFile(outputPath, []byte("-- dump --\n"), 0o600)
	}
	return nil
}

func (e *mockExecutor) record(c execCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

func (e *mockExecutor) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.calls {
		out = append(out, c.name)
	}
	return out
}

func testEngine(t *testing.T, srcFiles map[string]string) (*Impl, *mockExecutor, string) {
	t.Helper()

	src := t.TempDir()
	for name, content := range srcFiles {
		path := filepath.Join(src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	executor := &mockExecutor{}
	workDir := filepath.Join(t.TempDir(), "backup")
	eng := NewWithWorkDir(testLogger(), workDir, executor)
	eng.fsRoots = []string{src}
	return eng, executor, src
}

func testConf() models.RunConfiguration {
	return models.RunConfiguration{
		VolSizeMB:         1,
		S3ParallelUploads: 1,
		FullBackup:        "1M",
	}
}

func TestParseOverrides(t *testing.T) {
	plan := parseOverrides([]string{
		"/etc/foo",
		"-/etc/foo/cache",
		"mysql:shop",
		"mysql:shop/orders",
	})

	assert.Equal(t, []string{"/etc/foo"}, plan.includes)
	assert.Equal(t, []string{"/etc/foo/cache"}, plan.excludes)
	assert.Equal(t, []dbSelector{
		{database: "shop"},
		{database: "shop", table: "orders"},
	}, plan.databases)
}

func TestUnderAny(t *testing.T) {
	prefixes := []string{"/var/cache", "/tmp/"}

	assert.True(t, underAny("/var/cache", prefixes))
	assert.True(t, underAny("/var/cache/apt/archives", prefixes))
	assert.True(t, underAny("/tmp/scratch", prefixes))
	assert.False(t, underAny("/var/cachex", prefixes))
	assert.False(t, underAny("/var", prefixes))
}

func TestRun_FreshFullBackup(t *testing.T) {
	eng, executor, _ := testEngine(t, map[string]string{
		"app/config.php": "<?php",
		"app/index.php":  "<?php echo 1;",
	})

	target := t.TempDir()
	result, err := eng.Run(context.Background(), testConf(), RunOptions{
		Address: "file://" + target,
	})

	require.NoError(t, err)
	assert.True(t, result.Full)
	assert.NotEmpty(t, result.SessionID)
	// 2 files + 1 database dump + 1 package list.
	assert.Equal(t, 4, result.FilesStaged)
	assert.Equal(t, 1, result.VolumesShipped)
	assert.Zero(t, result.VolumesSkipped)
	assert.Positive(t, result.BytesShipped)

	assert.Equal(t, []string{"mysqldump", "dpkg-query"}, executor.names())

	// The volume landed at the target and the full-run marker exists.
	_, err = os.Stat(filepath.Join(target, "vol-0001.tar.zst"))
	assert.NoError(t, err)
	_, err = os.Stat(eng.lastFullPath())
	assert.NoError(t, err)

	// Manifest records the volume as shipped.
	data, err := os.ReadFile(eng.manifestPath())
	require.NoError(t, err)
	var m manifest
	require.NoError(t, yaml.Unmarshal(data, &m))
	require.Len(t, m.Volumes, 1)
	assert.True(t, m.Volumes[0].Shipped)
}

func TestRun_SimulateShipsNothing(t *testing.T) {
	eng, _, _ := testEngine(t, map[string]string{"file.txt": "data"})

	target := t.TempDir()
	conf := testConf()
	conf.Simulate = true

	result, err := eng.Run(context.Background(), conf, RunOptions{
		Address: "file://" + target,
	})

	require.NoError(t, err)
	assert.Zero(t, result.VolumesShipped)

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries, "simulate must not touch the target")

	// Volumes are staged for inspection, but no full run is recorded.
	vols, err := os.ReadDir(filepath.Join(eng.workDir, "volumes"))
	require.NoError(t, err)
	assert.NotEmpty(t, vols)
	_, err = os.Stat(eng.lastFullPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRun_SkipFlags(t *testing.T) {
	eng, executor, _ := testEngine(t, map[string]string{"file.txt": "data"})

	conf := testConf()
	conf.Simulate = true
	conf.SkipDatabase = true
	conf.SkipPackages = true

	result, err := eng.Run(context.Background(), conf, RunOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesStaged)
	assert.Empty(t, executor.names())
}

func TestRun_DatabaseSelectors(t *testing.T) {
	eng, executor, _ := testEngine(t, nil)

	conf := testConf()
	conf.Simulate = true
	conf.SkipFiles = true
	conf.SkipPackages = true
	conf.Overrides = []string{"mysql:shop", "mysql:shop/orders"}

	_, err := eng.Run(context.Background(), conf, RunOptions{})

	require.NoError(t, err)
	require.Len(t, executor.calls, 2)
	assert.Equal(t, []string{"shop"}, executor.calls[0].args)
	assert.Equal(t, []string{"shop", "orders"}, executor.calls[1].args)
	assert.True(t, strings.HasSuffix(executor.calls[1].out, "shop-orders.sql"))
}

func TestRun_ProfileFiltersStockPackages(t *testing.T) {
	eng, _, _ := testEngine(t, nil)

	conf := testConf()
	conf.Simulate = true
	conf.SkipFiles = true
	conf.SkipDatabase = true

	_, err := eng.Run(context.Background(), conf, RunOptions{
		Profile: &models.Profile{Packages: []string{"wordpress"}},
	})

	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(eng.workDir, "staging", "packages", "newpkgs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "custom-tool\n", string(data))
}

func TestRun_ProfileStockDirsExcluded(t *testing.T) {
	eng, _, src := testEngine(t, map[string]string{
		"stock/bundled.txt": "stock",
		"local/custom.txt":  "mine",
	})

	conf := testConf()
	conf.Simulate = true
	conf.SkipDatabase = true
	conf.SkipPackages = true

	result, err := eng.Run(context.Background(), conf, RunOptions{
		Profile: &models.Profile{StockDirs: []string{filepath.Join(src, "stock")}},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesStaged)
	_, err = os.Stat(filepath.Join(eng.workDir, "staging", "fs", src, "local", "custom.txt"))
	assert.NoError(t, err)
}

func TestRun_ResumeSkipsRestagingAndShippedVolumes(t *testing.T) {
	eng, executor, _ := testEngine(t, nil)

	volDir := filepath.Join(eng.workDir, "volumes")
	require.NoError(t, os.MkdirAll(volDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(volDir, "vol-0001.tar.zst"), []byte("one"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(volDir, "vol-0002.tar.zst"), []byte("two"), 0o600))

	m := &manifest{
		SessionID: "sess-interrupted",
		StartedAt: time.Now(),
		Full:      true,
		Volumes: []volumeEntry{
			{Name: "vol-0001.tar.zst", Size: 3, Shipped: true},
			{Name: "vol-0002.tar.zst", Size: 3},
		},
	}
	require.NoError(t, eng.saveManifest(m))

	target := t.TempDir()
	result, err := eng.Run(context.Background(), testConf(), RunOptions{
		Resume:  true,
		Address: "file://" + target,
	})

	require.NoError(t, err)
	assert.Equal(t, "sess-interrupted", result.SessionID)
	assert.Equal(t, 1, result.VolumesShipped)
	assert.Equal(t, 1, result.VolumesSkipped)
	assert.Empty(t, executor.names(), "resumed sessions must not restage")

	_, err = os.Stat(filepath.Join(target, "vol-0002.tar.zst"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(target, "vol-0001.tar.zst"))
	assert.True(t, os.IsNotExist(err), "already-shipped volume must not ship again")
}

func TestRun_VolumeRotation(t *testing.T) {
	big := strings.Repeat("x", 600*1024)
	eng, _, _ := testEngine(t, map[string]string{
		"a.bin": big,
		"b.bin": big,
	})

	conf := testConf()
	conf.Simulate = true
	conf.SkipDatabase = true
	conf.SkipPackages = true

	_, err := eng.Run(context.Background(), conf, RunOptions{})

	require.NoError(t, err)
	vols, err := os.ReadDir(filepath.Join(eng.workDir, "volumes"))
	require.NoError(t, err)
	assert.Len(t, vols, 2, "second 600K file crosses the 1M raw limit")
}

func TestRun_EncryptedVolumeRoundtrip(t *testing.T) {
	eng, _, _ := testEngine(t, map[string]string{"file.txt": "top secret data"})

	secret := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secret, []byte("correct horse battery staple\n"), 0o600))

	conf := testConf()
	conf.Simulate = true
	conf.SecretFile = secret
	conf.SkipDatabase = true
	conf.SkipPackages = true

	_, err := eng.Run(context.Background(), conf, RunOptions{})
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(eng.workDir, "volumes", "vol-0001.tar.zst.age"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	identity, err := age.NewScryptIdentity("correct horse battery staple")
	require.NoError(t, err)
	dec, err := age.Decrypt(f, identity)
	require.NoError(t, err)
	zr, err := zstd.NewReader(dec)
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if strings.HasSuffix(hdr.Name, "file.txt") {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.Equal(t, "top secret data", string(data))
			found = true
		}
	}
	assert.True(t, found, "staged file present in the decrypted volume")
}

func TestRun_MissingSecretShipsUnencryptedWithWarning(t *testing.T) {
	eng, _, _ := testEngine(t, map[string]string{"file.txt": "data"})

	var logs bytes.Buffer
	eng.logger = zerolog.New(&logs)

	conf := testConf()
	conf.Simulate = true
	conf.SecretFile = filepath.Join(t.TempDir(), "does-not-exist")
	conf.SkipDatabase = true
	conf.SkipPackages = true

	_, err := eng.Run(context.Background(), conf, RunOptions{})

	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(eng.workDir, "volumes", "vol-0001.tar.zst"))
	assert.NoError(t, err)
	assert.Contains(t, logs.String(), "will not be encrypted",
		"the downgrade must be loud, not silent")
}

func TestRun_S3ShippingUsesCredentials(t *testing.T) {
	eng, executor, _ := testEngine(t, map[string]string{"file.txt": "data"})

	conf := testConf()
	conf.SkipDatabase = true
	conf.SkipPackages = true

	_, err := eng.Run(context.Background(), conf, RunOptions{
		Address: "s3://hub-backups/bk-1",
		Credentials: &models.Credentials{
			AccessKey: "AKIATEST",
			SecretKey: "secret",
		},
	})

	require.NoError(t, err)
	var aws *execCall
	for i := range executor.calls {
		if executor.calls[i].name == "aws" {
			aws = &executor.calls[i]
		}
	}
	require.NotNil(t, aws)
	assert.Equal(t, "s3", aws.args[0])
	assert.Equal(t, "cp", aws.args[1])
	assert.Equal(t, "s3://hub-backups/bk-1/vol-0001.tar.zst", aws.args[3])
	assert.Contains(t, aws.env, "AWS_ACCESS_KEY_ID=AKIATEST")
	assert.Contains(t, aws.env, "AWS_SECRET_ACCESS_KEY=secret")
}

func TestRun_UnsupportedScheme(t *testing.T) {
	eng, _, _ := testEngine(t, map[string]string{"file.txt": "data"})

	conf := testConf()
	conf.SkipDatabase = true
	conf.SkipPackages = true

	_, err := eng.Run(context.Background(), conf, RunOptions{Address: "ftp://host/dir"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported address scheme")
}

func TestIsFullRun(t *testing.T) {
	eng, _, _ := testEngine(t, nil)

	// No marker yet: always full.
	full, err := eng.isFullRun("1M")
	require.NoError(t, err)
	assert.True(t, full)

	require.NoError(t, eng.markFullRun())
	full, err = eng.isFullRun("1M")
	require.NoError(t, err)
	assert.False(t, full)

	// Age the marker past the frequency window.
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(eng.lastFullPath(), old, old))
	full, err = eng.isFullRun("1M")
	require.NoError(t, err)
	assert.True(t, full)

	full, err = eng.isFullRun("2M")
	require.NoError(t, err)
	assert.False(t, full)
}

func TestCleanup_PreservesFullRunMarker(t *testing.T) {
	eng, _, _ := testEngine(t, map[string]string{"file.txt": "data"})

	target := t.TempDir()
	_, err := eng.Run(context.Background(), testConf(), RunOptions{Address: "file://" + target})
	require.NoError(t, err)

	require.NoError(t, eng.Cleanup())
	_, err = os.Stat(eng.workDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(eng.lastFullPath())
	assert.NoError(t, err, "full-run marker survives cleanup")

	// Idempotent.
	assert.NoError(t, eng.Cleanup())
}
