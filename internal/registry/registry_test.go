package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubbak/hubbak/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_EmptyRegistry(t *testing.T) {
	s := testStore(t)

	p, err := s.Profile()
	require.NoError(t, err)
	assert.Nil(t, p)

	c, err := s.Credentials()
	require.NoError(t, err)
	assert.Nil(t, c)

	r, err := s.BackupRecord()
	require.NoError(t, err)
	assert.Nil(t, r)

	rc, err := s.ResumeConf()
	require.NoError(t, err)
	assert.Nil(t, rc)

	assert.Empty(t, s.SubAPIKey())
	assert.Empty(t, s.ServerID())
}

func TestStore_ProfileRoundtrip(t *testing.T) {
	s := testStore(t)

	in := &models.Profile{
		ID:        "wordpress-18.0",
		Version:   "18.0",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		StockDirs: []string{"/usr/share/wordpress"},
		Packages:  []string{"wordpress", "mariadb-server"},
	}
	require.NoError(t, s.SetProfile(in))

	out, err := s.Profile()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Packages, out.Packages)
}

func TestStore_BackupRecordDiscard(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SetBackupRecord(&models.BackupRecord{
		BackupID: "bk-1",
		Address:  "s3://hub-backups/bk-1",
	}))

	out, err := s.BackupRecord()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "bk-1", out.BackupID)

	// nil discards the cached record.
	require.NoError(t, s.SetBackupRecord(nil))
	out, err = s.BackupRecord()
	require.NoError(t, err)
	assert.Nil(t, out)

	// Discarding twice is fine.
	assert.NoError(t, s.SetBackupRecord(nil))
}

func TestStore_ResumeConfSlot(t *testing.T) {
	s := testStore(t)

	conf := &models.RunConfiguration{
		VolSizeMB:         50,
		S3ParallelUploads: 1,
		FullBackup:        "1M",
		Overrides:         []string{"/etc/foo", "mysql:shop/orders"},
	}
	require.NoError(t, s.SetResumeConf(conf))

	out, err := s.ResumeConf()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, conf.Equal(out), "stored configuration must round-trip exactly")

	require.NoError(t, s.ClearResumeConf())
	out, err = s.ResumeConf()
	require.NoError(t, err)
	assert.Nil(t, out)

	// Clearing an already-empty slot is fine.
	assert.NoError(t, s.ClearResumeConf())
}

func TestStore_KeyMaterial(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-apikey"), []byte("apikey-123\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("owner-key\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server-id"), []byte("srv-42\n"), 0o600))

	s, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, "apikey-123", s.SubAPIKey())
	assert.Equal(t, "owner-key", s.SessionKey())
	assert.Equal(t, "srv-42", s.ServerID())
	assert.Equal(t, filepath.Join(dir, "secret"), s.SecretPath())
}
