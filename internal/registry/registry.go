// Package registry is the durable key/value state surviving process
// restarts: the cached Hub profile, credentials and backup record, and the
// last resumable run configuration.
//
// The store is an explicit object passed into each component. It has no
// lock of its own: only one orchestrator holds the exclusivity lock at a
// time, so there is a single writer by construction.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hubbak/hubbak/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultDir is the well-known registry location.
const DefaultDir = "/var/lib/hubbak"

const (
	fileProfile    = "profile.yaml"
	fileCreds      = "credentials.yaml"
	fileRecord     = "backup-record.yaml"
	fileResumeConf = "resume-conf.yaml"
	fileSubAPIKey  = "sub-apikey"
	fileSessionKey = "key"
	fileSecret     = "secret"
	fileServerID   = "server-id"
)

// Store is the persisted-state container backed by one file per datum
// under a state directory.
type Store struct {
	dir string
}

// New opens (creating if needed) the registry at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// SecretPath is the default location of the backup encryption secret.
func (s *Store) SecretPath() string { return filepath.Join(s.dir, fileSecret) }

// SubAPIKey returns the Hub subscription API key, or "" when the appliance
// has not been initialized against the Hub.
func (s *Store) SubAPIKey() string { return s.readString(fileSubAPIKey) }

// SessionKey returns the owner key supplied when creating backup records.
func (s *Store) SessionKey() string { return s.readString(fileSessionKey) }

// ServerID returns the optional server identifier, or "".
func (s *Store) ServerID() string { return s.readString(fileServerID) }

// Profile returns the cached appliance profile, or nil when absent.
func (s *Store) Profile() (*models.Profile, error) {
	var p models.Profile
	ok, err := s.readYAML(fileProfile, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// SetProfile replaces the cached profile.
func (s *Store) SetProfile(p *models.Profile) error {
	return s.writeYAML(fileProfile, p)
}

// Credentials returns the cached storage credentials, or nil when absent.
func (s *Store) Credentials() (*models.Credentials, error) {
	var c models.Credentials
	ok, err := s.readYAML(fileCreds, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// SetCredentials replaces the cached credentials.
func (s *Store) SetCredentials(c *models.Credentials) error {
	return s.writeYAML(fileCreds, c)
}

// BackupRecord returns the cached Hub backup record, or nil when absent.
func (s *Store) BackupRecord() (*models.BackupRecord, error) {
	var r models.BackupRecord
	ok, err := s.readYAML(fileRecord, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// SetBackupRecord replaces the cached backup record; nil discards it.
func (s *Store) SetBackupRecord(r *models.BackupRecord) error {
	if r == nil {
		return s.remove(fileRecord)
	}
	return s.writeYAML(fileRecord, r)
}

// ResumeConf returns the stored resumable configuration, or nil when none.
func (s *Store) ResumeConf() (*models.RunConfiguration, error) {
	var c models.RunConfiguration
	ok, err := s.readYAML(fileResumeConf, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// SetResumeConf stores conf as the resumable configuration for the next
// invocation.
func (s *Store) SetResumeConf(conf *models.RunConfiguration) error {
	return s.writeYAML(fileResumeConf, conf)
}

// ClearResumeConf empties the resumable-configuration slot.
func (s *Store) ClearResumeConf() error {
	return s.remove(fileResumeConf)
}

func (s *Store) readString(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s *Store) readYAML(name string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return true, nil
}

// writeYAML writes via temp file + rename so an interrupted write never
// leaves a half-written datum behind.
func (s *Store) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("committing %s: %w", name, err)
	}
	return nil
}

func (s *Store) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}
