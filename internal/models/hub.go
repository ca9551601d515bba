package models

import "time"

// Profile is appliance-specific metadata issued by the Hub: the stock files
// and packages expected on this appliance, used by the engine to compute
// what actually needs backing up.
type Profile struct {
	ID        string    `yaml:"id" json:"id"`
	Version   string    `yaml:"version" json:"version"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	StockDirs []string  `yaml:"stock_dirs" json:"stock_dirs"`
	Packages  []string  `yaml:"packages" json:"packages"`
}

// Credentials are storage-access secrets for the backup target address.
type Credentials struct {
	AccessKey    string `yaml:"access_key" json:"access_key"`
	SecretKey    string `yaml:"secret_key" json:"secret_key"`
	SessionToken string `yaml:"session_token" json:"session_token,omitempty"`
}

// BackupRecord is the Hub-issued identity for one backup target. Its
// address, once obtained, is authoritative for where volumes are shipped.
type BackupRecord struct {
	BackupID string `yaml:"backup_id" json:"backup_id"`
	Address  string `yaml:"address" json:"address"`
	Key      string `yaml:"key" json:"key"` // subscription/owner key
}
