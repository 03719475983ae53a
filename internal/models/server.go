package models

import "time"

// ServerIdentity is the proxy-side name of a backend server
type ServerIdentity = string

// RCONConfig holds the optional remote console endpoint of a server
type RCONConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"-"`
}

// ServerConfig describes one managed backend server
type ServerConfig struct {
	Name          ServerIdentity `yaml:"-" json:"name"`
	PanelServerID string         `yaml:"id" json:"panel_server_id"`

	// Seconds without occupants before the server is stopped. Zero or
	// negative disables auto-stop.
	IdleTimeoutSeconds int `yaml:"timeout" json:"idle_timeout_seconds"`

	// Panel backup restored after every idle stop. Empty disables restore.
	BackupID string `yaml:"backupId" json:"backup_id,omitempty"`

	// host:port the reachability probe dials
	Address string      `yaml:"address" json:"address,omitempty"`
	RCON    *RCONConfig `yaml:"rcon" json:"rcon,omitempty"`
}

// IdleTimeout returns the configured idle timeout as a duration
func (s ServerConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// AutoStopEnabled reports whether idle stops are scheduled for the server
func (s ServerConfig) AutoStopEnabled() bool {
	return s.IdleTimeoutSeconds > 0
}

// RestoreEnabled reports whether stops run the restore-from-backup sequence
func (s ServerConfig) RestoreEnabled() bool {
	return s.BackupID != ""
}

// HasRCON reports whether an RCON endpoint is configured
func (s ServerConfig) HasRCON() bool {
	return s.RCON != nil && s.RCON.Address != ""
}
