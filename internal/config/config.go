package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "SSHKEYAUTH"

type Settings struct {
	// Agent
	AgentSocket      string        `envconfig:"AGENT_SOCKET" default:""`
	AgentDialTimeout time.Duration `envconfig:"AGENT_DIAL_TIMEOUT" default:"2s"`
	AgentIOTimeout   time.Duration `envconfig:"AGENT_IO_TIMEOUT" default:"10s"`

	// Trust sources
	SSHDConfigPath   string        `envconfig:"SSHD_CONFIG" default:"/etc/ssh/sshd_config"`
	KnownHostsPath   string        `envconfig:"KNOWN_HOSTS" default:""`
	KnownHostsMaxAge time.Duration `envconfig:"KNOWN_HOSTS_MAX_AGE" default:"0"`
	Account          string        `envconfig:"ACCOUNT" default:""`

	// Identity manifest
	IdentitiesFile string `envconfig:"IDENTITIES_FILE" default:""`
	PassphraseKey  string `envconfig:"PASSPHRASE_KEY" default:""`

	// Audit trail; empty DatabasePath disables it
	DatabasePath       string `envconfig:"DATABASE_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Verify service
	ListenAddr          string        `envconfig:"LISTEN_ADDR" default:":8000"`
	MaintenanceSchedule string        `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 10m"`
	AllowedIPs          string        `envconfig:"ALLOWED_IPS" default:""`
	VerifyRateLimit     int           `envconfig:"VERIFY_RATE_LIMIT" default:"60"`
	VerifyMaxFailures   int           `envconfig:"VERIFY_MAX_FAILURES" default:"10"`
	VerifyBlockDuration time.Duration `envconfig:"VERIFY_BLOCK_DURATION" default:"5m"`

	LogPath string `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

func Load() {
	s, err := Process()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Process reads the settings from the environment without touching Cfg.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// AgentSocketPath returns the configured agent socket, falling back to
// $SSH_AUTH_SOCK.
func (s Settings) AgentSocketPath() string {
	if s.AgentSocket != "" {
		return s.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// KnownHostsFile returns the configured known_hosts path, falling back to
// ~/.ssh/known_hosts. It returns "" when neither is available.
func (s Settings) KnownHostsFile() string {
	if s.KnownHostsPath != "" {
		return s.KnownHostsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
