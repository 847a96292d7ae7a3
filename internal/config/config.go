package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Tape          TapeConfig          `json:"tape"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	StaticDir string `json:"static_dir"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// DriveConfig holds configuration for a single tape drive
type DriveConfig struct {
	DevicePath  string `json:"device_path"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
}

// TapeConfig holds tape-related configuration
type TapeConfig struct {
	DefaultDevice    string        `json:"default_device"`
	Drives           []DriveConfig `json:"drives,omitempty"`
	BufferSizeMB     int           `json:"buffer_size_mb"`
	BlockSize        int           `json:"block_size"`
	PipelineDepthMB  int           `json:"pipeline_depth_mb"`
	WriteRetries     int           `json:"write_retries"`
	VerifyAfterWrite bool          `json:"verify_after_write"`
}

// CompressionMethod enumerates the supported archive compressors.
type CompressionMethod string

const (
	CompressionPgzip       CompressionMethod = "pgzip"
	Compression7ZipCommand CompressionMethod = "7zip_command"
	CompressionTar         CompressionMethod = "tar"
	CompressionZstd        CompressionMethod = "zstd"
)

// PipelineConfig holds the scan/group/compress/write pipeline knobs.
type PipelineConfig struct {
	MaxFileSize                    int64             `json:"max_file_size"`
	CompressionMethod              CompressionMethod `json:"compression_method"`
	CompressionLevel               int               `json:"compression_level"`
	CompressionThreads             int               `json:"compression_threads"`
	CompressDirectlyToTape         bool              `json:"compress_directly_to_tape"`
	DefaultRetentionMonths         int               `json:"default_retention_months"`
	StagingSyncBatchSize           int               `json:"staging_sync_batch_size"`
	StagingSyncIntervalSeconds     int               `json:"staging_sync_interval_seconds"`
	StagingMaxFiles                int               `json:"staging_max_files"`
	StagingCheckpointIntervalSecs  int               `json:"staging_checkpoint_interval_seconds"`
	StagingCheckpointRetentionHrs  int               `json:"staging_checkpoint_retention_hours"`
	ScanUpdateIntervalSeconds      int               `json:"scan_update_interval_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenExpiration int    `json:"token_expiration"` // hours
	SessionTimeout  int    `json:"session_timeout"`  // minutes
}

// NotificationsConfig holds notification configuration
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// EmailConfig holds SMTP email configuration
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	ToEmails   string `json:"to_emails"` // Comma-separated list
	UseTLS     bool   `json:"use_tls"`
	SkipVerify bool   `json:"skip_verify"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			StaticDir: "/opt/tapebackarr/static",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/tapebackarr/tapebackarr.db",
		},
		Tape: TapeConfig{
			DefaultDevice: "/dev/nst0",
			Drives: []DriveConfig{
				{DevicePath: "/dev/nst0", DisplayName: "Primary LTO Drive", Enabled: true},
			},
			BufferSizeMB:     2048,
			BlockSize:        1048576,
			PipelineDepthMB:  64,
			WriteRetries:     3,
			VerifyAfterWrite: true,
		},
		Pipeline: PipelineConfig{
			MaxFileSize:                   6 * 1024 * 1024 * 1024, // 6 GiB
			CompressionMethod:             CompressionZstd,
			CompressionLevel:              3,
			CompressionThreads:            4,
			CompressDirectlyToTape:        false,
			DefaultRetentionMonths:        12,
			StagingSyncBatchSize:          3000,
			StagingSyncIntervalSeconds:    5,
			StagingMaxFiles:               200000,
			StagingCheckpointIntervalSecs: 60,
			StagingCheckpointRetentionHrs: 24,
			ScanUpdateIntervalSeconds:     5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapebackarr/tapebackarr.log",
		},
		Auth: AuthConfig{
			JWTSecret:       "", // Must be set in config file
			TokenExpiration: 24,
			SessionTimeout:  60,
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
			Email: EmailConfig{
				Enabled:    false,
				SMTPHost:   "",
				SMTPPort:   587,
				Username:   "",
				Password:   "",
				FromEmail:  "",
				FromName:   "TapeBackarr",
				ToEmails:   "",
				UseTLS:     true,
				SkipVerify: false,
			},
		},
	}
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
