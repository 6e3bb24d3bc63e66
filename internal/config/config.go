package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	defaultAppFolder = ".tglinks"
	envPrefix        = "TGLINKS"
)

var (
	ErrConfiguration         = errors.New("configuration error")
	ErrTelegramNotConfigured = errors.New("telegram api_id and api_hash are not configured")
)

type Config struct {
	DataDir    string           `mapstructure:"data_dir"   validate:"required"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Bot        BotConfig        `mapstructure:"bot"`
	Collection CollectionConfig `mapstructure:"collection"`
	Backup     BackupConfig     `mapstructure:"backup"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Log        LogConfig        `mapstructure:"log"`
}

type TelegramConfig struct {
	APIID            int    `mapstructure:"api_id"             validate:"gte=0"`
	APIHash          string `mapstructure:"api_hash"`
	IncludePrivate   bool   `mapstructure:"include_private"`
	HistoryBatchSize int    `mapstructure:"history_batch_size" validate:"min=20,max=100"`
}

type BotConfig struct {
	Token          string `mapstructure:"token"`
	OperatorChatID int64  `mapstructure:"operator_chat_id"`
}

type CollectionConfig struct {
	WhatsAppLookback time.Duration `mapstructure:"whatsapp_lookback" validate:"min=1h"`
	MaxFileSize      int64         `mapstructure:"max_file_size"     validate:"min=1024"`
	ScratchDir       string        `mapstructure:"scratch_dir"`
	ResumeBackfill   bool          `mapstructure:"resume_backfill"`
}

type BackupConfig struct {
	Keep     int    `mapstructure:"keep"     validate:"gte=0"`
	Schedule string `mapstructure:"schedule"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"    validate:"min=0,max=65535"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// Load reads configuration from defaults, then the config file, then TGLINKS_*
// environment variables. With an empty path an optional ./config.yaml is used; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Telegram.APIHash = strings.TrimSpace(cfg.Telegram.APIHash)
	cfg.Bot.Token = strings.TrimSpace(cfg.Bot.Token)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("telegram.api_id", 0)
	v.SetDefault("telegram.api_hash", "")
	v.SetDefault("telegram.include_private", false)
	v.SetDefault("telegram.history_batch_size", 100)

	v.SetDefault("bot.token", "")
	v.SetDefault("bot.operator_chat_id", 0)

	v.SetDefault("collection.whatsapp_lookback", 60*24*time.Hour)
	v.SetDefault("collection.max_file_size", 15<<20)
	v.SetDefault("collection.scratch_dir", "")
	v.SetDefault("collection.resume_backfill", true)

	v.SetDefault("backup.keep", 7)
	v.SetDefault("backup.schedule", "0 3 * * *")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 8765)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// RequireTelegram reports whether MTProto credentials are present. Only commands that
// talk to Telegram as a user need them.
func (c *Config) RequireTelegram() error {
	if c.Telegram.APIID <= 0 || c.Telegram.APIHash == "" {
		return ErrTelegramNotConfigured
	}
	return nil
}

// NotificationsConfigured reports whether a bot token is set.
func (c *Config) NotificationsConfigured() bool {
	return c.Bot.Token != ""
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "tglinks.db")
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultAppFolder
	}
	return filepath.Join(home, defaultAppFolder)
}
