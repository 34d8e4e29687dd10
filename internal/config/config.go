// Package config loads server settings from the environment, an optional
// .env file and an optional config file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/park285/cheese-chess-server/internal/matchmaking"
)

type AppConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	WSAddr   string `mapstructure:"ws_addr"`

	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`

	JWTSecret           string `mapstructure:"jwt_secret"`
	TrustGatewayHeaders bool   `mapstructure:"trust_gateway_headers"`

	SessionTick     time.Duration `mapstructure:"session_tick"`
	ReconnectWindow time.Duration `mapstructure:"reconnect_window"`
	SnapshotBuffer  int           `mapstructure:"snapshot_buffer"`

	MMGapThreshold    float64       `mapstructure:"mm_gap_threshold"`
	MMWaitBonusPerSec float64       `mapstructure:"mm_wait_bonus_per_sec"`
	MMMaxWaitBonus    float64       `mapstructure:"mm_max_wait_bonus"`
	MMMaxPatience     time.Duration `mapstructure:"mm_max_patience"`
	MMSweepInterval   time.Duration `mapstructure:"mm_sweep_interval"`

	ForfeitSweepInterval   time.Duration `mapstructure:"forfeit_sweep_interval"`
	TournamentForfeitHours int           `mapstructure:"tournament_forfeit_hours"`
	ChallengeSweepInterval time.Duration `mapstructure:"challenge_sweep_interval"`

	CollabBaseURL string `mapstructure:"collab_base_url"`
	CollabToken   string `mapstructure:"collab_token"`

	ArchiveBucket          string `mapstructure:"archive_bucket"`
	ArchiveEndpoint        string `mapstructure:"archive_endpoint"`
	ArchiveRegion          string `mapstructure:"archive_region"`
	ArchiveAccessKeyID     string `mapstructure:"archive_access_key_id"`
	ArchiveSecretAccessKey string `mapstructure:"archive_secret_access_key"`

	MessagesDir      string `mapstructure:"messages_dir"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

func defaults() map[string]any {
	mm := matchmaking.DefaultConfig()
	return map[string]any{
		"http_addr":                 ":8080",
		"ws_addr":                   ":8081",
		"redis_url":                 "",
		"database_url":              "",
		"jwt_secret":                "",
		"trust_gateway_headers":     false,
		"session_tick":              100 * time.Millisecond,
		"reconnect_window":          60 * time.Second,
		"snapshot_buffer":           1024,
		"mm_gap_threshold":          mm.GapThreshold,
		"mm_wait_bonus_per_sec":     mm.WaitBonusPerSec,
		"mm_max_wait_bonus":         mm.MaxWaitBonus,
		"mm_max_patience":           mm.MaxPatience,
		"mm_sweep_interval":         time.Second,
		"forfeit_sweep_interval":    time.Minute,
		"tournament_forfeit_hours":  24,
		"challenge_sweep_interval":  30 * time.Second,
		"collab_base_url":           "",
		"collab_token":              "",
		"archive_bucket":            "",
		"archive_endpoint":          "",
		"archive_region":            "auto",
		"archive_access_key_id":     "",
		"archive_secret_access_key": "",
		"messages_dir":              "",
		"metrics_namespace":         "chess",
	}
}

// Load reads .env when present, then the environment and CONFIG_FILE.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	for k, d := range defaults() {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" && !c.TrustGatewayHeaders {
		return errors.New("JWT_SECRET is required unless TRUST_GATEWAY_HEADERS is set")
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.WSAddr == "" {
		return errors.New("WS_ADDR is required")
	}
	if c.ArchiveBucket == "" && c.ArchiveEndpoint != "" {
		return errors.New("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set")
	}
	if c.TournamentForfeitHours <= 0 {
		return fmt.Errorf("TOURNAMENT_FORFEIT_HOURS must be positive, got %d", c.TournamentForfeitHours)
	}
	return nil
}

// Matchmaking returns the queue tuning.
func (c *AppConfig) Matchmaking() matchmaking.Config {
	return matchmaking.Config{
		GapThreshold:    c.MMGapThreshold,
		WaitBonusPerSec: c.MMWaitBonusPerSec,
		MaxWaitBonus:    c.MMMaxWaitBonus,
		MaxPatience:     c.MMMaxPatience,
	}
}

func (c *AppConfig) TournamentForfeitAfter() time.Duration {
	return time.Duration(c.TournamentForfeitHours) * time.Hour
}
