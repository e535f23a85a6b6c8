package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// StunServer is handed to every transport element and echoed in
	// startResponse. Empty means the engine default.
	StunServer string `mapstructure:"stun_server"`
	// TranscodeDefault applies when /stream is opened without transcode.
	TranscodeDefault bool `mapstructure:"transcode_default"`

	StartLimit    int           `mapstructure:"start_limit"`
	StartInterval time.Duration `mapstructure:"start_interval"`

	Feed FeedConfig `mapstructure:"feed"`
}

// FeedConfig selects the lifecycle feed backend. Without RedisAddr events
// stay in process.
type FeedConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Topic     string `mapstructure:"topic"`
}

// Load reads config/config.<env>.yaml; env falls back to CONFIG_ENV, then
// "dev". STREAMER_* environment variables override file values.
func Load(env string) (*Config, error) {
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("streamer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "streamer-secret")
	v.SetDefault("stun_server", "")
	v.SetDefault("transcode_default", false)
	v.SetDefault("start_limit", 5)
	v.SetDefault("start_interval", "10s")
	v.SetDefault("feed.redis_addr", "")
	v.SetDefault("feed.topic", "streamer.sessions")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Bool("transcode_default", cfg.TranscodeDefault).
		Bool("redis_feed", cfg.Feed.RedisAddr != "").
		Msg("config ready")
	return &cfg, nil
}
